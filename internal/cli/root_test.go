package cmd_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cmd "github.com/rohmanhakim/harvester/internal/cli"
	"github.com/rohmanhakim/harvester/internal/config"
	"github.com/rohmanhakim/harvester/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

// committedBundles lists bundle directories holding a manifest.
func committedBundles(t *testing.T, outputDir string) []string {
	t.Helper()
	entries, err := os.ReadDir(outputDir)
	require.NoError(t, err)

	var bundles []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(outputDir, e.Name(), storage.ManifestName)); err == nil {
			bundles = append(bundles, e.Name())
		}
	}
	return bundles
}

func TestInitConfigWithError_FromFlags(t *testing.T) {
	cmd.ResetFlags()
	t.Cleanup(cmd.ResetFlags)

	dbPath := filepath.Join(t.TempDir(), "queue.db")
	cmd.SetSeedsForTest([]string{"https://example.org/a"})
	cmd.SetRunIDForTest("run-42")
	cmd.SetConcurrencyForTest(7)
	cmd.SetTargetQueueSizeForTest(0)
	cmd.SetOutputDirForTest("/tmp/out")
	cmd.SetCompressForTest(true)
	cmd.SetKVForTest(config.KVSQLite, "", dbPath)
	cmd.SetKafkaForTest("localhost:9092", "")
	cmd.SetLogFormatForTest("text")

	cfg, err := cmd.InitConfigWithError()
	require.NoError(t, err)

	assert.Equal(t, []string{"https://example.org/a"}, cfg.Seeds())
	assert.Equal(t, "run-42", cfg.RunID())
	assert.Equal(t, 7, cfg.Concurrency())
	assert.Zero(t, cfg.TargetQueueSize())
	assert.Equal(t, "/tmp/out", cfg.OutputDir())
	assert.True(t, cfg.Compress())
	assert.Equal(t, config.KVSQLite, cfg.KVBackend())
	assert.Equal(t, dbPath, cfg.KVPath())
	assert.Equal(t, "localhost:9092", cfg.KafkaBroker())
	assert.Equal(t, "harvester.bundles", cfg.KafkaTopic())
	assert.Equal(t, "text", cfg.LogFormat())
}

func TestInitConfigWithError_DefaultsWhenFlagsUnset(t *testing.T) {
	cmd.ResetFlags()
	t.Cleanup(cmd.ResetFlags)
	cmd.SetSourceDirForTest("/srv/docs")

	cfg, err := cmd.InitConfigWithError()
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Concurrency())
	assert.Equal(t, 64, cfg.TargetQueueSize())
	assert.Equal(t, "output", cfg.OutputDir())
	assert.Equal(t, config.KVMemory, cfg.KVBackend())
	assert.Equal(t, -1, cfg.SourceMaxDepth())
}

func TestInitConfigWithError_NoWorkSource(t *testing.T) {
	cmd.ResetFlags()
	t.Cleanup(cmd.ResetFlags)

	_, err := cmd.InitConfigWithError()
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestInitConfigWithError_ConfigFileWins(t *testing.T) {
	cmd.ResetFlags()
	t.Cleanup(cmd.ResetFlags)

	path := filepath.Join(t.TempDir(), "harvester.toml")
	require.NoError(t, os.WriteFile(path, []byte("seeds = [\"file:///data/a.txt\"]\nconcurrency = 9\n"), 0o644))
	cmd.SetConfigFileForTest(path)
	cmd.SetConcurrencyForTest(2)

	cfg, err := cmd.InitConfigWithError()
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Concurrency())
	assert.Equal(t, []string{"file:///data/a.txt"}, cfg.Seeds())
}

func TestInitConfigWithError_MissingConfigFile(t *testing.T) {
	cmd.ResetFlags()
	t.Cleanup(cmd.ResetFlags)
	cmd.SetConfigFileForTest(filepath.Join(t.TempDir(), "nope.json"))

	_, err := cmd.InitConfigWithError()
	assert.ErrorIs(t, err, config.ErrFileDoesNotExist)
}

func TestHarvest_SourceDirectory(t *testing.T) {
	src := t.TempDir()
	out := t.TempDir()
	writeFiles(t, src, map[string]string{
		"a.md":        "# a",
		"b.md":        "# b",
		"nested/c.md": "# c",
		"skip.bin":    "binary",
	})

	cfg, err := config.WithDefault().
		WithSourceDir(src).
		WithSourceExtensions([]string{".md"}).
		WithOutputDir(out).
		WithConcurrency(2).
		Build()
	require.NoError(t, err)

	result, err := cmd.Harvest(context.Background(), cfg, discardLogger())
	require.NoError(t, err)

	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, int64(3), result.Processed)
	assert.Zero(t, result.Failed)
	assert.Equal(t, int64(3), result.Bundles)
	assert.Zero(t, result.Remaining)
	assert.Len(t, committedBundles(t, out), 3)
}

func TestHarvest_HTTPSeeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/one", "/two":
			w.Header().Set("Content-Type", "text/plain")
			w.Write([]byte("payload " + r.URL.Path))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	out := t.TempDir()
	cfg, err := config.WithDefault().
		WithSeeds([]string{srv.URL + "/one", srv.URL + "/two", srv.URL + "/missing"}).
		WithOutputDir(out).
		Build()
	require.NoError(t, err)

	result, err := cmd.Harvest(context.Background(), cfg, discardLogger())
	require.NoError(t, err)

	assert.Equal(t, int64(2), result.Processed)
	assert.Equal(t, int64(1), result.Failed)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, srv.URL+"/missing", result.Failures[0].ItemID)
	assert.Len(t, committedBundles(t, out), 2)
}

func TestHarvest_RespectRobots(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/robots.txt":
			w.Write([]byte("User-agent: *\nDisallow: /private\n"))
		case "/public", "/private":
			w.Write([]byte("payload"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	out := t.TempDir()
	cfg, err := config.WithDefault().
		WithSeeds([]string{srv.URL + "/public", srv.URL + "/private"}).
		WithOutputDir(out).
		WithRespectRobots(true).
		Build()
	require.NoError(t, err)

	result, err := cmd.Harvest(context.Background(), cfg, discardLogger())
	require.NoError(t, err)

	assert.Equal(t, int64(1), result.Processed)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, srv.URL+"/private", result.Failures[0].ItemID)
	assert.Len(t, committedBundles(t, out), 1)
}

func TestHarvest_SQLiteQueue(t *testing.T) {
	src := t.TempDir()
	out := t.TempDir()
	writeFiles(t, src, map[string]string{"only.txt": "hello"})

	cfg, err := config.WithDefault().
		WithRunID("sqlite-run").
		WithSeeds([]string{"only.txt"}).
		WithSourceDir(src).
		WithOutputDir(out).
		WithKV(config.KVSQLite, "", filepath.Join(t.TempDir(), "queue.db")).
		Build()
	require.NoError(t, err)

	result, err := cmd.Harvest(context.Background(), cfg, discardLogger())
	require.NoError(t, err)

	assert.Equal(t, "sqlite-run", result.RunID)
	// the seed and the walked file name the same path through different ids
	assert.GreaterOrEqual(t, result.Processed, int64(1))
	assert.Zero(t, result.Failed)
}

func TestHarvest_CancelledBeforeStart(t *testing.T) {
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"a.txt": "a"})

	cfg, err := config.WithDefault().WithSourceDir(src).WithOutputDir(t.TempDir()).Build()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = cmd.Harvest(ctx, cfg, discardLogger())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	root := cmd.RootCommand()
	root.SetOut(&buf)
	root.SetArgs([]string{"version"})
	t.Cleanup(func() {
		root.SetOut(nil)
		root.SetArgs(nil)
	})

	require.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), "harvester ")
	assert.Contains(t, buf.String(), "+")
}

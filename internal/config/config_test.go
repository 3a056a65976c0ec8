package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rohmanhakim/harvester/internal/config"
	"github.com/rohmanhakim/harvester/internal/pool"
	"github.com/rohmanhakim/harvester/pkg/hashutil"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestWithDefault(t *testing.T) {
	cfg, err := config.WithDefault().WithSeeds([]string{"https://example.org"}).Build()
	require.NoError(t, err)

	assert.Equal(t, []string{"https://example.org"}, cfg.Seeds())
	assert.Empty(t, cfg.RunID())
	assert.Equal(t, 4, cfg.Concurrency())
	assert.Equal(t, 64, cfg.TargetQueueSize())
	assert.Equal(t, 4, cfg.BatchSize())
	assert.Equal(t, 10*time.Second, cfg.GracePeriod())
	assert.Equal(t, -1, cfg.SourceMaxDepth())
	assert.Equal(t, "harvester/1.0", cfg.UserAgent())
	assert.Equal(t, config.KVMemory, cfg.KVBackend())
	assert.Equal(t, "harvester", cfg.KVPrefix())
	assert.Equal(t, "output", cfg.OutputDir())
	assert.False(t, cfg.Compress())
	assert.False(t, cfg.RespectRobots())
	assert.Equal(t, hashutil.HashAlgoBLAKE3, cfg.HashAlgo())
	assert.Empty(t, cfg.KafkaBroker())
	assert.Equal(t, "harvester.bundles", cfg.KafkaTopic())
	assert.Empty(t, cfg.MetricsAddr())
	assert.Equal(t, "info", cfg.LogLevel())
	assert.Equal(t, "json", cfg.LogFormat())

	assert.Equal(t, pool.DefaultProtocolConfig(config.ProtocolHTTP), cfg.Protocol(config.ProtocolHTTP))
	file := cfg.Protocol(config.ProtocolFile)
	assert.Zero(t, file.RequestsPerSecond)
	assert.Equal(t, 1, file.MaxRetries)
}

func TestProtocol_UnknownFallsBackToPoolDefaults(t *testing.T) {
	cfg, err := config.WithDefault().WithSeeds([]string{"x"}).Build()
	require.NoError(t, err)
	assert.Equal(t, pool.DefaultProtocolConfig("sftp"), cfg.Protocol("sftp"))
}

func TestBuilderChain(t *testing.T) {
	httpCfg := pool.DefaultProtocolConfig(config.ProtocolHTTP)
	httpCfg.RequestsPerSecond = 20

	cfg, err := config.WithDefault().
		WithRunID("run-1").
		WithConcurrency(8).
		WithTargetQueueSize(0).
		WithBatchSize(16).
		WithGracePeriod(time.Second).
		WithSourceDir("/data").
		WithSourceMaxDepth(2).
		WithSourceExtensions([]string{".md"}).
		WithListingURL("https://api.example.com/items").
		WithListingMaxPages(3).
		WithProtocol(httpCfg).
		WithUserAgent("bot/2").
		WithAuthToken("secret").
		WithRespectRobots(true).
		WithKV(config.KVRedis, "localhost:6379", "").
		WithKVPrefix("h").
		WithOutputDir("/out").
		WithCompress(true).
		WithHashAlgo(hashutil.HashAlgoSHA256).
		WithKafka("localhost:9092", "events").
		WithMetricsAddr(":9100").
		WithLogLevel("debug").
		WithLogFormat("text").
		Build()
	require.NoError(t, err)

	assert.Equal(t, "run-1", cfg.RunID())
	assert.Equal(t, 8, cfg.Concurrency())
	assert.Zero(t, cfg.TargetQueueSize())
	assert.Equal(t, 16, cfg.BatchSize())
	assert.Equal(t, time.Second, cfg.GracePeriod())
	assert.Equal(t, "/data", cfg.SourceDir())
	assert.Equal(t, 2, cfg.SourceMaxDepth())
	assert.Equal(t, []string{".md"}, cfg.SourceExtensions())
	assert.Equal(t, "https://api.example.com/items", cfg.ListingURL())
	assert.Equal(t, 3, cfg.ListingMaxPages())
	assert.Equal(t, 20.0, cfg.Protocol(config.ProtocolHTTP).RequestsPerSecond)
	assert.Equal(t, "bot/2", cfg.UserAgent())
	assert.Equal(t, "secret", cfg.AuthToken())
	assert.True(t, cfg.RespectRobots())
	assert.Equal(t, config.KVRedis, cfg.KVBackend())
	assert.Equal(t, "localhost:6379", cfg.KVAddr())
	assert.Equal(t, "h", cfg.KVPrefix())
	assert.Equal(t, "/out", cfg.OutputDir())
	assert.True(t, cfg.Compress())
	assert.Equal(t, hashutil.HashAlgoSHA256, cfg.HashAlgo())
	assert.Equal(t, "localhost:9092", cfg.KafkaBroker())
	assert.Equal(t, "events", cfg.KafkaTopic())
	assert.Equal(t, ":9100", cfg.MetricsAddr())
	assert.Equal(t, "debug", cfg.LogLevel())
	assert.Equal(t, "text", cfg.LogFormat())
}

func TestGettersReturnCopies(t *testing.T) {
	cfg, err := config.WithDefault().WithSeeds([]string{"a", "b"}).Build()
	require.NoError(t, err)

	seeds := cfg.Seeds()
	seeds[0] = "mutated"
	assert.Equal(t, "a", cfg.Seeds()[0])
}

func TestBuild_Validation(t *testing.T) {
	tests := []struct {
		name  string
		build func() *config.Config
	}{
		{"no work source", func() *config.Config { return config.WithDefault() }},
		{"zero concurrency", func() *config.Config {
			return config.WithDefault().WithSeeds([]string{"x"}).WithConcurrency(0)
		}},
		{"negative target queue size", func() *config.Config {
			return config.WithDefault().WithSeeds([]string{"x"}).WithTargetQueueSize(-1)
		}},
		{"zero batch size", func() *config.Config {
			return config.WithDefault().WithSeeds([]string{"x"}).WithBatchSize(0)
		}},
		{"redis without addr", func() *config.Config {
			return config.WithDefault().WithSeeds([]string{"x"}).WithKV(config.KVRedis, "", "")
		}},
		{"sqlite without path", func() *config.Config {
			return config.WithDefault().WithSeeds([]string{"x"}).WithKV(config.KVSQLite, "", "")
		}},
		{"unknown backend", func() *config.Config {
			return config.WithDefault().WithSeeds([]string{"x"}).WithKV("etcd", "", "")
		}},
		{"unknown hash", func() *config.Config {
			return config.WithDefault().WithSeeds([]string{"x"}).WithHashAlgo("md5")
		}},
		{"unknown log format", func() *config.Config {
			return config.WithDefault().WithSeeds([]string{"x"}).WithLogFormat("xml")
		}},
		{"negative retries", func() *config.Config {
			p := pool.DefaultProtocolConfig("http")
			p.MaxRetries = -1
			return config.WithDefault().WithSeeds([]string{"x"}).WithProtocol(p)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.build().Build()
			assert.ErrorIs(t, err, config.ErrInvalidConfig)
		})
	}
}

func TestBuild_RunIDAloneResumes(t *testing.T) {
	cfg, err := config.WithDefault().WithRunID("interrupted-run").Build()
	require.NoError(t, err)
	assert.Equal(t, "interrupted-run", cfg.RunID())
}

func TestWithConfigFile_FileDoesNotExist(t *testing.T) {
	_, err := config.WithConfigFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, config.ErrFileDoesNotExist)
}

func TestWithConfigFile_InvalidJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{"seeds": [`)
	_, err := config.WithConfigFile(path)
	assert.ErrorIs(t, err, config.ErrConfigParsingFail)
}

func TestWithConfigFile_InvalidTOML(t *testing.T) {
	path := writeConfig(t, "config.toml", `seeds = [`)
	_, err := config.WithConfigFile(path)
	assert.ErrorIs(t, err, config.ErrConfigParsingFail)
}

func TestWithConfigFile_InvalidDuration(t *testing.T) {
	path := writeConfig(t, "config.json", `{"seeds": ["x"], "gracePeriod": "soon"}`)
	_, err := config.WithConfigFile(path)
	assert.ErrorIs(t, err, config.ErrConfigParsingFail)
}

func TestWithConfigFile_JSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"runId": "nightly",
		"concurrency": 6,
		"targetQueueSize": 0,
		"gracePeriod": "3s",
		"seeds": ["https://example.org/a"],
		"sourceMaxDepth": 0,
		"protocols": {
			"http": {"requestsPerSecond": 2, "maxRetries": 0, "baseDelay": "50ms", "jitter": false},
			"s3": {"maxConnections": 4}
		},
		"kv": {"backend": "sqlite", "path": "/tmp/q.db"},
		"compress": true,
		"hashAlgo": "sha256",
		"kafkaBroker": "broker:9092",
		"logFormat": "text"
	}`)

	cfg, err := config.WithConfigFile(path)
	require.NoError(t, err)

	assert.Equal(t, "nightly", cfg.RunID())
	assert.Equal(t, 6, cfg.Concurrency())
	assert.Zero(t, cfg.TargetQueueSize())
	assert.Equal(t, 3*time.Second, cfg.GracePeriod())
	assert.Equal(t, []string{"https://example.org/a"}, cfg.Seeds())
	assert.Zero(t, cfg.SourceMaxDepth())

	httpCfg := cfg.Protocol(config.ProtocolHTTP)
	assert.Equal(t, 2.0, httpCfg.RequestsPerSecond)
	assert.Zero(t, httpCfg.MaxRetries)
	assert.Equal(t, 50*time.Millisecond, httpCfg.BaseDelay)
	assert.False(t, httpCfg.Jitter)
	// untouched fields keep pool defaults
	assert.Equal(t, pool.DefaultProtocolConfig("http").RequestTimeout, httpCfg.RequestTimeout)

	s3 := cfg.Protocol("s3")
	assert.Equal(t, "s3", s3.Protocol)
	assert.Equal(t, 4, s3.MaxConnections)

	assert.Equal(t, config.KVSQLite, cfg.KVBackend())
	assert.Equal(t, "/tmp/q.db", cfg.KVPath())
	assert.Equal(t, "harvester", cfg.KVPrefix())
	assert.True(t, cfg.Compress())
	assert.Equal(t, hashutil.HashAlgoSHA256, cfg.HashAlgo())
	assert.Equal(t, "broker:9092", cfg.KafkaBroker())
	assert.Equal(t, "harvester.bundles", cfg.KafkaTopic())
	assert.Equal(t, "text", cfg.LogFormat())
}

func TestWithConfigFile_JSONNumericDuration(t *testing.T) {
	path := writeConfig(t, "config.json", `{"seeds": ["x"], "gracePeriod": 2000000000}`)
	cfg, err := config.WithConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.GracePeriod())
}

func TestWithConfigFile_TOML(t *testing.T) {
	path := writeConfig(t, "harvester.toml", `
runId = "from-toml"
concurrency = 3
sourceDir = "/srv/docs"
sourceExtensions = [".md", ".txt"]
listingUrl = "https://api.example.com/list"
listingMaxPages = 10
gracePeriod = "1m"
metricsAddr = ":9100"
respectRobots = true

[kv]
backend = "redis"
addr = "redis:6379"
prefix = "crawl"

[protocols.http]
requestsPerSecond = 1.5
requestTimeout = "5s"
`)

	cfg, err := config.WithConfigFile(path)
	require.NoError(t, err)

	assert.Equal(t, "from-toml", cfg.RunID())
	assert.Equal(t, 3, cfg.Concurrency())
	assert.Equal(t, "/srv/docs", cfg.SourceDir())
	assert.Equal(t, []string{".md", ".txt"}, cfg.SourceExtensions())
	assert.Equal(t, "https://api.example.com/list", cfg.ListingURL())
	assert.Equal(t, 10, cfg.ListingMaxPages())
	assert.Equal(t, time.Minute, cfg.GracePeriod())
	assert.Equal(t, ":9100", cfg.MetricsAddr())
	assert.True(t, cfg.RespectRobots())
	assert.Equal(t, config.KVRedis, cfg.KVBackend())
	assert.Equal(t, "redis:6379", cfg.KVAddr())
	assert.Equal(t, "crawl", cfg.KVPrefix())
	assert.Equal(t, 1.5, cfg.Protocol(config.ProtocolHTTP).RequestsPerSecond)
	assert.Equal(t, 5*time.Second, cfg.Protocol(config.ProtocolHTTP).RequestTimeout)
	assert.Equal(t, 64, cfg.TargetQueueSize())
}

func TestWithConfigFile_EmptyJSONNeedsSource(t *testing.T) {
	path := writeConfig(t, "config.json", `{}`)
	_, err := config.WithConfigFile(path)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

package locator_test

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rohmanhakim/harvester/internal/pool"
	"github.com/rohmanhakim/harvester/internal/work"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRunContext() *work.RunContext {
	return work.NewRunContext("run-test", pool.NewManager(), pool.AppContext{UserAgent: "harvester-test"}, discardLogger())
}

func fastHTTPConfig() pool.ProtocolConfig {
	cfg := pool.DefaultProtocolConfig("http")
	cfg.RequestsPerSecond = 0
	cfg.MaxRetries = 1
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	cfg.Jitter = false
	return cfg
}

// writeTree creates files (relative paths) under root.
func writeTree(t *testing.T, root string, files ...string) {
	t.Helper()
	for _, f := range files {
		full := filepath.Join(root, filepath.FromSlash(f))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(f), 0o644))
	}
}

func ids(items []work.WorkItem) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.ID
	}
	return out
}

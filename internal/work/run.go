package work

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rohmanhakim/harvester/internal/pool"
)

// RunContext is shared by every worker of one run.
type RunContext struct {
	runID     string
	startedAt time.Time
	pools     *pool.Manager
	app       pool.AppContext
	logger    *slog.Logger

	processed atomic.Int64
	failed    atomic.Int64
	bundles   atomic.Int64
}

func NewRunContext(runID string, pools *pool.Manager, app pool.AppContext, logger *slog.Logger) *RunContext {
	if logger == nil {
		logger = slog.Default()
	}
	if pools == nil {
		pools = pool.NewManager()
	}
	return &RunContext{
		runID:     runID,
		startedAt: time.Now(),
		pools:     pools,
		app:       app,
		logger:    logger,
	}
}

// RunID is also the queue namespace of the run.
func (r *RunContext) RunID() string {
	return r.runID
}

func (r *RunContext) StartedAt() time.Time {
	return r.startedAt
}

func (r *RunContext) Pools() *pool.Manager {
	return r.pools
}

// App carries the per-call credentials and client identity.
func (r *RunContext) App() pool.AppContext {
	return r.app
}

func (r *RunContext) Logger() *slog.Logger {
	return r.logger
}

func (r *RunContext) MarkProcessed() {
	r.processed.Add(1)
}

func (r *RunContext) MarkFailed() {
	r.failed.Add(1)
}

func (r *RunContext) AddBundles(n int) {
	r.bundles.Add(int64(n))
}

func (r *RunContext) Processed() int64 {
	return r.processed.Load()
}

func (r *RunContext) Failed() int64 {
	return r.failed.Load()
}

func (r *RunContext) Bundles() int64 {
	return r.bundles.Load()
}

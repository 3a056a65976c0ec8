package pool

import (
	"log/slog"
	"sort"
	"sync"
)

// Manager owns the pools of a process, keyed by ProtocolConfig fingerprint.
// Pools are created on first use and live as long as the manager.
type Manager struct {
	mu       sync.Mutex
	pools    map[string]*Pool
	observer Observer
	logger   *slog.Logger
}

type ManagerOption func(*Manager)

func WithObserver(o Observer) ManagerOption {
	return func(m *Manager) {
		if o != nil {
			m.observer = o
		}
	}
}

func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		pools:    make(map[string]*Pool),
		observer: noopObserver{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetOrCreatePool returns the pool for cfg, creating it when no pool with the
// same fingerprint exists yet.
func (m *Manager) GetOrCreatePool(cfg ProtocolConfig) *Pool {
	fingerprint := cfg.Fingerprint()

	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pools[fingerprint]; ok {
		return p
	}

	p := newPool(cfg, fingerprint, m.observer)
	m.pools[fingerprint] = p
	m.observer.PoolCreated(cfg.Protocol)
	m.logger.Debug("connection pool created",
		slog.String("protocol", cfg.Protocol),
		slog.Float64("requests_per_second", cfg.RequestsPerSecond),
		slog.Int("max_retries", cfg.MaxRetries),
	)
	return p
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pools)
}

// Pools returns every pool ordered by fingerprint.
func (m *Manager) Pools() []*Pool {
	m.mu.Lock()
	out := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].fingerprint < out[j].fingerprint })
	return out
}

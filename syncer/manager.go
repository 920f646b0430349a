package syncer

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ManagerConfig holds periodic sync configuration.
type ManagerConfig struct {
	// PushInterval is how often local changes are pushed. Zero disables.
	PushInterval time.Duration

	// PullInterval is how often stale cards are pulled. Zero disables.
	PullInterval time.Duration

	// Logger for sync events.
	Logger *slog.Logger
}

// DefaultManagerConfig returns a default configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		PushInterval: 2 * time.Hour,
		PullInterval: 24 * time.Hour,
		Logger:       slog.Default(),
	}
}

// Manager runs pushes and stale pulls on independent tickers.
type Manager struct {
	config  ManagerConfig
	gateway *Gateway
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager creates a new periodic sync manager.
func NewManager(g *Gateway, cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		config:  cfg,
		gateway: g,
		logger:  cfg.Logger.With("component", "sync_manager"),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins background sync. The first push and pull run after one
// interval.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped || m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Stop stops background sync and waits for an in-flight run.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func tickerChan(d time.Duration) (<-chan time.Time, func()) {
	if d <= 0 {
		return nil, func() {}
	}
	t := time.NewTicker(d)
	return t.C, t.Stop
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	pushC, stopPush := tickerChan(m.config.PushInterval)
	defer stopPush()
	pullC, stopPull := tickerChan(m.config.PullInterval)
	defer stopPull()

	m.logger.Info("periodic sync started",
		"push_interval", m.config.PushInterval,
		"pull_interval", m.config.PullInterval,
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-pushC:
			m.RunPush(ctx)
		case <-pullC:
			m.RunPull(ctx)
		}
	}
}

// RunPush performs a single push.
func (m *Manager) RunPush(ctx context.Context) {
	if _, err := m.gateway.Push(ctx); err != nil {
		m.logger.Error("periodic push failed", "error", err)
	}
}

// RunPull performs a single stale pull.
func (m *Manager) RunPull(ctx context.Context) {
	if _, err := m.gateway.PullStale(ctx); err != nil {
		m.logger.Error("periodic pull failed", "error", err)
	}
}

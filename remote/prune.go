package remote

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cardstats "github.com/wolfeidau/card-stats"
)

// PrunerConfig configures the Pruner.
type PrunerConfig struct {
	Interval time.Duration // How often to run (default: 1h)
	MaxAge   time.Duration // Entries older than this are deleted (default: MaxEntryAge)
	Logger   *slog.Logger
}

// DefaultPrunerConfig returns the default pruning configuration.
func DefaultPrunerConfig() PrunerConfig {
	return PrunerConfig{
		Interval: 1 * time.Hour,
		MaxAge:   MaxEntryAge,
		Logger:   slog.Default(),
	}
}

// PruneResult contains the results of a prune run.
type PruneResult struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Cutoff    int64         `json:"cutoff"`
	Deleted   int64         `json:"deleted"`
	Error     string        `json:"error,omitempty"`
}

// Pruner periodically deletes entries that have not been refreshed within
// MaxAge. It runs once immediately on Start.
type Pruner struct {
	store  Store
	config PrunerConfig
	logger *slog.Logger
	now    func() time.Time

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
	lastRun *PruneResult
}

// NewPruner creates a new pruner.
func NewPruner(s Store, config PrunerConfig) *Pruner {
	if config.Interval <= 0 {
		config.Interval = 1 * time.Hour
	}
	if config.MaxAge <= 0 {
		config.MaxAge = MaxEntryAge
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Pruner{
		store:  s,
		config: config,
		logger: config.Logger.With("component", "pruner"),
		now:    time.Now,
	}
}

// Start starts the background prune goroutine.
func (p *Pruner) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.mu.Unlock()

	go p.run(ctx)
}

// Stop stops the pruner and waits for the current run to finish.
func (p *Pruner) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	stopCh, doneCh := p.stopCh, p.doneCh
	p.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow prunes immediately.
func (p *Pruner) RunNow(ctx context.Context) *PruneResult {
	return p.runOnce(ctx)
}

// Status returns the last prune result.
func (p *Pruner) Status() *PruneResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRun
}

func (p *Pruner) run(ctx context.Context) {
	defer close(p.doneCh)

	p.logger.Info("pruner starting", "interval", p.config.Interval, "max_age", p.config.MaxAge)

	p.runOnce(ctx)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.runOnce(ctx)
		case <-p.stopCh:
			p.logger.Info("pruner stopped")
			return
		case <-ctx.Done():
			p.logger.Info("pruner context cancelled")
			return
		}
	}
}

func (p *Pruner) runOnce(ctx context.Context) *PruneResult {
	start := p.now()
	result := &PruneResult{
		StartedAt: start,
		Cutoff:    cardstats.Millis(start.Add(-p.config.MaxAge)),
	}

	deleted, err := p.store.Prune(ctx, result.Cutoff)
	result.Duration = p.now().Sub(start)
	if err != nil {
		result.Error = err.Error()
		p.logger.Error("prune failed", "error", err)
	} else {
		result.Deleted = deleted
		if deleted > 0 {
			p.logger.Info("pruned old entries", "deleted", deleted, "duration", result.Duration)
		} else {
			p.logger.Debug("prune complete, nothing to delete")
		}
	}

	p.mu.Lock()
	p.lastRun = result
	p.mu.Unlock()

	return result
}

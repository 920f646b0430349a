// Package gate implements a soft concurrency limiter for scrape sequences.
//
// Acquire polls with randomized waits while the limit is reached and, after a
// bounded number of waits, proceeds anyway. Exceeding the limit briefly under
// heavy contention is accepted in exchange for never starving a caller.
package gate

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/wolfeidau/card-stats/telemetry"
)

// recordActive moves the active-slots gauge.
var recordActive = telemetry.RecordGateActive

// Config holds gate configuration.
type Config struct {
	// MaxActive is the number of sequences allowed to run at once.
	MaxActive int

	// PollMin and PollMax bound each randomized wait.
	PollMin time.Duration
	PollMax time.Duration

	// MaxWaits is how many waits a caller makes before proceeding regardless.
	MaxWaits int

	Logger *slog.Logger
}

// DefaultConfig returns the default gate configuration.
func DefaultConfig() Config {
	return Config{
		MaxActive: 5,
		PollMin:   300 * time.Millisecond,
		PollMax:   500 * time.Millisecond,
		MaxWaits:  20,
		Logger:    slog.Default(),
	}
}

// Gate counts active sequences.
type Gate struct {
	config Config
	sleep  func(context.Context, time.Duration) error
	jitter func(time.Duration) time.Duration
	logger *slog.Logger

	mu     sync.Mutex
	active int
	peak   int
}

// Option configures a Gate.
type Option func(*Gate)

// WithSleep replaces the wait function, for testing.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(g *Gate) {
		g.sleep = sleep
	}
}

// WithJitter replaces the random source; fn returns a value in [0, n).
func WithJitter(fn func(n time.Duration) time.Duration) Option {
	return func(g *Gate) {
		g.jitter = fn
	}
}

// New creates a gate.
func New(config Config, opts ...Option) *Gate {
	def := DefaultConfig()
	if config.MaxActive <= 0 {
		config.MaxActive = def.MaxActive
	}
	if config.PollMin <= 0 {
		config.PollMin = def.PollMin
	}
	if config.PollMax < config.PollMin {
		config.PollMax = config.PollMin
	}
	if config.MaxWaits <= 0 {
		config.MaxWaits = def.MaxWaits
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}

	g := &Gate{
		config: config,
		sleep:  sleep,
		jitter: Jitter,
		logger: config.Logger.With("component", "gate"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Acquire takes a slot, waiting while the gate is full. After MaxWaits waits it
// takes a slot anyway. It returns an error only if ctx is done while waiting;
// in that case no slot is held.
func (g *Gate) Acquire(ctx context.Context) error {
	waits := 0
	for {
		if g.tryAcquire(waits >= g.config.MaxWaits) {
			forced := waits >= g.config.MaxWaits
			if forced {
				g.logger.Warn("gate wait exhausted, proceeding over limit",
					"waits", waits, "active", g.Active(), "max_active", g.config.MaxActive)
			}
			telemetry.RecordGateAcquire(ctx, waits, forced)
			return nil
		}

		delay := g.config.PollMin
		if span := g.config.PollMax - g.config.PollMin; span > 0 {
			delay += g.jitter(span)
		}
		if err := g.sleep(ctx, delay); err != nil {
			return err
		}
		waits++
	}
}

// Release frees a slot.
func (g *Gate) Release() {
	g.mu.Lock()
	released := g.active > 0
	if released {
		g.active--
	}
	g.mu.Unlock()
	if released {
		recordActive(context.Background(), -1)
	}
}

// Active returns the number of held slots.
func (g *Gate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Peak returns the highest number of slots held at once.
func (g *Gate) Peak() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}

func (g *Gate) tryAcquire(force bool) bool {
	g.mu.Lock()
	if g.active >= g.config.MaxActive && !force {
		g.mu.Unlock()
		return false
	}
	g.active++
	if g.active > g.peak {
		g.peak = g.active
	}
	g.mu.Unlock()
	recordActive(context.Background(), 1)
	return true
}

// Jitter returns a random duration in [0, n).
func Jitter(n time.Duration) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(n)))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

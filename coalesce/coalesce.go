// Package coalesce provides singleflight-based deduplication of concurrent
// resolutions. When several callers ask for the same uncached key, only one
// resolution runs and every caller receives its result.
package coalesce

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Func performs one resolution. The context passed to Func is detached from
// any single caller so that one caller giving up does not cancel the work
// for the other waiters.
type Func[T any] func(ctx context.Context) (T, error)

// Group deduplicates concurrent resolutions for the same key using
// singleflight. It uses DoChan so each caller can respect its own context
// deadline without cancelling the in-flight resolution for others.
type Group[T any] struct {
	group  singleflight.Group
	logger *slog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// Option configures a Group.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger for the group.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New creates a new Group.
func New[T any](opts ...Option) *Group[T] {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Group[T]{
		logger:   o.logger,
		inFlight: make(map[string]struct{}),
	}
}

// Do runs fn once per key among concurrent callers.
// Returns the result, whether it was shared with another caller, and any error.
//
// If the caller's context expires before the resolution completes, Do returns
// the context error but the resolution continues for other waiters.
func (g *Group[T]) Do(ctx context.Context, key string, fn Func[T]) (T, bool, error) {
	ch := g.group.DoChan(key, func() (any, error) {
		g.mark(key, true)
		defer g.mark(key, false)
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Shared {
			g.logger.Debug("coalesced resolution", "key", key)
		}
		v, _ := res.Val.(T)
		return v, res.Shared, res.Err
	case <-ctx.Done():
		var zero T
		return zero, false, ctx.Err()
	}
}

// InFlight reports whether a resolution for key is currently running.
func (g *Group[T]) InFlight(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.inFlight[key]
	return ok
}

// Len returns the number of running resolutions.
func (g *Group[T]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inFlight)
}

func (g *Group[T]) mark(key string, running bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if running {
		g.inFlight[key] = struct{}{}
	} else {
		delete(g.inFlight, key)
	}
}

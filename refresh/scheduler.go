// Package refresh runs delayed, fire-and-forget work keyed by cache key.
// At most one task is pending per key; callers never wait on the result.
package refresh

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Func is the work run when a task fires.
type Func func(ctx context.Context)

// Timer is a pending task handle.
type Timer interface {
	// Stop prevents the task from firing. It reports whether the call stopped it.
	Stop() bool
}

// AfterFunc arranges for f to run after d, like time.AfterFunc.
type AfterFunc func(d time.Duration, f func()) Timer

// Scheduler holds pending tasks.
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	after  AfterFunc
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]Timer
	stopped bool
	wg      sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithAfterFunc replaces the timer factory, for testing.
func WithAfterFunc(after AfterFunc) Option {
	return func(s *Scheduler) {
		s.after = after
	}
}

// New creates a scheduler. Tasks run with a context derived from ctx that is
// canceled by Stop.
func New(ctx context.Context, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(ctx)
	s := &Scheduler{
		ctx:    ctx,
		cancel: cancel,
		after: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
		logger:  slog.Default(),
		pending: make(map[string]Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "refresh")
	return s
}

// Schedule runs fn after delay unless a task for key is already pending.
// It reports whether the task was scheduled.
func (s *Scheduler) Schedule(key string, delay time.Duration, fn Func) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}
	if _, ok := s.pending[key]; ok {
		s.logger.Debug("refresh already pending", "key", key)
		return false
	}

	s.wg.Add(1)
	var timer Timer
	timer = s.after(delay, func() {
		defer s.wg.Done()
		s.mu.Lock()
		if s.pending[key] == timer {
			delete(s.pending, key)
		}
		s.mu.Unlock()
		s.run(key, fn)
	})
	s.pending[key] = timer

	s.logger.Debug("scheduled refresh", "key", key, "delay", delay)
	return true
}

// Cancel stops the pending task for key. It reports whether one was stopped.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer, ok := s.pending[key]
	if !ok {
		return false
	}
	delete(s.pending, key)
	if timer.Stop() {
		s.wg.Done()
		return true
	}
	return false
}

// Pending reports whether a task for key is waiting to fire.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

// Len returns the number of waiting tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Wait blocks until no task is pending or running, or ctx ends. Tasks
// scheduled by running tasks are waited for too.
func (s *Scheduler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels every pending task and the context of running tasks, then
// waits for running tasks to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for key, timer := range s.pending {
		if timer.Stop() {
			s.wg.Done()
		}
		delete(s.pending, key)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.logger.Debug("refresh scheduler stopped")
}

func (s *Scheduler) run(key string, fn Func) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("refresh task panicked", "key", key, "panic", r)
		}
	}()
	if s.ctx.Err() != nil {
		return
	}
	fn(s.ctx)
}

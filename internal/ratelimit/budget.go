// Package ratelimit implements the outbound write budget: a fixed number of
// writes per rolling window, shared by every writer on one connection.
package ratelimit

import (
	"context"
	"sync/atomic"
	"time"
)

const (
	// DefaultLimit is the number of writes admitted per window.
	DefaultLimit = 120
	// DefaultWindow is the length of one window.
	DefaultWindow = 60 * time.Second
)

// window is immutable apart from its credit counter. Resetting the budget
// swaps in a new window instead of mutating the current one, so a caller
// that decremented a stale window can never eat credits of the fresh one.
type window struct {
	start     time.Time
	remaining atomic.Int64
}

// Budget admits at most Limit writes per window. The window starts on the
// first acquisition after the previous one expired.
//
// Budget is safe for concurrent use and never blocks the caller except to
// wait for the next window.
type Budget struct {
	limit  int64
	period time.Duration
	now    func() time.Time

	current atomic.Pointer[window]
}

// Option configures a Budget.
type Option func(*Budget)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Budget) {
		b.now = now
	}
}

// New creates a budget of limit writes per period. Non-positive values fall
// back to the defaults.
func New(limit int, period time.Duration, opts ...Option) *Budget {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if period <= 0 {
		period = DefaultWindow
	}
	b := &Budget{
		limit:  int64(limit),
		period: period,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.current.Store(b.newWindow(b.now()))
	return b
}

func (b *Budget) newWindow(start time.Time) *window {
	w := &window{start: start}
	w.remaining.Store(b.limit)
	return w
}

// Limit returns the number of writes per window.
func (b *Budget) Limit() int { return int(b.limit) }

// Period returns the window length.
func (b *Budget) Period() time.Duration { return b.period }

// Remaining returns the credits left in the current window.
func (b *Budget) Remaining() int {
	w := b.current.Load()
	if !b.now().Before(w.start.Add(b.period)) {
		return int(b.limit)
	}
	if n := w.remaining.Load(); n > 0 {
		return int(n)
	}
	return 0
}

// Acquire takes one credit, waiting for the next window if the current one
// is exhausted. It returns how long the caller waited, and ctx.Err() if ctx
// ended first.
func (b *Budget) Acquire(ctx context.Context) (time.Duration, error) {
	var waited time.Duration
	for {
		if err := ctx.Err(); err != nil {
			return waited, err
		}

		w := b.current.Load()
		now := b.now()
		resetAt := w.start.Add(b.period)

		if !now.Before(resetAt) {
			// One caller installs the new window; the others reload it.
			b.current.CompareAndSwap(w, b.newWindow(now))
			continue
		}

		if w.remaining.Add(-1) >= 0 {
			return waited, nil
		}

		delay := resetAt.Sub(now)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return waited, ctx.Err()
		case <-timer.C:
			waited += delay
		}
	}
}

// Package throttle bounds transfer concurrency and paces per-pair
// bandwidth during sync cycles.
package throttle

import (
	"context"
	"time"
)

// LimitedFunc represents a function that will be limited
type LimitedFunc func() (resp interface{}, err error)

// ConcurrencyLimiter bounds in-flight transfers across all pairs. Every
// view created with WithMonitor shares the same token pool, so the bound
// holds process wide no matter how many cycles or pairs draw from it.
type ConcurrencyLimiter struct {
	tokens  chan struct{}
	monitor ConcurrencyMonitor
}

// NewConcurrencyLimiter creates a new concurrency limiter. A max of 0 or
// below disables limiting.
func NewConcurrencyLimiter(max int, monitor ConcurrencyMonitor) *ConcurrencyLimiter {
	if monitor == nil {
		monitor = &nullConcurrencyMonitor{}
	}

	limiter := &ConcurrencyLimiter{monitor: monitor}
	if max > 0 {
		limiter.tokens = make(chan struct{}, max)
	}

	return limiter
}

// WithMonitor returns a view of the limiter reporting to the given
// monitor while sharing the token pool. Pair syncs use it to label their
// queueing metrics without splitting the global bound.
func (c *ConcurrencyLimiter) WithMonitor(monitor ConcurrencyMonitor) *ConcurrencyLimiter {
	if monitor == nil {
		monitor = &nullConcurrencyMonitor{}
	}
	return &ConcurrencyLimiter{tokens: c.tokens, monitor: monitor}
}

// Limit will limit the concurrency of f
func (c *ConcurrencyLimiter) Limit(ctx context.Context, f LimitedFunc) (interface{}, error) {
	if c.tokens == nil {
		return f()
	}

	start := time.Now()
	c.monitor.Queued(ctx)

	select {
	case c.tokens <- struct{}{}:
	case <-ctx.Done():
		c.monitor.Dequeued(ctx)
		return nil, ctx.Err()
	}
	c.monitor.Dequeued(ctx)
	defer func() { <-c.tokens }()

	c.monitor.Enter(ctx, time.Since(start))
	defer c.monitor.Exit(ctx)

	return f()
}

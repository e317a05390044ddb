// Package ratelimit implements the per-remote request gate: a minimum
// inter-request interval that widens multiplicatively when the remote
// reports rate limiting and decays back toward the base on success.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"syncbridge/internal/syncerr"
)

const (
	growthFactor = 2.0
	decayFactor  = 0.95
	maxInterval  = 5 * time.Second
)

// Gate spaces requests to one remote. Safe for concurrent use; the lock is
// never held while sleeping.
type Gate struct {
	mu       sync.Mutex
	base     time.Duration
	interval time.Duration
	next     time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewGate returns a gate with the given base spacing between requests.
func NewGate(base time.Duration) *Gate {
	return &Gate{
		base:     base,
		interval: base,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Wait blocks until the caller may issue a request, or until ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	now := g.now()
	at := g.next
	if at.Before(now) {
		at = now
	}
	g.next = at.Add(g.interval)
	g.mu.Unlock()

	if d := at.Sub(now); d > 0 {
		return g.sleep(ctx, d)
	}
	return ctx.Err()
}

// Report feeds back the outcome of the request the caller just made.
// Rate-limit errors widen the spacing; success decays it toward the base.
func (g *Gate) Report(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if syncerr.IsKind(err, syncerr.KindRateLimited) {
		g.interval = time.Duration(float64(g.interval) * growthFactor)
		if g.interval > maxInterval {
			g.interval = maxInterval
		}
		return
	}
	if err == nil && g.interval > g.base {
		g.interval = time.Duration(float64(g.interval) * decayFactor)
		if g.interval < g.base {
			g.interval = g.base
		}
	}
}

// Interval exposes the current spacing, for tests and diagnostics.
func (g *Gate) Interval() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.interval
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package reservation

import (
	"context"
	"time"

	"escrowline/internal/clock"
	"escrowline/internal/session"
)

// Timer is the single countdown source. It ticks once a second and hands
// any session whose window has elapsed to the expire callback. Eligibility
// lives in the session itself (ExpireIfEligible), so a late tick against a
// submitted session is a no-op by construction.
type Timer struct {
	mgr      *Manager
	clock    clock.Clock
	interval time.Duration
	expire   func(ctx context.Context, s *session.Session)
}

func NewTimer(mgr *Manager, clk clock.Clock, interval time.Duration, expire func(ctx context.Context, s *session.Session)) *Timer {
	if interval <= 0 {
		interval = time.Second
	}
	return &Timer{mgr: mgr, clock: clk, interval: interval, expire: expire}
}

// Run ticks until the context ends.
func (t *Timer) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Tick(ctx)
		}
	}
}

// Tick checks every active session once. Exposed so tests can drive the
// countdown with a manual clock.
func (t *Timer) Tick(ctx context.Context) {
	now := t.clock.Now()
	for _, s := range t.mgr.Active() {
		if s.Remaining(now) > 0 {
			continue
		}
		if s.ExpireIfEligible(now) {
			t.expire(ctx, s)
		}
	}
}

package scraper

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a minimum spacing between outbound fetches. One
// instance is shared by every fetch issued by an aggregator; it is safe for
// concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
	clock   Clock
}

// NewRateLimiter builds a limiter that releases at most one caller per
// minDelay. A zero minDelay disables throttling.
func NewRateLimiter(minDelay time.Duration, clock Clock) *RateLimiter {
	if clock == nil {
		clock = SystemClock{}
	}
	limit := rate.Inf
	if minDelay > 0 {
		limit = rate.Every(minDelay)
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(limit, 1),
		clock:   clock,
	}
}

// Throttle suspends the caller until its slot is due. The slot is reserved
// before sleeping, so concurrent callers queue in arrival order.
func (l *RateLimiter) Throttle(ctx context.Context) error {
	now := l.clock.Now()
	reservation := l.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return ctx.Err()
	}
	if err := l.clock.Sleep(ctx, reservation.DelayFrom(now)); err != nil {
		reservation.CancelAt(l.clock.Now())
		return err
	}
	return nil
}

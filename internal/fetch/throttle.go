package fetch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"harvest-go/internal/harvest"
)

// Throttle spaces requests at least interval apart. The first Wait
// returns immediately unless the throttle was created with Then.
type Throttle struct {
	limiter *rate.Limiter

	prev    *Throttle
	handoff sync.Once
}

var _ harvest.Throttle = (*Throttle)(nil)

// NewThrottle creates a Throttle. A non-positive interval disables it.
func NewThrottle(interval time.Duration) *Throttle {
	if interval <= 0 {
		return &Throttle{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

// Then creates a throttle for the phase that follows t. Its first Wait
// also waits on t, so the first request of the new phase keeps t's spacing
// from the last request of the previous one.
func (t *Throttle) Then(interval time.Duration) *Throttle {
	next := NewThrottle(interval)
	next.prev = t
	return next
}

func (t *Throttle) Wait(ctx context.Context) error {
	if t.prev != nil {
		var err error
		t.handoff.Do(func() { err = t.prev.Wait(ctx) })
		if err != nil {
			return err
		}
	}
	return t.limiter.Wait(ctx)
}

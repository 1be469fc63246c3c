package engine

import (
	"context"
	"math/rand"
	"time"
)

// backoff yields exponentially growing delays with jitter, capped at max.
type backoff struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

func newBackoff(base, max time.Duration) *backoff {
	return &backoff{base: base, max: max}
}

func (b *backoff) next() time.Duration {
	d := b.base << b.attempt
	if d > b.max || d <= 0 {
		d = b.max
	} else {
		b.attempt++
	}
	// Full jitter keeps simultaneous retries from herding.
	return time.Duration(rand.Int63n(int64(d)) + int64(d)/2)
}

func (b *backoff) reset() {
	b.attempt = 0
}

// sleepCtx waits d, returning early with ctx.Err() on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

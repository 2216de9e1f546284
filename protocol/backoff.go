package protocol

import (
	"context"
	"math/rand"
	"time"
)

// backoff is capped exponential backoff with ±20% jitter.
type backoff struct {
	max     time.Duration
	current time.Duration
	rand    *rand.Rand
}

func newBackoff(initial, max time.Duration) *backoff {
	return &backoff{
		max:     max,
		current: initial,
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// next returns how long to wait before the next attempt and doubles the base
// delay, up to the cap.
func (b *backoff) next() time.Duration {
	jitter := float64(b.current) * 0.2 * (b.rand.Float64()*2 - 1)
	delay := time.Duration(float64(b.current) + jitter)

	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return delay
}

// sleep waits for the next delay or until ctx is done.
func (b *backoff) sleep(ctx context.Context) error {
	timer := time.NewTimer(b.next())
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package resilience

import (
	"context"
	"time"
)

// Backoff computes exponential delays between retries.
type Backoff struct {
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultBackoff returns default reconnection pacing: 1s doubling up to 60s.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay:  time.Second,
		MaxDelay:      60 * time.Second,
		BackoffFactor: 2.0,
	}
}

// Delay returns the wait before retry number attempt (zero based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := b.BackoffFactor
	if factor < 1 {
		factor = 1
	}

	delay := float64(b.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= factor
		if b.MaxDelay > 0 && delay >= float64(b.MaxDelay) {
			return b.MaxDelay
		}
	}
	if b.MaxDelay > 0 && time.Duration(delay) > b.MaxDelay {
		return b.MaxDelay
	}
	return time.Duration(delay)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

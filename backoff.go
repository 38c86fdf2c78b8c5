package batchoutbox

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

const maxBackoffShift = 62

// Backoff computes bounded exponential delays between publish attempts.
type Backoff struct {
	// Initial is the delay after the first failed attempt.
	Initial time.Duration
	// Max caps every delay.
	Max time.Duration
	// Jitter draws each delay uniformly from [delay/2, delay].
	Jitter bool
}

// Delay returns the wait after the given failed attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Initial <= 0 {
		return 0
	}

	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}

	delay := b.Initial
	for i := 0; i < shift; i++ {
		if b.Max > 0 && delay >= b.Max {
			break
		}
		if delay > math.MaxInt64/2 {
			delay = math.MaxInt64

			break
		}
		delay *= 2
	}
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}
	if b.Jitter && delay > 1 {
		half := delay / 2
		delay = half + time.Duration(rand.Int64N(int64(delay-half)+1)) //nolint:gosec // jitter does not need crypto randomness
	}

	return delay
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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

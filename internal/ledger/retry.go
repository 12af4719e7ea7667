package ledger

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/papertrade/ledger-engine/internal/store"
)

// Coordinator retries an atomic trade attempt when it loses a version
// race. Each attempt is atomic on its own, so aborting between attempts
// leaves no partial state. The backoff is jittered so several losers on
// one hot account don't retry in lockstep.
type Coordinator struct {
	// MaxAttempts bounds the total attempts, the first one included.
	MaxAttempts int
	// BaseBackoff is the backoff floor before the first retry.
	BaseBackoff time.Duration
	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration
}

// DefaultCoordinator matches the contention profile of a single hot
// account under normal load: conflicts are rare, so three attempts with
// tens-of-milliseconds backoff recover nearly all of them.
func DefaultCoordinator() Coordinator {
	return Coordinator{
		MaxAttempts: 3,
		BaseBackoff: 25 * time.Millisecond,
		MaxBackoff:  200 * time.Millisecond,
	}
}

// Do runs attempt until it succeeds, fails terminally, or the bound is
// exhausted. Only store.ErrVersionConflict is retried; every other error
// (business rejection or infrastructure fault) returns immediately.
// Returns the number of attempts made alongside the final error.
func (c Coordinator) Do(ctx context.Context, attempt func(context.Context) error) (int, error) {
	attempts := c.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for n := 1; ; n++ {
		err := attempt(ctx)
		if err == nil {
			return n, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return n, err
		}
		if n == attempts {
			return n, ErrConcurrencyExhausted
		}
		if err := sleepWithContext(ctx, c.backoff(n)); err != nil {
			return n, err
		}
	}
}

// backoff returns a full-jitter delay for the nth failed attempt:
// uniform in [BaseBackoff, limit) where limit doubles per attempt up to
// MaxBackoff.
func (c Coordinator) backoff(n int) time.Duration {
	limit := c.BaseBackoff << uint(n)
	if c.MaxBackoff > 0 && limit > c.MaxBackoff {
		limit = c.MaxBackoff
	}
	if limit <= c.BaseBackoff {
		return c.BaseBackoff
	}
	return c.BaseBackoff + time.Duration(rand.Int63n(int64(limit-c.BaseBackoff)))
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package queue

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/pkg/errors"

	"github.com/jawaracloud/admission-queue/internal/storage"
)

// retryPolicy retries transient read failures with full-jitter exponential
// backoff: attempt n waits a random duration in [0, min(initial*2^(n-1), max)].
type retryPolicy struct {
	attempts int
	initial  time.Duration
	max      time.Duration
}

var defaultRetry = retryPolicy{attempts: 3, initial: 20 * time.Millisecond, max: 200 * time.Millisecond}

func (p retryPolicy) delay(attempt int) time.Duration {
	base := float64(p.initial) * math.Pow(2, float64(attempt-1))
	if p.max > 0 && base > float64(p.max) {
		base = float64(p.max)
	}
	return time.Duration(rand.Float64() * base)
}

// do runs fn until it succeeds, fails with a non-transient error, runs out of
// attempts or ctx is done. Only read paths go through here.
func (p retryPolicy) do(ctx context.Context, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || !errors.Is(err, storage.ErrTransientStore) || attempt >= p.attempts {
			return err
		}

		timer := time.NewTimer(p.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrapf(ctx.Err(), "retry stopped after %v", err)
		case <-timer.C:
		}
	}
}

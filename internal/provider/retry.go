package provider

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Retrier re-runs an operation while it fails with a transient error,
// sleeping an exponentially growing, jittered delay between attempts.
type Retrier struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Log       *zap.Logger
}

// NewRetrier returns a retrier with the default backoff curve.
func NewRetrier(attempts int, log *zap.Logger) Retrier {
	return Retrier{Attempts: attempts, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, Log: log}
}

// Do runs fn up to Attempts times. Permanent errors and context
// cancellation end the loop immediately; the last error is returned.
func (r Retrier) Do(ctx context.Context, op string, fn func() error) error {
	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := r.BaseDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := r.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !IsRetriable(err) || attempt >= attempts {
			return err
		}
		sleep := delay + rand.N(delay/2+1)
		if r.Log != nil {
			r.Log.Warn("transient failure, will retry",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Duration("sleep", sleep),
				zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

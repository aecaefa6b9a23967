package imagesource

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cyclopcam/pixdetect/pkg/failure"
	"github.com/cyclopcam/pixdetect/pkg/requests"
)

// Default values for RetryPolicy
const (
	DefaultMaxRetries      = 3
	DefaultInitialInterval = 200 * time.Millisecond
	DefaultMaxInterval     = 10 * time.Second
	DefaultCallTimeout     = 30 * time.Second
)

// RetryPolicy controls how transient failures are retried.
// The wait doubles after every failed attempt, up to MaxInterval.
type RetryPolicy struct {
	MaxRetries      int           // Number of retries after the first attempt
	InitialInterval time.Duration // Wait before the first retry
	MaxInterval     time.Duration // Upper bound on the wait between attempts
	CallTimeout     time.Duration // Deadline for each attempt (0 = none). Exceeding it is a transient failure.
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      DefaultMaxRetries,
		InitialInterval: DefaultInitialInterval,
		MaxInterval:     DefaultMaxInterval,
		CallTimeout:     DefaultCallTimeout,
	}
}

func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return failure.Newf(failure.ConfigInvalid, "negative retry count %v", p.MaxRetries)
	}
	if p.InitialInterval < 0 || p.MaxInterval < 0 || p.CallTimeout < 0 {
		return failure.Newf(failure.ConfigInvalid, "negative retry interval or call timeout")
	}
	return nil
}

// callContext returns the context for a single attempt
func (p RetryPolicy) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.CallTimeout)
}

// do runs op until it succeeds, fails with a non-transient error, or the retries are used up.
// It returns the number of attempts made, and one of:
//   - nil
//   - ctx.Err(), if ctx was cancelled or expired
//   - a TransientFetchFailure, if the retries were exhausted
//   - the non-transient error returned by op
func (p RetryPolicy) do(ctx context.Context, op func(ctx context.Context) error, notify backoff.Notify) (int, error) {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.InitialInterval),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxInterval(p.MaxInterval),
		backoff.WithMaxElapsedTime(0),
	)
	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if !requests.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return failure.New(failure.TransientFetchFailure, err)
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxRetries)), ctx), notify)
	return attempts, err
}

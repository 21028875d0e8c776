package pipeline

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy retries pipeline-level (storage and transport) failures with exponential backoff.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetry allows 3 attempts, waiting 1s then 2s.
var DefaultRetry = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}

// Do runs op until it succeeds, fails permanently, runs out of attempts or ctx ends.
// The last error is returned; when ctx ends first, its error is.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	return backoff.Retry(func() error {
		err := op(ctx)
		if err != nil && permanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(p.backOff(), ctx))
}

// backOff doubles BaseDelay per retry up to MaxDelay, without jitter, and stops after
// MaxAttempts calls in total.
func (p RetryPolicy) backOff() backoff.BackOff {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	return backoff.WithMaxRetries(b, uint64(attempts-1))
}

package chat

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
)

func (c *Config) retryPolicy(ctx context.Context, attempts int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.RetryBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = c.RetryMax
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// retry calls fn at most `attempts` times, backing off 1x, 2x, 4x ... the base
// interval. Errors wrapped by backoff.Permanent end the loop at once.
func (c *Config) retry(ctx context.Context, op string, attempts int, fn func() error) error {
	n := 0
	return backoff.RetryNotify(func() error {
		n++
		return fn()
	}, c.retryPolicy(ctx, attempts), func(err error, d time.Duration) {
		retriesCounter.WithLabelValues(op).Inc()
		glog.Warningf("chat: %s attempt %d failed, retry in %s: %v", op, n, d, err)
	})
}

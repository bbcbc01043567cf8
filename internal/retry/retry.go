// Package retry runs an operation a bounded number of times with exponential
// backoff and jitter.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	JitterPercent   int
}

// DefaultPolicy: 5 attempts, 1s doubling up to 60s, 20% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     5,
		InitialInterval: time.Second,
		MaxInterval:     time.Minute,
		Multiplier:      2,
		JitterPercent:   20,
	}
}

func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.JitterPercent < 0 {
		p.JitterPercent = 0
	}
	if p.JitterPercent > 100 {
		p.JitterPercent = 100
	}
	return p
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.Multiplier = p.Multiplier
	exp.RandomizationFactor = float64(p.JitterPercent) / 100
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.MaxAttempts-1)), ctx)
}

// Notify is called after every failed attempt that will be retried.
type Notify func(attempt int, err error, wait time.Duration)

// Do calls op until it succeeds, returns a Permanent error, the attempts are
// exhausted or ctx is done. It reports how many times op ran.
func Do(ctx context.Context, policy Policy, op func(ctx context.Context) error, notify Notify) (int, error) {
	p := policy.normalized()
	attempts := 0

	err := backoff.RetryNotify(func() error {
		attempts++
		return op(ctx)
	}, p.backOff(ctx), func(err error, wait time.Duration) {
		if notify != nil {
			notify(attempts, err, wait)
		}
	})
	return attempts, err
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Package retry provides the bounded, jittered backoff policies shared by
// every dependency call in the pipeline. No unbounded retry loop exists in
// the core; a policy's attempt budget doubles as its timeout bound.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tiger/relay-telemetry-pipeline/internal/provider/contracts"
)

// Policy bounds retries for one dependency class.
type Policy struct {
	MaxAttempts  int
	BaseInterval time.Duration
	MaxInterval  time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 3
	}
	if p.BaseInterval <= 0 {
		p.BaseInterval = 100 * time.Millisecond
	}
	if p.MaxInterval < p.BaseInterval {
		p.MaxInterval = 10 * p.BaseInterval
	}
	return p
}

// Do runs op under the policy, retrying only transient failures. The first
// non-transient error aborts immediately; context cancellation stops waits.
func Do(ctx context.Context, policy Policy, op func() error) error {
	p := policy.withDefaults()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseInterval
	exp.MaxInterval = p.MaxInterval
	exp.MaxElapsedTime = 0
	exp.RandomizationFactor = 0.3

	bounded := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.MaxAttempts-1)), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !contracts.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, bounded)
}

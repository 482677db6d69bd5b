package cluster

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryBackoff computes the delay before the (attempt+1)th retry given
// a base delay (§4.7 "Configurable ... retryBackoff(attempt,
// baseDelay)").
type RetryBackoff func(attempt int, baseDelay time.Duration) time.Duration

// ConstantBackoff ignores attempt and always waits baseDelay -- the
// spec's default (§6 "retryBackoff (default: constant)").
func ConstantBackoff(_ int, baseDelay time.Duration) time.Duration {
	return baseDelay
}

// ExponentialBackoff grows the delay per attempt using
// cenkalti/backoff's ExponentialBackOff, seeded with baseDelay as the
// initial interval. Offered as an alternative to the spec's constant
// default for callers who want standard exponential-with-jitter retry
// spacing without hand-rolling it.
func ExponentialBackoff(attempt int, baseDelay time.Duration) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseDelay
	b.Reset()

	delay := baseDelay
	for i := 0; i <= attempt; i++ {
		next := b.NextBackOff()
		if next == backoff.Stop {
			return delay
		}
		delay = next
	}
	return delay
}

// RetryPolicy is the cluster-level retry configuration of §4.7/§6.
type RetryPolicy struct {
	Retries             int
	RetryDelay          time.Duration
	Backoff             RetryBackoff
	RetryOnlyIdempotent bool
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.RetryDelay <= 0 {
		p.RetryDelay = 100 * time.Millisecond
	}
	if p.Backoff == nil {
		p.Backoff = ConstantBackoff
	}
	return p
}

package graph

import (
	"context"
	"math/rand"
	"time"
)

// NodePolicy configures the execution behaviour of a single node.
//
// Fields left zero fall back to the executor defaults configured with
// WithDefaultNodeTimeout and WithRetryPolicy.
type NodePolicy struct {
	// Timeout is the maximum execution time of one attempt.
	Timeout time.Duration

	// RetryPolicy overrides the executor's default retry policy.
	RetryPolicy *RetryPolicy
}

// RetryPolicy defines automatic retries for failing node executions.
//
// Exponential backoff with jitter is used between attempts. Only node
// execution is retried; the collaborators a node calls are expected to
// apply their own policies.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first one.
	// A value of 1 disables retries.
	MaxAttempts int

	// BaseDelay is the base delay for exponential backoff.
	// The delay before attempt n+1 is min(BaseDelay * 2^n, MaxDelay) + jitter.
	BaseDelay time.Duration

	// MaxDelay caps the exponential part of the delay.
	MaxDelay time.Duration

	// Retryable decides whether an error is worth another attempt.
	// If nil, every error not wrapped with Permanent is retried.
	Retryable func(error) bool
}

// Validate checks the policy for consistency.
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

func (rp *RetryPolicy) shouldRetry(err error, attempt int) bool {
	if rp == nil || attempt >= rp.MaxAttempts {
		return false
	}
	if IsPermanent(err) || err == context.Canceled {
		return false
	}
	if rp.Retryable == nil {
		return true
	}
	return rp.Retryable(err)
}

// computeBackoff returns the delay before the next attempt. attempt is zero
// based: attempt 0 is the delay after the first failure.
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}

	exponentialDelay := base * (1 << attempt)
	if exponentialDelay <= 0 || (maxDelay > 0 && exponentialDelay > maxDelay) {
		exponentialDelay = maxDelay
	}

	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- jitter for retry timing, not security
	}

	return exponentialDelay + jitter
}

package graph

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dshills/leadgraph-go/graph/emit"
)

// Option is a functional option for configuring an Executor.
//
// Example:
//
//	exec, err := graph.NewExecutor(st,
//	    graph.WithMaxConcurrent(8),
//	    graph.WithDefaultNodeTimeout(30*time.Second),
//	    graph.WithCheckpointTTL(72*time.Hour),
//	    graph.WithEmitter(emit.NewLogEmitter(logger)),
//	)
type Option func(*executorConfig) error

// executorConfig collects options before they are applied to an Executor.
type executorConfig struct {
	maxConcurrent      int
	defaultNodeTimeout time.Duration
	retryPolicy        *RetryPolicy
	maxSteps           int
	stepBudget         int
	checkpointTTL      time.Duration
	claimLease         time.Duration
	emitter            emit.Emitter
	metrics            *PrometheusMetrics
	logger             *slog.Logger
	clock              func() time.Time
	newID              func() (string, error)
}

func defaultExecutorConfig() executorConfig {
	return executorConfig{
		maxConcurrent: 8,
		retryPolicy: &RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    5 * time.Second,
		},
		maxSteps:   1000,
		claimLease: 15 * time.Minute,
		emitter:    emit.NewNullEmitter(),
		logger:     slog.Default(),
		clock:      time.Now,
		newID:      newInstanceID,
	}
}

// WithMaxConcurrent caps how many nodes of one instance execute in parallel.
//
// Default: 8.
func WithMaxConcurrent(n int) Option {
	return func(cfg *executorConfig) error {
		if n < 1 {
			return fmt.Errorf("max concurrent nodes must be at least 1, got %d", n)
		}
		cfg.maxConcurrent = n
		return nil
	}
}

// WithDefaultNodeTimeout bounds every node attempt that has no
// NodePolicy.Timeout of its own. Zero disables the default.
func WithDefaultNodeTimeout(d time.Duration) Option {
	return func(cfg *executorConfig) error {
		if d < 0 {
			return errors.New("default node timeout must not be negative")
		}
		cfg.defaultNodeTimeout = d
		return nil
	}
}

// WithRetryPolicy sets the retry policy for nodes without one of their own.
//
// Default: 3 attempts, 200ms base delay, 5s cap.
func WithRetryPolicy(rp RetryPolicy) Option {
	return func(cfg *executorConfig) error {
		if err := rp.Validate(); err != nil {
			return err
		}
		cfg.retryPolicy = &rp
		return nil
	}
}

// WithMaxSteps fails an instance once it has executed n nodes in total,
// counting every pass and every resume. Zero removes the limit.
//
// Default: 1000. Loop bounds already terminate well-formed graphs; the step
// limit catches graphs whose bounds are set too generously.
func WithMaxSteps(n int) Option {
	return func(cfg *executorConfig) error {
		if n < 0 {
			return errors.New("max steps must not be negative")
		}
		cfg.maxSteps = n
		return nil
	}
}

// WithStepBudget limits how many nodes a single call to Step dispatches.
// Step returns with StatusRunning when the budget is spent and work remains.
// Zero, the default, lets Step run until the instance comes to rest.
func WithStepBudget(n int) Option {
	return func(cfg *executorConfig) error {
		if n < 0 {
			return errors.New("step budget must not be negative")
		}
		cfg.stepBudget = n
		return nil
	}
}

// WithCheckpointTTL sets how long a suspended instance waits for its external
// event before it becomes stale. Zero means checkpoints never expire.
func WithCheckpointTTL(d time.Duration) Option {
	return func(cfg *executorConfig) error {
		if d < 0 {
			return errors.New("checkpoint ttl must not be negative")
		}
		cfg.checkpointTTL = d
		return nil
	}
}

// WithClaimLease sets how long a resume may hold a checkpoint claim. A claim
// older than the lease belongs to a process that died mid-resume: the next
// resume for the token takes it over and the Reaper may abandon it. The
// lease must exceed the longest resume pass. Zero keeps claims forever.
//
// Default: 15 minutes.
func WithClaimLease(d time.Duration) Option {
	return func(cfg *executorConfig) error {
		if d < 0 {
			return errors.New("claim lease must not be negative")
		}
		cfg.claimLease = d
		return nil
	}
}

// staleClaimBefore returns the cutoff before which claims are stale, or the
// zero time when claims never go stale.
func (cfg *executorConfig) staleClaimBefore(now time.Time) time.Time {
	if cfg.claimLease <= 0 {
		return time.Time{}
	}
	return now.Add(-cfg.claimLease)
}

// WithEmitter sets the observability sink. Use emit.Multi to fan out.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *executorConfig) error {
		if e == nil {
			e = emit.NewNullEmitter()
		}
		cfg.emitter = e
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection.
func WithMetrics(metrics *PrometheusMetrics) Option {
	return func(cfg *executorConfig) error {
		cfg.metrics = metrics
		return nil
	}
}

// WithLogger sets the logger used for store and engine diagnostics that are
// not instance events.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *executorConfig) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithClock replaces time.Now, mainly for TTL tests.
func WithClock(now func() time.Time) Option {
	return func(cfg *executorConfig) error {
		if now == nil {
			return errors.New("clock must not be nil")
		}
		cfg.clock = now
		return nil
	}
}

// WithIDGenerator replaces the instance id generator.
func WithIDGenerator(gen func() (string, error)) Option {
	return func(cfg *executorConfig) error {
		if gen == nil {
			return errors.New("id generator must not be nil")
		}
		cfg.newID = gen
		return nil
	}
}

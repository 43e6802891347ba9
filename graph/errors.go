// Package graph provides the workflow graph engine for leadgraph-go.
package graph

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMaxStepsExceeded indicates that an instance executed more nodes than the
// configured budget allows without reaching a terminal node.
var ErrMaxStepsExceeded = errors.New("execution exceeded maximum steps limit")

// ErrInstanceNotFound is returned by Step and Run for unknown or already
// archived instance ids.
var ErrInstanceNotFound = errors.New("instance not found")

// ErrCheckpointNotFound is returned by Resume when no suspended instance is
// waiting on the correlation token.
var ErrCheckpointNotFound = errors.New("no suspended instance for correlation token")

// ErrResumeInProgress is returned when another process holds a live claim on a
// checkpoint and has not recorded an outcome yet.
var ErrResumeInProgress = errors.New("resume already in progress for correlation token")

// ErrMissingCorrelationToken is returned when a suspension node completes
// without writing CorrelationField.
var ErrMissingCorrelationToken = errors.New("suspension node emitted no correlation token")

// ErrGraphNotRegistered is returned when a checkpoint references a graph the
// executor does not know about.
var ErrGraphNotRegistered = errors.New("graph not registered with executor")

// ErrInvalidRetryPolicy indicates a RetryPolicy with MaxAttempts < 1 or
// MaxDelay < BaseDelay.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// Failure kinds recorded on failed instances.
const (
	KindNodeExecution    = "node_execution"
	KindRouterAmbiguity  = "router_ambiguity"
	KindLoopBoundExceed  = "loop_bound_exceeded"
	KindAbandoned        = "abandoned"
	KindMaxSteps         = "max_steps_exceeded"
	KindEngine           = "engine"
	KindMissingToken     = "missing_correlation_token"
	KindGraphUnavailable = "graph_unavailable"
)

// EngineError represents an engine-level failure with a machine readable
// code, such as NODE_TIMEOUT or NODE_PANIC.
type EngineError struct {
	Message string
	Code    string
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// CompileError lists every validation problem found while compiling a graph.
type CompileError struct {
	Graph    string
	Problems []string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile graph %q: %s", e.Graph, strings.Join(e.Problems, "; "))
}

// NodeExecutionError is returned when a node keeps failing after its retry
// budget is spent.
type NodeExecutionError struct {
	NodeID   string
	Attempts int
	Cause    error
}

func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("node %s failed after %d attempt(s): %v", e.NodeID, e.Attempts, e.Cause)
}

func (e *NodeExecutionError) Unwrap() error {
	return e.Cause
}

// RouterAmbiguityError is returned when a router picks a node outside the
// target set declared on its conditional edge.
type RouterAmbiguityError struct {
	From     string
	Returned string
	Declared []string
}

func (e *RouterAmbiguityError) Error() string {
	return fmt.Sprintf("router on %s returned %q, declared targets are %v", e.From, e.Returned, e.Declared)
}

// LoopBoundExceededError is returned when routing would traverse a bounded
// edge more often than its bound. Escalate is always true and marks the
// failure for human follow-up.
type LoopBoundExceededError struct {
	Edge     string
	Bound    int
	Escalate bool
}

func (e *LoopBoundExceededError) Error() string {
	return fmt.Sprintf("loop edge %s exceeded bound of %d iteration(s)", e.Edge, e.Bound)
}

// StaleCheckpointError is returned by Resume when the checkpoint outlived its
// time-to-live. The instance is abandoned before the error is returned.
type StaleCheckpointError struct {
	InstanceID string
	Token      string
	Age        string
}

func (e *StaleCheckpointError) Error() string {
	if e.Age == "" {
		return fmt.Sprintf("checkpoint for instance %s (token %s) is stale, instance abandoned", e.InstanceID, e.Token)
	}
	return fmt.Sprintf("checkpoint for instance %s (token %s) is stale after %s, instance abandoned", e.InstanceID, e.Token, e.Age)
}

// permanentError marks a node error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the executor fails the node without retrying it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// failureKind maps an instance failure to the kind recorded on its outcome.
func failureKind(err error) string {
	var (
		nodeErr   *NodeExecutionError
		routerErr *RouterAmbiguityError
		loopErr   *LoopBoundExceededError
		staleErr  *StaleCheckpointError
	)
	switch {
	case errors.As(err, &routerErr):
		return KindRouterAmbiguity
	case errors.As(err, &loopErr):
		return KindLoopBoundExceed
	case errors.As(err, &staleErr):
		return KindAbandoned
	case errors.Is(err, ErrMaxStepsExceeded):
		return KindMaxSteps
	case errors.Is(err, ErrMissingCorrelationToken):
		return KindMissingToken
	case errors.Is(err, ErrGraphNotRegistered):
		return KindGraphUnavailable
	case errors.As(err, &nodeErr):
		return KindNodeExecution
	default:
		return KindEngine
	}
}

func asLoopBound(err error) (*LoopBoundExceededError, bool) {
	var loopErr *LoopBoundExceededError
	if errors.As(err, &loopErr) {
		return loopErr, true
	}
	return nil, false
}

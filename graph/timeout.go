package graph

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

func getNodeTimeout(policy *NodePolicy, defaultTimeout time.Duration) time.Duration {
	if policy != nil && policy.Timeout > 0 {
		return policy.Timeout
	}
	if defaultTimeout > 0 {
		return defaultTimeout
	}
	return 0
}

// executeNodeWithTimeout runs one attempt of a node. Panics are recovered
// and reported as NODE_PANIC engine errors so a misbehaving node can never
// take the instance down.
func executeNodeWithTimeout(ctx context.Context, spec *NodeSpec, state State, defaultTimeout time.Duration) (result NodeResult) {
	timeout := getNodeTimeout(spec.Policy, defaultTimeout)

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			result = NodeResult{Err: &EngineError{
				Message: fmt.Sprintf("node %s panicked: %v\n%s", spec.ID, r, debug.Stack()),
				Code:    "NODE_PANIC",
			}}
		}
	}()

	result = spec.Node.Run(runCtx, state)

	if timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		result.Err = &EngineError{
			Message: fmt.Sprintf("node %s exceeded timeout of %v", spec.ID, timeout),
			Code:    "NODE_TIMEOUT",
		}
		result.Delta = nil
	}

	return result
}

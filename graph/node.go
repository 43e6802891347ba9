package graph

import "context"

// Node is a single step of a workflow graph.
//
// Run receives a snapshot of the instance state taken when the node was
// dispatched. The snapshot is private to the node; writing to it has no
// effect on the instance. All changes are expressed through the returned
// NodeResult.Delta, which the executor merges once the node completes.
//
// Nodes should honour ctx cancellation: the executor cancels ctx when the
// node exceeds its timeout or the instance is being shut down.
type Node interface {
	Run(ctx context.Context, state State) NodeResult
}

// NodeResult is the outcome of a single node execution.
type NodeResult struct {
	// Delta is the partial update merged into the instance state.
	Delta State

	// Err signals failure. Errors are retried according to the node's
	// RetryPolicy unless wrapped with Permanent.
	Err error
}

// NodeFunc adapts a plain function to the Node interface.
//
// Example:
//
//	research := graph.NodeFunc(func(ctx context.Context, s graph.State) graph.NodeResult {
//	    info, err := crm.Lookup(ctx, s.String("lead_id"))
//	    if err != nil {
//	        return graph.NodeResult{Err: err}
//	    }
//	    return graph.NodeResult{Delta: graph.State{"crm_research": info}}
//	})
type NodeFunc func(ctx context.Context, state State) NodeResult

// Run implements Node.
func (f NodeFunc) Run(ctx context.Context, state State) NodeResult {
	return f(ctx, state)
}

// NodeSpec registers a node with a graph together with its metadata.
// NodeSpecs are immutable once the graph is compiled.
type NodeSpec struct {
	// ID uniquely identifies the node within the graph.
	ID string

	// Node is the executable step.
	Node Node

	// Outputs declares the state fields the node writes. Static fan-out
	// siblings must declare disjoint outputs. Writes outside the declaration
	// are reported, not rejected. An empty declaration disables the check.
	Outputs []string

	// Suspend marks a suspension point. After the node completes the
	// executor halts the instance and persists a checkpoint keyed by the
	// value the node wrote to CorrelationField.
	Suspend bool

	// Terminal marks a node whose completion may end the instance.
	Terminal bool

	// Policy overrides timeout and retry behaviour for this node.
	Policy *NodePolicy
}

// Stateless returns a Node that always returns delta. Useful for pass-through
// steps whose only purpose is to anchor routing.
func Stateless(delta State) Node {
	return NodeFunc(func(context.Context, State) NodeResult {
		return NodeResult{Delta: delta}
	})
}

package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dshills/leadgraph-go/graph/emit"
)

// completion is what a worker reports back after running one node.
type completion struct {
	node     string
	from     []string
	delta    State
	err      error
	attempts int
	elapsed  time.Duration

	// interrupted marks a node abandoned because its context ended. Its
	// activations are restored so a later Step runs it again.
	interrupted bool
}

// pass is one call to Step: it dispatches ready nodes, merges their deltas
// as they complete and routes activations until nothing more can run.
//
// All instance mutations happen on the goroutine calling run. Workers only
// see their own state snapshot and report through a channel.
type pass struct {
	e  *Executor
	g  *Graph
	in *instance

	running    map[string]bool
	dispatched int
	cancel     context.CancelFunc

	halt        error
	suspendAt   string
	budgetSpent bool
}

func newPass(e *Executor, in *instance) *pass {
	return &pass{
		e:       e,
		g:       in.graph,
		in:      in,
		running: map[string]bool{},
		cancel:  func() {},
	}
}

func (p *pass) run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.cancel = cancel

	frontierBefore := len(p.in.pending)
	sem := semaphore.NewWeighted(int64(p.e.cfg.maxConcurrent))
	results := make(chan completion, len(p.g.order))

	for {
		if p.accepting(ctx) {
			p.dispatch(runCtx, sem, results)
		}
		if len(p.running) == 0 {
			break
		}

		c := <-results
		delete(p.running, c.node)

		switch {
		case c.interrupted:
			for _, from := range c.from {
				p.in.activate(c.node, from)
			}
		case c.err != nil:
			p.stop(c.err)
		default:
			if err := p.complete(ctx, c); err != nil {
				p.stop(err)
			}
		}
	}

	p.e.cfg.metrics.AddFrontier(len(p.in.pending) - frontierBefore)
	return p.finish(ctx)
}

// stop records the first failure and cancels sibling workers.
func (p *pass) stop(err error) {
	if p.halt == nil {
		p.halt = err
		p.cancel()
	}
}

func (p *pass) accepting(ctx context.Context) bool {
	return p.halt == nil && p.suspendAt == "" && !p.budgetSpent && ctx.Err() == nil
}

func (p *pass) dispatch(ctx context.Context, sem *semaphore.Weighted, results chan<- completion) {
	budget := p.e.cfg.stepBudget
	maxSteps := p.e.cfg.maxSteps

	for _, id := range p.ready() {
		if budget > 0 && p.dispatched >= budget {
			p.budgetSpent = true
			return
		}
		if maxSteps > 0 && p.in.steps+len(p.running) >= maxSteps {
			p.stop(fmt.Errorf("%w: %d", ErrMaxStepsExceeded, maxSteps))
			return
		}

		from := p.in.pending[id]
		delete(p.in.pending, id)
		p.running[id] = true
		p.dispatched++

		go p.execute(ctx, sem, p.g.nodes[id], from, p.in.steps, p.in.state.Clone(), results)
	}
}

// ready returns the activated nodes whose fan-in is settled, sorted by id.
//
// A node with activations waits while any static predecessor that has not
// delivered an activation could still do so, meaning that predecessor is
// running, activated, or reachable from a running or activated node without
// passing through the waiting node itself. Predecessors on branches that were
// never taken are therefore not waited for.
//
// If nothing runs and nothing is ready the waiting nodes depend on each
// other; all of them are released.
func (p *pass) ready() []string {
	waiting := p.in.pendingNodes()
	var ready []string
	for _, id := range waiting {
		if p.running[id] {
			continue
		}
		if p.settled(id) {
			ready = append(ready, id)
		}
	}
	if len(ready) == 0 && len(p.running) == 0 {
		return waiting
	}
	return ready
}

func (p *pass) settled(id string) bool {
	arrived := map[string]bool{}
	for _, from := range p.in.pending[id] {
		arrived[from] = true
	}
	var missing []string
	for _, pred := range p.g.preds[id] {
		if !arrived[pred] {
			missing = append(missing, pred)
		}
	}
	if len(missing) == 0 {
		return true
	}

	sources := make([]string, 0, len(p.running)+len(p.in.pending))
	for n := range p.running {
		sources = append(sources, n)
	}
	for n := range p.in.pending {
		if n != id {
			sources = append(sources, n)
		}
	}
	sort.Strings(sources)
	live := p.g.reachableFrom(sources, id)
	for _, pred := range missing {
		if live[pred] {
			return false
		}
	}
	return true
}

// execute runs one node with retries on a worker goroutine.
func (p *pass) execute(ctx context.Context, sem *semaphore.Weighted, spec *NodeSpec, from []string, step int, snapshot State, results chan<- completion) {
	c := completion{node: spec.ID, from: from}
	if err := sem.Acquire(ctx, 1); err != nil {
		c.interrupted = true
		results <- c
		return
	}
	defer sem.Release(1)

	metrics := p.e.cfg.metrics
	graphName := p.g.Name()
	metrics.AddInflightNodes(1)
	defer metrics.AddInflightNodes(-1)

	p.e.emit(p.in.id, step, spec.ID, emit.MsgNodeStart, nil)

	policy := p.e.cfg.retryPolicy
	if spec.Policy != nil && spec.Policy.RetryPolicy != nil {
		policy = spec.Policy.RetryPolicy
	}

	start := time.Now()
	for attempt := 1; ; attempt++ {
		res := executeNodeWithTimeout(ctx, spec, snapshot.Clone(), p.e.cfg.defaultNodeTimeout)
		c.attempts = attempt
		c.elapsed = time.Since(start)

		if res.Err == nil {
			metrics.RecordNodeLatency(graphName, spec.ID, c.elapsed, "success")
			c.delta = res.Delta
			results <- c
			return
		}
		if ctx.Err() != nil {
			c.interrupted = true
			results <- c
			return
		}

		metrics.RecordNodeLatency(graphName, spec.ID, c.elapsed, latencyStatus(res.Err))
		if !policy.shouldRetry(res.Err, attempt) {
			p.e.emit(p.in.id, step, spec.ID, emit.MsgNodeError, map[string]interface{}{
				"error":    res.Err.Error(),
				"attempts": attempt,
			})
			c.err = &NodeExecutionError{NodeID: spec.ID, Attempts: attempt, Cause: res.Err}
			results <- c
			return
		}

		delay := computeBackoff(attempt-1, policy.BaseDelay, policy.MaxDelay, nil)
		metrics.IncrementRetries(graphName, spec.ID)
		p.e.emit(p.in.id, step, spec.ID, emit.MsgNodeRetry, map[string]interface{}{
			"error":    res.Err.Error(),
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
		})

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			c.interrupted = true
			results <- c
			return
		}
	}
}

func latencyStatus(err error) string {
	var engineErr *EngineError
	if errors.As(err, &engineErr) && engineErr.Code == "NODE_TIMEOUT" {
		return "timeout"
	}
	return "error"
}

// complete merges a successful node's delta and routes its activations.
func (p *pass) complete(ctx context.Context, c completion) error {
	spec := p.g.nodes[c.node]
	p.checkOutputs(spec, c.delta)

	if err := p.in.state.Merge(c.delta, p.g.reducers); err != nil {
		return &NodeExecutionError{NodeID: c.node, Attempts: c.attempts, Cause: Permanent(err)}
	}
	p.in.version++
	p.in.steps++

	if err := p.e.store.SaveStep(ctx, p.in.id, p.in.steps, c.node, p.in.state.Clone()); err != nil {
		p.e.cfg.logger.Warn("failed to save step",
			"instance_id", p.in.id,
			"node_id", c.node,
			"error", err,
		)
	}
	p.e.emit(p.in.id, p.in.steps, c.node, emit.MsgNodeEnd, map[string]interface{}{
		"duration_ms": c.elapsed.Milliseconds(),
		"attempts":    c.attempts,
	})

	if p.halt != nil {
		return nil
	}
	if spec.Suspend {
		return p.markSuspended(c.node)
	}
	return p.route(c.node)
}

// checkOutputs reports writes outside the node's declared outputs. Engine
// owned fields are exempt.
func (p *pass) checkOutputs(spec *NodeSpec, delta State) {
	if len(spec.Outputs) == 0 {
		return
	}
	declared := make(map[string]bool, len(spec.Outputs))
	for _, f := range spec.Outputs {
		declared[f] = true
	}
	var extra []string
	for field := range delta {
		if !declared[field] && field != CorrelationField && field != DecisionField {
			extra = append(extra, field)
		}
	}
	if len(extra) == 0 {
		return
	}
	sort.Strings(extra)
	p.e.cfg.metrics.IncrementMergeConflicts(p.g.Name(), spec.ID)
	p.e.emit(p.in.id, p.in.steps, spec.ID, emit.MsgUndeclaredOutput, map[string]interface{}{
		"fields": extra,
	})
}

func (p *pass) markSuspended(nodeID string) error {
	if p.suspendAt != "" {
		return &EngineError{
			Message: fmt.Sprintf("nodes %s and %s suspended in the same pass", p.suspendAt, nodeID),
			Code:    "CONCURRENT_SUSPENSION",
		}
	}
	token := p.in.state.String(CorrelationField)
	if token == "" || token == p.in.lastToken {
		return fmt.Errorf("node %s: %w", nodeID, ErrMissingCorrelationToken)
	}
	p.suspendAt = nodeID
	return nil
}

// route activates the successors of a completed node: every static edge,
// plus the single target picked by its router.
func (p *pass) route(from string) error {
	for _, edge := range p.g.static[from] {
		if err := p.traverse(from, edge.To); err != nil {
			return err
		}
	}
	cond, ok := p.g.routes[from]
	if !ok {
		return nil
	}
	target, err := p.decide(cond)
	if err != nil {
		return err
	}
	return p.traverse(from, target)
}

func (p *pass) decide(cond *ConditionalEdge) (target string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &EngineError{
				Message: fmt.Sprintf("router on %s panicked: %v", cond.From, r),
				Code:    "ROUTER_PANIC",
			}
		}
	}()
	target = cond.Router(p.in.state.Clone())
	if !cond.declares(target) {
		return "", &RouterAmbiguityError{
			From:     cond.From,
			Returned: target,
			Declared: append([]string(nil), cond.Targets...),
		}
	}
	return target, nil
}

// traverse records an activation of to along from->to, enforcing the edge's
// loop bound. A bound of n permits n traversals.
func (p *pass) traverse(from, to string) error {
	edge := EdgeID(from, to)
	meta := map[string]interface{}{"to": to}
	if bound, ok := p.g.bounds[edge]; ok {
		if p.in.counters[edge] >= bound {
			return &LoopBoundExceededError{Edge: edge, Bound: bound, Escalate: true}
		}
		p.in.counters[edge]++
		meta["iteration"] = p.in.counters[edge]
		meta["bound"] = bound
		p.e.cfg.metrics.IncrementLoopTraversals(p.g.Name(), edge)
	}
	p.in.activate(to, from)
	p.e.emit(p.in.id, p.in.steps, from, emit.MsgRoute, meta)
	return nil
}

// finish moves the instance to the status the pass ended in and performs
// the matching store side effects.
func (p *pass) finish(ctx context.Context) error {
	e, in := p.e, p.in
	storeCtx := context.WithoutCancel(ctx)

	switch {
	case p.halt != nil:
		in.fail(p.halt)
		p.dropCheckpoint(storeCtx)
		e.emit(in.id, in.steps, "", emit.MsgFailed, map[string]interface{}{
			"error":    in.err.Error(),
			"kind":     in.kind,
			"escalate": in.escalate,
		})
		e.cfg.metrics.IncrementInstances(p.g.Name(), StatusFailed)
		e.archive(in)
		return nil

	case p.suspendAt != "":
		in.status = StatusSuspended
		in.suspended = p.suspendAt
		in.token = in.state.String(CorrelationField)
		prevToken := in.lastToken
		in.lastToken = in.token
		cp := in.checkpoint(e.cfg.clock(), e.cfg.checkpointTTL)
		if err := e.store.SaveCheckpoint(storeCtx, cp); err != nil {
			in.fail(&EngineError{Message: err.Error(), Code: "CHECKPOINT_FAILED"})
			// The claimed checkpoint of the previous suspension must not
			// outlive the failed instance.
			in.lastToken = prevToken
			p.dropCheckpoint(storeCtx)
			e.emit(in.id, in.steps, "", emit.MsgFailed, map[string]interface{}{
				"error": in.err.Error(),
				"kind":  in.kind,
			})
			e.cfg.metrics.IncrementInstances(p.g.Name(), StatusFailed)
			e.archive(in)
			return fmt.Errorf("failed to save checkpoint: %w", err)
		}
		e.emit(in.id, in.steps, in.suspended, emit.MsgCheckpointSaved, map[string]interface{}{
			"token": in.token,
		})
		e.emit(in.id, in.steps, in.suspended, emit.MsgSuspended, map[string]interface{}{
			"token": in.token,
		})
		e.cfg.metrics.IncrementInstances(p.g.Name(), StatusSuspended)
		e.archive(in)
		return nil

	case ctx.Err() != nil:
		return ctx.Err()

	case len(in.pending) == 0:
		in.status = StatusCompleted
		p.dropCheckpoint(storeCtx)
		e.emit(in.id, in.steps, "", emit.MsgCompleted, map[string]interface{}{
			"steps": in.steps,
		})
		e.cfg.metrics.IncrementInstances(p.g.Name(), StatusCompleted)
		e.archive(in)
		return nil
	}
	return nil
}

// dropCheckpoint removes a checkpoint left over from an earlier suspension.
func (p *pass) dropCheckpoint(ctx context.Context) {
	if p.in.lastToken == "" {
		return
	}
	if err := p.e.store.DeleteCheckpoint(ctx, p.in.id); err != nil {
		p.e.cfg.logger.Warn("failed to delete checkpoint",
			"instance_id", p.in.id,
			"error", err,
		)
		return
	}
	p.e.emit(p.in.id, p.in.steps, "", emit.MsgCheckpointDeleted, nil)
}

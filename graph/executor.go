package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dshills/leadgraph-go/graph/emit"
	"github.com/dshills/leadgraph-go/graph/store"
)

// Executor runs instances of compiled graphs.
//
// Each instance advances through a frontier of activated nodes. Ready nodes
// run in parallel on a bounded worker pool, each against a private snapshot
// of the instance state; deltas are merged as nodes complete. When a
// suspension node completes the instance is checkpointed to the Store and
// evicted from memory until the Resume Gateway brings it back.
//
// Instance failures (a node out of retries, a router returning an undeclared
// target, an exhausted loop bound) are not returned as errors. They are
// reported through Outcome.Status, Outcome.Err and Outcome.Kind. The error
// result of Step, Run and Execute is reserved for problems with the call
// itself: unknown instances, cancelled contexts and store failures.
//
// Example:
//
//	exec, err := graph.NewExecutor(store.NewMemStore(), graph.WithMaxConcurrent(4))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	out, err := exec.Execute(ctx, g, graph.State{"lead_id": "L-42"})
//	switch out.Status {
//	case graph.StatusSuspended:
//	    notifyReviewer(out.Token)
//	case graph.StatusFailed:
//	    log.Printf("instance %s failed (%s): %v", out.InstanceID, out.Kind, out.Err)
//	}
type Executor struct {
	cfg   executorConfig
	store store.Store

	mu     sync.RWMutex
	graphs map[string]*Graph
	live   map[string]*instance

	tokens keyedMutex
}

// NewExecutor creates an Executor persisting checkpoints in st.
func NewExecutor(st store.Store, opts ...Option) (*Executor, error) {
	if st == nil {
		return nil, errors.New("executor requires a store")
	}
	cfg := defaultExecutorConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("invalid executor option: %w", err)
		}
	}
	return &Executor{
		cfg:    cfg,
		store:  st,
		graphs: map[string]*Graph{},
		live:   map[string]*instance{},
	}, nil
}

// Register makes g known to the executor under its name. Checkpoints only
// record the graph name, so a process resuming instances started by another
// process must register the same graph first. Start registers implicitly.
func (e *Executor) Register(g *Graph) error {
	if g == nil {
		return errors.New("cannot register nil graph")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.graphs[g.Name()] = g
	return nil
}

// Store returns the store the executor checkpoints into.
func (e *Executor) Store() store.Store {
	return e.store
}

func (e *Executor) graph(name string) (*Graph, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	g, ok := e.graphs[name]
	return g, ok
}

func (e *Executor) lookup(instanceID string) (*instance, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	in, ok := e.live[instanceID]
	return in, ok
}

func (e *Executor) track(in *instance) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.live[in.id] = in
}

// archive evicts an instance that came to rest.
func (e *Executor) archive(in *instance) {
	e.mu.Lock()
	delete(e.live, in.id)
	e.mu.Unlock()
	e.cfg.metrics.AddFrontier(-len(in.pending))
}

// Start creates an instance of g with initial state and activates the entry
// node. No node executes until Step or Run is called.
func (e *Executor) Start(ctx context.Context, g *Graph, initial State) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := e.Register(g); err != nil {
		return "", err
	}
	id, err := e.cfg.newID()
	if err != nil {
		return "", err
	}

	state := State{}
	if err := state.Merge(initial, nil); err != nil {
		return "", fmt.Errorf("invalid initial state: %w", err)
	}

	in := &instance{
		id:        id,
		graph:     g,
		status:    StatusRunning,
		state:     state,
		pending:   map[string][]string{},
		counters:  map[string]int{},
		createdAt: e.cfg.clock(),
	}
	in.activate(g.Entry(), "")
	e.track(in)
	e.cfg.metrics.AddFrontier(1)

	e.emit(id, 0, "", emit.MsgInstanceStarted, map[string]interface{}{
		"graph": g.Name(),
		"entry": g.Entry(),
	})
	return id, nil
}

// Step advances a running instance until it suspends, completes or fails,
// or until the step budget set with WithStepBudget is spent. A returned
// status of StatusRunning means more work remains.
//
// Calling Step on an instance that already came to rest returns
// ErrInstanceNotFound: resting instances are not kept in memory.
func (e *Executor) Step(ctx context.Context, instanceID string) (Outcome, error) {
	in, ok := e.lookup(instanceID)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.status != StatusRunning {
		return in.outcome(), nil
	}

	err := newPass(e, in).run(ctx)
	return in.outcome(), err
}

// Run calls Step until the instance comes to rest.
func (e *Executor) Run(ctx context.Context, instanceID string) (Outcome, error) {
	for {
		out, err := e.Step(ctx, instanceID)
		if err != nil || out.Status != StatusRunning {
			return out, err
		}
	}
}

// Execute starts an instance of g and runs it until it comes to rest.
func (e *Executor) Execute(ctx context.Context, g *Graph, initial State) (Outcome, error) {
	id, err := e.Start(ctx, g, initial)
	if err != nil {
		return Outcome{}, err
	}
	return e.Run(ctx, id)
}

// Running returns the ids of instances currently held in memory.
func (e *Executor) Running() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.live))
	for id := range e.live {
		ids = append(ids, id)
	}
	return ids
}

// resume brings a claimed checkpoint back to life, merges the external
// event, evaluates the suspension node's outgoing edges and runs the
// instance until it rests again.
func (e *Executor) resume(ctx context.Context, cp store.Checkpoint, event ResumeEvent) (Outcome, error) {
	g, ok := e.graph(cp.Graph)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrGraphNotRegistered, cp.Graph)
	}

	in := restore(g, cp)
	in.status = StatusRunning
	in.suspended = ""
	in.token = ""

	delta := State{}
	for k, v := range event.Fields {
		delta[k] = v
	}
	delta[DecisionField] = event.Decision

	e.track(in)
	e.emit(in.id, in.steps, cp.Frontier, emit.MsgResumed, map[string]interface{}{
		"token":    cp.Token,
		"decision": event.Decision,
	})

	in.mu.Lock()
	p := newPass(e, in)
	if err := in.state.Merge(delta, g.reducers); err != nil {
		p.halt = fmt.Errorf("merge resume event: %w", err)
	} else {
		in.version++
		p.halt = p.route(cp.Frontier)
	}
	e.cfg.metrics.AddFrontier(len(in.pending))
	if p.halt != nil {
		err := p.finish(ctx)
		out := in.outcome()
		in.mu.Unlock()
		return out, err
	}
	in.mu.Unlock()

	return e.Run(ctx, in.id)
}

func (e *Executor) emit(instanceID string, step int, nodeID, msg string, meta map[string]interface{}) {
	e.cfg.emitter.Emit(emit.Event{
		InstanceID: instanceID,
		Step:       step,
		NodeID:     nodeID,
		Msg:        msg,
		Meta:       meta,
	})
}

// keyedMutex serializes work per key within the process.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[string]*keyedEntry{}
	}
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

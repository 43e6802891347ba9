package graph

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.jetify.com/typeid"

	"github.com/dshills/leadgraph-go/graph/store"
)

// Status is the lifecycle status of an instance.
type Status string

// Instance statuses. Suspended, Completed and Failed are resting statuses:
// no node of the instance executes until an external event arrives (or
// ever, for the terminal two).
const (
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is Completed or Failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Outcome is a point-in-time view of an instance returned by Step, Run and
// Resume. State is a private copy.
type Outcome struct {
	InstanceID string
	Graph      string
	Status     Status
	State      State
	Steps      int

	// SuspendedAt and Token are set while the instance is suspended.
	SuspendedAt string
	Token       string

	// Err, Kind and Escalate are set for failed instances. Escalate marks
	// failures that need a human to look at them, such as loop exhaustion.
	Err      error
	Kind     string
	Escalate bool
}

// instance is the live, in-memory form of a workflow run.
type instance struct {
	mu sync.Mutex

	id        string
	graph     *Graph
	status    Status
	state     State
	version   int
	steps     int
	pending   map[string][]string
	counters  map[string]int
	suspended string
	token     string
	lastToken string
	err       error
	kind      string
	escalate  bool
	createdAt time.Time
}

func newInstanceID() (string, error) {
	id, err := typeid.WithPrefix("inst")
	if err != nil {
		return "", fmt.Errorf("failed to generate instance id: %w", err)
	}
	return id.String(), nil
}

func (in *instance) activate(node, from string) {
	in.pending[node] = append(in.pending[node], from)
}

// pendingNodes returns the ids of nodes with recorded activations, sorted.
func (in *instance) pendingNodes() []string {
	ids := make([]string, 0, len(in.pending))
	for id := range in.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (in *instance) outcome() Outcome {
	o := Outcome{
		InstanceID:  in.id,
		Graph:       in.graph.Name(),
		Status:      in.status,
		State:       in.state.Clone(),
		Steps:       in.steps,
		SuspendedAt: in.suspended,
		Token:       in.token,
		Err:         in.err,
		Kind:        in.kind,
		Escalate:    in.escalate,
	}
	return o
}

func (in *instance) fail(err error) {
	in.status = StatusFailed
	in.err = err
	in.kind = failureKind(err)
	if loopErr, ok := asLoopBound(err); ok {
		in.escalate = loopErr.Escalate
	}
}

func (in *instance) checkpoint(now time.Time, ttl time.Duration) store.Checkpoint {
	pending := make(map[string][]string, len(in.pending))
	for id, from := range in.pending {
		pending[id] = append([]string(nil), from...)
	}
	counters := make(map[string]int, len(in.counters))
	for edge, n := range in.counters {
		counters[edge] = n
	}
	return store.Checkpoint{
		InstanceID:   in.id,
		Token:        in.token,
		Graph:        in.graph.Name(),
		State:        in.state.Clone(),
		Frontier:     in.suspended,
		Pending:      pending,
		LoopCounters: counters,
		Version:      in.version,
		Steps:        in.steps,
		Status:       store.StatusSuspended,
		CreatedAt:    now,
		TTL:          ttl,
	}
}

// restore rebuilds a suspended instance from its checkpoint.
func restore(g *Graph, cp store.Checkpoint) *instance {
	in := &instance{
		id:        cp.InstanceID,
		graph:     g,
		status:    StatusSuspended,
		state:     State(cp.State).Clone(),
		version:   cp.Version,
		steps:     cp.Steps,
		pending:   map[string][]string{},
		counters:  map[string]int{},
		suspended: cp.Frontier,
		token:     cp.Token,
		lastToken: cp.Token,
		createdAt: cp.CreatedAt,
	}
	for id, from := range cp.Pending {
		in.pending[id] = append([]string(nil), from...)
	}
	for edge, n := range cp.LoopCounters {
		in.counters[edge] = n
	}
	return in
}

// storeOutcome converts o to the record kept for its resume token.
func storeOutcome(token string, o Outcome, now time.Time) store.Outcome {
	rec := store.Outcome{
		Token:      token,
		InstanceID: o.InstanceID,
		Status:     string(o.Status),
		State:      o.State,
		Kind:       o.Kind,
		Escalate:   o.Escalate,
		RecordedAt: now,
	}
	if o.Err != nil {
		rec.Error = o.Err.Error()
	}
	if o.Status == StatusSuspended {
		rec.NextToken = o.Token
	}
	return rec
}

// outcomeFromStore converts a recorded outcome back for a duplicate resume.
func outcomeFromStore(g string, rec store.Outcome) Outcome {
	o := Outcome{
		InstanceID: rec.InstanceID,
		Graph:      g,
		Status:     Status(rec.Status),
		State:      State(rec.State).Clone(),
		Kind:       rec.Kind,
		Escalate:   rec.Escalate,
		Token:      rec.NextToken,
	}
	if rec.Error != "" {
		o.Err = &recordedError{msg: rec.Error}
	}
	return o
}

// recordedError is a failure read back from the store. Its text is all that
// survives serialization.
type recordedError struct {
	msg string
}

func (e *recordedError) Error() string { return e.msg }

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested instance, token or outcome does
// not exist.
var ErrNotFound = errors.New("not found")

// ErrClaimed is returned by ClaimCheckpoint when the checkpoint exists but is
// held by a claim that has not gone stale.
var ErrClaimed = errors.New("checkpoint already claimed")

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("store is closed")

// Checkpoint statuses.
const (
	StatusSuspended = "suspended"
	StatusResuming  = "resuming"
)

// Checkpoint is the durable copy of a suspended instance.
//
// Exactly one checkpoint exists per suspended instance. It is overwritten
// (keyed by InstanceID) when the instance suspends again after a resume and
// deleted when the instance reaches a terminal status.
type Checkpoint struct {
	InstanceID string `json:"instance_id"`

	// Token is the correlation token emitted by the suspension node.
	Token string `json:"correlation_token"`

	// Graph names the compiled graph the instance runs.
	Graph string `json:"graph"`

	// State is the full state container at suspension time.
	State map[string]interface{} `json:"state"`

	// Frontier is the id of the suspension node.
	Frontier string `json:"frontier_node_id"`

	// Pending holds activations recorded for nodes that were not dispatched
	// before the instance halted, keyed by node id.
	Pending map[string][]string `json:"pending,omitempty"`

	// LoopCounters counts traversals of bounded edges, keyed by edge id.
	LoopCounters map[string]int `json:"loop_counters"`

	Version int `json:"version"`
	Steps   int `json:"steps"`

	// Status is StatusSuspended or StatusResuming.
	Status string `json:"status"`

	CreatedAt time.Time     `json:"created_at"`
	TTL       time.Duration `json:"ttl"`
	ClaimedAt time.Time     `json:"claimed_at,omitempty"`
}

// ExpiresAt returns when the checkpoint becomes stale, or the zero time when
// it has no TTL.
func (c Checkpoint) ExpiresAt() time.Time {
	if c.TTL <= 0 {
		return time.Time{}
	}
	return c.CreatedAt.Add(c.TTL)
}

// Expired reports whether the checkpoint outlived its TTL at now.
func (c Checkpoint) Expired(now time.Time) bool {
	exp := c.ExpiresAt()
	return !exp.IsZero() && now.After(exp)
}

// Claimable reports whether ClaimCheckpoint may take the checkpoint: it is
// suspended, or its claim was taken before staleBefore. A zero staleBefore
// never treats a claim as stale.
func (c Checkpoint) Claimable(staleBefore time.Time) bool {
	switch c.Status {
	case StatusSuspended:
		return true
	case StatusResuming:
		return !staleBefore.IsZero() && c.ClaimedAt.Before(staleBefore)
	}
	return false
}

// Outcome records how a resume for a correlation token ended. A second
// resume with the same token returns the recorded outcome unchanged.
type Outcome struct {
	Token      string                 `json:"correlation_token"`
	InstanceID string                 `json:"instance_id"`
	Status     string                 `json:"status"`
	State      map[string]interface{} `json:"state"`
	Kind       string                 `json:"kind,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Escalate   bool                   `json:"escalate,omitempty"`

	// NextToken is set when the instance suspended again.
	NextToken  string    `json:"next_token,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// StepRecord is a state snapshot taken after a node completed.
type StepRecord struct {
	InstanceID string
	Step       int
	NodeID     string
	State      map[string]interface{}
	CreatedAt  time.Time
}

// Store persists checkpoints, resume outcomes and per-step state history.
//
// Implementations must serialize ClaimCheckpoint per token: of two
// concurrent claims for the same suspended checkpoint exactly one succeeds.
//
// Implementations:
//   - MemStore: in-process maps, for tests and single-process deployments
//   - SQLiteStore: embedded database via modernc.org/sqlite
//   - MySQLStore: github.com/go-sql-driver/mysql
//   - PostgresStore: github.com/lib/pq
//   - RedisStore: github.com/redis/go-redis/v9 with a Lua claim script
type Store interface {
	// SaveStep records the state after step completed node nodeID.
	SaveStep(ctx context.Context, instanceID string, step int, nodeID string, state map[string]interface{}) error

	// LoadLatest returns the most recent step snapshot of an instance.
	// Returns ErrNotFound if no step was recorded.
	LoadLatest(ctx context.Context, instanceID string) (StepRecord, error)

	// SaveCheckpoint inserts or replaces the checkpoint of cp.InstanceID.
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error

	// LoadCheckpoint returns the checkpoint waiting on token.
	// Returns ErrNotFound if none exists.
	LoadCheckpoint(ctx context.Context, token string) (Checkpoint, error)

	// ClaimCheckpoint atomically moves the checkpoint for token to resuming,
	// stamps it claimed at now and returns it. A checkpoint already resuming
	// is taken over when its claim is older than staleBefore, which recovers
	// claims held by a process that died mid-resume. Returns ErrNotFound
	// when no checkpoint exists and ErrClaimed when it is not Claimable.
	ClaimCheckpoint(ctx context.Context, token string, now, staleBefore time.Time) (Checkpoint, error)

	// ReleaseCheckpoint returns a claimed checkpoint to suspended.
	ReleaseCheckpoint(ctx context.Context, token string) error

	// DeleteCheckpoint removes the checkpoint of an instance. Deleting a
	// missing checkpoint is not an error.
	DeleteCheckpoint(ctx context.Context, instanceID string) error

	// SaveOutcome records the result of resuming with o.Token.
	SaveOutcome(ctx context.Context, o Outcome) error

	// LoadOutcome returns the outcome recorded for token.
	// Returns ErrNotFound if the token was never resumed.
	LoadOutcome(ctx context.Context, token string) (Outcome, error)

	// ExpiredCheckpoints lists up to limit Claimable checkpoints whose TTL
	// elapsed before now, oldest first.
	ExpiredCheckpoints(ctx context.Context, now, staleBefore time.Time, limit int) ([]Checkpoint, error)

	// Close releases resources held by the store.
	Close() error
}

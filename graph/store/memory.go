package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store.
//
// States are copied through JSON on the way in and out, so callers observe
// the same value normalization a database-backed store would apply.
// MemStore is safe for concurrent use.
type MemStore struct {
	mu          sync.RWMutex
	steps       map[string][]StepRecord
	checkpoints map[string]Checkpoint // instanceID -> checkpoint
	tokens      map[string]string     // token -> instanceID
	outcomes    map[string]Outcome
	closed      bool
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		steps:       make(map[string][]StepRecord),
		checkpoints: make(map[string]Checkpoint),
		tokens:      make(map[string]string),
		outcomes:    make(map[string]Outcome),
	}
}

// SaveStep implements Store.
func (m *MemStore) SaveStep(_ context.Context, instanceID string, step int, nodeID string, state map[string]interface{}) error {
	copied, err := copyState(state)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	m.steps[instanceID] = append(m.steps[instanceID], StepRecord{
		InstanceID: instanceID,
		Step:       step,
		NodeID:     nodeID,
		State:      copied,
		CreatedAt:  time.Now(),
	})
	return nil
}

// LoadLatest implements Store.
func (m *MemStore) LoadLatest(_ context.Context, instanceID string) (StepRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return StepRecord{}, ErrClosed
	}

	records := m.steps[instanceID]
	if len(records) == 0 {
		return StepRecord{}, ErrNotFound
	}
	latest := records[0]
	for _, r := range records[1:] {
		if r.Step >= latest.Step {
			latest = r
		}
	}
	state, err := copyState(latest.State)
	if err != nil {
		return StepRecord{}, err
	}
	latest.State = state
	return latest, nil
}

// SaveCheckpoint implements Store.
func (m *MemStore) SaveCheckpoint(_ context.Context, cp Checkpoint) error {
	copied, err := copyCheckpoint(cp)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if owner, ok := m.tokens[cp.Token]; ok && owner != cp.InstanceID {
		return fmt.Errorf("correlation token %q already used by instance %s", cp.Token, owner)
	}
	if prev, ok := m.checkpoints[cp.InstanceID]; ok {
		delete(m.tokens, prev.Token)
	}
	m.checkpoints[cp.InstanceID] = copied
	m.tokens[cp.Token] = cp.InstanceID
	return nil
}

// LoadCheckpoint implements Store.
func (m *MemStore) LoadCheckpoint(_ context.Context, token string) (Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Checkpoint{}, ErrClosed
	}
	cp, ok := m.byToken(token)
	if !ok {
		return Checkpoint{}, ErrNotFound
	}
	return copyCheckpoint(cp)
}

// ClaimCheckpoint implements Store.
func (m *MemStore) ClaimCheckpoint(_ context.Context, token string, now, staleBefore time.Time) (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Checkpoint{}, ErrClosed
	}
	cp, ok := m.byToken(token)
	if !ok {
		return Checkpoint{}, ErrNotFound
	}
	if !cp.Claimable(staleBefore) {
		return Checkpoint{}, ErrClaimed
	}
	cp.Status = StatusResuming
	cp.ClaimedAt = now
	m.checkpoints[cp.InstanceID] = cp
	return copyCheckpoint(cp)
}

// ReleaseCheckpoint implements Store.
func (m *MemStore) ReleaseCheckpoint(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	cp, ok := m.byToken(token)
	if !ok {
		return ErrNotFound
	}
	cp.Status = StatusSuspended
	cp.ClaimedAt = time.Time{}
	m.checkpoints[cp.InstanceID] = cp
	return nil
}

// DeleteCheckpoint implements Store.
func (m *MemStore) DeleteCheckpoint(_ context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if cp, ok := m.checkpoints[instanceID]; ok {
		delete(m.tokens, cp.Token)
		delete(m.checkpoints, instanceID)
	}
	return nil
}

// SaveOutcome implements Store.
func (m *MemStore) SaveOutcome(_ context.Context, o Outcome) error {
	state, err := copyState(o.State)
	if err != nil {
		return err
	}
	o.State = state

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.outcomes[o.Token] = o
	return nil
}

// LoadOutcome implements Store.
func (m *MemStore) LoadOutcome(_ context.Context, token string) (Outcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Outcome{}, ErrClosed
	}
	o, ok := m.outcomes[token]
	if !ok {
		return Outcome{}, ErrNotFound
	}
	state, err := copyState(o.State)
	if err != nil {
		return Outcome{}, err
	}
	o.State = state
	return o, nil
}

// ExpiredCheckpoints implements Store.
func (m *MemStore) ExpiredCheckpoints(_ context.Context, now, staleBefore time.Time, limit int) ([]Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	var expired []Checkpoint
	for _, cp := range m.checkpoints {
		if cp.Claimable(staleBefore) && cp.Expired(now) {
			copied, err := copyCheckpoint(cp)
			if err != nil {
				return nil, err
			}
			expired = append(expired, copied)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].ExpiresAt().Before(expired[j].ExpiresAt())
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

// Close implements Store.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MemStore) byToken(token string) (Checkpoint, bool) {
	id, ok := m.tokens[token]
	if !ok {
		return Checkpoint{}, false
	}
	cp, ok := m.checkpoints[id]
	return cp, ok
}

func copyState(state map[string]interface{}) (map[string]interface{}, error) {
	if state == nil {
		return nil, nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return out, nil
}

func copyCheckpoint(cp Checkpoint) (Checkpoint, error) {
	data, err := json.Marshal(cp)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	var out Checkpoint
	if err := json.Unmarshal(data, &out); err != nil {
		return Checkpoint{}, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return out, nil
}

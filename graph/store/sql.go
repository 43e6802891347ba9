package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// dialect captures the statements that differ between SQL backends.
type dialect struct {
	name string

	// schema is executed in order when the store opens.
	schema []string

	upsertStep       string
	upsertCheckpoint string
	upsertOutcome    string

	// numbered placeholders ($1, $2, ...) instead of ?.
	numbered bool
}

// bind rewrites ? placeholders for dialects that use numbered parameters.
func (d dialect) bind(query string) string {
	if !d.numbered {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// sqlStore implements Store on database/sql. The SQLite, MySQL and
// PostgreSQL stores embed it and only differ in dialect and connection setup.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	mu      sync.RWMutex
	closed  bool
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*sqlStore, error) {
	s := &sqlStore{db: db, dialect: d}
	for _, stmt := range d.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to create %s schema: %w", d.name, err)
		}
	}
	return s, nil
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.bind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.bind(query), args...)
}

func (s *sqlStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// SaveStep implements Store.
func (s *sqlStore) SaveStep(ctx context.Context, instanceID string, step int, nodeID string, state map[string]interface{}) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if _, err := s.exec(ctx, s.dialect.upsertStep, instanceID, step, nodeID, string(stateJSON), toMillis(time.Now())); err != nil {
		return fmt.Errorf("failed to save step: %w", err)
	}
	return nil
}

// LoadLatest implements Store.
func (s *sqlStore) LoadLatest(ctx context.Context, instanceID string) (StepRecord, error) {
	if err := s.checkOpen(); err != nil {
		return StepRecord{}, err
	}

	var (
		rec       = StepRecord{InstanceID: instanceID}
		stateJSON string
		createdAt int64
	)
	err := s.queryRow(ctx, `
		SELECT step, node_id, state, created_at_ms
		FROM workflow_steps
		WHERE instance_id = ?
		ORDER BY step DESC
		LIMIT 1
	`, instanceID).Scan(&rec.Step, &rec.NodeID, &stateJSON, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return StepRecord{}, ErrNotFound
	}
	if err != nil {
		return StepRecord{}, fmt.Errorf("failed to load latest step: %w", err)
	}
	if err := json.Unmarshal([]byte(stateJSON), &rec.State); err != nil {
		return StepRecord{}, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	rec.CreatedAt = fromMillis(createdAt)
	return rec, nil
}

// SaveCheckpoint implements Store.
func (s *sqlStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	stateJSON, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	pendingJSON, err := json.Marshal(cp.Pending)
	if err != nil {
		return fmt.Errorf("failed to marshal pending activations: %w", err)
	}
	countersJSON, err := json.Marshal(cp.LoopCounters)
	if err != nil {
		return fmt.Errorf("failed to marshal loop counters: %w", err)
	}
	status := cp.Status
	if status == "" {
		status = StatusSuspended
	}

	_, err = s.exec(ctx, s.dialect.upsertCheckpoint,
		cp.InstanceID, cp.Token, cp.Graph, string(stateJSON), cp.Frontier,
		string(pendingJSON), string(countersJSON), cp.Version, cp.Steps, status,
		toMillis(cp.CreatedAt), cp.TTL.Milliseconds(), toMillis(cp.ExpiresAt()), toMillis(cp.ClaimedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

const checkpointColumns = `instance_id, correlation_token, graph, state, frontier, pending,
	loop_counters, version, steps, status, created_at_ms, ttl_ms, claimed_at_ms`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCheckpoint(row rowScanner) (Checkpoint, error) {
	var (
		cp                                  Checkpoint
		stateJSON, pendingJSON, countersStr string
		createdAt, ttlMs, claimedAt         int64
	)
	err := row.Scan(&cp.InstanceID, &cp.Token, &cp.Graph, &stateJSON, &cp.Frontier, &pendingJSON,
		&countersStr, &cp.Version, &cp.Steps, &cp.Status, &createdAt, &ttlMs, &claimedAt)
	if err != nil {
		return Checkpoint{}, err
	}
	if err := json.Unmarshal([]byte(stateJSON), &cp.State); err != nil {
		return Checkpoint{}, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	if err := json.Unmarshal([]byte(pendingJSON), &cp.Pending); err != nil {
		return Checkpoint{}, fmt.Errorf("failed to unmarshal pending activations: %w", err)
	}
	if err := json.Unmarshal([]byte(countersStr), &cp.LoopCounters); err != nil {
		return Checkpoint{}, fmt.Errorf("failed to unmarshal loop counters: %w", err)
	}
	cp.CreatedAt = fromMillis(createdAt)
	cp.TTL = time.Duration(ttlMs) * time.Millisecond
	cp.ClaimedAt = fromMillis(claimedAt)
	return cp, nil
}

// LoadCheckpoint implements Store.
func (s *sqlStore) LoadCheckpoint(ctx context.Context, token string) (Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return Checkpoint{}, err
	}
	cp, err := scanCheckpoint(s.queryRow(ctx,
		`SELECT `+checkpointColumns+` FROM workflow_checkpoints WHERE correlation_token = ?`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return cp, nil
}

// ClaimCheckpoint implements Store with a conditional update: only the
// caller whose UPDATE matches a suspended row, or a resuming row with a
// stale claim, wins.
func (s *sqlStore) ClaimCheckpoint(ctx context.Context, token string, now, staleBefore time.Time) (Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return Checkpoint{}, err
	}
	res, err := s.exec(ctx, `
		UPDATE workflow_checkpoints
		SET status = ?, claimed_at_ms = ?
		WHERE correlation_token = ?
		  AND (status = ? OR (status = ? AND claimed_at_ms < ?))
	`, StatusResuming, toMillis(now), token, StatusSuspended, StatusResuming, toMillis(staleBefore))
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to claim checkpoint: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to read claim result: %w", err)
	}

	cp, err := s.LoadCheckpoint(ctx, token)
	if err != nil {
		return Checkpoint{}, err
	}
	if affected != 1 {
		return Checkpoint{}, ErrClaimed
	}
	return cp, nil
}

// ReleaseCheckpoint implements Store.
func (s *sqlStore) ReleaseCheckpoint(ctx context.Context, token string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	res, err := s.exec(ctx, `
		UPDATE workflow_checkpoints SET status = ?, claimed_at_ms = 0 WHERE correlation_token = ?
	`, StatusSuspended, token)
	if err != nil {
		return fmt.Errorf("failed to release checkpoint: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteCheckpoint implements Store.
func (s *sqlStore) DeleteCheckpoint(ctx context.Context, instanceID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.exec(ctx, `DELETE FROM workflow_checkpoints WHERE instance_id = ?`, instanceID); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// SaveOutcome implements Store.
func (s *sqlStore) SaveOutcome(ctx context.Context, o Outcome) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	stateJSON, err := json.Marshal(o.State)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	recorded := o.RecordedAt
	if recorded.IsZero() {
		recorded = time.Now()
	}
	_, err = s.exec(ctx, s.dialect.upsertOutcome,
		o.Token, o.InstanceID, o.Status, string(stateJSON), o.Kind, o.Error,
		boolToInt(o.Escalate), o.NextToken, toMillis(recorded),
	)
	if err != nil {
		return fmt.Errorf("failed to save outcome: %w", err)
	}
	return nil
}

// LoadOutcome implements Store.
func (s *sqlStore) LoadOutcome(ctx context.Context, token string) (Outcome, error) {
	if err := s.checkOpen(); err != nil {
		return Outcome{}, err
	}
	var (
		o         = Outcome{Token: token}
		stateJSON string
		escalate  int
		recorded  int64
	)
	err := s.queryRow(ctx, `
		SELECT instance_id, status, state, kind, error_message, escalate, next_token, recorded_at_ms
		FROM workflow_outcomes WHERE correlation_token = ?
	`, token).Scan(&o.InstanceID, &o.Status, &stateJSON, &o.Kind, &o.Error, &escalate, &o.NextToken, &recorded)
	if errors.Is(err, sql.ErrNoRows) {
		return Outcome{}, ErrNotFound
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to load outcome: %w", err)
	}
	if err := json.Unmarshal([]byte(stateJSON), &o.State); err != nil {
		return Outcome{}, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	o.Escalate = escalate != 0
	o.RecordedAt = fromMillis(recorded)
	return o, nil
}

// ExpiredCheckpoints implements Store.
func (s *sqlStore) ExpiredCheckpoints(ctx context.Context, now, staleBefore time.Time, limit int) ([]Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.bind(`
		SELECT `+checkpointColumns+`
		FROM workflow_checkpoints
		WHERE (status = ? OR (status = ? AND claimed_at_ms < ?))
		  AND expires_at_ms > 0 AND expires_at_ms < ?
		ORDER BY expires_at_ms ASC
		LIMIT ?
	`), StatusSuspended, StatusResuming, toMillis(staleBefore), toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var expired []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		expired = append(expired, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkpoints: %w", err)
	}
	return expired, nil
}

// Ping verifies the database connection is alive.
func (s *sqlStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Close implements Store. Closing twice is a no-op.
func (s *sqlStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

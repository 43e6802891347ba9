package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a Store backed by an embedded SQLite database.
//
// It needs no external service, which makes it the default for single-node
// deployments and development. Use ":memory:" for throwaway databases in
// tests. The pure Go driver (modernc.org/sqlite) avoids cgo.
//
// Example:
//
//	st, err := store.NewSQLiteStore("./leadgraph.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
type SQLiteStore struct {
	*sqlStore
	path string
}

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS workflow_steps (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			instance_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			node_id TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			UNIQUE(instance_id, step)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_instance ON workflow_steps(instance_id)`,
		`CREATE TABLE IF NOT EXISTS workflow_checkpoints (
			instance_id TEXT NOT NULL PRIMARY KEY,
			correlation_token TEXT NOT NULL UNIQUE,
			graph TEXT NOT NULL,
			state TEXT NOT NULL,
			frontier TEXT NOT NULL,
			pending TEXT NOT NULL,
			loop_counters TEXT NOT NULL,
			version INTEGER NOT NULL,
			steps INTEGER NOT NULL,
			status TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			ttl_ms INTEGER NOT NULL,
			expires_at_ms INTEGER NOT NULL,
			claimed_at_ms INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_expiry ON workflow_checkpoints(status, expires_at_ms)`,
		`CREATE TABLE IF NOT EXISTS workflow_outcomes (
			correlation_token TEXT NOT NULL PRIMARY KEY,
			instance_id TEXT NOT NULL,
			status TEXT NOT NULL,
			state TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			escalate INTEGER NOT NULL DEFAULT 0,
			next_token TEXT NOT NULL DEFAULT '',
			recorded_at_ms INTEGER NOT NULL
		)`,
	},
	upsertStep: `
		INSERT INTO workflow_steps (instance_id, step, node_id, state, created_at_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(instance_id, step) DO UPDATE SET
			node_id = excluded.node_id,
			state = excluded.state,
			created_at_ms = excluded.created_at_ms
	`,
	upsertCheckpoint: `
		INSERT INTO workflow_checkpoints (instance_id, correlation_token, graph, state, frontier,
			pending, loop_counters, version, steps, status, created_at_ms, ttl_ms, expires_at_ms, claimed_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			correlation_token = excluded.correlation_token,
			graph = excluded.graph,
			state = excluded.state,
			frontier = excluded.frontier,
			pending = excluded.pending,
			loop_counters = excluded.loop_counters,
			version = excluded.version,
			steps = excluded.steps,
			status = excluded.status,
			created_at_ms = excluded.created_at_ms,
			ttl_ms = excluded.ttl_ms,
			expires_at_ms = excluded.expires_at_ms,
			claimed_at_ms = excluded.claimed_at_ms
	`,
	upsertOutcome: `
		INSERT INTO workflow_outcomes (correlation_token, instance_id, status, state, kind,
			error_message, escalate, next_token, recorded_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(correlation_token) DO UPDATE SET
			instance_id = excluded.instance_id,
			status = excluded.status,
			state = excluded.state,
			kind = excluded.kind,
			error_message = excluded.error_message,
			escalate = excluded.escalate,
			next_token = excluded.next_token,
			recorded_at_ms = excluded.recorded_at_ms
	`,
}

// NewSQLiteStore opens (or creates) the database at path and ensures the
// schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite supports one writer at a time
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	core, err := newSQLStore(ctx, db, sqliteDialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{sqlStore: core, path: path}, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

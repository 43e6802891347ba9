package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a Store backed by MySQL or Aurora MySQL.
//
// The DSN uses the go-sql-driver format:
//
//	user:password@tcp(localhost:3306)/leadgraph?parseTime=true
//
// Several processes may share one database: checkpoint claims are
// conditional updates, so a correlation token resumes at most once
// cluster-wide.
type MySQLStore struct {
	*sqlStore
}

var mysqlDialect = dialect{
	name: "mysql",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS workflow_steps (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			instance_id VARCHAR(255) NOT NULL,
			step INT NOT NULL,
			node_id VARCHAR(255) NOT NULL,
			state LONGTEXT NOT NULL,
			created_at_ms BIGINT NOT NULL,
			UNIQUE KEY idx_instance_step (instance_id, step)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS workflow_checkpoints (
			instance_id VARCHAR(255) NOT NULL PRIMARY KEY,
			correlation_token VARCHAR(255) NOT NULL,
			graph VARCHAR(255) NOT NULL,
			state LONGTEXT NOT NULL,
			frontier VARCHAR(255) NOT NULL,
			pending TEXT NOT NULL,
			loop_counters TEXT NOT NULL,
			version INT NOT NULL,
			steps INT NOT NULL,
			status VARCHAR(32) NOT NULL,
			created_at_ms BIGINT NOT NULL,
			ttl_ms BIGINT NOT NULL,
			expires_at_ms BIGINT NOT NULL,
			claimed_at_ms BIGINT NOT NULL DEFAULT 0,
			UNIQUE KEY idx_checkpoint_token (correlation_token),
			KEY idx_checkpoint_expiry (status, expires_at_ms)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS workflow_outcomes (
			correlation_token VARCHAR(255) NOT NULL PRIMARY KEY,
			instance_id VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL,
			state LONGTEXT NOT NULL,
			kind VARCHAR(64) NOT NULL DEFAULT '',
			error_message TEXT NOT NULL,
			escalate TINYINT NOT NULL DEFAULT 0,
			next_token VARCHAR(255) NOT NULL DEFAULT '',
			recorded_at_ms BIGINT NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	},
	upsertStep: `
		INSERT INTO workflow_steps (instance_id, step, node_id, state, created_at_ms)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			node_id = VALUES(node_id),
			state = VALUES(state),
			created_at_ms = VALUES(created_at_ms)
	`,
	upsertCheckpoint: `
		INSERT INTO workflow_checkpoints (instance_id, correlation_token, graph, state, frontier,
			pending, loop_counters, version, steps, status, created_at_ms, ttl_ms, expires_at_ms, claimed_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			correlation_token = VALUES(correlation_token),
			graph = VALUES(graph),
			state = VALUES(state),
			frontier = VALUES(frontier),
			pending = VALUES(pending),
			loop_counters = VALUES(loop_counters),
			version = VALUES(version),
			steps = VALUES(steps),
			status = VALUES(status),
			created_at_ms = VALUES(created_at_ms),
			ttl_ms = VALUES(ttl_ms),
			expires_at_ms = VALUES(expires_at_ms),
			claimed_at_ms = VALUES(claimed_at_ms)
	`,
	upsertOutcome: `
		INSERT INTO workflow_outcomes (correlation_token, instance_id, status, state, kind,
			error_message, escalate, next_token, recorded_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			instance_id = VALUES(instance_id),
			status = VALUES(status),
			state = VALUES(state),
			kind = VALUES(kind),
			error_message = VALUES(error_message),
			escalate = VALUES(escalate),
			next_token = VALUES(next_token),
			recorded_at_ms = VALUES(recorded_at_ms)
	`,
}

// NewMySQLStore connects to MySQL, verifies the connection and ensures the
// schema exists.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	core, err := newSQLStore(ctx, db, mysqlDialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &MySQLStore{sqlStore: core}, nil
}

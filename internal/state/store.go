// Package state implements the durable record of turns, messages, memory,
// telemetry, incidents, alerts, rollbacks, and KV that the runtime core
// persists across ticks.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aethernet/core/internal/shared"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "aethernet-v1-runtime-core-schema"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// Store is the single-connection SQLite-backed state store. One process
// owns one Store; the underlying pool is capped at one open connection so
// that writers serialize through SQLite's own locking rather than racing
// the driver.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and migrates the database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("state: empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

// retryOnBusy retries f when SQLite reports the database as busy or
// locked, using bounded exponential backoff with jitter on top of the
// driver's own busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay/2) + 1))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var checksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&checksum); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if checksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, checksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}
	if maxVersion != 0 {
		return fmt.Errorf("db schema version %d is not a known predecessor of %d", maxVersion, schemaVersionLatest)
	}

	statements := []string{
		`CREATE TABLE turns (
			id TEXT PRIMARY KEY,
			timestamp DATETIME NOT NULL,
			state TEXT NOT NULL,
			input JSON,
			output JSON,
			metadata JSON NOT NULL DEFAULT '{}'
		);`,
		`CREATE TABLE turn_telemetry (
			turn_id TEXT PRIMARY KEY REFERENCES turns(id),
			survival_tier TEXT NOT NULL,
			estimated_usd REAL NOT NULL DEFAULT 0,
			queue_depth INTEGER NOT NULL DEFAULT 0,
			spend_proxy_usd REAL NOT NULL DEFAULT 0,
			actions_total INTEGER NOT NULL DEFAULT 0,
			action_failures INTEGER NOT NULL DEFAULT 0,
			brain_duration_ms INTEGER NOT NULL DEFAULT 0,
			brain_failures INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE messages (
			id TEXT PRIMARY KEY,
			from_addr TEXT NOT NULL,
			to_addr TEXT NOT NULL,
			thread_id TEXT,
			content TEXT NOT NULL,
			received_at DATETIME NOT NULL,
			processed_at DATETIME
		);`,
		`CREATE TABLE memory_facts (
			id TEXT PRIMARY KEY,
			key TEXT NOT NULL UNIQUE,
			value TEXT NOT NULL,
			confidence REAL NOT NULL CHECK(confidence >= 0 AND confidence <= 1),
			source TEXT NOT NULL DEFAULT '',
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE memory_episodes (
			id TEXT PRIMARY KEY,
			summary TEXT NOT NULL,
			outcome TEXT,
			action_type TEXT,
			metadata JSON NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE incidents (
			id TEXT PRIMARY KEY,
			code TEXT NOT NULL,
			severity TEXT NOT NULL CHECK(severity IN ('info','warning','error','critical')),
			category TEXT NOT NULL,
			message TEXT NOT NULL,
			metadata JSON NOT NULL DEFAULT '{}',
			timestamp DATETIME NOT NULL
		);`,
		`CREATE TABLE alerts (
			id TEXT PRIMARY KEY,
			code TEXT NOT NULL,
			severity TEXT NOT NULL,
			route TEXT NOT NULL CHECK(route IN ('db','stdout','webhook')),
			message TEXT NOT NULL,
			metadata JSON NOT NULL DEFAULT '{}',
			timestamp DATETIME NOT NULL
		);`,
		`CREATE TABLE self_mod_mutations (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			before_hash TEXT,
			after_hash TEXT NOT NULL,
			reason TEXT,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE rollback_points (
			id TEXT PRIMARY KEY,
			mutation_id TEXT NOT NULL REFERENCES self_mod_mutations(id),
			path TEXT NOT NULL,
			rollback_hash TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE agent_state (
			id INTEGER PRIMARY KEY CHECK(id = 1),
			status TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE emergency_state (
			id INTEGER PRIMARY KEY CHECK(id = 1),
			enabled INTEGER NOT NULL DEFAULT 0,
			reason TEXT,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE unlock_sessions (
			id TEXT PRIMARY KEY,
			address TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL,
			revoked_at DATETIME
		);`,
		`CREATE TABLE kv_store (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE policy_versions (
			policy_version TEXT PRIMARY KEY,
			checksum TEXT NOT NULL,
			loaded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			source TEXT
		);`,
		`CREATE TABLE audit_log (
			audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT,
			subject TEXT,
			action TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT,
			policy_version TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE schedules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			cron_expr TEXT NOT NULL,
			prompt TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			next_run_at DATETIME,
			last_run_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w\n%s", err, stmt)
		}
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_messages_unprocessed ON messages(processed_at, received_at);`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_timestamp ON incidents(timestamp);`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_timestamp ON alerts(timestamp);`,
		`CREATE INDEX IF NOT EXISTS idx_rollback_mutation ON rollback_points(mutation_id);`,
		`CREATE INDEX IF NOT EXISTS idx_unlock_sessions_revoked ON unlock_sessions(revoked_at);`,
	}
	for _, stmt := range indexes {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO emergency_state (id, enabled, reason, updated_at) VALUES (1, 0, NULL, ?);`,
		time.Now().UTC()); err != nil {
		return fmt.Errorf("seed emergency_state: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO agent_state (id, status, updated_at) VALUES (1, ?, ?);`,
		AgentStateSleeping, time.Now().UTC()); err != nil {
		return fmt.Errorf("seed agent_state: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`,
		schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("record schema migration: %w", err)
	}
	return tx.Commit()
}

// newID mints a stable string identifier for a newly created entity.
func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

func toJSON(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// redactMetadata applies the store's redaction contract to an arbitrary
// attribute bag before it is persisted.
func redactMetadata(meta map[string]any) (string, error) {
	return toJSON(shared.RedactMap(meta))
}

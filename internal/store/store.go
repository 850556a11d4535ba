// Package store provides durable state backed by an embedded SQLite
// database: the settings key/value surface, a historical record of
// completed sessions, and the audit log of participant-affecting events
// (exclusions, disconnects, focus-loss terminations) that SPEC_FULL.md adds
// beyond the admin aggregator's in-memory, best-effort view (§4.8 is
// eventually-consistent and lossy across restarts; this isn't).
//
// Grounded directly on the teacher's server/store/store.go: an ordered
// migrations slice applied exactly once and tracked in a
// schema_migrations table, WAL mode, and a busy timeout to tolerate
// concurrent writers.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// ErrSessionNotFound is returned when no historical record exists for a
// session id.
var ErrSessionNotFound = errors.New("store: session record not found")

// migrations holds the ordered list of DDL statements that bring the schema
// up to date. Index i corresponds to version i+1; never edit or reorder an
// existing entry — append a new one instead.
var migrations = []string{
	// v1 — settings key/value store
	`CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	// v2 — historical session records
	`CREATE TABLE IF NOT EXISTS sessions (
		id                 TEXT PRIMARY KEY,
		scene              TEXT NOT NULL,
		mode               TEXT NOT NULL,
		player_count       INTEGER NOT NULL,
		started_at_unix_ms INTEGER NOT NULL,
		ended_at_unix_ms   INTEGER NOT NULL DEFAULT 0,
		is_partial         INTEGER NOT NULL DEFAULT 0,
		termination_reason TEXT NOT NULL DEFAULT ''
	)`,
	// v3–v5 — audit log of participant-affecting events and its indexes
	`CREATE TABLE IF NOT EXISTS audit_log (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		subject      TEXT NOT NULL,
		session_id   TEXT NOT NULL DEFAULT '',
		kind         TEXT NOT NULL,
		details_json TEXT NOT NULL DEFAULT '{}',
		created_at_unix_ms INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_subject ON audit_log(subject)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_session ON audit_log(session_id)`,
	// v6 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// Store wraps a SQLite database and exposes the engine's persistence
// operations.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral in-process storage
// (tests).
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		slog.Warn("store: busy_timeout pragma failed (non-fatal)", "err", err)
	}

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		slog.Debug("store: applied migration", "version", v)
	}
	return nil
}

// GetSetting returns the value stored under key. ok is false when the key
// does not exist; err is only non-nil for real I/O failures.
func (s *Store) GetSetting(ctx context.Context, key string) (value string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetSetting upserts key → value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	return err
}

// SessionRecord is one historical session row.
type SessionRecord struct {
	ID                string
	Scene             string
	Mode              string
	PlayerCount       int
	StartedAt         time.Time
	EndedAt           time.Time
	IsPartial         bool
	TerminationReason string
}

// RecordSessionStart inserts a new session row at creation time.
func (s *Store) RecordSessionStart(ctx context.Context, rec SessionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, scene, mode, player_count, started_at_unix_ms)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.Scene, rec.Mode, rec.PlayerCount, rec.StartedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("store: record session start: %w", err)
	}
	return nil
}

// RecordSessionEnd marks a session as ended, with its partial/complete
// status and termination reason (§4.1 "Persisted state" session-status
// block: isPartial, terminationReason).
func (s *Store) RecordSessionEnd(ctx context.Context, sessionID string, endedAt time.Time, isPartial bool, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at_unix_ms = ?, is_partial = ?, termination_reason = ? WHERE id = ?`,
		endedAt.UnixMilli(), boolToInt(isPartial), reason, sessionID)
	if err != nil {
		return fmt.Errorf("store: record session end: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// GetSession returns a historical session record.
func (s *Store) GetSession(ctx context.Context, sessionID string) (SessionRecord, error) {
	var (
		rec           SessionRecord
		startedMs     int64
		endedMs       int64
		isPartialInt  int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, scene, mode, player_count, started_at_unix_ms, ended_at_unix_ms, is_partial, termination_reason
		 FROM sessions WHERE id = ?`, sessionID,
	).Scan(&rec.ID, &rec.Scene, &rec.Mode, &rec.PlayerCount, &startedMs, &endedMs, &isPartialInt, &rec.TerminationReason)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, ErrSessionNotFound
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("store: get session: %w", err)
	}
	rec.StartedAt = time.UnixMilli(startedMs).UTC()
	if endedMs > 0 {
		rec.EndedAt = time.UnixMilli(endedMs).UTC()
	}
	rec.IsPartial = isPartialInt != 0
	return rec, nil
}

// AuditEntry is one audit_log row (§7 "Participant faults" — exclusions,
// disconnects, and focus-loss terminations are all audited here).
type AuditEntry struct {
	Subject     string
	SessionID   string
	Kind        string
	DetailsJSON string
}

// RecordAudit appends one audit log entry. Audit writes never block session
// progress on failure — callers should log and continue rather than
// propagate, consistent with §7's "export failures log and continue"
// policy generalized to audit writes.
func (s *Store) RecordAudit(ctx context.Context, entry AuditEntry) error {
	if entry.DetailsJSON == "" {
		entry.DetailsJSON = "{}"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (subject, session_id, kind, details_json, created_at_unix_ms)
		 VALUES (?, ?, ?, ?, ?)`,
		entry.Subject, entry.SessionID, entry.Kind, entry.DetailsJSON, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: record audit: %w", err)
	}
	return nil
}

// AuditForSubject returns every audit entry recorded for subject, oldest
// first.
func (s *Store) AuditForSubject(ctx context.Context, subject string) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT subject, session_id, kind, details_json FROM audit_log WHERE subject = ? ORDER BY id ASC`, subject)
	if err != nil {
		return nil, fmt.Errorf("store: query audit log: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.Subject, &e.SessionID, &e.Kind, &e.DetailsJSON); err != nil {
			return nil, fmt.Errorf("store: scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

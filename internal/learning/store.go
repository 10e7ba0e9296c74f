// Package learning persists verification outcomes across runs. The store
// is append-only: one row per outcome, keyed by the context fingerprint
// and action identity, never mutated after insert. Arm posteriors are
// derived by counting, so two runs pointed at the same store file see the
// same history.
package learning

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionLatest  = 1
	schemaChecksumLatest = "rfsn-v1-2026-08-outcome-ledger"

	// Buffered outcomes are flushed when the buffer reaches this size, on
	// the periodic flush tick, and on Close.
	flushThreshold = 32
)

// Counts is one arm's cumulative posterior evidence.
type Counts struct {
	Successes int64
	Failures  int64
}

// Outcome is one append-only ledger row.
type Outcome struct {
	ContextFingerprint string
	ActionID           string
	Success            bool
}

// Store wraps the sqlite ledger. Writes are serialized through a single
// writer; concurrent RecordOutcome calls never interleave at field level.
type Store struct {
	db *sql.DB

	mu     sync.Mutex
	buffer []Outcome
}

// Open creates or opens the ledger at path and runs schema setup.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("learning store path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
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

// DB exposes the handle for the audit event_log writer.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close flushes buffered outcomes and closes the database.
func (s *Store) Close() error {
	if err := s.Flush(context.Background()); err != nil {
		_ = s.db.Close()
		return err
	}
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
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
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if checksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, checksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS outcomes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			context_fingerprint TEXT NOT NULL,
			action_id TEXT NOT NULL,
			success INTEGER NOT NULL CHECK (success IN (0, 1)),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_ctx_action
			ON outcomes (context_fingerprint, action_id);`,
		`CREATE TABLE IF NOT EXISTS event_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			decision TEXT,
			subject TEXT,
			reason TEXT,
			node_id TEXT,
			action_id TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// RecordOutcome appends one outcome. The write is buffered; the buffer is
// flushed at the threshold, on the periodic flush, and on Close.
func (s *Store) RecordOutcome(ctx context.Context, o Outcome) error {
	s.mu.Lock()
	s.buffer = append(s.buffer, o)
	full := len(s.buffer) >= flushThreshold
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush writes buffered outcomes in one transaction. Safe to call from the
// scheduler while recording continues.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	pending := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		for _, o := range pending {
			success := 0
			if o.Success {
				success = 1
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO outcomes (context_fingerprint, action_id, success)
				VALUES (?, ?, ?);
			`, o.ContextFingerprint, o.ActionID, success); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		// Put the rows back so they are not lost; order within the buffer
		// is preserved for the next flush.
		s.mu.Lock()
		s.buffer = append(pending, s.buffer...)
		s.mu.Unlock()
		return fmt.Errorf("flush outcomes: %w", err)
	}
	return nil
}

// ArmCounts returns cumulative success/failure counts per action identity
// for one context fingerprint, buffered rows included.
func (s *Store) ArmCounts(ctx context.Context, fingerprint string) (map[string]Counts, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT action_id,
			SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END),
			SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END)
		FROM outcomes
		WHERE context_fingerprint = ?
		GROUP BY action_id;
	`, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("query arm counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]Counts)
	for rows.Next() {
		var actionID string
		var c Counts
		if err := rows.Scan(&actionID, &c.Successes, &c.Failures); err != nil {
			return nil, fmt.Errorf("scan arm counts: %w", err)
		}
		counts[actionID] = c
	}
	return counts, rows.Err()
}

// CountsFor returns one arm's counts; zero counts when the arm is new.
func (s *Store) CountsFor(ctx context.Context, fingerprint, actionID string) (Counts, error) {
	if err := s.Flush(ctx); err != nil {
		return Counts{}, err
	}

	var c Counts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0)
		FROM outcomes
		WHERE context_fingerprint = ? AND action_id = ?;
	`, fingerprint, actionID).Scan(&c.Successes, &c.Failures)
	if err != nil {
		return Counts{}, fmt.Errorf("query counts: %w", err)
	}
	return c, nil
}

// TotalOutcomes reports the ledger row count.
func (s *Store) TotalOutcomes(ctx context.Context) (int64, error) {
	if err := s.Flush(ctx); err != nil {
		return 0, err
	}
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outcomes;`).Scan(&n)
	return n, err
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, with bounded
// exponential backoff and jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
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

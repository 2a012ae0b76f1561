// Package jobstore implements the durable ordered job queue described in
// spec §4.1: jobs, their streaming content, and the catalog/installed/
// modelSwitches tables that back the Model Catalog (§4.6) and the Model
// Residency Manager's switch ledger (§4.2).
//
// Grounded on internal/persistence/store.go's connection setup, busy-retry,
// and additive schema-migration ledger, and on internal/persistence/tasks.go's
// claim/transition machinery, generalized from a multi-agent task queue to a
// single-stream job queue with priority+FIFO ordering and append-only
// streaming content.
package jobstore

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// migration is one additive step in the schema ledger: a version, a
// checksum identifying its statements, and the statements themselves. Once
// a version has shipped its statements and checksum are immutable — new
// schema changes are new migrations, never edits to an existing one.
type migration struct {
	version    int
	checksum   string
	statements []string
}

var migrations = []migration{
	{
		version:  1,
		checksum: "jq-v1-job-queue-core",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS messages (
				id              TEXT PRIMARY KEY,
				conversation_id TEXT NOT NULL,
				role            TEXT NOT NULL,
				content         TEXT NOT NULL DEFAULT '',
				thinking        TEXT NOT NULL DEFAULT '',
				sources         TEXT,
				status          TEXT NOT NULL,
				job_id          TEXT,
				created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE TABLE IF NOT EXISTS jobs (
				id                TEXT PRIMARY KEY,
				conversation_id   TEXT NOT NULL,
				type              TEXT NOT NULL,
				status            TEXT NOT NULL,
				priority          INTEGER NOT NULL DEFAULT 0,
				queue_position    INTEGER NOT NULL DEFAULT 0,
				requested_model   TEXT NOT NULL,
				model_sequence    TEXT,
				max_wait_seconds  INTEGER NOT NULL DEFAULT 120,
				payload           TEXT NOT NULL,
				content           TEXT NOT NULL DEFAULT '',
				thinking          TEXT NOT NULL DEFAULT '',
				sources           TEXT,
				message_id        TEXT NOT NULL,
				queued_at         TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				started_at        TIMESTAMP,
				completed_at      TIMESTAMP,
				last_update_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				error_message     TEXT
			);`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_conversation ON jobs(conversation_id);`,
			`CREATE TABLE IF NOT EXISTS catalog (
				id                TEXT PRIMARY KEY,
				external_name     TEXT NOT NULL,
				display_name      TEXT NOT NULL,
				ram_required_gb   REAL NOT NULL,
				tier              INTEGER NOT NULL DEFAULT 0,
				capabilities      TEXT NOT NULL DEFAULT ''
			);`,
			`CREATE TABLE IF NOT EXISTS installed (
				id                TEXT PRIMARY KEY REFERENCES catalog(id),
				status            TEXT NOT NULL,
				download_progress INTEGER NOT NULL DEFAULT 0,
				is_default        INTEGER NOT NULL DEFAULT 0,
				last_used_at      TIMESTAMP,
				usage_count       INTEGER NOT NULL DEFAULT 0,
				downloaded_at     TIMESTAMP,
				error_message     TEXT
			);`,
			`CREATE TABLE IF NOT EXISTS model_switches (
				id           INTEGER PRIMARY KEY AUTOINCREMENT,
				from_model   TEXT NOT NULL DEFAULT '',
				to_model     TEXT NOT NULL,
				duration_ms  INTEGER NOT NULL,
				triggered_by TEXT NOT NULL,
				reason       TEXT NOT NULL,
				switched_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
		},
	},
	{
		// download_started_at lets syncCatalog (spec §4.4) tell a genuinely
		// stuck download apart from one that simply hasn't reached "ready"
		// yet — downloaded_at stays NULL for the entire life of a
		// downloading row, so it can't carry that signal.
		version:  2,
		checksum: "jq-v2-download-started-at",
		statements: []string{
			`ALTER TABLE installed ADD COLUMN download_started_at TIMESTAMP;`,
		},
	},
}

var schemaVersionLatest = migrations[len(migrations)-1].version

// Store owns the SQLite connection backing jobs, messages, the model
// catalog, installed models, and the model-switch ledger.
type Store struct {
	db        *sql.DB
	validator *payloadValidator
}

var memDBCounter atomic.Int64

// Open creates (if necessary) and opens the database at path, applying the
// schema migration ledger. path == "" opens a private, uniquely named
// in-memory database, useful for tests — each call gets its own database
// even though go-sqlite3's shared cache mode is in play, so parallel tests
// never see each other's rows.
func Open(path string) (*Store, error) {
	if path == "" {
		path = fmt.Sprintf("file:jobqueue-mem-%d?mode=memory&cache=shared", memDBCounter.Add(1))
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := path
	if strings.Contains(dsn, "?") {
		dsn = fmt.Sprintf("%s&_busy_timeout=5000&_foreign_keys=on", dsn)
	} else {
		dsn = fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", dsn)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	validator, err := newPayloadValidator()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("compile payload schemas: %w", err)
	}

	s := &Store{db: db, validator: validator}
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

// DB exposes the underlying connection for components that need a direct
// handle (e.g. the admin HTTP read-only endpoints).
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, q := range pragmas {
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
			version  INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL
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

	for _, m := range migrations {
		if m.version <= maxVersion {
			var existingChecksum string
			if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, m.version).Scan(&existingChecksum); err != nil {
				return fmt.Errorf("read schema migration checksum for version %d: %w", m.version, err)
			}
			if existingChecksum != m.checksum {
				return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", m.version, existingChecksum, m.checksum)
			}
			continue
		}

		for _, stmt := range m.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("exec migration v%d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
		`, m.version, m.checksum); err != nil {
			return fmt.Errorf("insert schema migration ledger for v%d: %w", m.version, err)
		}
	}

	return tx.Commit()
}

// retryOnBusy retries f when SQLite reports BUSY/LOCKED, with bounded
// exponential backoff and jitter, mirroring persistence/store.go's policy
// for the single-writer WAL connection this store holds.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 20 * time.Millisecond
	const maxDelay = 250 * time.Millisecond

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

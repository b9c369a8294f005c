// Package store is the embedded reconciliation store: the durable
// current-and-historical state of every tracked entity, with versioning and
// fingerprinting to tell real upstream change from re-fetch noise.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jonboulle/clockwork"
	_ "github.com/mattn/go-sqlite3"

	"github.com/couchcryptid/traffic-feed-service/internal/domain"
)

// Store wraps the SQLite database. All writers go through CommitRun,
// RetireUnseen, and DeleteExpired, which are internally transactional;
// readers never hold locks across statements.
type Store struct {
	db     *sql.DB
	clock  clockwork.Clock
	logger *slog.Logger
}

// Open opens (creating if needed) the SQLite database at path and applies
// pending migrations. Pass ":memory:" for an ephemeral store in tests.
func Open(path string, clock clockwork.Clock, logger *slog.Logger) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == ":memory:" {
		// A pooled second connection would see a different empty database.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, clock: clock, logger: logger}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrations are applied in order, tracked by PRAGMA user_version. They are
// strictly additive: new columns arrive with defaults and a backfill from
// pre-existing columns, never by rewriting the table.
var migrations = []func(ctx context.Context, tx *sql.Tx) error{
	migrateBaseSchema,
	migrateVersioning,
}

func (s *Store) migrate(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := version; i < len(migrations); i++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}
		if err := migrations[i](ctx, tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("bump schema version: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
		s.logger.Info("applied store migration", "version", i+1)
	}
	return nil
}

func migrateBaseSchema(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS entities (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			uri TEXT,
			title TEXT,
			tooltip TEXT,
			category TEXT,
			road TEXT,
			direction TEXT,
			severity INTEGER,
			priority INTEGER,
			geom_type TEXT,
			lat REAL,
			lon REAL,
			geom_coords TEXT,
			bbox_min_lon REAL,
			bbox_min_lat REAL,
			bbox_max_lon REAL,
			bbox_max_lat REAL,
			icon TEXT,
			url TEXT,
			route_designator TEXT,
			parent_uri TEXT,
			status TEXT NOT NULL DEFAULT 'active',
			source TEXT NOT NULL,
			raw_json TEXT,
			source_updated_ms INTEGER,
			first_seen_ms INTEGER NOT NULL,
			last_seen_ms INTEGER NOT NULL,
			last_updated_ms INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_entities_kind_status ON entities (kind, status);
		CREATE INDEX IF NOT EXISTS idx_entities_last_seen ON entities (last_seen_ms);
		CREATE INDEX IF NOT EXISTS idx_entities_uri ON entities (uri);
	`)
	return err
}

// migrateVersioning adds the change-tracking columns and backfills
// fingerprints for rows that predate them, so "since version" queries see a
// consistent world from the first run after upgrade.
func migrateVersioning(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `
		ALTER TABLE entities ADD COLUMN source_version INTEGER NOT NULL DEFAULT 1;
		ALTER TABLE entities ADD COLUMN source_fingerprint TEXT;
	`); err != nil {
		return err
	}

	rows, err := tx.QueryContext(ctx, `SELECT id, raw_json FROM entities WHERE source_fingerprint IS NULL AND raw_json IS NOT NULL`)
	if err != nil {
		return err
	}
	defer rows.Close()

	type backfill struct{ id, fingerprint string }
	var pending []backfill
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return err
		}
		pending = append(pending, backfill{id: id, fingerprint: domain.Fingerprint([]byte(raw))})
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, b := range pending {
		if _, err := tx.ExecContext(ctx, `UPDATE entities SET source_fingerprint = ? WHERE id = ?`, b.fingerprint, b.id); err != nil {
			return err
		}
	}
	return nil
}

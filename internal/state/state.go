// Package state persists the sync engine's local durable state: the
// opaque resumption token per zone, the migration-complete flag, and the
// dirty set.
//
// Everything here is an efficiency aid, not a correctness requirement.
// Uploads are idempotent upserts keyed by stable identifiers, so a lost
// token only means a full resync and a lost dirty set only means a full
// tree rescan. Read and write failures are therefore reported to the
// caller to log and shrug off, never to abort startup.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const (
	keyMigrationDone = "migration_done"
	tokenKeyPrefix   = "token:"
)

// Store is the local state database.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates or opens the state database at path.
//
// The caller MUST call Close() when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping state database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &Store{conn: conn, path: path}
	if err := s.initSchema(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the state database.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close state database: %w", err)
	}
	s.conn = nil
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS dirty (
		id TEXT PRIMARY KEY
	);
	`
	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize state schema: %w", err)
	}
	return nil
}

func (s *Store) getValue(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.conn.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) setValue(ctx context.Context, key string, value []byte) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// LoadToken returns the saved resumption token for a zone, or nil when
// none was saved (the engine then falls back to a full resync).
func (s *Store) LoadToken(ctx context.Context, zone string) ([]byte, error) {
	return s.getValue(ctx, tokenKeyPrefix+zone)
}

// SaveToken persists a zone's resumption token. Called after every batch
// of meaningful progress.
func (s *Store) SaveToken(ctx context.Context, zone string, token []byte) error {
	return s.setValue(ctx, tokenKeyPrefix+zone, token)
}

// MigrationDone reports whether the one-time migration already resolved on
// this installation.
func (s *Store) MigrationDone(ctx context.Context) (bool, error) {
	value, err := s.getValue(ctx, keyMigrationDone)
	if err != nil {
		return false, err
	}
	return len(value) > 0, nil
}

// SetMigrationDone records that migration resolved, so the check never
// re-runs on later launches.
func (s *Store) SetMigrationDone(ctx context.Context) error {
	return s.setValue(ctx, keyMigrationDone, []byte("1"))
}

// LoadDirty returns the persisted dirty set. An edit made just before a
// crash is still here on the next launch.
func (s *Store) LoadDirty(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT id FROM dirty`)
	if err != nil {
		return nil, fmt.Errorf("failed to read dirty set: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan dirty id: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			continue // tolerate garbage rows rather than fail startup
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate dirty set: %w", err)
	}
	return ids, nil
}

// SaveDirty replaces the persisted dirty set with the given snapshot.
func (s *Store) SaveDirty(ctx context.Context, ids []uuid.UUID) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin dirty save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM dirty`); err != nil {
		return fmt.Errorf("failed to clear dirty set: %w", err)
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO dirty (id) VALUES (?)`, id.String()); err != nil {
			return fmt.Errorf("failed to persist dirty id: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit dirty save: %w", err)
	}
	return nil
}

// Reset discards all persisted state: tokens, the migration flag, and the
// dirty set. Used on a full data reset.
func (s *Store) Reset(ctx context.Context) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin reset: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM kv`); err != nil {
		return fmt.Errorf("failed to reset kv: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM dirty`); err != nil {
		return fmt.Errorf("failed to reset dirty set: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reset: %w", err)
	}
	return nil
}

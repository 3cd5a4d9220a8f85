package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"treeline/internal/record"
)

// SQLiteStore is the self-hosted Store backend: an embedded sqlite
// database with WAL mode for concurrent access. Several devices pointing
// at the same file (or a network copy of it) behave like clients of one
// remote store, which is also what the end-to-end tests run against.
type SQLiteStore struct {
	conn *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the store at path.
//
// The caller MUST call Close() when done.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLiteStore{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := s.initSchema(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the store, checkpointing the WAL first.
func (s *SQLiteStore) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	s.conn = nil
	return nil
}

// initSchema creates the tables if they don't exist. Idempotent.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS zones (
		name TEXT PRIMARY KEY,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS records (
		zone TEXT NOT NULL,
		id TEXT NOT NULL,
		type TEXT NOT NULL,
		fields TEXT NOT NULL,  -- JSON field payload
		change_tag INTEGER NOT NULL,
		seq INTEGER NOT NULL,  -- monotonic change sequence
		deleted INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (zone, id),
		FOREIGN KEY (zone) REFERENCES zones(name) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_records_zone_seq ON records(zone, seq);
	CREATE INDEX IF NOT EXISTS idx_records_zone_type ON records(zone, type, deleted);
	`
	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize store schema: %w", err)
	}
	return nil
}

// metaPayload is what the opaque metadata blob encodes for this backend.
// Callers must treat it as a black box.
type metaPayload struct {
	ChangeTag int64 `json:"changeTag"`
}

func encodeMeta(tag int64) []byte {
	data, _ := json.Marshal(metaPayload{ChangeTag: tag})
	return data
}

func decodeMeta(meta []byte) int64 {
	if len(meta) == 0 {
		return 0
	}
	var p metaPayload
	if err := json.Unmarshal(meta, &p); err != nil {
		return 0
	}
	return p.ChangeTag
}

// tokenPayload is the resumption token for this backend: the last change
// sequence the client has seen.
type tokenPayload struct {
	Seq int64 `json:"seq"`
}

func encodeToken(seq int64) []byte {
	data, _ := json.Marshal(tokenPayload{Seq: seq})
	return data
}

func decodeToken(token []byte) int64 {
	if len(token) == 0 {
		return 0
	}
	var p tokenPayload
	if err := json.Unmarshal(token, &p); err != nil {
		return 0
	}
	return p.Seq
}

// wireFields is the JSON body of a record's mutable fields.
type wireFields struct {
	Title      string    `json:"title,omitempty"`
	Body       string    `json:"body,omitempty"`
	IsTask     bool      `json:"is_task,omitempty"`
	Completed  bool      `json:"completed,omitempty"`
	SortKey    int64     `json:"sort_key,omitempty"`
	ReminderID string    `json:"reminder_id,omitempty"`
	EventID    string    `json:"event_id,omitempty"`
	Parent     string    `json:"parent,omitempty"`
	ModifiedAt time.Time `json:"modified_at"`
}

func encodeFields(rec record.Record) ([]byte, error) {
	return json.Marshal(wireFields{
		Title:      rec.Title,
		Body:       rec.Body,
		IsTask:     rec.IsTask,
		Completed:  rec.Completed,
		SortKey:    rec.SortKey,
		ReminderID: rec.ReminderID,
		EventID:    rec.EventID,
		Parent:     rec.Parent,
		ModifiedAt: rec.ModifiedAt,
	})
}

func decodeFields(data []byte, rec *record.Record) error {
	var w wireFields
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	rec.Title = w.Title
	rec.Body = w.Body
	rec.IsTask = w.IsTask
	rec.Completed = w.Completed
	rec.SortKey = w.SortKey
	rec.ReminderID = w.ReminderID
	rec.EventID = w.EventID
	rec.Parent = w.Parent
	rec.ModifiedAt = w.ModifiedAt
	return nil
}

// EnsureZone implements Store.EnsureZone.
func (s *SQLiteStore) EnsureZone(ctx context.Context, zone string) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO zones (name, created_at) VALUES (?, ?)`,
		zone, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to ensure zone %s: %w", zone, err)
	}
	return nil
}

// zoneExists checks the zones table inside an existing transaction or
// connection.
func (s *SQLiteStore) zoneExists(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, zone string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM zones WHERE name = ?`, zone).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check zone %s: %w", zone, err)
	}
	return true, nil
}

// HasRecords implements Store.HasRecords.
func (s *SQLiteStore) HasRecords(ctx context.Context, zone, recordType string) (bool, error) {
	exists, err := s.zoneExists(ctx, s.conn, zone)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, ErrZoneNotFound
	}

	var one int
	err = s.conn.QueryRowContext(ctx,
		`SELECT 1 FROM records WHERE zone = ? AND type = ? AND deleted = 0 LIMIT 1`,
		zone, recordType).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to probe zone %s: %w", zone, err)
	}
	return true, nil
}

// SaveRecords implements Store.SaveRecords.
//
// Each record is checked against its stored change tag: a write whose
// metadata does not match the current tag gets a ConflictError carrying
// the server copy, and the rest of the batch proceeds. Successful writes
// bump the tag and the zone's change sequence.
func (s *SQLiteStore) SaveRecords(ctx context.Context, zone string, recs []record.Record) ([]SaveResult, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin save: %w", err)
	}
	defer tx.Rollback()

	exists, err := s.zoneExists(ctx, tx, zone)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrZoneNotFound
	}

	results := make([]SaveResult, 0, len(recs))
	for _, rec := range recs {
		res, err := s.saveOne(ctx, tx, zone, rec)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit save: %w", err)
	}
	return results, nil
}

func (s *SQLiteStore) saveOne(ctx context.Context, tx *sql.Tx, zone string, rec record.Record) (SaveResult, error) {
	var curTag int64
	var curDeleted int
	err := tx.QueryRowContext(ctx,
		`SELECT change_tag, deleted FROM records WHERE zone = ? AND id = ?`,
		zone, rec.ID).Scan(&curTag, &curDeleted)
	known := err == nil
	if err != nil && err != sql.ErrNoRows {
		return SaveResult{}, fmt.Errorf("failed to read record %s: %w", rec.ID, err)
	}

	if known && curDeleted == 0 && decodeMeta(rec.Meta) != curTag {
		server, err := s.loadRecord(ctx, tx, zone, rec.ID)
		if err != nil {
			return SaveResult{}, err
		}
		return SaveResult{Record: server, Err: &ConflictError{Server: server}}, nil
	}

	fields, err := encodeFields(rec)
	if err != nil {
		return SaveResult{}, fmt.Errorf("failed to encode record %s: %w", rec.ID, err)
	}

	seq, err := nextSeq(ctx, tx, zone)
	if err != nil {
		return SaveResult{}, err
	}
	newTag := curTag + 1

	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (zone, id, type, fields, change_tag, seq, deleted)
		VALUES (?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(zone, id) DO UPDATE SET
			type = excluded.type,
			fields = excluded.fields,
			change_tag = excluded.change_tag,
			seq = excluded.seq,
			deleted = 0
	`, zone, rec.ID, rec.Type, string(fields), newTag, seq)
	if err != nil {
		return SaveResult{}, fmt.Errorf("failed to write record %s: %w", rec.ID, err)
	}

	saved := rec
	saved.Zone = zone
	saved.Meta = encodeMeta(newTag)
	return SaveResult{Record: saved}, nil
}

func (s *SQLiteStore) loadRecord(ctx context.Context, tx *sql.Tx, zone, id string) (record.Record, error) {
	rec := record.Record{ID: id, Zone: zone}
	var fields string
	var tag int64
	err := tx.QueryRowContext(ctx,
		`SELECT type, fields, change_tag FROM records WHERE zone = ? AND id = ?`,
		zone, id).Scan(&rec.Type, &fields, &tag)
	if err != nil {
		return rec, fmt.Errorf("failed to load record %s: %w", id, err)
	}
	if err := decodeFields([]byte(fields), &rec); err != nil {
		return rec, fmt.Errorf("failed to decode record %s: %w", id, err)
	}
	rec.Meta = encodeMeta(tag)
	return rec, nil
}

// nextSeq allocates the next change sequence number for a zone.
func nextSeq(ctx context.Context, tx *sql.Tx, zone string) (int64, error) {
	var max sql.NullInt64
	err := tx.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM records WHERE zone = ?`, zone).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate sequence: %w", err)
	}
	return max.Int64 + 1, nil
}

// DeleteRecords implements Store.DeleteRecords. Deletions are tombstones:
// the row stays so incremental fetches can deliver the deletion to other
// devices.
func (s *SQLiteStore) DeleteRecords(ctx context.Context, zone string, ids []uuid.UUID) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	defer tx.Rollback()

	exists, err := s.zoneExists(ctx, tx, zone)
	if err != nil {
		return err
	}
	if !exists {
		return ErrZoneNotFound
	}

	for _, id := range ids {
		seq, err := nextSeq(ctx, tx, zone)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE records
			SET deleted = 1, fields = '{}', change_tag = change_tag + 1, seq = ?
			WHERE zone = ? AND id = ? AND deleted = 0
		`, seq, zone, id.String())
		if err != nil {
			return fmt.Errorf("failed to delete record %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// FetchChanges implements Store.FetchChanges.
func (s *SQLiteStore) FetchChanges(ctx context.Context, zone string, token []byte) (*ChangeSet, error) {
	exists, err := s.zoneExists(ctx, s.conn, zone)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrZoneNotFound
	}

	since := decodeToken(token)
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, type, fields, change_tag, seq, deleted
		FROM records
		WHERE zone = ? AND seq > ?
		ORDER BY seq
	`, zone, since)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch changes: %w", err)
	}
	defer rows.Close()

	cs := &ChangeSet{}
	last := since
	for rows.Next() {
		var (
			id, typ, fields string
			tag, seq        int64
			deleted         int
		)
		if err := rows.Scan(&id, &typ, &fields, &tag, &seq, &deleted); err != nil {
			return nil, fmt.Errorf("failed to scan change row: %w", err)
		}
		last = seq

		if deleted != 0 {
			if parsed, err := uuid.Parse(id); err == nil {
				cs.Deleted = append(cs.Deleted, parsed)
			}
			continue
		}

		rec := record.Record{ID: id, Zone: zone, Type: typ, Meta: encodeMeta(tag)}
		if err := decodeFields([]byte(fields), &rec); err != nil {
			// One undecodable row must not halt the batch.
			fmt.Fprintf(os.Stderr, "Warning: skipping undecodable record %s: %v\n", id, err)
			continue
		}
		cs.Changed = append(cs.Changed, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate changes: %w", err)
	}

	cs.Token = encodeToken(last)
	return cs, nil
}

// Package sqlitestore keeps snapshots and targets in a single SQLite file.
// Page content is stored zstd-compressed.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"github.com/amartya2002/pagewatch/watch"
)

const (
	slotLatest   = 0
	slotPrevious = 1
)

// Store implements watch.HistoryStore, watch.PreviousReader and
// watch.TargetStore.
type Store struct {
	db  *sql.DB
	enc *zstd.Encoder
	dec *zstd.Decoder

	closeOnce sync.Once
	closeErr  error
}

var (
	_ watch.HistoryStore   = (*Store)(nil)
	_ watch.PreviousReader = (*Store)(nil)
	_ watch.TargetStore    = (*Store)(nil)
)

// New opens (creating if needed) the database at path and migrates it.
func New(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path))
	if err != nil {
		return nil, fmt.Errorf("unable to open sqlite database: %w", err)
	}
	// One writer at a time; SQLite would otherwise answer SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}

	s := &Store{db: db, enc: enc, dec: dec}
	if err := s.migrate(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.dec.Close()
		_ = s.enc.Close()
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS targets (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	url               TEXT NOT NULL,
	check_interval_ns INTEGER NOT NULL,
	enabled           INTEGER NOT NULL,
	selector          TEXT NOT NULL DEFAULT '',
	created_at        TEXT NOT NULL,
	last_checked_at   TEXT,
	last_change       TEXT
);
CREATE INDEX IF NOT EXISTS idx_targets_created_at_id ON targets (created_at, id);

CREATE TABLE IF NOT EXISTS snapshots (
	target_id   TEXT NOT NULL,
	slot        INTEGER NOT NULL,
	hash        TEXT NOT NULL,
	content     BLOB,
	size        INTEGER NOT NULL,
	status_code INTEGER NOT NULL,
	taken_at    TEXT NOT NULL,
	PRIMARY KEY (target_id, slot)
);
`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// ===== History =====

func (s *Store) Get(ctx context.Context, targetID string) (*watch.Snapshot, error) {
	snap, err := s.snapshot(ctx, targetID, slotLatest)
	if err != nil {
		return nil, &watch.PersistenceError{Op: "read snapshot", TargetID: targetID, Err: err}
	}
	return snap, nil
}

func (s *Store) Previous(ctx context.Context, targetID string) (*watch.Snapshot, error) {
	snap, err := s.snapshot(ctx, targetID, slotPrevious)
	if err != nil {
		return nil, &watch.PersistenceError{Op: "read previous snapshot", TargetID: targetID, Err: err}
	}
	return snap, nil
}

func (s *Store) snapshot(ctx context.Context, targetID string, slot int) (*watch.Snapshot, error) {
	query := `SELECT hash, content, size, status_code, taken_at FROM snapshots WHERE target_id = ? AND slot = ?`
	var (
		snap    watch.Snapshot
		content []byte
		takenAt string
	)
	err := s.db.QueryRowContext(ctx, query, targetID, slot).Scan(&snap.Hash, &content, &snap.Size, &snap.StatusCode, &takenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(content) > 0 {
		raw, err := s.dec.DecodeAll(content, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		snap.Content = string(raw)
	}
	snap.Timestamp, err = time.Parse(time.RFC3339Nano, takenAt)
	if err != nil {
		return nil, fmt.Errorf("parse taken_at: %w", err)
	}
	return &snap, nil
}

// Put stores snap as the latest snapshot. When the hash differs from the
// stored one, the stored one moves to the previous slot.
func (s *Store) Put(ctx context.Context, targetID string, snap watch.Snapshot) error {
	if err := s.put(ctx, targetID, snap); err != nil {
		return &watch.PersistenceError{Op: "write snapshot", TargetID: targetID, Err: err}
	}
	return nil
}

func (s *Store) put(ctx context.Context, targetID string, snap watch.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT hash FROM snapshots WHERE target_id = ? AND slot = ?`, targetID, slotLatest).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to read current hash: %w", err)
	case current != snap.Hash:
		if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE target_id = ? AND slot = ?`, targetID, slotPrevious); err != nil {
			return fmt.Errorf("failed to drop previous snapshot: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE snapshots SET slot = ? WHERE target_id = ? AND slot = ?`, slotPrevious, targetID, slotLatest); err != nil {
			return fmt.Errorf("failed to rotate snapshot: %w", err)
		}
	}

	var content []byte
	if snap.Content != "" {
		content = s.enc.EncodeAll([]byte(snap.Content), nil)
	}
	query := `
INSERT INTO snapshots (target_id, slot, hash, content, size, status_code, taken_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(target_id, slot) DO UPDATE SET
	hash = excluded.hash,
	content = excluded.content,
	size = excluded.size,
	status_code = excluded.status_code,
	taken_at = excluded.taken_at`
	if _, err := tx.ExecContext(ctx, query, targetID, slotLatest, snap.Hash, content, snap.Size, snap.StatusCode, snap.Timestamp.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to upsert snapshot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, targetID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE target_id = ?`, targetID); err != nil {
		return &watch.PersistenceError{Op: "delete snapshots", TargetID: targetID, Err: err}
	}
	return nil
}

// ===== Targets =====

func (s *Store) ListTargets(ctx context.Context) ([]watch.Target, error) {
	query := `
SELECT id, name, url, check_interval_ns, enabled, selector, created_at, last_checked_at, last_change
FROM targets ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, &watch.PersistenceError{Op: "list targets", Err: err}
	}
	defer rows.Close()

	var out []watch.Target
	for rows.Next() {
		var (
			t           watch.Target
			intervalNS  int64
			enabled     int
			createdAt   string
			lastChecked sql.NullString
			lastChange  sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.Name, &t.URL, &intervalNS, &enabled, &t.Selector, &createdAt, &lastChecked, &lastChange); err != nil {
			return nil, &watch.PersistenceError{Op: "scan target", Err: err}
		}
		t.CheckInterval = time.Duration(intervalNS)
		t.Enabled = enabled != 0
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if lastChecked.Valid {
			if at, err := time.Parse(time.RFC3339Nano, lastChecked.String); err == nil {
				t.LastCheckedAt = &at
			}
		}
		if lastChange.Valid {
			var rec watch.ChangeRecord
			if err := json.Unmarshal([]byte(lastChange.String), &rec); err != nil {
				return nil, &watch.PersistenceError{Op: "decode last change", TargetID: t.ID, Err: err}
			}
			t.LastChange = &rec
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, &watch.PersistenceError{Op: "list targets", Err: err}
	}
	return out, nil
}

func (s *Store) SaveTarget(ctx context.Context, t watch.Target) error {
	var lastChecked, lastChange sql.NullString
	if t.LastCheckedAt != nil {
		lastChecked = sql.NullString{String: t.LastCheckedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	if t.LastChange != nil {
		b, err := json.Marshal(t.LastChange)
		if err != nil {
			return &watch.PersistenceError{Op: "encode last change", TargetID: t.ID, Err: err}
		}
		lastChange = sql.NullString{String: string(b), Valid: true}
	}
	enabled := 0
	if t.Enabled {
		enabled = 1
	}

	query := `
INSERT INTO targets (id, name, url, check_interval_ns, enabled, selector, created_at, last_checked_at, last_change)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name,
	url = excluded.url,
	check_interval_ns = excluded.check_interval_ns,
	enabled = excluded.enabled,
	selector = excluded.selector,
	last_checked_at = excluded.last_checked_at,
	last_change = excluded.last_change`
	_, err := s.db.ExecContext(ctx, query, t.ID, t.Name, t.URL, int64(t.CheckInterval), enabled, t.Selector,
		t.CreatedAt.UTC().Format(time.RFC3339Nano), lastChecked, lastChange)
	if err != nil {
		return &watch.PersistenceError{Op: "save target", TargetID: t.ID, Err: err}
	}
	return nil
}

func (s *Store) DeleteTarget(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM targets WHERE id = ?`, id); err != nil {
		return &watch.PersistenceError{Op: "delete target", TargetID: id, Err: err}
	}
	return nil
}

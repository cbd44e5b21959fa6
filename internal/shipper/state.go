package shipper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS offsets (
	path       TEXT PRIMARY KEY,
	byte_offset INTEGER NOT NULL,
	size       INTEGER NOT NULL,
	mtime      INTEGER NOT NULL,
	updated_at TEXT NOT NULL
)`

// Offset is the persisted delivery position of one transcript.
type Offset struct {
	Path      string
	Offset    int64
	Size      int64
	MTime     time.Time
	UpdatedAt time.Time
}

// StateStore persists per-file offsets in sqlite.
type StateStore struct {
	db *sql.DB
}

// OpenStateStore opens or creates the database at path.
func OpenStateStore(path string) (*StateStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("shipper: create state dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("shipper: open state db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("shipper: init state db: %w", err)
	}
	return &StateStore{db: db}, nil
}

// Get returns the stored offset for path. ok is false when none is stored.
func (s *StateStore) Get(ctx context.Context, path string) (off Offset, ok bool, err error) {
	var mtime int64
	var updated string
	err = s.db.QueryRowContext(ctx,
		`SELECT path, byte_offset, size, mtime, updated_at FROM offsets WHERE path = ?`, path,
	).Scan(&off.Path, &off.Offset, &off.Size, &mtime, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Offset{}, false, nil
	}
	if err != nil {
		return Offset{}, false, fmt.Errorf("shipper: read offset: %w", err)
	}
	off.MTime = time.Unix(0, mtime)
	off.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return off, true, nil
}

// Put stores off, replacing any previous value for the same path.
func (s *StateStore) Put(ctx context.Context, off Offset) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO offsets (path, byte_offset, size, mtime, updated_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(path) DO UPDATE SET
	byte_offset = excluded.byte_offset,
	size = excluded.size,
	mtime = excluded.mtime,
	updated_at = excluded.updated_at`,
		off.Path, off.Offset, off.Size, off.MTime.UnixNano(), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("shipper: write offset: %w", err)
	}
	return nil
}

// All returns every stored offset ordered by path.
func (s *StateStore) All(ctx context.Context) ([]Offset, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path, byte_offset, size, mtime, updated_at FROM offsets ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("shipper: list offsets: %w", err)
	}
	defer rows.Close()

	var out []Offset
	for rows.Next() {
		var off Offset
		var mtime int64
		var updated string
		if err := rows.Scan(&off.Path, &off.Offset, &off.Size, &mtime, &updated); err != nil {
			return nil, fmt.Errorf("shipper: scan offset: %w", err)
		}
		off.MTime = time.Unix(0, mtime)
		off.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, off)
	}
	return out, rows.Err()
}

// Delete forgets path.
func (s *StateStore) Delete(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM offsets WHERE path = ?`, path); err != nil {
		return fmt.Errorf("shipper: delete offset: %w", err)
	}
	return nil
}

// Ping checks that the database answers.
func (s *StateStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *StateStore) Close() error {
	return s.db.Close()
}

// Package sqlite persists the relay's notification journal so subscribers
// that reconnect, or that start after the relay, can catch up from a seq.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one journaled notification.
type Entry struct {
	Seq        int64
	Type       string
	Payload    json.RawMessage
	RecordedAt time.Time
}

// Store owns the SQLite database holding the journal.
type Store struct {
	db   *sql.DB
	path string
}

// Path returns the underlying SQLite file path.
func (s *Store) Path() string {
	return s.path
}

// Open opens, creating if needed, a SQLite database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &Store{db: db, path: path}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Init ensures pragmas and schema are configured.
func (s *Store) Init(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("nil store")
	}
	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, stmt := range pragmas {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply pragma %q: %w", stmt, err)
		}
	}
	return s.applySchema(ctx)
}

func (s *Store) applySchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`INSERT OR IGNORE INTO meta(key,value) VALUES ('schemaVersion','1');`,
		`CREATE TABLE IF NOT EXISTS notifications (
			seq INTEGER PRIMARY KEY,
			type TEXT NOT NULL,
			payload TEXT NOT NULL,
			recorded_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_type ON notifications(type);`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Append records one notification. Seq values must be unique; appending a
// seq twice is an error.
func (s *Store) Append(ctx context.Context, seq int64, kind string, payload json.RawMessage) error {
	if len(payload) == 0 {
		return errors.New("empty payload")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications(seq, type, payload, recorded_at) VALUES(?,?,?,?)`,
		seq, kind, string(payload), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("append seq %d: %w", seq, err)
	}
	return nil
}

// Since returns every entry with seq greater than cursor, oldest first.
func (s *Store) Since(ctx context.Context, cursor int64) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, type, payload, recorded_at
		FROM notifications
		WHERE seq > ?
		ORDER BY seq ASC;
	`, cursor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e        Entry
			payload  string
			recorded int64
		)
		if err := rows.Scan(&e.Seq, &e.Type, &payload, &recorded); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		e.RecordedAt = time.UnixMilli(recorded)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// LastSeq returns the highest journaled seq, or 0 for an empty journal.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM notifications`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

// Prune keeps only the newest retain entries and reports how many rows
// were removed.
func (s *Store) Prune(ctx context.Context, retain int) (int64, error) {
	if retain < 0 {
		return 0, fmt.Errorf("negative retain %d", retain)
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM notifications
		WHERE seq <= (
			SELECT COALESCE(MAX(seq), 0) - ? FROM notifications
		);
	`, retain)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

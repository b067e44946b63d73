// Package journal keeps an append-only SQLite log of signing session events.
//
// Usage:
//
//	j, err := journal.Open("signpad.db")
//	defer j.Close()
//	j.Record(ctx, journal.Entry{Session: id, Kind: journal.KindExported})
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// Event kinds.
const (
	KindLoaded            = "document_loaded"
	KindRejected          = "document_rejected"
	KindPageFailed        = "page_failed"
	KindReady             = "document_ready"
	KindPlaceholder       = "placeholder_registered"
	KindSignatureBound    = "signature_bound"
	KindSignatureRejected = "signature_rejected"
	KindExported          = "document_exported"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("journal closed")

const schema = `
CREATE TABLE IF NOT EXISTS session_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT    NOT NULL,
	kind       TEXT    NOT NULL,
	page       INTEGER NOT NULL DEFAULT 0,
	detail     TEXT    NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id, id);
`

// Entry is one recorded event.
type Entry struct {
	ID      int64     `json:"id"`
	Session string    `json:"session"`
	Kind    string    `json:"kind"`
	Page    int       `json:"page,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// Recorder accepts events. Both *Journal and Nop implement it.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// Nop discards all events.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(context.Context, Entry) error { return nil }

// Journal is a SQLite-backed Recorder.
type Journal struct {
	db    *sql.DB
	clock clockwork.Clock
}

// Option configures a Journal.
type Option func(*Journal)

// WithClock sets the clock used to timestamp entries.
func WithClock(c clockwork.Clock) Option {
	return func(j *Journal) { j.clock = c }
}

// Open opens or creates the journal database at path.
func Open(path string, opts ...Option) (*Journal, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("journal: mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	// One connection keeps ":memory:" databases coherent and serializes writes.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("journal: %s: %w", p, err)
		}
	}

	j, err := New(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// New wraps an open database and applies the schema.
func New(db *sql.DB, opts ...Option) (*Journal, error) {
	j := &Journal{db: db, clock: clockwork.NewRealClock()}
	for _, o := range opts {
		o(j)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("journal: schema: %w", err)
	}
	return j, nil
}

// Record appends an entry. A zero At is set from the clock.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if j.db == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = j.clock.Now()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO session_events (session_id, kind, page, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.Session, e.Kind, e.Page, e.Detail, e.At.UnixMilli())
	if err != nil {
		return fmt.Errorf("journal: insert: %w", err)
	}
	return nil
}

// List returns up to limit entries for a session, oldest first.
func (j *Journal) List(ctx context.Context, session string, limit int) ([]Entry, error) {
	if j.db == nil {
		return nil, ErrClosed
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, session_id, kind, page, detail, created_at FROM session_events
		 WHERE session_id = ? ORDER BY id LIMIT ?`, session, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e  Entry
			ms int64
		)
		if err := rows.Scan(&e.ID, &e.Session, &e.Kind, &e.Page, &e.Detail, &ms); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		e.At = time.UnixMilli(ms).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	err := j.db.Close()
	j.db = nil
	return err
}

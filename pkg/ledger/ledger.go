// Package ledger keeps a local record of upload attempts per durable file:
// how often a file was tried, how often its records reached the remote store
// and when it was archived.
package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Entry is the upload history of one file, keyed by its base name.
type Entry struct {
	File       string
	Label      string
	StartTime  int64
	Rows       int
	Attempts   int
	Deliveries int
	LastError  string
	UpdatedAt  time.Time
	ArchivedAt time.Time
}

// Archived reports whether the file was moved to the archive.
func (e Entry) Archived() bool { return !e.ArchivedAt.IsZero() }

type Ledger struct {
	path string
	now  func() time.Time

	db     *sql.DB
	dbOnce sync.Once
	dbErr  error

	closeOnce sync.Once
	closeErr  error
}

func WithClock(now func() time.Time) func(*Ledger) {
	return func(l *Ledger) {
		l.now = now
	}
}

// New returns a ledger backed by the sqlite database at path. The database
// is created on first use.
func New(path string, options ...func(*Ledger)) *Ledger {
	l := Ledger{path: path, now: time.Now}
	for _, option := range options {
		option(&l)
	}
	return &l
}

func (l *Ledger) getDB() (*sql.DB, error) {
	l.dbOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", l.path, "_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"))
		if err != nil {
			l.dbErr = fmt.Errorf("opening ledger: %w", err)
			return
		}
		if _, err = db.Exec(schemaSQL); err != nil {
			_ = db.Close()
			l.dbErr = fmt.Errorf("initializing schema: %w", err)
			return
		}
		l.db = db
	})
	return l.db, l.dbErr
}

const attemptSQL = `
INSERT INTO uploads (file, label, start_time, row_count, attempts, updated_at)
VALUES (?, ?, ?, ?, 1, ?)
ON CONFLICT (file) DO UPDATE SET
    label      = excluded.label,
    start_time = excluded.start_time,
    row_count  = excluded.row_count,
    attempts   = attempts + 1,
    updated_at = excluded.updated_at`

// Attempt records the start of an upload of file.
func (l *Ledger) Attempt(ctx context.Context, file, label string, startTime int64, rows int) error {
	return l.exec(ctx, "recording attempt", attemptSQL, file, label, startTime, rows, l.now().UnixMilli())
}

const failedSQL = `UPDATE uploads SET last_error = ?, updated_at = ? WHERE file = ?`

// Failed stores the reason the last attempt on file failed.
func (l *Ledger) Failed(ctx context.Context, file string, cause error) error {
	return l.exec(ctx, "recording failure", failedSQL, cause.Error(), l.now().UnixMilli(), file)
}

const deliveredSQL = `
UPDATE uploads SET deliveries = deliveries + 1, last_error = NULL, updated_at = ?
WHERE file = ?
RETURNING deliveries`

// Delivered records that every record of file reached the remote store and
// returns how many times that has happened so far.
func (l *Ledger) Delivered(ctx context.Context, file string) (int, error) {
	db, err := l.getDB()
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.QueryRowContext(ctx, deliveredSQL, l.now().UnixMilli(), file).Scan(&n); err != nil {
		return 0, fmt.Errorf("recording delivery of %s: %w", file, err)
	}
	return n, nil
}

const archivedSQL = `UPDATE uploads SET archived_at = ?, updated_at = ? WHERE file = ?`

func (l *Ledger) Archived(ctx context.Context, file string) error {
	now := l.now().UnixMilli()
	return l.exec(ctx, "recording archive", archivedSQL, now, now, file)
}

func (l *Ledger) exec(ctx context.Context, what, query string, args ...any) error {
	db, err := l.getDB()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

const entriesSQL = `
SELECT file, label, start_time, row_count, attempts, deliveries, last_error, updated_at, archived_at
FROM uploads
ORDER BY start_time, file`

// Entries returns every file known to the ledger, oldest first.
func (l *Ledger) Entries(ctx context.Context) (entries []Entry, err error) {
	db, err := l.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, entriesSQL)
	if err != nil {
		return nil, fmt.Errorf("querying uploads: %w", err)
	}
	defer func() {
		if cErr := rows.Close(); cErr != nil && err == nil {
			err = fmt.Errorf("closing rows: %w", cErr)
		}
	}()

	for rows.Next() {
		var (
			e         Entry
			lastError sql.NullString
			updated   int64
			archived  sql.NullInt64
		)
		if err = rows.Scan(&e.File, &e.Label, &e.StartTime, &e.Rows, &e.Attempts, &e.Deliveries, &lastError, &updated, &archived); err != nil {
			return nil, fmt.Errorf("scanning upload: %w", err)
		}
		e.LastError = lastError.String
		e.UpdatedAt = time.UnixMilli(updated)
		if archived.Valid {
			e.ArchivedAt = time.UnixMilli(archived.Int64)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (l *Ledger) Close() error {
	l.closeOnce.Do(func() {
		if l.db != nil {
			l.closeErr = l.db.Close()
		}
	})
	return l.closeErr
}

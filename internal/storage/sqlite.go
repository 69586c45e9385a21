package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
	"github.com/kraiz/nusbot/internal/db"
	"github.com/kraiz/nusbot/internal/filelist"
)

var schema = []string{`
CREATE TABLE IF NOT EXISTS filelists (
    cid TEXT PRIMARY KEY,
    fetched_at TEXT NOT NULL, -- fixed width UTC, see timeLayout
    data BLOB NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS changes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    cid TEXT NOT NULL,
    nick TEXT NOT NULL DEFAULT '',
    changed_at TEXT NOT NULL,
    removed TEXT NOT NULL, -- JSON array of filelist.Record
    added TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_changes_changed_at ON changes(changed_at)`,
	`CREATE INDEX IF NOT EXISTS idx_changes_cid ON changes(cid)`,
}

// timeLayout sorts lexically in chronological order.
const timeLayout = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

type dbSnapshot struct {
	CID       string `db:"cid"`
	FetchedAt string `db:"fetched_at"`
	Data      []byte `db:"data"`
}

type dbChange struct {
	ID        int64  `db:"id"`
	CID       string `db:"cid"`
	Nick      string `db:"nick"`
	ChangedAt string `db:"changed_at"`
	Removed   string `db:"removed"`
	Added     string `db:"added"`
}

// SqliteStore is the sqlite backed Storage.
type SqliteStore struct {
	db      *sqlx.DB
	archive SnapshotArchive
}

type Option func(*options)

type options struct {
	dbOpts  []db.Option
	archive SnapshotArchive
}

// WithArchive copies every saved snapshot to a.
func WithArchive(a SnapshotArchive) Option {
	return func(o *options) {
		o.archive = a
	}
}

// WithReadOnly opens an existing database for inspection only.
func WithReadOnly() Option {
	return func(o *options) {
		o.dbOpts = append(o.dbOpts, db.WithReadOnly())
	}
}

// Open opens or creates the store at path. ":memory:" gives a throwaway
// store.
func Open(ctx context.Context, path string, opts ...Option) (*SqliteStore, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	conn, err := db.Open(append([]db.Option{db.WithPath(path)}, o.dbOpts...)...)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if err := db.Migrate(ctx, conn, schema...); err != nil {
		var tables int
		// a read-only database that already has the schema is fine
		if qerr := conn.GetContext(ctx, &tables, "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('filelists', 'changes')"); qerr != nil || tables != 2 {
			conn.Close()
			return nil, fmt.Errorf("initialize storage schema: %w", err)
		}
	}

	return &SqliteStore{db: conn, archive: o.archive}, nil
}

func (s *SqliteStore) Close() error {
	if err := s.db.Close(); err != nil {
		slog.Error("failed to close storage", "error", err)
		return err
	}
	return nil
}

func (s *SqliteStore) GetSnapshot(ctx context.Context, cid string) (*Snapshot, error) {
	var row dbSnapshot
	err := s.db.GetContext(ctx, &row, "SELECT cid, fetched_at, data FROM filelists WHERE cid = ?", cid)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query snapshot %s: %w", cid, err)
	}

	fetchedAt, err := parseTime(row.FetchedAt)
	if err != nil {
		return nil, fmt.Errorf("parse snapshot time for %s: %w", cid, err)
	}
	return &Snapshot{CID: row.CID, FetchedAt: fetchedAt, Data: row.Data}, nil
}

// SaveSnapshot replaces the stored listing for cid. Archive failures are
// logged and do not fail the save.
func (s *SqliteStore) SaveSnapshot(ctx context.Context, cid string, ts time.Time, data []byte) error {
	row := dbSnapshot{CID: cid, FetchedAt: formatTime(ts), Data: data}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO filelists (cid, fetched_at, data)
		VALUES (:cid, :fetched_at, :data)
		ON CONFLICT(cid) DO UPDATE SET
			fetched_at = excluded.fetched_at,
			data = excluded.data
	`, row)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", cid, err)
	}

	if s.archive != nil {
		if err := s.archive.Archive(ctx, cid, ts, data); err != nil {
			slog.Warn("failed to archive snapshot", "cid", cid, "error", err)
		}
	}
	return nil
}

func (s *SqliteStore) LastFetched(ctx context.Context, cid string) (time.Time, bool, error) {
	var raw string
	err := s.db.GetContext(ctx, &raw, "SELECT fetched_at FROM filelists WHERE cid = ?", cid)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("query last fetch %s: %w", cid, err)
	}
	ts, err := parseTime(raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse last fetch for %s: %w", cid, err)
	}
	return ts, true, nil
}

func (s *SqliteStore) SaveChange(ctx context.Context, change Change) error {
	removed, err := json.Marshal(nonNil(change.Removed))
	if err != nil {
		return fmt.Errorf("encode removed: %w", err)
	}
	added, err := json.Marshal(nonNil(change.Added))
	if err != nil {
		return fmt.Errorf("encode added: %w", err)
	}

	row := dbChange{
		CID:       change.CID,
		Nick:      change.Nick,
		ChangedAt: formatTime(change.Timestamp),
		Removed:   string(removed),
		Added:     string(added),
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO changes (cid, nick, changed_at, removed, added)
		VALUES (:cid, :nick, :changed_at, :removed, :added)
	`, row)
	if err != nil {
		return fmt.Errorf("save change for %s: %w", change.CID, err)
	}
	return nil
}

func (s *SqliteStore) ChangesSince(ctx context.Context, since time.Time) ([]Change, error) {
	var rows []dbChange
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, cid, nick, changed_at, removed, added
		FROM changes
		WHERE changed_at > ?
		ORDER BY changed_at, id
	`, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}

	changes := make([]Change, 0, len(rows))
	for _, row := range rows {
		ts, err := parseTime(row.ChangedAt)
		if err != nil {
			return nil, fmt.Errorf("parse change time %d: %w", row.ID, err)
		}
		c := Change{ID: row.ID, CID: row.CID, Nick: row.Nick, Timestamp: ts}
		if err := json.Unmarshal([]byte(row.Removed), &c.Removed); err != nil {
			return nil, fmt.Errorf("decode change %d: %w", row.ID, err)
		}
		if err := json.Unmarshal([]byte(row.Added), &c.Added); err != nil {
			return nil, fmt.Errorf("decode change %d: %w", row.ID, err)
		}
		changes = append(changes, c)
	}
	return changes, nil
}

func (s *SqliteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.GetContext(ctx, &st.Snapshots, "SELECT COUNT(*) FROM filelists"); err != nil {
		return st, fmt.Errorf("count snapshots: %w", err)
	}
	if err := s.db.GetContext(ctx, &st.Changes, "SELECT COUNT(*) FROM changes"); err != nil {
		return st, fmt.Errorf("count changes: %w", err)
	}
	if st.Changes == 0 {
		return st, nil
	}

	var last string
	if err := s.db.GetContext(ctx, &last, "SELECT MAX(changed_at) FROM changes"); err != nil {
		return st, fmt.Errorf("query last change: %w", err)
	}
	ts, err := parseTime(last)
	if err != nil {
		return st, fmt.Errorf("parse last change: %w", err)
	}
	st.LastChange = ts
	return st, nil
}

func nonNil(records []filelist.Record) []filelist.Record {
	if records == nil {
		return []filelist.Record{}
	}
	return records
}

// Package db opens the sqlite database that holds filelist snapshots and the
// change history.
package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/kraiz/nusbot/internal/utils"
)

const memoryPath = ":memory:"

// SQLite pragmas. Snapshots are large blobs written once per fetch, so the
// page cache is kept modest and WAL lets readers (the control plane, the
// changes command) run next to the bot.
const defaultPragma = `
PRAGMA journal_mode=WAL;
PRAGMA busy_timeout=5000;
PRAGMA synchronous=NORMAL;
PRAGMA temp_store=MEMORY;
PRAGMA cache_size=-16000;
`

type config struct {
	path         string
	pragmas      string
	maxOpenConns int
	readOnly     bool
}

// Option configures Open.
type Option func(*config)

// WithPath sets the database file. ":memory:" gives a private in-memory
// database.
func WithPath(path string) Option {
	return func(c *config) {
		c.path = path
	}
}

// WithPragmas replaces the default pragmas.
func WithPragmas(pragmas string) Option {
	return func(c *config) {
		c.pragmas = pragmas
	}
}

func WithMaxOpenConns(n int) Option {
	return func(c *config) {
		c.maxOpenConns = n
	}
}

// WithReadOnly opens an existing database without write access, for the
// offline inspection commands.
func WithReadOnly() Option {
	return func(c *config) {
		c.readOnly = true
	}
}

// Open connects to the database and applies the pragmas.
func Open(opts ...Option) (*sqlx.DB, error) {
	cfg := &config{
		path:    memoryPath,
		pragmas: defaultPragma,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	var dsn string
	switch {
	case cfg.path == memoryPath:
		dsn = memoryPath
		// every connection would otherwise get its own empty database
		cfg.maxOpenConns = 1
	case cfg.readOnly:
		dsn = fmt.Sprintf("file:%s?mode=ro", cfg.path)
	default:
		if err := utils.EnsureParent(cfg.path); err != nil {
			return nil, fmt.Errorf("ensure parent directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_txlock=immediate&mode=rwc", cfg.path)
	}

	slog.Debug("db open", "driver", driverID, "path", cfg.path, "readonly", cfg.readOnly)
	db, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if cfg.maxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.maxOpenConns)
	}

	if cfg.pragmas != "" && !cfg.readOnly {
		if _, err := db.Exec(cfg.pragmas); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragmas: %w", err)
		}
	}
	return db, nil
}

// Migrate applies schema statements inside a single transaction.
func Migrate(ctx context.Context, db *sqlx.DB, statements ...string) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return tx.Commit()
}

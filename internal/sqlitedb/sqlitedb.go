// Package sqlitedb opens the agenda's local SQLite database.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool with WAL journaling,
// NORMAL synchronous mode and a busy timeout, and creates the tables used by
// the event store (events) and the local key-value store (kv). Connections
// are not safe for concurrent use: Take one, use it, Put it back.
package sqlitedb

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Schema is applied to every new connection; every statement is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS events (
	id            TEXT PRIMARY KEY,
	type          TEXT NOT NULL,
	course_code   TEXT NOT NULL DEFAULT '',
	title         TEXT NOT NULL DEFAULT '',
	date          TEXT NOT NULL,
	date_unix     INTEGER NOT NULL,
	time          TEXT NOT NULL,
	completed     INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL,
	last_modified INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS events_by_date ON events (date_unix, created_at, id);

CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Config holds the parameters for opening the database.
type Config struct {
	// Path is the database file. The parent directory must exist.
	Path string
	// PoolSize defaults to 4. SQLite serializes writers regardless.
	PoolSize int
	// Logger receives open/close messages. Nil discards them.
	Logger *slog.Logger
}

// DB is a fixed-size pool of prepared connections.
type DB struct {
	inner  *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// Open creates the pool. Connections are prepared lazily on first Take.
func Open(cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlitedb: Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	size := cfg.PoolSize
	if size <= 0 {
		size = 4
	}

	inner, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    size,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitedb: opening %s: %w", cfg.Path, err)
	}

	logger.Info("sqlite database opened", "path", cfg.Path, "pool_size", size)
	return &DB{inner: inner, logger: logger, path: cfg.Path}, nil
}

// Take borrows a connection; the caller must Put it back.
func (db *DB) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := db.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitedb: take: %w", err)
	}
	return conn, nil
}

// Put returns a connection to the pool. Nil is a no-op.
func (db *DB) Put(conn *sqlite.Conn) {
	if conn == nil {
		return
	}
	db.inner.Put(conn)
}

// Close waits for borrowed connections to come back and closes them all.
func (db *DB) Close() error {
	if err := db.inner.Close(); err != nil {
		db.logger.Error("sqlite database close error", "path", db.path, "error", err)
		return fmt.Errorf("sqlitedb: closing %s: %w", db.path, err)
	}
	db.logger.Info("sqlite database closed", "path", db.path)
	return nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlitedb: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, Schema, nil); err != nil {
		return fmt.Errorf("sqlitedb: schema: %w", err)
	}
	return nil
}

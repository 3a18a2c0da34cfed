// Package kv is the small string key-value store behind local flags and
// settings (completion flags, notification toggles, feed cache metadata).
package kv

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"agenda/internal/sqlitedb"
)

// Store reads and writes string values synchronously. Set is an
// unconditional overwrite, so concurrent writers resolve last-write-wins.
type Store interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Delete(key string) error
}

// Memory is an in-process Store. Nothing survives a restart.
type Memory struct {
	mu sync.RWMutex
	m  map[string]string
}

func NewMemory() *Memory {
	return &Memory{m: make(map[string]string)}
}

func (s *Memory) Get(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	return v, ok, nil
}

func (s *Memory) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

func (s *Memory) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

// SQLite persists values in the kv table of the agenda database.
type SQLite struct {
	db *sqlitedb.DB
}

func NewSQLite(db *sqlitedb.DB) *SQLite {
	return &SQLite{db: db}
}

func (s *SQLite) Get(key string) (string, bool, error) {
	conn, err := s.db.Take(context.Background())
	if err != nil {
		return "", false, errors.Wrap(err, "kv get")
	}
	defer s.db.Put(conn)

	var (
		value string
		found bool
	)
	err = sqlitex.Execute(conn, "SELECT value FROM kv WHERE key = ?", &sqlitex.ExecOptions{
		Args: []any{key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value = stmt.ColumnText(0)
			found = true
			return nil
		},
	})
	if err != nil {
		return "", false, errors.Wrapf(err, "kv get %s", key)
	}
	return value, found, nil
}

func (s *SQLite) Set(key, value string) error {
	conn, err := s.db.Take(context.Background())
	if err != nil {
		return errors.Wrap(err, "kv set")
	}
	defer s.db.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value",
		&sqlitex.ExecOptions{Args: []any{key, value}})
	return errors.Wrapf(err, "kv set %s", key)
}

func (s *SQLite) Delete(key string) error {
	conn, err := s.db.Take(context.Background())
	if err != nil {
		return errors.Wrap(err, "kv delete")
	}
	defer s.db.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM kv WHERE key = ?", &sqlitex.ExecOptions{Args: []any{key}})
	return errors.Wrapf(err, "kv delete %s", key)
}

// GetBool reads a "true"/"false" value, returning def when the key is absent
// or holds anything else.
func GetBool(s Store, key string, def bool) (bool, error) {
	v, ok, err := s.Get(key)
	if err != nil || !ok {
		return def, err
	}
	switch v {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return def, nil
	}
}

// SetBool writes "true" or "false".
func SetBool(s Store, key string, v bool) error {
	if v {
		return s.Set(key, "true")
	}
	return s.Set(key, "false")
}

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"agenda/internal/model"
	"agenda/internal/sqlitedb"
)

const selectEvents = `
SELECT id, type, course_code, title, date, time, completed, created_at, last_modified
FROM events`

// SQLite stores events in the events table of the agenda database.
type SQLite struct {
	db  *sqlitedb.DB
	now func() time.Time
	hub *hub
}

// NewSQLite wraps an open database. A nil now defaults to time.Now.
func NewSQLite(db *sqlitedb.DB, now func() time.Time) *SQLite {
	if now == nil {
		now = time.Now
	}
	return &SQLite{db: db, now: now, hub: newHub()}
}

func (s *SQLite) Subscribe(fn func([]model.UserEvent)) func() {
	return s.hub.subscribe(fn, s.load)
}

func (s *SQLite) load() ([]model.UserEvent, error) {
	return s.Snapshot(context.Background())
}

func (s *SQLite) Snapshot(ctx context.Context) ([]model.UserEvent, error) {
	conn, err := s.db.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.db.Put(conn)

	events := []model.UserEvent{}
	err = sqlitex.Execute(conn, selectEvents+" ORDER BY date_unix ASC, created_at ASC, id ASC", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			ev, err := scanEvent(stmt)
			if err != nil {
				return err
			}
			events = append(events, ev)
			return nil
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "select events")
	}
	return events, nil
}

func (s *SQLite) Create(ctx context.Context, n model.NewEvent) (string, error) {
	conn, err := s.db.Take(ctx)
	if err != nil {
		return "", writeFailure("create", "", err)
	}
	id := uuid.NewString()
	ev := n.Build(id, s.now())
	err = sqlitex.Execute(conn, `
INSERT INTO events (id, type, course_code, title, date, date_unix, time, completed, created_at, last_modified)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{Args: eventArgs(ev)})
	s.db.Put(conn)
	if err != nil {
		return "", writeFailure("create", id, errors.Wrap(err, "insert event"))
	}

	s.hub.publishWith(s.load)
	return id, nil
}

func (s *SQLite) Update(ctx context.Context, id string, patch model.EventPatch) error {
	return s.batch(ctx, "update", []Update{{ID: id, Patch: patch}})
}

// BatchUpdate applies every patch in one transaction. A missing id rolls
// the whole batch back.
func (s *SQLite) BatchUpdate(ctx context.Context, updates []Update) error {
	return s.batch(ctx, "batch update", updates)
}

func (s *SQLite) batch(ctx context.Context, op string, updates []Update) error {
	if len(updates) == 0 {
		return nil
	}
	if err := s.applyUpdates(ctx, op, updates); err != nil {
		return err
	}
	s.hub.publishWith(s.load)
	return nil
}

func (s *SQLite) applyUpdates(ctx context.Context, op string, updates []Update) (err error) {
	conn, err := s.db.Take(ctx)
	if err != nil {
		return writeFailure(op, "", err)
	}
	defer s.db.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return writeFailure(op, "", errors.Wrap(err, "begin transaction"))
	}
	defer endTransaction(&err)

	now := s.now()
	for _, u := range updates {
		ev, found, err := getEvent(conn, u.ID)
		if err != nil {
			return writeFailure(op, u.ID, err)
		}
		if !found {
			return notFound(op, u.ID)
		}
		u.Patch.Apply(&ev)
		ev.LastModified = now
		err = sqlitex.Execute(conn, `
UPDATE events SET type = ?2, course_code = ?3, title = ?4, date = ?5, date_unix = ?6,
	time = ?7, completed = ?8, created_at = ?9, last_modified = ?10
WHERE id = ?1`, &sqlitex.ExecOptions{Args: eventArgs(ev)})
		if err != nil {
			return writeFailure(op, u.ID, errors.Wrap(err, "update event"))
		}
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	conn, err := s.db.Take(ctx)
	if err != nil {
		return writeFailure("delete", id, err)
	}
	err = sqlitex.Execute(conn, "DELETE FROM events WHERE id = ?", &sqlitex.ExecOptions{Args: []any{id}})
	changes := conn.Changes()
	s.db.Put(conn)
	if err != nil {
		return writeFailure("delete", id, errors.Wrap(err, "delete event"))
	}
	if changes == 0 {
		return notFound("delete", id)
	}

	s.hub.publishWith(s.load)
	return nil
}

// Close stops subscriber delivery. The database is owned by the caller.
func (s *SQLite) Close() error {
	s.hub.close()
	return nil
}

func getEvent(conn *sqlite.Conn, id string) (model.UserEvent, bool, error) {
	var (
		ev    model.UserEvent
		found bool
	)
	err := sqlitex.Execute(conn, selectEvents+" WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			var err error
			ev, err = scanEvent(stmt)
			found = err == nil
			return err
		},
	})
	if err != nil {
		return model.UserEvent{}, false, errors.Wrapf(err, "select event %s", id)
	}
	return ev, found, nil
}

func scanEvent(stmt *sqlite.Stmt) (model.UserEvent, error) {
	date, err := time.Parse(time.RFC3339Nano, stmt.ColumnText(4))
	if err != nil {
		return model.UserEvent{}, errors.Wrapf(err, "event %s: bad date", stmt.ColumnText(0))
	}
	return model.UserEvent{
		ID:           stmt.ColumnText(0),
		Type:         model.EventType(stmt.ColumnText(1)),
		CourseCode:   stmt.ColumnText(2),
		Title:        stmt.ColumnText(3),
		Date:         date,
		Time:         stmt.ColumnText(5),
		Completed:    stmt.ColumnBool(6),
		CreatedAt:    time.Unix(0, stmt.ColumnInt64(7)).UTC(),
		LastModified: time.Unix(0, stmt.ColumnInt64(8)).UTC(),
	}, nil
}

// eventArgs matches the column order of the INSERT and the numbered
// parameters of the UPDATE.
func eventArgs(ev model.UserEvent) []any {
	return []any{
		ev.ID,
		string(ev.Type),
		ev.CourseCode,
		ev.Title,
		ev.Date.Format(time.RFC3339Nano),
		ev.Date.Unix(),
		ev.Time,
		ev.Completed,
		ev.CreatedAt.UnixNano(),
		ev.LastModified.UnixNano(),
	}
}

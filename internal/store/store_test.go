package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"agenda/internal/model"
	"agenda/internal/sqlitedb"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newStores(t *testing.T) map[string]Store {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 11, 1, 9, 0, 0, 0, time.UTC)}

	db, err := sqlitedb.Open(sqlitedb.Config{Path: filepath.Join(t.TempDir(), "events.db"), PoolSize: 2})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sq := NewSQLite(db, clock.now)
	mem := NewMemory(clock.now)
	t.Cleanup(func() {
		sq.Close()
		mem.Close()
		db.Close()
	})
	return map[string]Store{"memory": mem, "sqlite": sq}
}

func day(s string) time.Time {
	d, err := model.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// recorder collects snapshots delivered to a subscriber.
type recorder struct {
	mu    sync.Mutex
	snaps [][]model.UserEvent
	ch    chan struct{}
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan struct{}, 64)}
}

func (r *recorder) fn(evs []model.UserEvent) {
	r.mu.Lock()
	r.snaps = append(r.snaps, evs)
	r.mu.Unlock()
	r.ch <- struct{}{}
}

// waitFor blocks until a snapshot satisfying ok arrives.
func (r *recorder) waitFor(t *testing.T, ok func([]model.UserEvent) bool) []model.UserEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		r.mu.Lock()
		if n := len(r.snaps); n > 0 && ok(r.snaps[n-1]) {
			last := r.snaps[n-1]
			r.mu.Unlock()
			return last
		}
		r.mu.Unlock()
		select {
		case <-r.ch:
		case <-deadline:
			t.Fatal("timed out waiting for snapshot")
			return nil
		}
	}
}

func TestCreateUpdateDelete(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, err := s.Create(ctx, model.NewEvent{
				Type: model.Exam, CourseCode: "CS230", Title: "Midsem", Date: day("2025-11-20"), Time: "10:00",
			})
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			if id == "" {
				t.Fatal("empty id")
			}

			evs, err := s.Snapshot(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(evs) != 1 || evs[0].ID != id || evs[0].Completed || evs[0].CreatedAt.IsZero() {
				t.Fatalf("snapshot after create = %+v", evs)
			}
			if !evs[0].Date.Equal(day("2025-11-20")) {
				t.Errorf("date round-trip = %v", evs[0].Date)
			}
			created := evs[0].CreatedAt

			done := true
			title := "Midsem (LT1)"
			if err := s.Update(ctx, id, model.EventPatch{Completed: &done, Title: &title}); err != nil {
				t.Fatalf("Update: %v", err)
			}
			evs, _ = s.Snapshot(ctx)
			got := evs[0]
			if !got.Completed || got.Title != title || got.CourseCode != "CS230" {
				t.Errorf("after update = %+v", got)
			}
			if !got.CreatedAt.Equal(created) || !got.LastModified.After(created) {
				t.Errorf("timestamps: created %v -> %v, modified %v", created, got.CreatedAt, got.LastModified)
			}

			if err := s.Delete(ctx, id); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if evs, _ := s.Snapshot(ctx); len(evs) != 0 {
				t.Errorf("after delete = %+v", evs)
			}
		})
	}
}

func TestNotFound(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			done := true
			err := s.Update(ctx, "missing", model.EventPatch{Completed: &done})
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("Update missing: %v", err)
			}
			var se *Error
			if !errors.As(err, &se) || se.ID != "missing" {
				t.Errorf("Update missing: want *Error with id, got %#v", err)
			}
			if err := s.Delete(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Delete missing: %v", err)
			}
		})
	}
}

func TestSnapshotOrderedByDate(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, d := range []string{"2025-11-25", "2025-11-18", "2025-11-21", "2025-11-18"} {
				if _, err := s.Create(ctx, model.NewEvent{Type: model.Deadline, Title: d, Date: day(d), Time: "23:59"}); err != nil {
					t.Fatal(err)
				}
			}
			evs, _ := s.Snapshot(ctx)
			for i := 1; i < len(evs); i++ {
				if evs[i].Date.Before(evs[i-1].Date) {
					t.Fatalf("not ordered by date: %v then %v", evs[i-1].Date, evs[i].Date)
				}
				if evs[i].Date.Equal(evs[i-1].Date) && evs[i].CreatedAt.Before(evs[i-1].CreatedAt) {
					t.Fatalf("same-date events not in creation order")
				}
			}
		})
	}
}

func TestBatchUpdateIsAtomic(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a, _ := s.Create(ctx, model.NewEvent{Type: model.Deadline, Title: "a", Date: day("2025-11-20"), Time: "09:00"})
			b, _ := s.Create(ctx, model.NewEvent{Type: model.Deadline, Title: "b", Date: day("2025-11-21"), Time: "09:00"})

			done := true
			err := s.BatchUpdate(ctx, []Update{
				{ID: a, Patch: model.EventPatch{Completed: &done}},
				{ID: "missing", Patch: model.EventPatch{Completed: &done}},
			})
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("BatchUpdate with missing id: %v", err)
			}
			evs, _ := s.Snapshot(ctx)
			for _, ev := range evs {
				if ev.Completed {
					t.Errorf("%s completed after failed batch", ev.Title)
				}
			}

			err = s.BatchUpdate(ctx, []Update{
				{ID: a, Patch: model.EventPatch{Completed: &done}},
				{ID: b, Patch: model.EventPatch{Completed: &done}},
			})
			if err != nil {
				t.Fatal(err)
			}
			evs, _ = s.Snapshot(ctx)
			for _, ev := range evs {
				if !ev.Completed {
					t.Errorf("%s not completed after batch", ev.Title)
				}
			}
		})
	}
}

func TestSubscribeDeliversSnapshots(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := newRecorder()
			unsubscribe := s.Subscribe(rec.fn)
			defer unsubscribe()

			rec.waitFor(t, func(evs []model.UserEvent) bool { return evs != nil && len(evs) == 0 })

			id, err := s.Create(ctx, model.NewEvent{Type: model.Exam, Title: "x", Date: day("2025-11-20"), Time: "10:00"})
			if err != nil {
				t.Fatal(err)
			}
			rec.waitFor(t, func(evs []model.UserEvent) bool { return len(evs) == 1 && evs[0].ID == id })

			if err := s.Delete(ctx, id); err != nil {
				t.Fatal(err)
			}
			rec.waitFor(t, func(evs []model.UserEvent) bool { return len(evs) == 0 })
		})
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s := NewMemory(nil)
	defer s.Close()

	rec := newRecorder()
	unsubscribe := s.Subscribe(rec.fn)
	rec.waitFor(t, func([]model.UserEvent) bool { return true })

	unsubscribe()
	unsubscribe()

	if _, err := s.Create(context.Background(), model.NewEvent{Type: model.Deadline, Date: day("2025-11-20"), Time: "09:00"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.snaps) != 1 {
		t.Errorf("got %d snapshots after unsubscribe, want 1", len(rec.snaps))
	}
}

func TestSubscribeLoadFailureYieldsEmpty(t *testing.T) {
	h := newHub()
	defer h.close()

	rec := newRecorder()
	unsubscribe := h.subscribe(rec.fn, func() ([]model.UserEvent, error) {
		return nil, errors.New("connection reset")
	})
	defer unsubscribe()

	got := rec.waitFor(t, func([]model.UserEvent) bool { return true })
	if got == nil || len(got) != 0 {
		t.Errorf("want empty non-nil snapshot, got %#v", got)
	}
}

func TestWriteAfterCancelFails(t *testing.T) {
	s := NewMemory(nil)
	defer s.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Create(ctx, model.NewEvent{Type: model.Exam}); !errors.Is(err, ErrWriteFailure) {
		t.Errorf("Create with canceled ctx: %v", err)
	}
}

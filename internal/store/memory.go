package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"agenda/internal/model"
)

// Memory keeps events in a map. It is used with --memory and in tests.
type Memory struct {
	mu     sync.RWMutex
	events map[string]model.UserEvent
	now    func() time.Time
	newID  func() string
	hub    *hub
}

// NewMemory returns an empty store. A nil now defaults to time.Now.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		events: make(map[string]model.UserEvent),
		now:    now,
		newID:  uuid.NewString,
		hub:    newHub(),
	}
}

func (m *Memory) Subscribe(fn func([]model.UserEvent)) func() {
	return m.hub.subscribe(fn, m.load)
}

func (m *Memory) Snapshot(_ context.Context) ([]model.UserEvent, error) {
	return m.load()
}

func (m *Memory) load() ([]model.UserEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.UserEvent, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev)
	}
	sortEvents(out)
	return out, nil
}

func (m *Memory) Create(ctx context.Context, n model.NewEvent) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", writeFailure("create", "", err)
	}
	id := m.newID()
	m.mu.Lock()
	m.events[id] = n.Build(id, m.now())
	m.mu.Unlock()

	m.hub.publishWith(m.load)
	return id, nil
}

func (m *Memory) Update(ctx context.Context, id string, patch model.EventPatch) error {
	return m.BatchUpdate(ctx, []Update{{ID: id, Patch: patch}})
}

func (m *Memory) BatchUpdate(ctx context.Context, updates []Update) error {
	if err := ctx.Err(); err != nil {
		return writeFailure("update", "", err)
	}
	m.mu.Lock()
	for _, u := range updates {
		if _, ok := m.events[u.ID]; !ok {
			m.mu.Unlock()
			return notFound("update", u.ID)
		}
	}
	now := m.now()
	for _, u := range updates {
		ev := m.events[u.ID]
		u.Patch.Apply(&ev)
		ev.LastModified = now
		m.events[u.ID] = ev
	}
	m.mu.Unlock()

	m.hub.publishWith(m.load)
	return nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return writeFailure("delete", id, err)
	}
	m.mu.Lock()
	if _, ok := m.events[id]; !ok {
		m.mu.Unlock()
		return notFound("delete", id)
	}
	delete(m.events, id)
	m.mu.Unlock()

	m.hub.publishWith(m.load)
	return nil
}

func (m *Memory) Close() error {
	m.hub.close()
	return nil
}

// sortEvents orders by date, then creation time, then id.
func sortEvents(evs []model.UserEvent) {
	sort.SliceStable(evs, func(i, j int) bool {
		a, b := evs[i], evs[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

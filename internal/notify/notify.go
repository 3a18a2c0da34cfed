// Package notify delivers local notifications behind a permission gate.
package notify

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"agenda/internal/kv"
	appLog "agenda/internal/log"
)

var ErrPermissionDenied = errors.New("notification permission not granted")

// Notification is one displayed notification. Tag deduplicates on the
// client: a newer notification with the same tag replaces the older one.
type Notification struct {
	Title              string    `json:"title"`
	Body               string    `json:"body"`
	Tag                string    `json:"tag"`
	RequireInteraction bool      `json:"requireInteraction"`
	CreatedAt          time.Time `json:"createdAt"`
}

// Notifier shows a notification. Delivery is fire-and-forget; callers log
// errors and do not retry.
type Notifier interface {
	Notify(n Notification) error
}

// Permission mirrors the browser's notification permission states.
type Permission string

const (
	Default Permission = "default"
	Granted Permission = "granted"
	Denied  Permission = "denied"
)

const permissionKey = "notify_permission"

// Gate stores the permission in the key-value store.
type Gate struct {
	mu sync.Mutex
	kv kv.Store
}

func NewGate(store kv.Store) *Gate {
	return &Gate{kv: store}
}

func (g *Gate) Permission() Permission {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.permission()
}

func (g *Gate) permission() Permission {
	v, ok, err := g.kv.Get(permissionKey)
	if err != nil {
		appLog.Error("notification permission read failed", err)
		return Default
	}
	switch Permission(v) {
	case Granted, Denied:
		return Permission(v)
	}
	if ok {
		appLog.Warn("ignoring unknown notification permission", "value", v)
	}
	return Default
}

func (g *Gate) Granted() bool {
	return g.Permission() == Granted
}

// Request asks for permission. A previous denial sticks; otherwise the
// request is granted.
func (g *Gate) Request() (Permission, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch p := g.permission(); p {
	case Granted, Denied:
		return p, nil
	}
	if err := g.kv.Set(permissionKey, string(Granted)); err != nil {
		return Default, err
	}
	return Granted, nil
}

// Set records an explicit user decision.
func (g *Gate) Set(granted bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	p := Denied
	if granted {
		p = Granted
	}
	return g.kv.Set(permissionKey, string(p))
}

// Gated drops notifications with ErrPermissionDenied unless the gate is
// granted.
type Gated struct {
	Gate *Gate
	Next Notifier
}

func (g Gated) Notify(n Notification) error {
	if !g.Gate.Granted() {
		return ErrPermissionDenied
	}
	return g.Next.Notify(n)
}

// Feed keeps the most recent notifications for the client to poll.
type Feed struct {
	mu    sync.RWMutex
	limit int
	items []Notification
}

// NewFeed keeps at most limit notifications (50 if limit <= 0).
func NewFeed(limit int) *Feed {
	if limit <= 0 {
		limit = 50
	}
	return &Feed{limit: limit}
}

func (f *Feed) Notify(n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, n)
	if over := len(f.items) - f.limit; over > 0 {
		f.items = append([]Notification(nil), f.items[over:]...)
	}
	return nil
}

// Since returns the notifications created after t, oldest first.
func (f *Feed) Since(t time.Time) []Notification {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := []Notification{}
	for _, n := range f.items {
		if n.CreatedAt.After(t) {
			out = append(out, n)
		}
	}
	return out
}

// LogNotifier writes notifications to the application log.
type LogNotifier struct{}

func (LogNotifier) Notify(n Notification) error {
	appLog.Info("notification",
		"title", n.Title,
		"body", strings.ReplaceAll(n.Body, "\n", " | "),
		"tag", n.Tag,
		"require_interaction", n.RequireInteraction,
	)
	return nil
}

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(n Notification) error {
	var errs []error
	for i, next := range m {
		if err := next.Notify(n); err != nil {
			errs = append(errs, fmt.Errorf("notifier %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

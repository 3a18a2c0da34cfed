// Package completion tracks the local, display-only "done" flag of events.
//
// The flag lives in the local key-value store and is unrelated to
// UserEvent.Completed, which the event store owns and which drives the
// upcoming lists. Neither is ever reconciled with the other.
package completion

import (
	"strings"

	"agenda/internal/kv"
	appLog "agenda/internal/log"
	"agenda/internal/model"
)

const keyPrefix = "event_completed_"

type Tracker struct {
	kv kv.Store
}

func New(store kv.Store) *Tracker {
	return &Tracker{kv: store}
}

// KeyFor returns the event id, or a courseCode-date-title composite for
// events that have not been assigned one yet. Distinct unsaved events that
// share all three fields collide.
func KeyFor(ev model.UserEvent) string {
	if ev.ID != "" {
		return ev.ID
	}
	return strings.Join([]string{ev.CourseCode, ev.Date.Format(model.DateLayout), ev.Title}, "-")
}

// StorageKey is the key-value store key holding the flag for ev.
func StorageKey(ev model.UserEvent) string {
	return keyPrefix + KeyFor(ev)
}

// Get reports the flag, false if it was never set or cannot be read.
func (t *Tracker) Get(ev model.UserEvent) bool {
	done, err := kv.GetBool(t.kv, StorageKey(ev), false)
	if err != nil {
		appLog.Error("completion read failed", err, "key", KeyFor(ev))
		return false
	}
	return done
}

// Set overwrites the flag.
func (t *Tracker) Set(ev model.UserEvent, done bool) error {
	return kv.SetBool(t.kv, StorageKey(ev), done)
}

// Toggle flips the flag and returns the new value.
func (t *Tracker) Toggle(ev model.UserEvent) (bool, error) {
	done := !t.Get(ev)
	return done, t.Set(ev, done)
}

// Package settings holds the per-category notification toggles.
package settings

import (
	"fmt"

	"agenda/internal/kv"
	"agenda/internal/model"
)

type Category string

const (
	Classes   Category = "classes"
	Deadlines Category = "deadlines"
	Exams     Category = "exams"
)

// Categories lists every toggle in display order.
var Categories = []Category{Classes, Deadlines, Exams}

func (c Category) Valid() bool {
	return c == Classes || c == Deadlines || c == Exams
}

// Key is the key-value store key of the toggle.
func (c Category) Key() string {
	return "notify_" + string(c)
}

// ForEvent maps an event type to its toggle.
func ForEvent(t model.EventType) Category {
	if t == model.Exam {
		return Exams
	}
	return Deadlines
}

type Settings struct {
	kv kv.Store
}

func New(store kv.Store) *Settings {
	return &Settings{kv: store}
}

// Enabled reads the toggle at call time. Absent means enabled.
func (s *Settings) Enabled(c Category) (bool, error) {
	return kv.GetBool(s.kv, c.Key(), true)
}

func (s *Settings) SetEnabled(c Category, on bool) error {
	if !c.Valid() {
		return fmt.Errorf("unknown notification category %q", c)
	}
	return kv.SetBool(s.kv, c.Key(), on)
}

// All returns every toggle keyed by category name.
func (s *Settings) All() (map[Category]bool, error) {
	out := make(map[Category]bool, len(Categories))
	for _, c := range Categories {
		on, err := s.Enabled(c)
		if err != nil {
			return nil, err
		}
		out[c] = on
	}
	return out, nil
}

package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// DateLayout is the civil-date layout used in keys and query strings.
const DateLayout = "2006-01-02"

// ClassSession is one fixed entry of the weekly timetable. Sessions are
// built from static configuration and never mutated.
type ClassSession struct {
	CourseCode string `json:"courseCode"`
	CourseName string `json:"courseName"`
	Classroom  string `json:"classroom"`
	Time       string `json:"time"` // "HH:MM", 24h
	Color      string `json:"color"`
}

// EventType is the kind of a user-created event.
type EventType string

const (
	Deadline EventType = "deadline"
	Exam     EventType = "exam"
)

func (t EventType) Valid() bool {
	return t == Deadline || t == Exam
}

// UserEvent is a deadline or exam stored in the event store.
//
// ID is assigned by the store on creation and never changes. Date carries
// the calendar day (its time-of-day is ignored for day matching); Date and
// Time together define the due instant. Completed drives the upcoming lists
// and is unrelated to the local completion flag.
type UserEvent struct {
	ID           string    `json:"id,omitempty"`
	Type         EventType `json:"type"`
	CourseCode   string    `json:"courseCode"`
	Title        string    `json:"title"`
	Date         time.Time `json:"date"`
	Time         string    `json:"time"`
	Completed    bool      `json:"completed"`
	CreatedAt    time.Time `json:"createdAt"`
	LastModified time.Time `json:"lastModified"`
}

// DueAt combines the event's calendar day with its HH:MM time in loc.
func (e UserEvent) DueAt(loc *time.Location) (time.Time, error) {
	h, m, err := ParseClock(e.Time)
	if err != nil {
		return time.Time{}, err
	}
	y, mo, d := e.Date.Date()
	return time.Date(y, mo, d, h, m, 0, 0, loc), nil
}

// NewEvent is an event as submitted for creation: no identifier and no
// timestamps, both of which the store assigns.
type NewEvent struct {
	Type       EventType `json:"type"`
	CourseCode string    `json:"courseCode"`
	Title      string    `json:"title"`
	Date       time.Time `json:"date"`
	Time       string    `json:"time"`
	Completed  bool      `json:"completed"`
}

// Build turns a NewEvent into a stored event with the given id and stamps.
func (n NewEvent) Build(id string, now time.Time) UserEvent {
	return UserEvent{
		ID:           id,
		Type:         n.Type,
		CourseCode:   n.CourseCode,
		Title:        n.Title,
		Date:         n.Date,
		Time:         n.Time,
		Completed:    n.Completed,
		CreatedAt:    now,
		LastModified: now,
	}
}

// EventPatch is a partial update. Nil fields are left untouched.
type EventPatch struct {
	Type       *EventType `json:"type,omitempty"`
	CourseCode *string    `json:"courseCode,omitempty"`
	Title      *string    `json:"title,omitempty"`
	Date       *time.Time `json:"date,omitempty"`
	Time       *string    `json:"time,omitempty"`
	Completed  *bool      `json:"completed,omitempty"`
}

// Apply merges the set fields of p into ev.
func (p EventPatch) Apply(ev *UserEvent) {
	if p.Type != nil {
		ev.Type = *p.Type
	}
	if p.CourseCode != nil {
		ev.CourseCode = *p.CourseCode
	}
	if p.Title != nil {
		ev.Title = *p.Title
	}
	if p.Date != nil {
		ev.Date = *p.Date
	}
	if p.Time != nil {
		ev.Time = *p.Time
	}
	if p.Completed != nil {
		ev.Completed = *p.Completed
	}
}

// ParseClock parses a zero-padded 24h "HH:MM" string.
func ParseClock(s string) (hour, minute int, err error) {
	if len(s) != 5 || s[2] != ':' {
		return 0, 0, fmt.Errorf("invalid time %q: want HH:MM", s)
	}
	hour, err = strconv.Atoi(s[:2])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(s[3:])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}

// ParseDate accepts either a civil date ("2025-11-20") or an RFC 3339
// timestamp ("2025-11-20T00:00:00Z"). Civil dates are placed at midnight UTC,
// which is how events are stored.
func ParseDate(s string) (time.Time, error) {
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	return t, nil
}

// SameDay reports calendar-day equality: each instant's date is read in its
// own location and time-of-day is ignored.
func SameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// StartOfDay truncates t to midnight in its own location.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// ItemKind discriminates the members of a DayItem.
type ItemKind int

const (
	ItemClass ItemKind = iota + 1
	ItemEvent
)

func (k ItemKind) String() string {
	switch k {
	case ItemClass:
		return "class"
	case ItemEvent:
		return "event"
	default:
		return "unknown"
	}
}

// DayItem is one entry of a composed day: either a class session or a user
// event. Exactly one of Class and Event is set, matching Kind.
type DayItem struct {
	Kind  ItemKind
	Class *ClassSession
	Event *UserEvent
}

func ClassItem(c ClassSession) DayItem {
	return DayItem{Kind: ItemClass, Class: &c}
}

func EventItem(e UserEvent) DayItem {
	return DayItem{Kind: ItemEvent, Event: &e}
}

// Time is the ordering key of the item.
func (it DayItem) Time() string {
	switch it.Kind {
	case ItemClass:
		return it.Class.Time
	case ItemEvent:
		return it.Event.Time
	default:
		return ""
	}
}

func (it DayItem) IsEvent() bool {
	return it.Kind == ItemEvent
}

type dayItemJSON struct {
	Kind    string        `json:"kind"`
	IsEvent bool          `json:"isEvent"`
	Time    string        `json:"time"`
	Class   *ClassSession `json:"class,omitempty"`
	Event   *UserEvent    `json:"event,omitempty"`
}

func (it DayItem) MarshalJSON() ([]byte, error) {
	if it.Kind != ItemClass && it.Kind != ItemEvent {
		return nil, errors.New("day item: unknown kind")
	}
	return json.Marshal(dayItemJSON{
		Kind:    it.Kind.String(),
		IsEvent: it.IsEvent(),
		Time:    it.Time(),
		Class:   it.Class,
		Event:   it.Event,
	})
}

// Package reminder arms local notifications ahead of classes and events.
//
// Reminders sit in an in-memory delayed-task queue; nothing is persisted and
// the queue is rebuilt by rescheduling on every start. A dedup marker per
// reminder occurrence keeps repeated scheduling passes from arming the same
// reminder twice.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	appLog "agenda/internal/log"
	"agenda/internal/model"
	"agenda/internal/notify"
	"agenda/internal/settings"
)

const (
	DefaultClassLead = 30 * time.Minute
	DefaultEventLead = 24 * time.Hour
	DefaultHorizon   = 30 * 24 * time.Hour
)

type Config struct {
	ClassLead time.Duration
	EventLead time.Duration
	// Horizon caps how far ahead an event reminder may be armed.
	Horizon  time.Duration
	Location *time.Location
	Now      func() time.Time
}

type Scheduler struct {
	cfg      Config
	settings *settings.Settings
	gate     *notify.Gate
	notifier notify.Notifier

	mu      sync.Mutex
	queue   taskQueue
	pending map[string]uint64
	seq     uint64
	wake    chan struct{}
}

func New(cfg Config, st *settings.Settings, gate *notify.Gate, n notify.Notifier) *Scheduler {
	if cfg.ClassLead <= 0 {
		cfg.ClassLead = DefaultClassLead
	}
	if cfg.EventLead <= 0 {
		cfg.EventLead = DefaultEventLead
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = DefaultHorizon
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		cfg:      cfg,
		settings: st,
		gate:     gate,
		notifier: n,
		pending:  make(map[string]uint64),
		wake:     make(chan struct{}, 1),
	}
}

// ClassKey is the dedup key of a class reminder on day.
func ClassKey(courseCode, at string, day time.Time) string {
	return fmt.Sprintf("class-%s-%s-%s", courseCode, at, day.Format(model.DateLayout))
}

// EventKey is the dedup key of an event reminder.
func EventKey(typ model.EventType, courseCode string, date time.Time) string {
	return fmt.Sprintf("event-%s-%s-%s", typ, courseCode, date.Format(model.DateLayout))
}

// allowed reports whether the category toggle and the notification
// permission both allow arming.
func (s *Scheduler) allowed(c settings.Category) bool {
	on, err := s.settings.Enabled(c)
	if err != nil {
		appLog.Error("reading notification toggle failed", err, "category", c)
		return false
	}
	if !on {
		return false
	}
	return s.gate.Granted()
}

// ScheduleClassReminder arms a reminder ClassLead before today's occurrence
// of at. It reports false without error when the class already started, the
// reminder time has passed, the reminder is already pending, classes are
// toggled off or notifications are not permitted.
func (s *Scheduler) ScheduleClassReminder(courseCode, courseName, at, classroom string) (bool, error) {
	h, m, err := model.ParseClock(at)
	if err != nil {
		return false, err
	}
	if !s.allowed(settings.Classes) {
		return false, nil
	}

	now := s.cfg.Now().In(s.cfg.Location)
	y, mo, d := now.Date()
	start := time.Date(y, mo, d, h, m, 0, 0, s.cfg.Location)
	if !start.After(now) {
		return false, nil
	}
	fireAt := start.Add(-s.cfg.ClassLead)
	if !fireAt.After(now) {
		return false, nil
	}

	key := ClassKey(courseCode, at, now)
	return s.arm(key, fireAt, notify.Notification{
		Title: "Class Starting Soon! 🎓",
		Body: fmt.Sprintf("%s - %s\nStarts in %s at %s\nLocation: %s",
			courseCode, courseName, leadText(s.cfg.ClassLead), at, classroom),
		Tag: key,
	}), nil
}

// ScheduleEventReminder arms a reminder EventLead before the event's due
// instant, provided that is in the future and within Horizon.
func (s *Scheduler) ScheduleEventReminder(typ model.EventType, courseCode, title string, date time.Time, at string) (bool, error) {
	if !typ.Valid() {
		return false, fmt.Errorf("unknown event type %q", typ)
	}
	due, err := model.UserEvent{Date: date, Time: at}.DueAt(s.cfg.Location)
	if err != nil {
		return false, err
	}
	if !s.allowed(settings.ForEvent(typ)) {
		return false, nil
	}

	now := s.cfg.Now()
	fireAt := due.Add(-s.cfg.EventLead)
	if !fireAt.After(now) || fireAt.Sub(now) >= s.cfg.Horizon {
		return false, nil
	}

	emoji := "⏰"
	if typ == model.Exam {
		emoji = "📝"
	}
	key := EventKey(typ, courseCode, date)
	return s.arm(key, fireAt, notify.Notification{
		Title:              emoji + " " + strings.ToUpper(string(typ)) + " Tomorrow!",
		Body:               fmt.Sprintf("%s - %s\nDue: %s at %s", courseCode, title, due.Format("Mon, 02 Jan 2006"), at),
		Tag:                key,
		RequireInteraction: typ == model.Exam,
	}), nil
}

func (s *Scheduler) arm(key string, fireAt time.Time, n notify.Notification) bool {
	s.mu.Lock()
	if _, dup := s.pending[key]; dup {
		s.mu.Unlock()
		return false
	}
	s.seq++
	s.pending[key] = s.seq
	s.queue.push(&task{key: key, fireAt: fireAt, seq: s.seq, n: n})
	s.mu.Unlock()

	appLog.Debug("reminder armed", "key", key, "fire_at", fireAt)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// ScheduleAll arms reminders for today's classes and every incomplete event
// and returns how many were newly armed.
func (s *Scheduler) ScheduleAll(classes []model.ClassSession, events []model.UserEvent) int {
	armed := 0
	for _, c := range classes {
		ok, err := s.ScheduleClassReminder(c.CourseCode, c.CourseName, c.Time, c.Classroom)
		if err != nil {
			appLog.Error("class reminder skipped", err, "course", c.CourseCode, "time", c.Time)
		}
		if ok {
			armed++
		}
	}
	for _, ev := range events {
		if ev.Completed {
			continue
		}
		ok, err := s.ScheduleEventReminder(ev.Type, ev.CourseCode, ev.Title, ev.Date, ev.Time)
		if err != nil {
			appLog.Error("event reminder skipped", err, "id", ev.ID)
		}
		if ok {
			armed++
		}
	}
	return armed
}

// FireDue delivers every reminder due at or before now and returns how many
// fired. Delivery errors are logged, never retried.
func (s *Scheduler) FireDue(now time.Time) int {
	s.mu.Lock()
	due := s.queue.popDue(now)
	for _, t := range due {
		if s.pending[t.key] == t.seq {
			delete(s.pending, t.key)
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		n := t.n
		n.CreatedAt = now
		err := s.notifier.Notify(n)
		switch {
		case errors.Is(err, notify.ErrPermissionDenied):
			appLog.Debug("reminder dropped, permission not granted", "key", t.key)
		case err != nil:
			appLog.Error("reminder delivery failed", err, "key", t.key)
		}
	}
	return len(due)
}

// Run fires reminders on time until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		s.mu.Lock()
		next, ok := s.queue.next()
		s.mu.Unlock()

		wait := time.Hour
		if ok {
			wait = max(next.Sub(s.cfg.Now()), 0)
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		case <-timer.C:
			s.FireDue(s.cfg.Now())
		}
	}
}

// ClearScheduled forgets every dedup marker so the next pass can rearm.
// Reminders already armed stay queued and still fire.
func (s *Scheduler) ClearScheduled() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = make(map[string]uint64)
}

// Pending lists the dedup keys of reminders armed and not yet fired.
func (s *Scheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.pending))
	for k := range s.pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Reminder describes a queued reminder.
type Reminder struct {
	Key    string    `json:"key"`
	FireAt time.Time `json:"fireAt"`
	Title  string    `json:"title"`
	Body   string    `json:"body"`
}

// Armed lists queued reminders in fire order, including ones whose dedup
// marker was cleared.
func (s *Scheduler) Armed() []Reminder {
	s.mu.Lock()
	tasks := make([]*task, len(s.queue))
	copy(tasks, s.queue)
	s.mu.Unlock()

	sort.Slice(tasks, func(i, j int) bool { return taskQueue(tasks).Less(i, j) })
	out := make([]Reminder, len(tasks))
	for i, t := range tasks {
		out[i] = Reminder{Key: t.key, FireAt: t.fireAt, Title: t.n.Title, Body: t.n.Body}
	}
	return out
}

func leadText(d time.Duration) string {
	if d >= time.Hour && d%time.Hour == 0 {
		if h := int(d / time.Hour); h != 1 {
			return fmt.Sprintf("%d hours", h)
		}
		return "1 hour"
	}
	return fmt.Sprintf("%d minutes", int(d/time.Minute))
}

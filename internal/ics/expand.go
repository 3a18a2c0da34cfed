package ics

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	appLog "agenda/internal/log"
	"agenda/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 500
	// allDayClock is the due time given to all-day feed entries.
	allDayClock = "23:59"
)

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// Location is the zone in which instance dates and times are read.
	// If nil, time.Local is used.
	Location *time.Location

	// RangeStart / RangeEnd bound the instance starts, inclusive.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent caps a single RRULE. Zero means
	// defaultMaxOccurrencesPerEvent.
	MaxOccurrencesPerEvent int
}

// Instance is one concrete feed entry ready to be stored.
type Instance struct {
	// Key identifies the instance within its feed across refreshes: the
	// UID for single events, UID plus start for recurring ones.
	Key       string
	Cancelled bool
	Event     model.NewEvent
}

// Expand turns feed events into concrete instances within the configured
// range. It handles single events, RRULE recurrence with EXDATE removal and
// RECURRENCE-ID overrides.
func Expand(events []FeedEvent, cfg ExpandConfig) ([]Instance, error) {
	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return nil, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	baseByUID := make(map[string][]FeedEvent)
	overridesByUID := make(map[string][]FeedEvent)
	for _, ev := range events {
		if ev.IsClass {
			continue
		}
		if ev.IsOverride && ev.Recurrence != nil {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
		} else {
			baseByUID[ev.UID] = append(baseByUID[ev.UID], ev)
		}
	}

	out := make([]Instance, 0)
	for uid, bases := range baseByUID {
		for _, ev := range bases {
			if ev.RawRRule == "" {
				if inRange(ev, cfg) {
					out = append(out, makeInstance(ev.UID, ev, ev.Start, cfg.Location))
				}
				continue
			}
			inst, hitCap := expandRecurring(ev, overridesByUID[uid], cfg)
			if hitCap {
				appLog.Error("expand: truncated occurrences for UID due to cap",
					errors.New("max occurrences reached"),
					"uid", uid,
					"cap", cfg.MaxOccurrencesPerEvent,
				)
			}
			out = append(out, inst...)
		}
	}
	return out, nil
}

func expandRecurring(ev FeedEvent, overrides []FeedEvent, cfg ExpandConfig) ([]Instance, bool) {
	out := make([]Instance, 0)

	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Error("expand: failed to parse RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return out, false
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	starts := set.Between(cfg.RangeStart.In(ev.Start.Location()), cfg.RangeEnd.In(ev.Start.Location()), true)
	hitCap := false
	if len(starts) > cfg.MaxOccurrencesPerEvent {
		starts = starts[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	for _, start := range starts {
		key := ev.UID + "@" + start.UTC().Format(time.RFC3339)
		src := ev
		if o, ok := findOverride(overrides, start); ok {
			src = o
			start = o.Start
		}
		out = append(out, makeInstance(key, src, start, cfg.Location))
	}
	return out, hitCap
}

// findOverride finds the override whose RECURRENCE-ID equals start.
func findOverride(overrides []FeedEvent, start time.Time) (FeedEvent, bool) {
	for _, ov := range overrides {
		if ov.Recurrence != nil && ov.Recurrence.Equal(start) {
			return ov, true
		}
	}
	return FeedEvent{}, false
}

// inRange checks a single event against the range. All-day events count
// until their day is over.
func inRange(ev FeedEvent, cfg ExpandConfig) bool {
	last := ev.Start
	if ev.AllDay {
		last = last.AddDate(0, 0, 1).Add(-time.Second)
	}
	return !last.Before(cfg.RangeStart) && !ev.Start.After(cfg.RangeEnd)
}

// makeInstance reads the instance's calendar day and clock in loc. All-day
// entries keep their own calendar day and fall due at allDayClock.
func makeInstance(key string, ev FeedEvent, start time.Time, loc *time.Location) Instance {
	local := start.In(loc)
	clock := local.Format("15:04")
	if ev.AllDay {
		local = start
		clock = allDayClock
	}
	if ev.Clock != "" {
		clock = ev.Clock
	}
	y, m, d := local.Date()
	return Instance{
		Key:       key,
		Cancelled: ev.Cancelled,
		Event: model.NewEvent{
			Type:       ev.Type,
			CourseCode: ev.CourseCode,
			Title:      ev.Summary,
			Date:       time.Date(y, m, d, 0, 0, 0, 0, time.UTC),
			Time:       clock,
			Completed:  ev.Completed,
		},
	}
}

// Package agenda composes day views and drives the viewed-date cursor.
package agenda

import (
	"sort"
	"time"

	"agenda/internal/model"
)

// ComposeDay merges the classes of date with the events falling on the same
// calendar day, ordered by time. On equal times classes come first, then
// events in their input order. The result is built fresh on every call.
func ComposeDay(date time.Time, classes map[string]model.ClassSession, events []model.UserEvent) []model.DayItem {
	times := make([]string, 0, len(classes))
	for k := range classes {
		times = append(times, k)
	}
	sort.Strings(times)

	items := make([]model.DayItem, 0, len(classes)+len(events))
	for _, k := range times {
		items = append(items, model.ClassItem(classes[k]))
	}
	for _, ev := range events {
		if model.SameDay(ev.Date, date) {
			items = append(items, model.EventItem(ev))
		}
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Time() < items[j].Time()
	})
	return items
}

// UpcomingDeadlines lists incomplete deadlines dated after now, soonest first.
func UpcomingDeadlines(events []model.UserEvent, now time.Time) []model.UserEvent {
	return upcoming(events, model.Deadline, now)
}

// UpcomingExams lists incomplete exams dated after now, soonest first.
func UpcomingExams(events []model.UserEvent, now time.Time) []model.UserEvent {
	return upcoming(events, model.Exam, now)
}

func upcoming(events []model.UserEvent, typ model.EventType, now time.Time) []model.UserEvent {
	out := []model.UserEvent{}
	for _, ev := range events {
		if ev.Type == typ && !ev.Completed && ev.Date.After(now) {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Date.Before(out[j].Date)
	})
	return out
}

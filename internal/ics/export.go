package ics

import (
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "agenda/internal/log"
	"agenda/internal/model"
	"agenda/internal/schedule"
)

const (
	productID     = "-//agenda//Daily Agenda//EN"
	localLayout   = "20060102T150405"
	classDuration = time.Hour
)

var weekdayOrder = []time.Weekday{
	time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday, time.Sunday,
}

// Export renders the timetable and the events as a VCALENDAR. Each class
// session becomes one weekly recurring VEVENT starting in the week of now;
// each event becomes a single VEVENT at its due instant.
func Export(p *schedule.Provider, events []model.UserEvent, now time.Time) string {
	cal := ical.NewCalendar()
	cal.SetProductId(productID)
	cal.SetMethod(ical.MethodPublish)
	cal.SetXWRCalName("Agenda")
	cal.SetXWRTimezone(p.Location().String())

	loc := p.Location()
	local := model.StartOfDay(now.In(loc))
	weekStart := local.AddDate(0, 0, -((int(local.Weekday()) + 6) % 7))

	week := p.Weekly()
	for _, wd := range weekdayOrder {
		for _, s := range week[wd] {
			if err := addClass(cal, p, wd, s, weekStart, now); err != nil {
				appLog.Error("ics export: class skipped", err, "course", s.CourseCode, "time", s.Time)
			}
		}
	}

	for _, ev := range events {
		if err := addEvent(cal, ev, loc, now); err != nil {
			appLog.Error("ics export: event skipped", err, "id", ev.ID)
		}
	}

	return cal.Serialize()
}

func addClass(cal *ical.Calendar, p *schedule.Provider, wd time.Weekday, s model.ClassSession, from, now time.Time) error {
	r, err := p.Rule(wd, s, from)
	if err != nil {
		return err
	}
	first := r.After(from, true)
	if first.IsZero() {
		// The timetable has already ended.
		return nil
	}

	uid := fmt.Sprintf("class-%s-%s-%s@agenda", s.CourseCode, strings.ToLower(wd.String()[:3]), strings.ReplaceAll(s.Time, ":", ""))
	ve := cal.AddEvent(uid)
	ve.SetDtStampTime(now)
	tz := ical.WithTZID(p.Location().String())
	ve.SetProperty(ical.ComponentPropertyDtStart, first.Format(localLayout), tz)
	ve.SetProperty(ical.ComponentPropertyDtEnd, first.Add(classDuration).Format(localLayout), tz)
	ve.AddRrule(r.OrigOptions.RRuleString())
	ve.SetSummary(s.CourseCode + " - " + s.CourseName)
	ve.SetLocation(s.Classroom)
	ve.SetColor(s.Color)
	ve.AddCategory(categoryClass)
	ve.SetProperty(propCourseCode, s.CourseCode)
	return nil
}

func addEvent(cal *ical.Calendar, ev model.UserEvent, loc *time.Location, now time.Time) error {
	due, err := ev.DueAt(loc)
	if err != nil {
		return err
	}
	ve := cal.AddEvent(ev.ID + "@agenda")
	ve.SetDtStampTime(now)
	if !ev.CreatedAt.IsZero() {
		ve.SetCreatedTime(ev.CreatedAt)
	}
	if !ev.LastModified.IsZero() {
		ve.SetModifiedAt(ev.LastModified)
	}
	ve.SetStartAt(due)
	ve.SetEndAt(due)
	ve.SetSummary(ev.Title)
	ve.SetDescription(fmt.Sprintf("%s for %s", strings.ToUpper(string(ev.Type)), ev.CourseCode))
	ve.AddCategory(string(ev.Type))
	ve.SetProperty(propCourseCode, ev.CourseCode)
	ve.SetProperty(propEventTime, ev.Time)
	if ev.Completed {
		ve.SetProperty(propCompleted, "TRUE")
	}
	return nil
}

package schedule

import (
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "agenda/internal/log"
	"agenda/internal/model"
)

// Occurrence is one concrete class meeting.
type Occurrence struct {
	Session model.ClassSession `json:"session"`
	Weekday time.Weekday       `json:"weekday"`
	Start   time.Time          `json:"start"`
}

var rruleWeekdays = map[time.Weekday]rrule.Weekday{
	time.Monday:    rrule.MO,
	time.Tuesday:   rrule.TU,
	time.Wednesday: rrule.WE,
	time.Thursday:  rrule.TH,
	time.Friday:    rrule.FR,
	time.Saturday:  rrule.SA,
	time.Sunday:    rrule.SU,
}

// Until is the last instant (in the provider's zone) at which a class may
// start: one second before the end date begins.
func (p *Provider) Until() time.Time {
	y, m, d := p.end.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, p.loc).Add(-time.Second)
}

// Rule builds the weekly recurrence of a session, starting on the first
// matching weekday on or after from.
func (p *Provider) Rule(wd time.Weekday, s model.ClassSession, from time.Time) (*rrule.RRule, error) {
	h, m, err := model.ParseClock(s.Time)
	if err != nil {
		return nil, err
	}
	local := from.In(p.loc)
	y, mo, d := local.Date()
	dtstart := time.Date(y, mo, d, h, m, 0, 0, p.loc)

	return rrule.NewRRule(rrule.ROption{
		Freq:      rrule.WEEKLY,
		Byweekday: []rrule.Weekday{rruleWeekdays[wd]},
		Dtstart:   dtstart,
		Until:     p.Until(),
	})
}

// Occurrences expands every session into its concrete starts within
// [from, to), ordered by start time. Nothing is produced on or after the end
// date.
func (p *Provider) Occurrences(from, to time.Time) []Occurrence {
	out := make([]Occurrence, 0)
	if !to.After(from) {
		return out
	}

	for wd, sessions := range p.week {
		for _, s := range sessions {
			r, err := p.Rule(wd, s, from)
			if err != nil {
				appLog.Error("schedule: failed to build rule", err, "course", s.CourseCode, "time", s.Time)
				continue
			}
			for _, start := range r.Between(from, to, true) {
				if !start.Before(to) {
					continue
				}
				out = append(out, Occurrence{Session: s, Weekday: wd, Start: start})
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].Session.CourseCode < out[j].Session.CourseCode
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out
}

package schedule

import (
	"time"

	"agenda/internal/model"
)

// Provider answers "which classes happen on this date" from a weekly
// timetable that stops applying on its end date. All methods are pure.
type Provider struct {
	week map[time.Weekday][]model.ClassSession
	// end is a civil date at midnight UTC.
	end time.Time
	// loc is the zone class start times are expressed in.
	loc *time.Location
}

// NewProvider builds a Provider. A zero endOverride keeps the timetable's
// own end_date.
func NewProvider(tt *Timetable, endOverride time.Time, loc *time.Location) (*Provider, error) {
	week, err := tt.week()
	if err != nil {
		return nil, err
	}
	end := endOverride
	if end.IsZero() {
		if end, err = tt.End(); err != nil {
			return nil, err
		}
	}
	if loc == nil {
		loc = time.Local
	}
	y, m, d := end.Date()
	return &Provider{
		week: week,
		end:  time.Date(y, m, d, 0, 0, 0, 0, time.UTC),
		loc:  loc,
	}, nil
}

// EndDate is the first civil date with no classes.
func (p *Provider) EndDate() time.Time {
	return p.end
}

func (p *Provider) Location() *time.Location {
	return p.loc
}

// Active reports whether the timetable still applies on date's calendar day.
func (p *Provider) Active(date time.Time) bool {
	y, m, d := date.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Before(p.end)
}

// GetDaySchedule returns the sessions for date's weekday keyed by their
// "HH:MM" time. Dates on or after the end date and days without sessions
// yield an empty map. The map is freshly allocated on every call.
func (p *Provider) GetDaySchedule(date time.Time) map[string]model.ClassSession {
	out := make(map[string]model.ClassSession)
	if !p.Active(date) {
		return out
	}
	for _, s := range p.week[date.Weekday()] {
		out[s.Time] = s
	}
	return out
}

// Sessions returns the same sessions as GetDaySchedule ordered by time.
func (p *Provider) Sessions(date time.Time) []model.ClassSession {
	if !p.Active(date) {
		return nil
	}
	src := p.week[date.Weekday()]
	out := make([]model.ClassSession, len(src))
	copy(out, src)
	return out
}

// Weekly returns every configured session grouped by weekday, regardless of
// the end date.
func (p *Provider) Weekly() map[time.Weekday][]model.ClassSession {
	out := make(map[time.Weekday][]model.ClassSession, len(p.week))
	for wd, sessions := range p.week {
		out[wd] = append([]model.ClassSession(nil), sessions...)
	}
	return out
}

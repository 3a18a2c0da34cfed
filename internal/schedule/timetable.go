package schedule

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"agenda/internal/model"
)

//go:embed default_timetable.yaml
var defaultTimetable []byte

// DefaultColor is used for sessions whose course has no configured color.
const DefaultColor = "#9CA3AF"

// Course holds the display attributes shared by every session of a course.
type Course struct {
	Name  string `yaml:"name"`
	Color string `yaml:"color"`
}

// Slot is a single weekly timetable entry as written in the YAML file.
type Slot struct {
	Time      string `yaml:"time"`
	Course    string `yaml:"course"`
	Classroom string `yaml:"classroom"`
}

// Timetable is the on-disk weekly timetable.
type Timetable struct {
	// EndDate (YYYY-MM-DD) is the first day on which the timetable no
	// longer applies.
	EndDate string            `yaml:"end_date"`
	Courses map[string]Course `yaml:"courses"`
	Days    map[string][]Slot `yaml:"days"`
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// DefaultTimetable returns the built-in timetable.
func DefaultTimetable() (*Timetable, error) {
	return ParseTimetable(defaultTimetable)
}

// LoadTimetable reads a timetable YAML file. An empty path selects the
// built-in timetable.
func LoadTimetable(path string) (*Timetable, error) {
	if path == "" {
		return DefaultTimetable()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseTimetable(data)
}

// ParseTimetable decodes and validates a timetable document.
func ParseTimetable(data []byte) (*Timetable, error) {
	var tt Timetable
	if err := yaml.Unmarshal(data, &tt); err != nil {
		return nil, fmt.Errorf("timetable: %w", err)
	}
	if _, err := tt.week(); err != nil {
		return nil, err
	}
	return &tt, nil
}

// End parses EndDate as a civil date at midnight UTC.
func (tt *Timetable) End() (time.Time, error) {
	if tt.EndDate == "" {
		return time.Time{}, errors.New("timetable: end_date is required")
	}
	end, err := time.Parse(model.DateLayout, tt.EndDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("timetable: end_date: %w", err)
	}
	return end, nil
}

// week converts the YAML form into per-weekday sessions ordered by time.
func (tt *Timetable) week() (map[time.Weekday][]model.ClassSession, error) {
	out := make(map[time.Weekday][]model.ClassSession, 7)
	for name, slots := range tt.Days {
		wd, ok := weekdayNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("timetable: unknown weekday %q", name)
		}

		seen := make(map[string]bool, len(slots))
		sessions := make([]model.ClassSession, 0, len(slots))
		for _, s := range slots {
			if _, _, err := model.ParseClock(s.Time); err != nil {
				return nil, fmt.Errorf("timetable: %s: %w", name, err)
			}
			if seen[s.Time] {
				return nil, fmt.Errorf("timetable: %s: two sessions at %s", name, s.Time)
			}
			seen[s.Time] = true
			sessions = append(sessions, tt.session(s))
		}
		sort.Slice(sessions, func(i, j int) bool { return sessions[i].Time < sessions[j].Time })
		out[wd] = append(out[wd], sessions...)
	}
	return out, nil
}

func (tt *Timetable) session(s Slot) model.ClassSession {
	c, ok := tt.Courses[s.Course]
	name, color := c.Name, c.Color
	if !ok || name == "" {
		name = s.Course
	}
	if color == "" {
		color = DefaultColor
	}
	return model.ClassSession{
		CourseCode: s.Course,
		CourseName: name,
		Classroom:  s.Classroom,
		Time:       s.Time,
		Color:      color,
	}
}

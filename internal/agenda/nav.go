package agenda

import (
	"sync"
	"time"

	"agenda/internal/model"
)

// DefaultThreshold is the gesture distance a swipe or pull must exceed.
const DefaultThreshold = 80

// Direction of the last transition, for picking an animation only.
type Direction int

const (
	Backward Direction = -1
	None     Direction = 0
	Forward  Direction = 1
)

// Cursor is the currently viewed date. It is safe for concurrent use.
type Cursor struct {
	mu      sync.Mutex
	now     func() time.Time
	swipe   float64
	pull    float64
	current time.Time
	dir     Direction
}

// NewCursor starts at today. Non-positive thresholds use DefaultThreshold
// and a nil now uses time.Now.
func NewCursor(now func() time.Time, swipeThreshold, pullThreshold float64) *Cursor {
	if now == nil {
		now = time.Now
	}
	if swipeThreshold <= 0 {
		swipeThreshold = DefaultThreshold
	}
	if pullThreshold <= 0 {
		pullThreshold = DefaultThreshold
	}
	return &Cursor{
		now:     now,
		swipe:   swipeThreshold,
		pull:    pullThreshold,
		current: model.StartOfDay(now()),
	}
}

// State is a copy of the cursor.
type State struct {
	Date      time.Time `json:"date"`
	Direction Direction `json:"direction"`
	IsToday   bool      `json:"isToday"`
}

func (c *Cursor) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{Date: c.current, Direction: c.dir, IsToday: model.SameDay(c.current, c.now())}
}

func (c *Cursor) Current() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Cursor) Direction() Direction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dir
}

// SwipeRight goes back one day if magnitude exceeds the threshold.
func (c *Cursor) SwipeRight(magnitude float64) bool {
	return c.step(magnitude, Backward)
}

// SwipeLeft goes forward one day if magnitude exceeds the threshold.
func (c *Cursor) SwipeLeft(magnitude float64) bool {
	return c.step(magnitude, Forward)
}

// Swipe takes a signed horizontal drag offset: positive is a right swipe.
func (c *Cursor) Swipe(offsetX float64) bool {
	if offsetX > 0 {
		return c.SwipeRight(offsetX)
	}
	return c.SwipeLeft(-offsetX)
}

func (c *Cursor) step(magnitude float64, dir Direction) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if magnitude <= c.swipe {
		return false
	}
	c.current = c.current.AddDate(0, 0, int(dir))
	c.dir = dir
	return true
}

// Pull jumps to today when a pull released at rest travelled past the pull
// threshold.
func (c *Cursor) Pull(distance float64, atRest bool) bool {
	if !atRest || distance <= c.pull {
		return false
	}
	c.JumpToToday()
	return true
}

// Back handles a back-navigation: off today it jumps to today and reports
// true; on today it reports false so the caller can fall through.
func (c *Cursor) Back() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if model.SameDay(c.current, now) {
		return false
	}
	c.current = model.StartOfDay(now)
	c.dir = None
	return true
}

func (c *Cursor) JumpToToday() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = model.StartOfDay(c.now())
	c.dir = None
}

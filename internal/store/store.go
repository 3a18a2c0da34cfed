// Package store is the event store client: the durable collection of user
// deadlines and exams, with full-snapshot change subscriptions.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	appLog "agenda/internal/log"
	"agenda/internal/model"
)

// Store is implemented by SQLite and Memory.
//
// Writes return once the change is durable; subscribers learn about it on
// their next snapshot, never synchronously from the write call.
type Store interface {
	// Subscribe registers fn for full snapshots ordered by date. fn is
	// called at least once (with an empty slice if the initial load fails)
	// and never concurrently with itself. The returned func stops delivery.
	Subscribe(fn func([]model.UserEvent)) (unsubscribe func())
	Snapshot(ctx context.Context) ([]model.UserEvent, error)
	Create(ctx context.Context, ev model.NewEvent) (string, error)
	Update(ctx context.Context, id string, patch model.EventPatch) error
	Delete(ctx context.Context, id string) error
	BatchUpdate(ctx context.Context, updates []Update) error
	Close() error
}

// Update is one element of a BatchUpdate.
type Update struct {
	ID    string           `json:"id"`
	Patch model.EventPatch `json:"patch"`
}

var (
	ErrNotFound            = errors.New("event not found")
	ErrWriteFailure        = errors.New("write failed")
	ErrSubscriptionFailure = errors.New("subscription failed")
)

// Error is returned by every Store operation. Kind is one of the sentinel
// errors above; errors.Is matches against it.
type Error struct {
	Op   string
	ID   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	msg := "store " + e.Op
	if e.ID != "" {
		msg += " " + e.ID
	}
	msg += ": " + e.Kind.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func notFound(op, id string) error {
	return &Error{Op: op, ID: id, Kind: ErrNotFound}
}

func writeFailure(op, id string, err error) error {
	return &Error{Op: op, ID: id, Kind: ErrWriteFailure, Err: err}
}

// hub fans snapshots out to subscribers. Each subscriber has a one-slot
// mailbox holding the newest undelivered snapshot and its own goroutine.
type hub struct {
	mu   sync.Mutex
	next int
	subs map[int]*subscriber
}

type subscriber struct {
	fn     func([]model.UserEvent)
	box    chan []model.UserEvent
	done   chan struct{}
	closed atomic.Bool
}

func newHub() *hub {
	return &hub{subs: make(map[int]*subscriber)}
}

// subscribe registers fn. load runs under the hub lock so that no publish
// can slip in between the initial snapshot and registration.
func (h *hub) subscribe(fn func([]model.UserEvent), load func() ([]model.UserEvent, error)) func() {
	s := &subscriber{
		fn:   fn,
		box:  make(chan []model.UserEvent, 1),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	initial, err := load()
	if err != nil {
		appLog.Error("event subscription initial load failed", fmt.Errorf("%w: %v", ErrSubscriptionFailure, err))
		initial = []model.UserEvent{}
	}
	s.box <- initial
	id := h.next
	h.next++
	h.subs[id] = s
	h.mu.Unlock()

	go s.loop()

	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		if s.closed.CompareAndSwap(false, true) {
			close(s.done)
		}
	}
}

// deliver hands snapshot to every subscriber, replacing any snapshot still
// waiting in a mailbox. Callers hold h.mu.
func (h *hub) deliver(snapshot []model.UserEvent) {
	for _, s := range h.subs {
		select {
		case <-s.box:
		default:
		}
		s.box <- cloneEvents(snapshot)
	}
}

// publishWith loads a snapshot under the hub lock and publishes it, so
// snapshots reach subscribers in the order they were read. A load failure
// degrades to an empty snapshot.
func (h *hub) publishWith(load func() ([]model.UserEvent, error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.subs) == 0 {
		return
	}
	snapshot, err := load()
	if err != nil {
		appLog.Error("event snapshot reload failed", fmt.Errorf("%w: %v", ErrSubscriptionFailure, err))
		snapshot = []model.UserEvent{}
	}
	h.deliver(snapshot)
}

func (h *hub) close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[int]*subscriber)
	h.mu.Unlock()
	for _, s := range subs {
		if s.closed.CompareAndSwap(false, true) {
			close(s.done)
		}
	}
}

func (s *subscriber) loop() {
	for {
		select {
		case <-s.done:
			return
		case snap := <-s.box:
			if s.closed.Load() {
				return
			}
			s.fn(snap)
		}
	}
}

func cloneEvents(in []model.UserEvent) []model.UserEvent {
	out := make([]model.UserEvent, len(in))
	copy(out, in)
	return out
}

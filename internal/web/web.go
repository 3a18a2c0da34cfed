package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"agenda/internal/agenda"
	"agenda/internal/completion"
	"agenda/internal/config"
	appLog "agenda/internal/log"
	"agenda/internal/model"
	"agenda/internal/notify"
	"agenda/internal/reminder"
	"agenda/internal/schedule"
	"agenda/internal/settings"
	"agenda/internal/store"
)

// Deps are the components the HTTP API exposes.
type Deps struct {
	Config     *config.Config
	Provider   *schedule.Provider
	Events     store.Store
	Completion *completion.Tracker
	Settings   *settings.Settings
	Cursor     *agenda.Cursor
	Gate       *notify.Gate
	Feed       *notify.Feed
	Reminders  *reminder.Scheduler
	Now        func() time.Time

	// OnPermissionGranted runs after a request leaves permission granted,
	// so reminders skipped while it was not can be armed.
	OnPermissionGranted func()
}

// Server provides the HTTP API over the agenda components.
type Server struct {
	Deps
	mux      *http.ServeMux
	validate *validation

	// Snapshot of the event store, replaced on every subscription delivery.
	// Until the first delivery requests read the store directly.
	eventsMu    sync.RWMutex
	eventsCache *eventsCache
}

type eventsCache struct {
	events    []model.UserEvent
	updatedAt time.Time
}

// NewServer constructs a new Server.
func NewServer(d Deps) *Server {
	if d.Config == nil {
		d.Config = config.DefaultConfig()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	s := &Server{
		Deps:     d,
		mux:      http.NewServeMux(),
		validate: newValidation(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.Config.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// SetEvents replaces the cached event snapshot. It is meant to be used as
// (part of) a store subscriber.
func (s *Server) SetEvents(events []model.UserEvent) {
	cp := make([]model.UserEvent, len(events))
	copy(cp, events)
	s.eventsMu.Lock()
	s.eventsCache = &eventsCache{events: cp, updatedAt: time.Now()}
	s.eventsMu.Unlock()
	appLog.Debug("web: event snapshot updated", "count", len(cp))
}

// events returns the cached snapshot, or a fresh store read before the
// first delivery.
func (s *Server) events(ctx context.Context) ([]model.UserEvent, error) {
	s.eventsMu.RLock()
	ec := s.eventsCache
	s.eventsMu.RUnlock()
	if ec != nil {
		return ec.events, nil
	}
	return s.Events.Snapshot(ctx)
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.Config.BasicAuth == nil {
		return false
	}
	// Empty credentials count as disabled.
	if s.Config.BasicAuth.Username == "" || s.Config.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.Config.BasicAuth.Username
	password := s.Config.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Agenda", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("GET /api/day", s.handleDay)
	s.mux.HandleFunc("GET /api/week", s.handleWeek)
	s.mux.HandleFunc("GET /api/upcoming", s.handleUpcoming)

	s.mux.HandleFunc("GET /api/events", s.handleListEvents)
	s.mux.HandleFunc("POST /api/events", s.handleCreateEvent)
	s.mux.HandleFunc("POST /api/events/batch", s.handleBatchUpdate)
	s.mux.HandleFunc("PATCH /api/events/{id}", s.handleUpdateEvent)
	s.mux.HandleFunc("DELETE /api/events/{id}", s.handleDeleteEvent)

	s.mux.HandleFunc("GET /api/completion", s.handleGetCompletion)
	s.mux.HandleFunc("PUT /api/completion", s.handleSetCompletion)

	s.mux.HandleFunc("GET /api/nav", s.handleNav)
	s.mux.HandleFunc("POST /api/nav/swipe", s.handleSwipe)
	s.mux.HandleFunc("POST /api/nav/pull", s.handlePull)
	s.mux.HandleFunc("POST /api/nav/back", s.handleBack)
	s.mux.HandleFunc("POST /api/nav/today", s.handleToday)

	s.mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	s.mux.HandleFunc("PUT /api/settings", s.handlePutSettings)

	s.mux.HandleFunc("GET /api/notifications", s.handleNotifications)
	s.mux.HandleFunc("POST /api/notifications/permission", s.handlePermission)

	s.mux.HandleFunc("GET /api/reminders", s.handleReminders)
	s.mux.HandleFunc("POST /api/reminders/clear", s.handleClearReminders)

	s.mux.HandleFunc("GET /calendar.ics", s.handleCalendar)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// location is the display zone, falling back to time.Local.
func (s *Server) location() *time.Location {
	if s.Provider != nil {
		return s.Provider.Location()
	}
	loc, err := s.Config.Location()
	if err != nil {
		appLog.Error("failed to load timezone; falling back to local", err, "name", s.Config.Timezone)
		return time.Local
	}
	return loc
}

func (s *Server) now() time.Time {
	return s.Now().In(s.location())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}

// writeStoreError maps store failures so the client can tell a vanished
// event from a write worth retrying.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "event not found")
	case errors.Is(err, store.ErrWriteFailure):
		writeError(w, http.StatusBadGateway, "write failed, please retry")
	default:
		appLog.Error("web: unexpected store error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

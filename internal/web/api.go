package web

import (
	"errors"
	"io"
	"net/http"
	"time"

	"agenda/internal/agenda"
	"agenda/internal/completion"
	"agenda/internal/ics"
	appLog "agenda/internal/log"
	"agenda/internal/model"
	"agenda/internal/notify"
	"agenda/internal/reminder"
	"agenda/internal/schedule"
	"agenda/internal/settings"
	"agenda/internal/store"
)

// civilDate parses a date query or body value into the stored form: the
// calendar day at midnight UTC.
func civilDate(s string) (time.Time, error) {
	t, err := model.ParseDate(s)
	if err != nil {
		return time.Time{}, err
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
}

// dayResponse is the JSON response shape for /api/day.
type dayResponse struct {
	Date    string          `json:"date"`
	IsToday bool            `json:"isToday"`
	Items   []model.DayItem `json:"items"`
	Empty   bool            `json:"empty"`
	Nav     *agenda.State   `json:"nav,omitempty"`
}

// handleDay composes one day.
//
// GET /api/day?date=YYYY-MM-DD
//   - date: defaults to the navigation cursor's date
func (s *Server) handleDay(w http.ResponseWriter, r *http.Request) {
	var (
		day time.Time
		nav *agenda.State
	)
	if q := r.URL.Query().Get("date"); q != "" {
		d, err := civilDate(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		day = d
	} else {
		st := s.Cursor.State()
		nav = &st
		y, m, d := st.Date.Date()
		day = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}

	events, err := s.events(r.Context())
	if err != nil {
		appLog.Error("api day: event snapshot failed", err)
		events = nil
	}

	items := agenda.ComposeDay(day, s.Provider.GetDaySchedule(day), events)
	writeJSON(w, http.StatusOK, dayResponse{
		Date:    day.Format(model.DateLayout),
		IsToday: model.SameDay(day, s.now()),
		Items:   items,
		Empty:   len(items) == 0,
		Nav:     nav,
	})
}

// weekResponse is the JSON response shape for /api/week.
type weekResponse struct {
	Start       string                `json:"start"`
	End         string                `json:"end"`
	TimetableTo string                `json:"timetableEnd"`
	Occurrences []schedule.Occurrence `json:"occurrences"`
}

// handleWeek lists class meetings for seven days.
//
// GET /api/week?start=YYYY-MM-DD
//   - start: defaults to the navigation cursor's date
func (s *Server) handleWeek(w http.ResponseWriter, r *http.Request) {
	loc := s.location()
	var y int
	var m time.Month
	var d int
	if q := r.URL.Query().Get("start"); q != "" {
		t, err := civilDate(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		y, m, d = t.Date()
	} else {
		y, m, d = s.Cursor.Current().Date()
	}
	from := time.Date(y, m, d, 0, 0, 0, 0, loc)
	to := from.AddDate(0, 0, 7)

	writeJSON(w, http.StatusOK, weekResponse{
		Start:       from.Format(model.DateLayout),
		End:         to.Format(model.DateLayout),
		TimetableTo: s.Provider.EndDate().Format(model.DateLayout),
		Occurrences: s.Provider.Occurrences(from, to),
	})
}

type upcomingResponse struct {
	Deadlines []model.UserEvent `json:"deadlines"`
	Exams     []model.UserEvent `json:"exams"`
}

func (s *Server) handleUpcoming(w http.ResponseWriter, r *http.Request) {
	events, err := s.events(r.Context())
	if err != nil {
		appLog.Error("api upcoming: event snapshot failed", err)
		events = nil
	}
	now := s.now()
	writeJSON(w, http.StatusOK, upcomingResponse{
		Deadlines: agenda.UpcomingDeadlines(events, now),
		Exams:     agenda.UpcomingExams(events, now),
	})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.events(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if events == nil {
		events = []model.UserEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// eventRequest is the body of POST /api/events. Only the fields the day
// view and reminders depend on are checked.
type eventRequest struct {
	Type       string `json:"type" validate:"required,oneof=deadline exam"`
	CourseCode string `json:"courseCode"`
	Title      string `json:"title"`
	Date       string `json:"date" validate:"required,civildate"`
	Time       string `json:"time" validate:"required,hhmm"`
	Completed  bool   `json:"completed"`
}

func (req eventRequest) newEvent() (model.NewEvent, error) {
	date, err := civilDate(req.Date)
	if err != nil {
		return model.NewEvent{}, err
	}
	return model.NewEvent{
		Type:       model.EventType(req.Type),
		CourseCode: req.CourseCode,
		Title:      req.Title,
		Date:       date,
		Time:       req.Time,
		Completed:  req.Completed,
	}, nil
}

// patchRequest is a partial event update; absent fields are untouched.
type patchRequest struct {
	Type       *string `json:"type,omitempty" validate:"omitempty,oneof=deadline exam"`
	CourseCode *string `json:"courseCode,omitempty"`
	Title      *string `json:"title,omitempty"`
	Date       *string `json:"date,omitempty" validate:"omitempty,civildate"`
	Time       *string `json:"time,omitempty" validate:"omitempty,hhmm"`
	Completed  *bool   `json:"completed,omitempty"`
}

func (req patchRequest) patch() (model.EventPatch, error) {
	p := model.EventPatch{
		CourseCode: req.CourseCode,
		Title:      req.Title,
		Time:       req.Time,
		Completed:  req.Completed,
	}
	if req.Type != nil {
		t := model.EventType(*req.Type)
		p.Type = &t
	}
	if req.Date != nil {
		d, err := civilDate(*req.Date)
		if err != nil {
			return p, err
		}
		p.Date = &d
	}
	return p, nil
}

type batchRequest struct {
	Updates []batchItem `json:"updates" validate:"required,min=1,dive"`
}

type batchItem struct {
	ID    string       `json:"id" validate:"required"`
	Patch patchRequest `json:"patch"`
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeValidationError(w, err)
		return
	}
	ev, err := req.newEvent()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.Events.Create(r.Context(), ev)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	appLog.Info("api: event created", "id", id, "type", ev.Type, "course", ev.CourseCode)
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req patchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeValidationError(w, err)
		return
	}
	p, err := req.patch()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.Events.Update(r.Context(), id, p); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.Events.Delete(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	appLog.Info("api: event deleted", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBatchUpdate(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeValidationError(w, err)
		return
	}
	updates := make([]store.Update, 0, len(req.Updates))
	for _, it := range req.Updates {
		p, err := it.Patch.patch()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		updates = append(updates, store.Update{ID: it.ID, Patch: p})
	}
	if err := s.Events.BatchUpdate(r.Context(), updates); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// completionRef identifies an event for the completion tracker: by id, or
// by course code, date and title for events that have none.
type completionRef struct {
	ID         string `json:"id"`
	CourseCode string `json:"courseCode"`
	Date       string `json:"date" validate:"required_without=ID,omitempty,civildate"`
	Title      string `json:"title"`
	Completed  *bool  `json:"completed,omitempty"`
}

func (ref completionRef) event() model.UserEvent {
	ev := model.UserEvent{ID: ref.ID, CourseCode: ref.CourseCode, Title: ref.Title}
	if ref.ID == "" {
		ev.Date, _ = civilDate(ref.Date)
	}
	return ev
}

type completionResponse struct {
	Key       string `json:"key"`
	Completed bool   `json:"completed"`
}

// handleGetCompletion reads the local completion flag.
//
// GET /api/completion?id=... or ?courseCode=...&date=...&title=...
func (s *Server) handleGetCompletion(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ref := completionRef{
		ID:         q.Get("id"),
		CourseCode: q.Get("courseCode"),
		Date:       q.Get("date"),
		Title:      q.Get("title"),
	}
	if err := s.validate.Struct(ref); err != nil {
		writeValidationError(w, err)
		return
	}
	ev := ref.event()
	writeJSON(w, http.StatusOK, completionResponse{
		Key:       completion.KeyFor(ev),
		Completed: s.Completion.Get(ev),
	})
}

// handleSetCompletion sets the flag, or toggles it when "completed" is
// absent.
func (s *Server) handleSetCompletion(w http.ResponseWriter, r *http.Request) {
	var ref completionRef
	if err := decodeJSON(w, r, &ref); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.validate.Struct(ref); err != nil {
		writeValidationError(w, err)
		return
	}
	ev := ref.event()

	var (
		done bool
		err  error
	)
	if ref.Completed == nil {
		done, err = s.Completion.Toggle(ev)
	} else {
		done = *ref.Completed
		err = s.Completion.Set(ev, done)
	}
	if err != nil {
		appLog.Error("api completion: write failed", err, "key", completion.KeyFor(ev))
		writeError(w, http.StatusInternalServerError, "failed to save completion")
		return
	}
	writeJSON(w, http.StatusOK, completionResponse{Key: completion.KeyFor(ev), Completed: done})
}

type navResponse struct {
	Moved bool         `json:"moved"`
	State agenda.State `json:"state"`
}

func (s *Server) handleNav(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Cursor.State())
}

func (s *Server) handleSwipe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OffsetX float64 `json:"offsetX"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	moved := s.Cursor.Swipe(req.OffsetX)
	writeJSON(w, http.StatusOK, navResponse{Moved: moved, State: s.Cursor.State()})
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Distance float64 `json:"distance"`
		AtRest   bool    `json:"atRest"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	moved := s.Cursor.Pull(req.Distance, req.AtRest)
	writeJSON(w, http.StatusOK, navResponse{Moved: moved, State: s.Cursor.State()})
}

func (s *Server) handleBack(w http.ResponseWriter, _ *http.Request) {
	moved := s.Cursor.Back()
	writeJSON(w, http.StatusOK, navResponse{Moved: moved, State: s.Cursor.State()})
}

func (s *Server) handleToday(w http.ResponseWriter, _ *http.Request) {
	s.Cursor.JumpToToday()
	writeJSON(w, http.StatusOK, navResponse{Moved: true, State: s.Cursor.State()})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	all, err := s.Settings.All()
	if err != nil {
		appLog.Error("api settings: read failed", err)
		writeError(w, http.StatusInternalServerError, "failed to read settings")
		return
	}
	writeJSON(w, http.StatusOK, all)
}

// handlePutSettings applies {"classes": false, ...}. Unknown categories
// reject the whole request.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var req map[string]bool
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	for k := range req {
		if !settings.Category(k).Valid() {
			writeJSON(w, http.StatusBadRequest, &ValidationError{
				Err:    "validation failed",
				Fields: map[string]string{k: "unknown notification category"},
			})
			return
		}
	}
	for k, on := range req {
		if err := s.Settings.SetEnabled(settings.Category(k), on); err != nil {
			appLog.Error("api settings: write failed", err, "category", k)
			writeError(w, http.StatusInternalServerError, "failed to save settings")
			return
		}
	}
	s.handleGetSettings(w, r)
}

type notificationsResponse struct {
	Permission    notify.Permission     `json:"permission"`
	Notifications []notify.Notification `json:"notifications"`
}

// handleNotifications returns delivered notifications, optionally only
// those after ?since=RFC3339.
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if q := r.URL.Query().Get("since"); q != "" {
		t, err := time.Parse(time.RFC3339, q)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		since = t
	}
	list := []notify.Notification{}
	if s.Feed != nil {
		list = append(list, s.Feed.Since(since)...)
	}
	writeJSON(w, http.StatusOK, notificationsResponse{
		Permission:    s.Gate.Permission(),
		Notifications: list,
	})
}

// handlePermission records the user's notification decision. An empty body
// (or no "granted") is a plain request, which a prior denial overrides.
func (s *Server) handlePermission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Granted *bool `json:"granted"`
	}
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var (
		p   notify.Permission
		err error
	)
	if req.Granted == nil {
		p, err = s.Gate.Request()
	} else if err = s.Gate.Set(*req.Granted); err == nil {
		p = s.Gate.Permission()
	}
	if err != nil {
		appLog.Error("api permission: write failed", err)
		writeError(w, http.StatusInternalServerError, "failed to save permission")
		return
	}
	appLog.Info("notification permission updated", "permission", p)
	if p == notify.Granted && s.OnPermissionGranted != nil {
		s.OnPermissionGranted()
	}
	writeJSON(w, http.StatusOK, map[string]notify.Permission{"permission": p})
}

type remindersResponse struct {
	Pending []string            `json:"pending"`
	Armed   []reminder.Reminder `json:"armed"`
}

func (s *Server) handleReminders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, remindersResponse{
		Pending: s.Reminders.Pending(),
		Armed:   s.Reminders.Armed(),
	})
}

func (s *Server) handleClearReminders(w http.ResponseWriter, _ *http.Request) {
	s.Reminders.ClearScheduled()
	w.WriteHeader(http.StatusNoContent)
}

// handleCalendar exports the timetable and events as iCalendar.
func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	events, err := s.events(r.Context())
	if err != nil {
		appLog.Error("api calendar: event snapshot failed", err)
		events = nil
	}
	body := ics.Export(s.Provider, events, s.Now())
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="agenda.ics"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

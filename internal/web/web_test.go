package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"agenda/internal/agenda"
	"agenda/internal/completion"
	"agenda/internal/config"
	"agenda/internal/kv"
	"agenda/internal/model"
	"agenda/internal/notify"
	"agenda/internal/reminder"
	"agenda/internal/schedule"
	"agenda/internal/settings"
	"agenda/internal/store"
)

// Thursday before the first class.
func fixedNow() time.Time {
	return time.Date(2025, 11, 20, 7, 0, 0, 0, time.UTC)
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	tt, err := schedule.DefaultTimetable()
	if err != nil {
		t.Fatal(err)
	}
	p, err := schedule.NewProvider(tt, time.Time{}, time.UTC)
	if err != nil {
		t.Fatal(err)
	}

	kvs := kv.NewMemory()
	events := store.NewMemory(fixedNow)
	t.Cleanup(func() { _ = events.Close() })
	st := settings.New(kvs)
	gate := notify.NewGate(kvs)
	feed := notify.NewFeed(10)

	return NewServer(Deps{
		Config:     cfg,
		Provider:   p,
		Events:     events,
		Completion: completion.New(kvs),
		Settings:   st,
		Cursor:     agenda.NewCursor(fixedNow, 0, 0),
		Gate:       gate,
		Feed:       feed,
		Reminders: reminder.New(reminder.Config{Location: time.UTC, Now: fixedNow},
			st, gate, notify.Gated{Gate: gate, Next: feed}),
		Now: fixedNow,
	})
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

type dayJSON struct {
	Date    string `json:"date"`
	IsToday bool   `json:"isToday"`
	Empty   bool   `json:"empty"`
	Items   []struct {
		Kind    string `json:"kind"`
		IsEvent bool   `json:"isEvent"`
		Time    string `json:"time"`
	} `json:"items"`
}

func TestHealth(t *testing.T) {
	rec := do(t, newTestServer(t, nil).Handler(), http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("health = %d %q", rec.Code, rec.Body.String())
	}
}

func TestBasicAuth(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "me", Password: "secret"}
	h := newTestServer(t, cfg).Handler()

	if rec := do(t, h, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Errorf("/health behind auth: %d", rec.Code)
	}
	rec := do(t, h, http.MethodGet, "/api/nav", "")
	if rec.Code != http.StatusUnauthorized || rec.Header().Get("WWW-Authenticate") == "" {
		t.Errorf("unauthenticated = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/nav", nil)
	req.SetBasicAuth("me", "secret")
	ok := httptest.NewRecorder()
	h.ServeHTTP(ok, req)
	if ok.Code != http.StatusOK {
		t.Errorf("authenticated = %d", ok.Code)
	}
}

func TestCreateEventShowsInDay(t *testing.T) {
	h := newTestServer(t, nil).Handler()

	rec := do(t, h, http.MethodPost, "/api/events",
		`{"type":"exam","courseCode":"CS230","title":"Midsem","date":"2025-11-20","time":"10:00"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", rec.Code, rec.Body.String())
	}
	if id := decode[map[string]string](t, rec)["id"]; id == "" {
		t.Fatal("no id returned")
	}

	day := decode[dayJSON](t, do(t, h, http.MethodGet, "/api/day", ""))
	if day.Date != "2025-11-20" || !day.IsToday || day.Empty {
		t.Fatalf("day = %+v", day)
	}
	var times []string
	for _, it := range day.Items {
		times = append(times, it.Time)
	}
	if got := strings.Join(times, ","); got != "08:30,09:30,10:00,11:30,15:30" {
		t.Errorf("times = %s", got)
	}
	if !day.Items[2].IsEvent || day.Items[2].Kind != "event" {
		t.Errorf("10:00 item = %+v", day.Items[2])
	}
}

func TestDayQuery(t *testing.T) {
	h := newTestServer(t, nil).Handler()

	day := decode[dayJSON](t, do(t, h, http.MethodGet, "/api/day?date=2025-11-23", ""))
	if !day.Empty || day.IsToday || len(day.Items) != 0 {
		t.Errorf("sunday after the timetable ended = %+v", day)
	}
	if rec := do(t, h, http.MethodGet, "/api/day?date=tomorrow", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad date = %d", rec.Code)
	}
}

func TestCreateEventValidation(t *testing.T) {
	h := newTestServer(t, nil).Handler()

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"bad time", `{"type":"exam","date":"2025-11-20","time":"25:00"}`, "time"},
		{"bad type", `{"type":"quiz","date":"2025-11-20","time":"10:00"}`, "type"},
		{"missing date", `{"type":"deadline","time":"10:00"}`, "date"},
		{"bad date", `{"type":"deadline","date":"20/11/2025","time":"10:00"}`, "date"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/events", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d", rec.Code)
			}
			verr := decode[ValidationError](t, rec)
			if verr.Fields[tc.field] == "" {
				t.Errorf("fields = %v, want %q", verr.Fields, tc.field)
			}
		})
	}

	if rec := do(t, h, http.MethodPost, "/api/events", `{"nope":1}`); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown field = %d", rec.Code)
	}
}

func TestUpdateAndDelete(t *testing.T) {
	s := newTestServer(t, nil)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/events",
		`{"type":"deadline","courseCode":"EC101","title":"Essay","date":"2025-11-22","time":"23:59"}`)
	id := decode[map[string]string](t, rec)["id"]

	if rec := do(t, h, http.MethodPatch, "/api/events/"+id, `{"title":"Essay v2","time":"18:00"}`); rec.Code != http.StatusNoContent {
		t.Fatalf("patch = %d %s", rec.Code, rec.Body.String())
	}
	events := decode[[]model.UserEvent](t, do(t, h, http.MethodGet, "/api/events", ""))
	if len(events) != 1 || events[0].Title != "Essay v2" || events[0].Time != "18:00" || events[0].CourseCode != "EC101" {
		t.Errorf("after patch = %+v", events)
	}

	if rec := do(t, h, http.MethodPatch, "/api/events/missing", `{"title":"x"}`); rec.Code != http.StatusNotFound {
		t.Errorf("patch missing = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/api/events/"+id, ""); rec.Code != http.StatusNoContent {
		t.Errorf("delete = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/api/events/"+id, ""); rec.Code != http.StatusNotFound {
		t.Errorf("second delete = %d", rec.Code)
	}
}

func TestBatchUpdate(t *testing.T) {
	h := newTestServer(t, nil).Handler()
	id := decode[map[string]string](t, do(t, h, http.MethodPost, "/api/events",
		`{"type":"exam","courseCode":"CS215","title":"Final","date":"2025-11-28","time":"09:00"}`))["id"]

	if rec := do(t, h, http.MethodPost, "/api/events/batch", `{"updates":[]}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty batch = %d", rec.Code)
	}
	rec := do(t, h, http.MethodPost, "/api/events/batch", `{"updates":[{"id":"`+id+`","patch":{"time":"9am"}}]}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid nested time = %d", rec.Code)
	}
	if verr := decode[ValidationError](t, rec); verr.Fields["updates[0].patch.time"] == "" {
		t.Errorf("nested field path = %v", verr.Fields)
	}

	body := `{"updates":[{"id":"` + id + `","patch":{"completed":true}},{"id":"missing","patch":{"completed":true}}]}`
	if rec := do(t, h, http.MethodPost, "/api/events/batch", body); rec.Code != http.StatusNotFound {
		t.Errorf("batch with missing id = %d", rec.Code)
	}
	events := decode[[]model.UserEvent](t, do(t, h, http.MethodGet, "/api/events", ""))
	if events[0].Completed {
		t.Error("failed batch was partially applied")
	}
}

func TestUpcoming(t *testing.T) {
	h := newTestServer(t, nil).Handler()
	for _, body := range []string{
		`{"type":"deadline","title":"late","date":"2025-11-25","time":"10:00"}`,
		`{"type":"deadline","title":"soon","date":"2025-11-21","time":"10:00"}`,
		`{"type":"exam","title":"done","date":"2025-11-24","time":"10:00","completed":true}`,
		`{"type":"exam","title":"past","date":"2025-11-01","time":"10:00"}`,
	} {
		if rec := do(t, h, http.MethodPost, "/api/events", body); rec.Code != http.StatusCreated {
			t.Fatalf("create = %d", rec.Code)
		}
	}
	up := decode[struct {
		Deadlines []model.UserEvent `json:"deadlines"`
		Exams     []model.UserEvent `json:"exams"`
	}](t, do(t, h, http.MethodGet, "/api/upcoming", ""))
	if len(up.Deadlines) != 2 || up.Deadlines[0].Title != "soon" || len(up.Exams) != 0 {
		t.Errorf("upcoming = %+v", up)
	}
}

func TestEventsServedFromSnapshot(t *testing.T) {
	s := newTestServer(t, nil)
	s.SetEvents([]model.UserEvent{{ID: "cached", Type: model.Deadline, Date: time.Date(2025, 11, 20, 0, 0, 0, 0, time.UTC), Time: "12:00"}})

	events := decode[[]model.UserEvent](t, do(t, s.Handler(), http.MethodGet, "/api/events", ""))
	if len(events) != 1 || events[0].ID != "cached" {
		t.Errorf("events = %+v", events)
	}
}

func TestWeek(t *testing.T) {
	h := newTestServer(t, nil).Handler()

	week := decode[weekResponse](t, do(t, h, http.MethodGet, "/api/week?start=2025-11-17", ""))
	if len(week.Occurrences) == 0 || week.End != "2025-11-24" || week.TimetableTo != "2025-11-22" {
		t.Fatalf("week = %+v", week)
	}
	for _, o := range week.Occurrences {
		if o.Start.Before(time.Date(2025, 11, 17, 0, 0, 0, 0, time.UTC)) || !o.Start.Before(time.Date(2025, 11, 22, 0, 0, 0, 0, time.UTC)) {
			t.Errorf("occurrence out of range: %v", o.Start)
		}
	}

	late := decode[weekResponse](t, do(t, h, http.MethodGet, "/api/week?start=2025-12-01", ""))
	if len(late.Occurrences) != 0 {
		t.Errorf("classes after the end date: %d", len(late.Occurrences))
	}
}

func TestNavigation(t *testing.T) {
	h := newTestServer(t, nil).Handler()

	type navJSON struct {
		Moved bool `json:"moved"`
		State struct {
			Date    time.Time `json:"date"`
			IsToday bool      `json:"isToday"`
		} `json:"state"`
	}

	small := decode[navJSON](t, do(t, h, http.MethodPost, "/api/nav/swipe", `{"offsetX":40}`))
	if small.Moved || !small.State.IsToday {
		t.Errorf("small swipe = %+v", small)
	}
	back := decode[navJSON](t, do(t, h, http.MethodPost, "/api/nav/swipe", `{"offsetX":120}`))
	if !back.Moved || back.State.Date.Day() != 19 || back.State.IsToday {
		t.Errorf("right swipe = %+v", back)
	}
	day := decode[dayJSON](t, do(t, h, http.MethodGet, "/api/day", ""))
	if day.Date != "2025-11-19" {
		t.Errorf("day follows cursor: %s", day.Date)
	}

	pull := decode[navJSON](t, do(t, h, http.MethodPost, "/api/nav/pull", `{"distance":90,"atRest":false}`))
	if pull.Moved {
		t.Error("pull while scrolled moved the cursor")
	}
	pull = decode[navJSON](t, do(t, h, http.MethodPost, "/api/nav/pull", `{"distance":90,"atRest":true}`))
	if !pull.Moved || !pull.State.IsToday {
		t.Errorf("pull = %+v", pull)
	}
	if b := decode[navJSON](t, do(t, h, http.MethodPost, "/api/nav/back", "")); b.Moved {
		t.Error("back on today should fall through")
	}
}

func TestCompletion(t *testing.T) {
	h := newTestServer(t, nil).Handler()

	type compJSON struct {
		Key       string `json:"key"`
		Completed bool   `json:"completed"`
	}

	got := decode[compJSON](t, do(t, h, http.MethodPut, "/api/completion", `{"id":"e1"}`))
	if !got.Completed || got.Key != "e1" {
		t.Errorf("toggle = %+v", got)
	}
	got = decode[compJSON](t, do(t, h, http.MethodGet, "/api/completion?id=e1", ""))
	if !got.Completed {
		t.Error("completion not persisted")
	}

	got = decode[compJSON](t, do(t, h, http.MethodPut, "/api/completion",
		`{"courseCode":"CS230","date":"2025-11-20","title":"Quiz","completed":true}`))
	if got.Key != "CS230-2025-11-20-Quiz" || !got.Completed {
		t.Errorf("fallback key = %+v", got)
	}

	if rec := do(t, h, http.MethodGet, "/api/completion?courseCode=CS230", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("missing id and date = %d", rec.Code)
	}
}

func TestSettings(t *testing.T) {
	h := newTestServer(t, nil).Handler()

	all := decode[map[string]bool](t, do(t, h, http.MethodGet, "/api/settings", ""))
	if !all["classes"] || !all["deadlines"] || !all["exams"] {
		t.Errorf("defaults = %v", all)
	}
	if rec := do(t, h, http.MethodPut, "/api/settings", `{"bogus":true}`); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown category = %d", rec.Code)
	}
	all = decode[map[string]bool](t, do(t, h, http.MethodPut, "/api/settings", `{"classes":false}`))
	if all["classes"] || !all["exams"] {
		t.Errorf("after put = %v", all)
	}
}

func TestPermissionAndNotifications(t *testing.T) {
	s := newTestServer(t, nil)
	h := s.Handler()

	perm := decode[map[string]string](t, do(t, h, http.MethodPost, "/api/notifications/permission", ""))
	if perm["permission"] != string(notify.Granted) {
		t.Errorf("request = %v", perm)
	}

	if ok, err := s.Reminders.ScheduleClassReminder("CS215", "Data Structures", "08:30", "LA002"); err != nil || !ok {
		t.Fatalf("schedule = %v, %v", ok, err)
	}
	rem := decode[remindersResponse](t, do(t, h, http.MethodGet, "/api/reminders", ""))
	if len(rem.Pending) != 1 || len(rem.Armed) != 1 {
		t.Fatalf("reminders = %+v", rem)
	}
	s.Reminders.FireDue(fixedNow().Add(time.Hour))

	list := decode[notificationsResponse](t, do(t, h, http.MethodGet, "/api/notifications", ""))
	if len(list.Notifications) != 1 || list.Notifications[0].Title != "Class Starting Soon! 🎓" {
		t.Errorf("notifications = %+v", list)
	}

	perm = decode[map[string]string](t, do(t, h, http.MethodPost, "/api/notifications/permission", `{"granted":false}`))
	if perm["permission"] != string(notify.Denied) {
		t.Errorf("deny = %v", perm)
	}
	if rec := do(t, h, http.MethodPost, "/api/reminders/clear", ""); rec.Code != http.StatusNoContent {
		t.Errorf("clear = %d", rec.Code)
	}
}

func TestGrantingPermissionArmsReminders(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		pending int
	}{
		{"plain request", "", 4},
		{"explicit grant", `{"granted":true}`, 4},
		{"explicit deny", `{"granted":false}`, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer(t, nil)
			calls := 0
			s.OnPermissionGranted = func() {
				calls++
				s.Reminders.ScheduleAll(s.Provider.Sessions(fixedNow()), nil)
			}
			h := s.Handler()

			// Before any decision the gate is default, so nothing arms.
			s.Reminders.ScheduleAll(s.Provider.Sessions(fixedNow()), nil)
			if rem := decode[remindersResponse](t, do(t, h, http.MethodGet, "/api/reminders", "")); len(rem.Pending) != 0 {
				t.Fatalf("pending before grant = %v", rem.Pending)
			}

			if rec := do(t, h, http.MethodPost, "/api/notifications/permission", tc.body); rec.Code != http.StatusOK {
				t.Fatalf("permission = %d", rec.Code)
			}
			rem := decode[remindersResponse](t, do(t, h, http.MethodGet, "/api/reminders", ""))
			if len(rem.Pending) != tc.pending || len(rem.Armed) != tc.pending {
				t.Fatalf("reminders = %+v, want %d", rem, tc.pending)
			}
			if tc.pending == 0 {
				if calls != 0 {
					t.Errorf("hook ran %d times after deny", calls)
				}
				return
			}
			found := false
			for _, k := range rem.Pending {
				found = found || k == "class-CS215-08:30-2025-11-20"
			}
			if !found {
				t.Errorf("pending = %v", rem.Pending)
			}

			// A second grant re-runs the pass without duplicating timers.
			do(t, h, http.MethodPost, "/api/notifications/permission", tc.body)
			if rem := decode[remindersResponse](t, do(t, h, http.MethodGet, "/api/reminders", "")); len(rem.Armed) != tc.pending || calls != 2 {
				t.Errorf("after second grant armed = %d, calls = %d", len(rem.Armed), calls)
			}
		})
	}
}

func TestCalendarExport(t *testing.T) {
	rec := do(t, newTestServer(t, nil).Handler(), http.MethodGet, "/calendar.ics", "")
	if rec.Code != http.StatusOK || !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/calendar") {
		t.Fatalf("calendar = %d %s", rec.Code, rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(rec.Body.String(), "BEGIN:VCALENDAR") {
		t.Error("not a calendar")
	}
}

func TestWriteStoreError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&store.Error{Op: "update", ID: "x", Kind: store.ErrNotFound}, http.StatusNotFound},
		{&store.Error{Op: "create", Kind: store.ErrWriteFailure, Err: errors.New("disk full")}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		rec := httptest.NewRecorder()
		writeStoreError(rec, tc.err)
		if rec.Code != tc.want {
			t.Errorf("%v -> %d, want %d", tc.err, rec.Code, tc.want)
		}
	}
}

package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/mimir/internal/agent"
	"github.com/nugget/mimir/internal/calendar"
	"github.com/nugget/mimir/internal/events"
	"github.com/nugget/mimir/internal/health"
	"github.com/nugget/mimir/internal/journal"
	"github.com/nugget/mimir/internal/news"
	"github.com/nugget/mimir/internal/planner"
	"github.com/nugget/mimir/internal/profile"
	"github.com/nugget/mimir/internal/taskqueue"
)

// fakeChat replays the same events for every turn and records requests.
type fakeChat struct {
	mu     sync.Mutex
	reqs   []agent.Request
	events []agent.Event
}

func (f *fakeChat) Run(_ context.Context, req *agent.Request, emit func(agent.Event)) {
	f.mu.Lock()
	f.reqs = append(f.reqs, *req)
	f.mu.Unlock()
	for _, e := range f.events {
		emit(e)
	}
}

func (f *fakeChat) requests() []agent.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]agent.Request(nil), f.reqs...)
}

type fakeProfiles struct {
	profiles map[string]*profile.Profile
}

func (f *fakeProfiles) Get(_ context.Context, userID string) (*profile.Profile, error) {
	if p, ok := f.profiles[userID]; ok {
		return p, nil
	}
	return nil, profile.ErrNotFound
}

func (f *fakeProfiles) Onboard(_ context.Context, userID, name, email string) (*profile.Profile, error) {
	p := &profile.Profile{UserID: userID, DisplayName: name, Email: email}
	f.profiles[userID] = p
	return p, nil
}

type fakeHistory struct{ cleared []string }

func (f *fakeHistory) Clear(user string) { f.cleared = append(f.cleared, user) }

type fakePlanner struct{}

func (fakePlanner) Plan(_ context.Context, _ string, _ time.Time) (*planner.Briefing, error) {
	return &planner.Briefing{DisplayName: "Sam", News: "Rain expected in Austin"}, nil
}

type fakeCalendar struct {
	events map[string]calendar.Event
	opts   calendar.SearchOptions
}

func (f *fakeCalendar) Search(_ context.Context, userID string, opts calendar.SearchOptions) ([]calendar.Event, error) {
	f.opts = opts
	var out []calendar.Event
	for _, e := range f.events {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeCalendar) Create(_ context.Context, e calendar.Event) (*calendar.Event, error) {
	e.ID = "ev1"
	f.events[e.ID] = e
	return &e, nil
}

func (f *fakeCalendar) Update(_ context.Context, userID, id string, p calendar.Patch) (*calendar.Event, error) {
	e, ok := f.events[id]
	if !ok || e.UserID != userID {
		return nil, calendar.ErrNotFound
	}
	if p.Subject != "" {
		e.Subject = p.Subject
	}
	f.events[id] = e
	return &e, nil
}

func (f *fakeCalendar) Delete(_ context.Context, userID, id string) error {
	e, ok := f.events[id]
	if !ok || e.UserID != userID {
		return calendar.ErrNotFound
	}
	delete(f.events, id)
	return nil
}

type fakeNews struct{ refreshed bool }

func (f *fakeNews) Top(_ context.Context, refresh bool) ([]news.Item, error) {
	f.refreshed = refresh
	return []news.Item{{Title: "Markets rally", Link: "https://example.com/a", Source: "Wire"}}, nil
}

type logged struct{ user, kind, content string }

type fakeJournal struct {
	logs    []logged
	entries map[string]*journal.Entry
}

func (f *fakeJournal) Log(_ context.Context, userID, kind string, content any) error {
	f.logs = append(f.logs, logged{userID, kind, content.(string)})
	return nil
}

func (f *fakeJournal) Entry(_ context.Context, userID, date string) (*journal.Entry, error) {
	if e, ok := f.entries[userID+"/"+date]; ok {
		return e, nil
	}
	return nil, journal.ErrNoEntry
}

type remembered struct {
	text, user string
	meta       map[string]string
}

type fakeMemory struct{ docs []remembered }

func (f *fakeMemory) Remember(_ context.Context, text, userID string, meta map[string]string) error {
	f.docs = append(f.docs, remembered{text, userID, meta})
	return nil
}

type fakeTasks struct{}

func (fakeTasks) Status() []taskqueue.Task {
	return []taskqueue.Task{{ID: "t1", Name: "journal alice 2025-03-02", State: "done"}}
}

type fixture struct {
	srv      *Server
	chat     *fakeChat
	profiles *fakeProfiles
	history  *fakeHistory
	cal      *fakeCalendar
	news     *fakeNews
	journal  *fakeJournal
	memory   *fakeMemory
	bus      *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		chat: &fakeChat{events: []agent.Event{
			agent.StatusEvent(agent.StartStatus),
			agent.ChunkEvent("Hello "),
			agent.ChunkEvent("Sam."),
			{Type: agent.EventResponse, Text: "Hello Sam."},
		}},
		profiles: &fakeProfiles{profiles: map[string]*profile.Profile{
			"alice": {UserID: "alice", DisplayName: "Sam"},
		}},
		history: &fakeHistory{},
		cal:     &fakeCalendar{events: map[string]calendar.Event{}},
		news:    &fakeNews{},
		journal: &fakeJournal{entries: map[string]*journal.Entry{
			"alice/2025-03-02": {Date: "2025-03-02", UserID: "alice", Summary: "A quiet Sunday."},
		}},
		memory: &fakeMemory{},
		bus:    events.New(),
	}
	f.srv = NewServer(Options{DefaultUser: "alice", DefaultIntensity: 50, UploadDir: t.TempDir()}, Deps{
		Chat:     f.chat,
		History:  f.history,
		Profiles: f.profiles,
		Planner:  fakePlanner{},
		Calendar: f.cal,
		News:     f.news,
		Journal:  f.journal,
		Memory:   f.memory,
		Tasks:    fakeTasks{},
		Events:   f.bus,
	}, nil)
	return f
}

func (f *fixture) do(t *testing.T, method, target, user string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeNDJSON(t *testing.T, body string) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("bad NDJSON line %q: %v", sc.Text(), err)
		}
		out = append(out, m)
	}
	return out
}

func TestRoot(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "MIMIR is awake" || body["name"] != "MIMIR" {
		t.Errorf("body = %v", body)
	}
}

type fakeHealth []health.Status

func (f fakeHealth) Status() []health.Status { return f }

func (f fakeHealth) Healthy() bool {
	for _, s := range f {
		if !s.Ready {
			return false
		}
	}
	return true
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name     string
		services fakeHealth
		want     string
	}{
		{"all ready", fakeHealth{{Name: "llm", Ready: true}}, "healthy"},
		{"one down", fakeHealth{{Name: "caldav", LastError: "401"}, {Name: "llm", Ready: true}}, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewServer(Options{}, Deps{Health: tt.services}, nil)
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			var body struct {
				Status   string          `json:"status"`
				Services []health.Status `json:"services"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatal(err)
			}
			if body.Status != tt.want || len(body.Services) != len(tt.services) {
				t.Errorf("body = %+v", body)
			}
		})
	}
}

func TestChat_StreamsNDJSON(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/chat", "alice", `{"message":"hi","personality_intensity":140,"mute":true}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("Content-Type = %q", ct)
	}
	lines := decodeNDJSON(t, rec.Body.String())
	var types []string
	for _, l := range lines {
		types = append(types, l["type"].(string))
	}
	if got := strings.Join(types, ","); got != "status,response_chunk,response_chunk,response" {
		t.Errorf("event types = %s", got)
	}
	if lines[len(lines)-1]["text"] != "Hello Sam." {
		t.Errorf("final = %v", lines[len(lines)-1])
	}

	reqs := f.chat.requests()
	if len(reqs) != 1 {
		t.Fatalf("turns = %d", len(reqs))
	}
	if r := reqs[0]; r.UserID != "alice" || r.Message != "hi" || r.DisplayName != "Sam" || r.PersonalityIntensity != 100 {
		t.Errorf("request = %+v", r)
	}
}

func TestChat_DefaultIntensity(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/chat", "", `{"message":"hi","mute":true}`)
	if r := f.chat.requests()[0]; r.PersonalityIntensity != 50 || r.UserID != "alice" {
		t.Errorf("request = %+v", r)
	}
}

func TestChat_Rejections(t *testing.T) {
	tests := []struct {
		name string
		user string
		body string
		want int
	}{
		{"not onboarded", "bob", `{"message":"hi"}`, http.StatusForbidden},
		{"empty message", "alice", `{"message":"   "}`, http.StatusBadRequest},
		{"malformed body", "alice", `{"message":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rec := f.do(t, http.MethodPost, "/chat", tt.user, tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if n := len(f.chat.requests()); n != 0 {
				t.Errorf("turns run = %d", n)
			}
		})
	}
}

func TestChat_NotConfigured(t *testing.T) {
	srv := NewServer(Options{}, Deps{}, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"message":"hi"}`)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestChatReset(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/chat/reset", "alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(f.history.cleared) != 1 || f.history.cleared[0] != "alice" {
		t.Errorf("cleared = %v", f.history.cleared)
	}
}

func TestPlan_SendsBriefingAsContext(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/plan", "alice", `{"mute":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	r := f.chat.requests()[0]
	if r.Message != planner.Message {
		t.Errorf("message = %q", r.Message)
	}
	if !strings.Contains(r.Context, "Rain expected in Austin") {
		t.Errorf("context missing briefing: %q", r.Context)
	}
}

func TestUser(t *testing.T) {
	f := newFixture(t)

	if rec := f.do(t, http.MethodGet, "/user/me", "bob", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown user status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/user/onboard", "bob", `{"email":"b@example.com"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("onboard without name status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/user/onboard", "bob", `{"display_name":" Bob "}`); rec.Code != http.StatusOK {
		t.Fatalf("onboard status = %d", rec.Code)
	}

	rec := f.do(t, http.MethodGet, "/user/me", "bob", "")
	var p profile.Profile
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatal(err)
	}
	if p.DisplayName != "Bob" {
		t.Errorf("display name = %q", p.DisplayName)
	}
}

func TestCalendarCRUD(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/calendar/events", "alice", `{"subject":"Dentist","date":"2025-03-04","start_time":"09:00"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}
	if e := f.cal.events["ev1"]; e.UserID != "alice" || e.StartTime != "09:00" {
		t.Errorf("stored = %+v", e)
	}

	rec = f.do(t, http.MethodGet, "/calendar/events?start_date=2025-03-01&end_date=2025-03-31", "alice", "")
	var list struct {
		Events []calendar.Event `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Events) != 1 || f.cal.opts.Start != "2025-03-01" || f.cal.opts.End != "2025-03-31" {
		t.Errorf("list = %+v, opts = %+v", list, f.cal.opts)
	}

	if rec := f.do(t, http.MethodPut, "/calendar/events/ev1", "bob", `{"subject":"x"}`); rec.Code != http.StatusNotFound {
		t.Errorf("update as other user status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPut, "/calendar/events/ev1", "alice", `{"subject":"Orthodontist"}`); rec.Code != http.StatusOK {
		t.Errorf("update status = %d", rec.Code)
	}
	if f.cal.events["ev1"].Subject != "Orthodontist" {
		t.Errorf("subject = %q", f.cal.events["ev1"].Subject)
	}

	rec = f.do(t, http.MethodDelete, "/calendar/events/ev1", "alice", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"success":true`) {
		t.Errorf("delete = %d %s", rec.Code, rec.Body)
	}
	rec = f.do(t, http.MethodDelete, "/calendar/events/ev1", "alice", "")
	if rec.Code != http.StatusNotFound || !strings.Contains(rec.Body.String(), `"success":false`) {
		t.Errorf("second delete = %d %s", rec.Code, rec.Body)
	}
}

func TestNews(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/news/top?refresh=true", "alice", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Markets rally") {
		t.Errorf("top = %d %s", rec.Code, rec.Body)
	}
	if !f.news.refreshed {
		t.Error("refresh not passed through")
	}

	form := url.Values{"title": {"Markets rally"}, "url": {"https://example.com/a"}}
	req := httptest.NewRequest(http.MethodPost, "/news/log", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(UserHeader, "alice")
	rec = httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("log status = %d", rec.Code)
	}
	want := logged{"alice", journal.KindAction, "Read news: Markets rally (https://example.com/a)"}
	if len(f.journal.logs) != 1 || f.journal.logs[0] != want {
		t.Errorf("logs = %+v", f.journal.logs)
	}
}

func TestJournal(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/journal/2025-03-02", "alice", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "A quiet Sunday.") {
		t.Errorf("entry = %d %s", rec.Code, rec.Body)
	}
	rec = f.do(t, http.MethodGet, "/journal/2025-03-03", "alice", "")
	if rec.Code != http.StatusNotFound || !strings.Contains(rec.Body.String(), "Journal entry not found") {
		t.Errorf("missing = %d %s", rec.Code, rec.Body)
	}
	if rec := f.do(t, http.MethodGet, "/journal/yesterday", "alice", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad date status = %d", rec.Code)
	}
}

func multipartBody(t *testing.T, name, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte(content))
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestUpload(t *testing.T) {
	tests := []struct {
		name       string
		file       string
		content    string
		wantStatus string
	}{
		{"text document", "notes.md", "Sam's sister is called Ana.", "success"},
		{"binary rejected", "photo.png", "\x89PNG\r\n\x1a\n", "error"},
		{"empty rejected", "blank.txt", "   ", "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			body, ct := multipartBody(t, tt.file, tt.content)
			req := httptest.NewRequest(http.MethodPost, "/upload", body)
			req.Header.Set("Content-Type", ct)
			req.Header.Set(UserHeader, "alice")
			rec := httptest.NewRecorder()
			f.srv.Handler().ServeHTTP(rec, req)

			var resp uploadResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatal(err)
			}
			if resp.Status != tt.wantStatus {
				t.Errorf("status = %q (%s)", resp.Status, resp.Message)
			}
			if tt.wantStatus != "success" {
				if len(f.memory.docs) != 0 {
					t.Errorf("remembered %d docs", len(f.memory.docs))
				}
				return
			}
			if resp.Message != "Document 'notes.md' has been added to MIMIR's memory" {
				t.Errorf("message = %q", resp.Message)
			}
			d := f.memory.docs[0]
			if d.user != "alice" || d.meta["source"] != "notes.md" || d.meta["type"] != "document" {
				t.Errorf("remembered = %+v", d)
			}
		})
	}
}

func TestUploadTemp(t *testing.T) {
	f := newFixture(t)
	body, ct := multipartBody(t, "Report.TXT", "quarterly numbers")
	req := httptest.NewRequest(http.MethodPost, "/upload_temp", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d %s", rec.Code, rec.Body)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	path := resp["path"]
	if !strings.HasPrefix(path, f.srv.opts.UploadDir) || !strings.HasSuffix(path, ".txt") {
		t.Errorf("path = %q", path)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "quarterly numbers" {
		t.Errorf("stored = %q, %v", data, err)
	}
}

func TestTasks(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/tasks", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "journal alice 2025-03-02") {
		t.Errorf("tasks = %d %s", rec.Code, rec.Body)
	}
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestChatSocket(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	hdr := http.Header{UserHeader: {"alice"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/chat"), hdr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	for turn := range 2 {
		if err := conn.WriteJSON(ChatRequest{Message: "hi", Mute: true}); err != nil {
			t.Fatal(err)
		}
		var types []string
		for {
			var m map[string]any
			if err := conn.ReadJSON(&m); err != nil {
				t.Fatalf("turn %d: %v", turn, err)
			}
			types = append(types, m["type"].(string))
			if m["type"] == "response" || m["type"] == "error" {
				break
			}
		}
		if got := strings.Join(types, ","); got != "status,response_chunk,response_chunk,response" {
			t.Errorf("turn %d types = %s", turn, got)
		}
	}
	if n := len(f.chat.requests()); n != 2 {
		t.Errorf("turns = %d", n)
	}
}

func TestChatSocket_NotOnboarded(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/chat"), http.Header{UserHeader: {"bob"}})
	if err == nil {
		t.Fatal("dial succeeded for a user without a profile")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %+v", resp)
	}
}

func TestEventSocket(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/v1/events?source=tasks"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for f.bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("watcher never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	f.bus.Emit(events.SourceAgent, events.KindRequestStart, map[string]any{"user": "alice"})
	f.bus.Emit(events.SourceTasks, events.KindTaskDone, map[string]any{"name": "journal alice 2025-03-02"})

	var e events.Event
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatal(err)
	}
	if e.Source != events.SourceTasks || e.Kind != events.KindTaskDone {
		t.Errorf("event = %+v", e)
	}
}

package tools

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nugget/mimir/internal/calendar"
	"github.com/nugget/mimir/internal/journal"
	"github.com/nugget/mimir/internal/marker"
	"github.com/nugget/mimir/internal/profile"
	"github.com/nugget/mimir/internal/search"
	"github.com/nugget/mimir/internal/weather"
)

type fakeSearch struct {
	query string
	opts  search.Options
	err   error
}

func (f *fakeSearch) Search(_ context.Context, query string, opts search.Options) ([]search.Result, error) {
	f.query, f.opts = query, opts
	if f.err != nil {
		return nil, f.err
	}
	return []search.Result{{Title: "Mead", URL: "https://example.com/mead", Snippet: "honey wine"}}, nil
}

type fakeDigester struct{}

func (fakeDigester) Digest(_ context.Context, results []search.Result) {
	for i := range results {
		results[i].ContentSummary = "digest of " + results[i].URL
	}
}

type fakeWeather struct{ last weather.Query }

func (f *fakeWeather) Weather(_ context.Context, q weather.Query) (*weather.Report, error) {
	f.last = q
	if q.Location == "Atlantis" {
		return nil, &weather.LocationNotFoundError{Location: q.Location}
	}
	return &weather.Report{Location: "Oslo, NO"}, nil
}

type fakeLocator struct{}

func (fakeLocator) Locate(context.Context, string) (*weather.Place, error) {
	return &weather.Place{City: "Bergen", Country: "Norway"}, nil
}

type fakeMemory struct{ texts []string }

func (f *fakeMemory) Remember(_ context.Context, text, _ string, _ map[string]string) error {
	f.texts = append(f.texts, text)
	return nil
}

type env struct {
	reg      *Registry
	cal      *calendar.Store
	profiles *profile.Store
	journal  *journal.Store
	search   *fakeSearch
	weather  *fakeWeather
	memory   *fakeMemory
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()

	cal, err := calendar.NewStore(filepath.Join(dir, "calendar.db"), nil)
	if err != nil {
		t.Fatalf("calendar store: %v", err)
	}
	t.Cleanup(func() { cal.Close() })

	profiles, err := profile.NewStore(filepath.Join(dir, "profiles.db"))
	if err != nil {
		t.Fatalf("profile store: %v", err)
	}
	t.Cleanup(func() { profiles.Close() })

	j, err := journal.NewStore(filepath.Join(dir, "journal.db"))
	if err != nil {
		t.Fatalf("journal store: %v", err)
	}
	t.Cleanup(func() { j.Close() })

	e := &env{
		reg:      NewRegistry(nil),
		cal:      cal,
		profiles: profiles,
		journal:  j,
		search:   &fakeSearch{},
		weather:  &fakeWeather{},
		memory:   &fakeMemory{},
	}
	e.reg.SetSearch(e.search, fakeDigester{})
	e.reg.SetWeather(e.weather, fakeLocator{})
	e.reg.SetCalendar(cal)
	e.reg.SetJournal(j)
	e.reg.SetProfile(profiles, e.memory)
	return e
}

func (e *env) exec(t *testing.T, name, params string) map[string]any {
	t.Helper()
	out := e.reg.Execute(context.Background(), name, marker.ParseParams(params), "alice")
	m, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("%s returned %T, want map", name, out)
	}
	return m
}

func TestValidate(t *testing.T) {
	e := newEnv(t)
	if err := e.reg.Validate(Declared); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	partial := NewRegistry(nil)
	partial.SetSearch(&fakeSearch{}, nil)
	err := partial.Validate(Declared)
	if err == nil {
		t.Fatal("Validate should fail when handlers are missing")
	}
	if !strings.Contains(err.Error(), `"calendar_create" has no handler`) {
		t.Errorf("error = %v", err)
	}

	e.reg.Register(&Tool{Name: "summon_thor", Handler: func(context.Context, Call) (any, error) { return nil, nil }})
	err = e.reg.Validate(Declared)
	if err == nil || !strings.Contains(err.Error(), `"summon_thor" is registered but not declared`) {
		t.Errorf("Validate with extra tool = %v", err)
	}
}

func TestExecute_UnknownTool(t *testing.T) {
	e := newEnv(t)
	got := e.exec(t, "summon_thor", "")
	if got["error"] != "Unknown tool: summon_thor" {
		t.Errorf("result = %v", got)
	}
}

func TestExecute_CapturesErrorsAndPanics(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&Tool{Name: "fails", Handler: func(context.Context, Call) (any, error) {
		return nil, errors.New("upstream unreachable")
	}})
	r.Register(&Tool{Name: "panics", Handler: func(context.Context, Call) (any, error) {
		panic("the bifrost collapsed")
	}})

	tests := []struct {
		tool string
		want string
	}{
		{"fails", "upstream unreachable"},
		{"panics", "the bifrost collapsed"},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			out := r.Execute(context.Background(), tt.tool, nil, "alice")
			if !IsError(out) {
				t.Fatalf("result = %v, want error payload", out)
			}
			if got := out.(map[string]any)["error"]; got != tt.want {
				t.Errorf("error = %v, want %q", got, tt.want)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	e := newEnv(t)
	if got := e.reg.Status("journal_search"); got != "Searching the annals..." {
		t.Errorf("Status = %q", got)
	}
	if got := e.reg.Status("summon_thor"); got != "Using tool: summon_thor..." {
		t.Errorf("Status = %q", got)
	}
}

func TestDescribe_ListsEveryTool(t *testing.T) {
	e := newEnv(t)
	d := e.reg.Describe()
	for _, name := range Declared {
		if !strings.Contains(d, "[TOOL:"+name) {
			t.Errorf("Describe is missing the %s marker", name)
		}
	}
}

func TestWebSearch(t *testing.T) {
	e := newEnv(t)
	got := e.exec(t, "web_search", "query=mead recipes|num=3")
	if got["query"] != "mead recipes" {
		t.Errorf("query = %v", got["query"])
	}
	if e.search.opts.Count != 3 {
		t.Errorf("Count = %d, want 3", e.search.opts.Count)
	}
	results := got["results"].([]search.Result)
	if len(results) != 1 || results[0].ContentSummary != "digest of https://example.com/mead" {
		t.Errorf("results = %+v", results)
	}

	if got := e.exec(t, "web_search", ""); got["error"] != "missing required parameter: query" {
		t.Errorf("missing query result = %v", got)
	}
	if got := e.exec(t, "web_search", "query=x|num=lots"); !IsError(got) {
		t.Errorf("bad num result = %v", got)
	}
}

func TestGetWeather(t *testing.T) {
	e := newEnv(t)

	if got := e.exec(t, "get_weather", "location=Atlantis"); got["error"] != "Location 'Atlantis' not found" {
		t.Errorf("not found result = %v", got)
	}
	if got := e.exec(t, "get_weather", "lat=59.9"); !IsError(got) {
		t.Errorf("lat without lon should fail, got %v", got)
	}

	out := e.reg.Execute(context.Background(), "get_weather", marker.ParseParams("lat=59.9|lon=10.7"), "alice")
	if _, ok := out.(*weather.Report); !ok {
		t.Fatalf("result = %T, want *weather.Report", out)
	}
	if e.weather.last.Lat == nil || *e.weather.last.Lat != 59.9 {
		t.Errorf("query = %+v", e.weather.last)
	}
}

func TestCalendarTools(t *testing.T) {
	e := newEnv(t)

	out := e.reg.Execute(context.Background(), "calendar_create",
		marker.ParseParams("subject=Reminder|date=2025-01-01"), "alice")
	ev, ok := out.(*calendar.Event)
	if !ok {
		t.Fatalf("calendar_create = %v", out)
	}
	if ev.ID == "" {
		t.Error("created event has no id")
	}

	got := e.exec(t, "calendar_search", "start_date=2025-01-01|end_date=2025-01-31")
	if got["count"] != 1 {
		t.Errorf("search count = %v", got["count"])
	}
	got = e.reg.Execute(context.Background(), "calendar_search", nil, "bob").(map[string]any)
	if got["count"] != 0 {
		t.Errorf("other user's search count = %v", got["count"])
	}

	if got := e.exec(t, "calendar_update", "event_id=nope|subject=x"); got["error"] != "Event nope not found" {
		t.Errorf("update missing = %v", got)
	}
	if got := e.exec(t, "calendar_delete", "event_id=nope"); got["success"] != false {
		t.Errorf("delete missing = %v", got)
	}
	got = e.exec(t, "calendar_delete", "event_id="+ev.ID)
	if got["success"] != true || got["message"] != "Event "+ev.ID+" deleted successfully" {
		t.Errorf("delete = %v", got)
	}
}

func TestStartCooking(t *testing.T) {
	tests := []struct {
		name       string
		params     string
		wantStatus string
		wantError  string
	}{
		{"missing steps", "title=Stew|ingredients=beef;;onion", "error", "MISSING STEPS PARAMETER"},
		{"blank steps", "title=Stew|ingredients=beef|steps= ;; ;;", "error", "MISSING STEPS PARAMETER"},
		{"missing ingredients", "title=Stew|steps=chop;;simmer", "error", "MISSING INGREDIENTS PARAMETER"},
		{"complete", "title=Stew|ingredients= beef ;;onion;;|steps=chop;; simmer", "started", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			got := e.exec(t, "start_cooking", tt.params)
			if got["status"] != tt.wantStatus {
				t.Fatalf("status = %v, want %s", got["status"], tt.wantStatus)
			}
			_, _, active := e.reg.Kitchen().Current("alice")
			if tt.wantError != "" {
				if got["error"] != tt.wantError {
					t.Errorf("error = %v, want %s", got["error"], tt.wantError)
				}
				if active {
					t.Error("a failed start must not open a session")
				}
				return
			}
			recipe := got["recipe"].(Recipe)
			if strings.Join(recipe.Ingredients, "|") != "beef|onion" || strings.Join(recipe.Steps, "|") != "chop|simmer" {
				t.Errorf("recipe = %+v", recipe)
			}
			if !active {
				t.Error("session should be active")
			}
		})
	}
}

func TestCookingNavigation(t *testing.T) {
	e := newEnv(t)

	got := e.exec(t, "cooking_navigation", "action=goto|step_index=2")
	if got["status"] != "navigating" || *(got["step_index"].(*int)) != 2 {
		t.Errorf("navigation without session = %v", got)
	}

	e.exec(t, "start_cooking", "title=Stew|ingredients=beef|steps=chop;;brown;;simmer")
	steps := []struct {
		params string
		want   int
	}{
		{"action=next", 1},
		{"action=next", 2},
		{"action=next", 2},
		{"action=prev", 1},
		{"action=goto|step_index=0", 0},
		{"action=prev", 0},
	}
	for _, s := range steps {
		got := e.exec(t, "cooking_navigation", s.params)
		if got["step_index"] != s.want {
			t.Errorf("%s: step_index = %v, want %d", s.params, got["step_index"], s.want)
		}
	}

	if got := e.exec(t, "cooking_navigation", "action=goto|step_index=two"); !IsError(got) {
		t.Errorf("non-numeric step_index = %v", got)
	}
	if got := e.exec(t, "cooking_navigation", "action=dance"); !IsError(got) {
		t.Errorf("unknown action = %v", got)
	}
}

func TestJournalTools(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if err := e.journal.SaveEntry(ctx, journal.Entry{UserID: "alice", Date: "2025-03-01", Summary: "Brewed mead."}); err != nil {
		t.Fatalf("SaveEntry: %v", err)
	}

	got := e.exec(t, "journal_search", "query=mead")
	if got["count"] != 1 {
		t.Errorf("journal_search = %v", got)
	}
	if got := e.exec(t, "journal_read", "date=2025-03-02"); got["error"] != "No journal entry for 2025-03-02" {
		t.Errorf("journal_read missing = %v", got)
	}
	out := e.reg.Execute(ctx, "journal_read", marker.ParseParams("date=2025-03-01"), "alice")
	if entry, ok := out.(*journal.Entry); !ok || entry.Summary != "Brewed mead." {
		t.Errorf("journal_read = %v", out)
	}
}

func TestRecordPreference(t *testing.T) {
	e := newEnv(t)
	got := e.exec(t, "record_preference", "preference=Norse sagas")
	if got["status"] != "recorded" || got["preference"] != "Norse sagas" {
		t.Errorf("result = %v", got)
	}
	prefs, err := e.profiles.Preferences(context.Background(), "alice")
	if err != nil || len(prefs) != 1 {
		t.Fatalf("Preferences = %v, %v", prefs, err)
	}
	if len(e.memory.texts) != 1 || e.memory.texts[0] != "User preference: Norse sagas" {
		t.Errorf("remembered = %v", e.memory.texts)
	}

	// A repeat is recorded but not remembered twice.
	e.exec(t, "record_preference", "preference=norse sagas")
	if len(e.memory.texts) != 1 {
		t.Errorf("remembered = %v", e.memory.texts)
	}
}

func TestSetHomeCity_RequiresConfirmation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	if got := e.exec(t, "set_home_city", "city=Oslo"); got["status"] != "success" {
		t.Fatalf("first set = %v", got)
	}

	got := e.exec(t, "set_home_city", "city=Bergen|confirm=false")
	if got["status"] != "requires_confirmation" || got["current_city"] != "Oslo" || got["requested_city"] != "Bergen" {
		t.Errorf("unconfirmed change = %v", got)
	}
	if city, _ := e.profiles.HomeCity(ctx, "alice"); city != "Oslo" {
		t.Errorf("home city changed without confirmation: %q", city)
	}

	if got := e.exec(t, "set_home_city", "city=oslo"); got["status"] != "success" {
		t.Errorf("same city should not need confirmation: %v", got)
	}

	got = e.exec(t, "set_home_city", "city=Bergen|confirm=true")
	if got["status"] != "success" || got["home_city"] != "Bergen" {
		t.Errorf("confirmed change = %v", got)
	}
	if city, _ := e.profiles.HomeCity(ctx, "alice"); city != "Bergen" {
		t.Errorf("home city = %q, want Bergen", city)
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	if got := RequestIDFromContext(ctx); got != "req-1" {
		t.Errorf("RequestIDFromContext = %q", got)
	}
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Errorf("unset request id = %q", got)
	}
}

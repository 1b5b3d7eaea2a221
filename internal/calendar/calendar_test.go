package calendar

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "calendar.db"), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreate_GeneratesIDAndTruncatesDetails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e, err := s.Create(ctx, Event{
		UserID:  "freya",
		Subject: "Reminder",
		Date:    "2025-01-01",
		Details: strings.Repeat("x", 120),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if e.ID == "" {
		t.Error("expected generated id")
	}
	if len(e.Details) != MaxDetails {
		t.Errorf("details length = %d, want %d", len(e.Details), MaxDetails)
	}

	got, err := s.Get(ctx, "freya", e.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Subject != "Reminder" || got.Date != "2025-01-01" {
		t.Errorf("Get = %+v", got)
	}
}

func TestCreate_Validation(t *testing.T) {
	s := newTestStore(t)
	tests := []struct {
		name string
		ev   Event
	}{
		{"missing subject", Event{UserID: "u", Date: "2025-01-01"}},
		{"missing date", Event{UserID: "u", Subject: "x"}},
		{"bad date", Event{UserID: "u", Subject: "x", Date: "01/02/2025"}},
		{"bad time", Event{UserID: "u", Subject: "x", Date: "2025-01-02", StartTime: "9am"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Create(context.Background(), tt.ev); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSearch_FiltersAndOrders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, e := range []Event{
		{UserID: "odin", Subject: "Feast", Date: "2025-03-02", StartTime: "18:00"},
		{UserID: "odin", Subject: "Council", Date: "2025-03-01", StartTime: "09:00", Details: "Bring the ravens"},
		{UserID: "odin", Subject: "Hunt", Date: "2025-03-01", StartTime: "07:00"},
		{UserID: "odin", Subject: "Voyage", Date: "2025-04-10"},
		{UserID: "loki", Subject: "Mischief", Date: "2025-03-01"},
	} {
		if _, err := s.Create(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name string
		opts SearchOptions
		want []string
	}{
		{"all", SearchOptions{}, []string{"Hunt", "Council", "Feast", "Voyage"}},
		{"range", SearchOptions{Start: "2025-03-01", End: "2025-03-31"}, []string{"Hunt", "Council", "Feast"}},
		{"start only", SearchOptions{Start: "2025-03-02"}, []string{"Feast", "Voyage"}},
		{"query subject", SearchOptions{Query: "FEAST"}, []string{"Feast"}},
		{"query details", SearchOptions{Query: "ravens"}, []string{"Council"}},
		{"no match", SearchOptions{Query: "Ragnarok"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := s.Search(ctx, "odin", tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			var got []string
			for _, e := range events {
				got = append(got, e.Subject)
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("subjects = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUpdate_AppliesOnlyProvidedFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e, _ := s.Create(ctx, Event{UserID: "u", Subject: "Old", Date: "2025-01-01", StartTime: "10:00", Details: "keep"})

	got, err := s.Update(ctx, "u", e.ID, Patch{Subject: "New"})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Subject != "New" || got.StartTime != "10:00" || got.Details != "keep" {
		t.Errorf("Update = %+v", got)
	}

	if _, err := s.Update(ctx, "u", "missing", Patch{Subject: "x"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if _, err := s.Update(ctx, "someone-else", e.ID, Patch{Subject: "x"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("other user's event: err = %v, want ErrNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e, _ := s.Create(ctx, Event{UserID: "u", Subject: "Gone", Date: "2025-01-01"})

	if err := s.Delete(ctx, "u", e.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "u", e.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete err = %v, want ErrNotFound", err)
	}
}

// inlineQueue runs submitted jobs synchronously.
type inlineQueue struct {
	mu   sync.Mutex
	errs []error
}

func (q *inlineQueue) Submit(_ string, fn func(context.Context) error) string {
	err := fn(context.Background())
	q.mu.Lock()
	q.errs = append(q.errs, err)
	q.mu.Unlock()
	return ""
}

type davRequest struct {
	method, path, body, auth string
}

func TestSync_PushesAndRemoves(t *testing.T) {
	var mu sync.Mutex
	var reqs []davRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		user, _, _ := r.BasicAuth()
		mu.Lock()
		reqs = append(reqs, davRequest{r.Method, r.URL.Path, string(body), user})
		mu.Unlock()
		switch r.Method {
		case http.MethodPut:
			w.Header().Set("ETag", `"1"`)
			w.WriteHeader(http.StatusCreated)
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	defer srv.Close()

	syncer, err := NewSyncer(SyncConfig{
		URL:          srv.URL,
		Username:     "odin",
		Password:     "secret",
		CalendarPath: "/calendars/odin/mimir/",
		Zone:         time.UTC,
	}, srv.Client(), nil)
	if err != nil {
		t.Fatal(err)
	}

	s := newTestStore(t)
	q := &inlineQueue{}
	s.EnableSync(syncer, q)

	ctx := context.Background()
	e, err := s.Create(ctx, Event{UserID: "odin", Subject: "Council", Date: "2025-03-01", StartTime: "09:00", EndTime: "10:30"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "odin", e.ID); err != nil {
		t.Fatal(err)
	}

	for _, err := range q.errs {
		if err != nil {
			t.Errorf("sync job failed: %v", err)
		}
	}
	if len(reqs) != 2 {
		t.Fatalf("requests = %+v, want PUT then DELETE", reqs)
	}
	wantPath := "/calendars/odin/mimir/" + e.ID + ".ics"
	put, del := reqs[0], reqs[1]
	if put.method != http.MethodPut || put.path != wantPath {
		t.Errorf("put = %s %s, want PUT %s", put.method, put.path, wantPath)
	}
	if put.auth != "odin" {
		t.Errorf("basic auth user = %q", put.auth)
	}
	for _, want := range []string{"BEGIN:VEVENT", "SUMMARY:Council", "UID:" + e.ID, "DTSTART:20250301T090000Z", "DTEND:20250301T103000Z"} {
		if !strings.Contains(put.body, want) {
			t.Errorf("ics body missing %q:\n%s", want, put.body)
		}
	}
	if del.method != http.MethodDelete || del.path != wantPath {
		t.Errorf("delete = %s %s", del.method, del.path)
	}
}

func TestToICal_AllDay(t *testing.T) {
	s := &Syncer{zone: time.UTC}
	cal, err := s.toICal(Event{ID: "abc", Subject: "Voyage", Date: "2025-04-10"})
	if err != nil {
		t.Fatal(err)
	}
	ev := cal.Children[0]
	start := ev.Props.Get("DTSTART")
	if start == nil || start.Value != "20250410" {
		t.Errorf("DTSTART = %+v, want date value 20250410", start)
	}
	end := ev.Props.Get("DTEND")
	if end == nil || end.Value != "20250411" {
		t.Errorf("DTEND = %+v, want 20250411", end)
	}
}

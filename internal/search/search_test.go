package search

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/nugget/mimir/internal/fetch"
	"github.com/nugget/mimir/internal/llm"
	"github.com/nugget/mimir/internal/prompts"
)

type fakeProvider struct {
	name    string
	results []Result
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Search(context.Context, string, Options) ([]Result, error) {
	return f.results, nil
}

func TestManager(t *testing.T) {
	m := NewManager("brave")
	if m.Configured() {
		t.Error("manager without providers should not be configured")
	}
	if _, err := m.Search(context.Background(), "q", Options{}); err == nil {
		t.Error("search without primary provider should fail")
	}

	m.Register(&fakeProvider{name: "searxng"})
	m.Register(&fakeProvider{name: "brave", results: []Result{{Title: "hit"}}})

	got, err := m.Search(context.Background(), "q", Options{})
	if err != nil || len(got) != 1 || got[0].Title != "hit" {
		t.Fatalf("Search = %+v, %v", got, err)
	}
	if p := m.Providers(); strings.Join(p, ",") != "brave,searxng" {
		t.Errorf("Providers = %v", p)
	}
}

func TestOptionsCount(t *testing.T) {
	tests := []struct{ in, want int }{{0, 5}, {3, 3}, {50, 10}}
	for _, tt := range tests {
		if got := (Options{Count: tt.in}).count(); got != tt.want {
			t.Errorf("count(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestGoogleSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("key") != "k" || q.Get("cx") != "cx1" || q.Get("q") != "norse myths" || q.Get("num") != "2" {
			t.Errorf("query = %v", q)
		}
		w.Write([]byte(`{"items":[
			{"title":"A","link":"https://a","snippet":"sa"},
			{"title":"B","link":"https://b","snippet":"sb"},
			{"title":"C","link":"https://c","snippet":"sc"}]}`))
	}))
	defer srv.Close()

	g := NewGoogle("k", "cx1", nil)
	g.endpoint = srv.URL
	got, err := g.Search(context.Background(), "norse myths", Options{Count: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1].URL != "https://b" || got[1].Snippet != "sb" {
		t.Errorf("results = %+v", got)
	}
}

func TestBraveSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Subscription-Token") != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"web":{"results":[{"title":"Yggdrasil","url":"https://y","description":"tree"}]}}`))
	}))
	defer srv.Close()

	b := NewBrave("tok", nil)
	b.endpoint = srv.URL
	got, err := b.Search(context.Background(), "world tree", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Snippet != "tree" {
		t.Errorf("results = %+v", got)
	}
}

func TestSearXNGSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" || r.URL.Query().Get("format") != "json" {
			t.Errorf("request = %s", r.URL)
		}
		w.Write([]byte(`{"results":[{"title":"Odin","url":"https://o","content":"allfather"}]}`))
	}))
	defer srv.Close()

	got, err := NewSearXNG(srv.URL+"/", nil).Search(context.Background(), "odin", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Title != "Odin" {
		t.Errorf("results = %+v", got)
	}
}

type fakePages struct {
	mu    sync.Mutex
	asked []int
	pages map[string]string
}

func (f *fakePages) Fetch(_ context.Context, url string, maxChars int) (*fetch.Page, error) {
	f.mu.Lock()
	f.asked = append(f.asked, maxChars)
	f.mu.Unlock()
	text, ok := f.pages[url]
	if !ok {
		return nil, errors.New("unreachable")
	}
	return &fetch.Page{URL: url, Text: text}, nil
}

type fakeLLM struct{}

func (fakeLLM) Stream(context.Context, string, []llm.Message, llm.TokenFunc) (*llm.Response, error) {
	return nil, errors.New("not used")
}

func (fakeLLM) Invoke(_ context.Context, _ string, msgs []llm.Message) (*llm.Response, error) {
	body := strings.TrimPrefix(msgs[0].Content, prompts.PageDigest(""))
	return &llm.Response{Text: "summary of " + body}, nil
}

func (fakeLLM) Ping(context.Context) error { return nil }

func TestDigester(t *testing.T) {
	pages := &fakePages{pages: map[string]string{
		"https://a": "page a",
		"https://c": "page c",
	}}
	d := NewDigester(pages, fakeLLM{}, "m", 2, nil)

	results := []Result{
		{URL: "https://a", Snippet: "sa"},
		{URL: "https://b", Snippet: "sb"},
		{URL: "https://c", Snippet: "sc"},
	}
	d.Digest(context.Background(), results)

	want := []string{"summary of page a", "sb", "sc"}
	for i, w := range want {
		if results[i].ContentSummary != w {
			t.Errorf("result %d summary = %q, want %q", i, results[i].ContentSummary, w)
		}
	}
	for _, n := range pages.asked {
		if n != DigestChars {
			t.Errorf("fetched with maxChars %d, want %d", n, DigestChars)
		}
	}
	if len(pages.asked) != 2 {
		t.Errorf("fetched %d pages, want 2", len(pages.asked))
	}
}

// Package fetch downloads web pages and reduces them to readable text
// for the search digest.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/nugget/mimir/internal/httpkit"
)

// MaxBytes caps how much of a response body is read.
const MaxBytes int64 = 2 << 20

// Page is the readable form of a fetched URL.
type Page struct {
	URL       string `json:"url"`
	Title     string `json:"title,omitempty"`
	Text      string `json:"text"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Fetcher downloads pages.
type Fetcher struct {
	client *http.Client
}

// New creates a Fetcher using client, or a default httpkit client when
// client is nil.
func New(client *http.Client) *Fetcher {
	if client == nil {
		client = httpkit.NewClient()
	}
	return &Fetcher{client: client}
}

// Fetch downloads rawURL and returns at most maxChars characters of its
// readable text. maxChars of zero means no limit.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, maxChars int) (*Page, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("fetch: empty url")
	}
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		rawURL = "https://" + rawURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBytes))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: read body: %w", rawURL, err)
	}

	page := &Page{URL: rawURL}
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	switch {
	case strings.Contains(ct, "html"):
		page.Title, page.Text = Readable(string(body))
	case utf8.Valid(body):
		page.Text = tidy(string(body))
	default:
		return nil, fmt.Errorf("fetch %s: unsupported content type %q", rawURL, ct)
	}

	if maxChars > 0 {
		page.Text, page.Truncated = Truncate(page.Text, maxChars)
	}
	return page, nil
}

// Truncate cuts s to at most n characters on a rune boundary.
func Truncate(s string, n int) (string, bool) {
	if utf8.RuneCountInString(s) <= n {
		return s, false
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos], true
		}
		i++
	}
	return s, false
}

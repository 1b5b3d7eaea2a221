package search

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/mimir/internal/fetch"
	"github.com/nugget/mimir/internal/llm"
	"github.com/nugget/mimir/internal/prompts"
)

// DigestChars is how much page text is handed to the summariser.
const DigestChars = 3000

// PageFetcher returns the readable text of a URL.
type PageFetcher interface {
	Fetch(ctx context.Context, url string, maxChars int) (*fetch.Page, error)
}

// Digester fills Result.ContentSummary for the top results of a search.
type Digester struct {
	pages  PageFetcher
	llm    llm.Client
	model  string
	limit  int
	logger *slog.Logger
}

// NewDigester creates a digester that summarises up to limit pages per
// search with model.
func NewDigester(pages PageFetcher, client llm.Client, model string, limit int, logger *slog.Logger) *Digester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Digester{pages: pages, llm: client, model: model, limit: limit, logger: logger}
}

// Digest summarises the first results concurrently. A result whose page
// cannot be fetched or summarised keeps its snippet as the summary.
// results is modified in place.
func (d *Digester) Digest(ctx context.Context, results []Result) {
	for i := range results {
		results[i].ContentSummary = results[i].Snippet
	}

	n := min(d.limit, len(results))
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			summary, err := d.summarise(ctx, results[i].URL)
			if err != nil {
				d.logger.Debug("page digest failed", "url", results[i].URL, "error", err)
				return nil
			}
			if summary != "" {
				results[i].ContentSummary = summary
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Digester) summarise(ctx context.Context, url string) (string, error) {
	page, err := d.pages.Fetch(ctx, url, DigestChars)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(page.Text) == "" {
		return "", nil
	}
	resp, err := d.llm.Invoke(ctx, d.model, []llm.Message{
		{Role: llm.RoleUser, Content: prompts.PageDigest(page.Text)},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}

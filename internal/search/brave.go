package search

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/nugget/mimir/internal/httpkit"
)

const braveEndpoint = "https://api.search.brave.com/res/v1/web/search"

// Brave queries the Brave Search API.
type Brave struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

// NewBrave creates a Brave provider.
func NewBrave(apiKey string, client *http.Client) *Brave {
	if client == nil {
		client = httpkit.NewClient()
	}
	return &Brave{apiKey: apiKey, endpoint: braveEndpoint, client: client}
}

// Name implements Provider.
func (b *Brave) Name() string { return "brave" }

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

// Search implements Provider.
func (b *Brave) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	count := opts.count()
	params := url.Values{"q": {query}, "count": {strconv.Itoa(count)}}
	if opts.Language != "" {
		params.Set("search_lang", opts.Language)
	}

	var br braveResponse
	header := http.Header{"X-Subscription-Token": {b.apiKey}}
	if err := httpkit.GetJSON(ctx, b.client, b.endpoint+"?"+params.Encode(), header, &br); err != nil {
		return nil, fmt.Errorf("brave search: %w", err)
	}

	results := make([]Result, 0, count)
	for _, r := range br.Web.Results {
		if len(results) == count {
			break
		}
		results = append(results, Result{Title: r.Title, URL: r.URL, Snippet: r.Description})
	}
	return results, nil
}

package search

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/nugget/mimir/internal/httpkit"
)

const googleEndpoint = "https://www.googleapis.com/customsearch/v1"

// Google queries the Custom Search JSON API.
type Google struct {
	apiKey   string
	engineID string
	endpoint string
	client   *http.Client
}

// NewGoogle creates a Google provider.
func NewGoogle(apiKey, engineID string, client *http.Client) *Google {
	if client == nil {
		client = httpkit.NewClient()
	}
	return &Google{apiKey: apiKey, engineID: engineID, endpoint: googleEndpoint, client: client}
}

// Name implements Provider.
func (g *Google) Name() string { return "google" }

type googleResponse struct {
	Items []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"items"`
}

// Search implements Provider.
func (g *Google) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	count := opts.count()
	params := url.Values{
		"key": {g.apiKey},
		"cx":  {g.engineID},
		"q":   {query},
		"num": {strconv.Itoa(count)},
	}
	if opts.Language != "" {
		params.Set("lr", "lang_"+opts.Language)
	}

	var gr googleResponse
	if err := httpkit.GetJSON(ctx, g.client, g.endpoint+"?"+params.Encode(), nil, &gr); err != nil {
		return nil, fmt.Errorf("google search: %w", err)
	}

	results := make([]Result, 0, len(gr.Items))
	for _, it := range gr.Items {
		if len(results) == count {
			break
		}
		results = append(results, Result{Title: it.Title, URL: it.Link, Snippet: it.Snippet})
	}
	return results, nil
}

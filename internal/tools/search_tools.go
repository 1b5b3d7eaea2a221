package tools

import (
	"context"

	"github.com/nugget/mimir/internal/search"
)

// WebSearcher runs a web search. search.Manager satisfies it.
type WebSearcher interface {
	Search(ctx context.Context, query string, opts search.Options) ([]search.Result, error)
}

// Digester summarises the pages behind search results in place.
type Digester interface {
	Digest(ctx context.Context, results []search.Result)
}

// SetSearch adds the web_search tool. d may be nil, in which case
// results carry their snippets only.
func (r *Registry) SetSearch(s WebSearcher, d Digester) {
	r.search = s
	r.digester = d
	r.Register(&Tool{
		Name:        "web_search",
		Description: "Search the web for current information, news or facts you do not know.",
		Format:      "[TOOL:web_search|query=<search terms>]",
		Status:      "Gazing into the world...",
		Handler:     r.handleWebSearch,
	})
}

func (r *Registry) handleWebSearch(ctx context.Context, call Call) (any, error) {
	query, err := required(call.Params, "query")
	if err != nil {
		return nil, err
	}
	num, err := intParam(call.Params, "num")
	if err != nil {
		return nil, err
	}
	opts := search.Options{}
	if num != nil {
		opts.Count = *num
	}

	results, err := r.search.Search(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []search.Result{}
	}
	if r.digester != nil {
		r.digester.Digest(ctx, results)
	}
	return map[string]any{
		"query":   query,
		"results": results,
	}, nil
}

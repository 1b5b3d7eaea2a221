// Package search provides web search for the web_search tool.
//
// Each backend implements [Provider]. The [Manager] routes queries to
// the configured primary backend, and a [Digester] enriches the top
// results with short summaries of the pages they point to.
package search

import (
	"context"
	"fmt"
	"sort"
)

// Result is a single search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`

	// ContentSummary is a digest of the page itself, or the snippet when
	// the page could not be read.
	ContentSummary string `json:"content_summary,omitempty"`
}

// Options are optional query parameters.
type Options struct {
	// Count is the maximum number of results. Zero means provider default.
	Count int

	// Language is an ISO 639-1 code.
	Language string
}

// Provider is implemented by search backends.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// DefaultCount is used when Options.Count is zero.
const DefaultCount = 5

// MaxCount bounds Options.Count; the Google API refuses larger pages.
const MaxCount = 10

func (o Options) count() int {
	switch {
	case o.Count <= 0:
		return DefaultCount
	case o.Count > MaxCount:
		return MaxCount
	default:
		return o.Count
	}
}

// Manager holds the configured providers.
type Manager struct {
	providers map[string]Provider
	primary   string
}

// NewManager creates a manager that searches with the named primary
// provider.
func NewManager(primary string) *Manager {
	return &Manager{
		providers: make(map[string]Provider),
		primary:   primary,
	}
}

// Register adds a provider.
func (m *Manager) Register(p Provider) {
	m.providers[p.Name()] = p
}

// Search runs query on the primary provider.
func (m *Manager) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	p, ok := m.providers[m.primary]
	if !ok {
		return nil, fmt.Errorf("search provider %q not configured", m.primary)
	}
	return p.Search(ctx, query, opts)
}

// Providers returns registered provider names in sorted order.
func (m *Manager) Providers() []string {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Configured reports whether the primary provider is registered.
func (m *Manager) Configured() bool {
	_, ok := m.providers[m.primary]
	return ok
}

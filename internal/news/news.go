// Package news reads headline feeds from Google News RSS.
package news

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nugget/mimir/internal/cache"
	"github.com/nugget/mimir/internal/httpkit"
)

// TTL is how long a fetched feed is reused.
const TTL = 15 * time.Minute

const topKey = "TOP_NEWS"

// Item is one headline.
type Item struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	PubDate string `json:"pubDate"`
	Source  string `json:"source"`
}

// Client fetches and caches feeds. When a refresh fails the last good
// copy of that feed is returned instead.
type Client struct {
	feedURL string
	limit   int
	http    *http.Client
	logger  *slog.Logger
	cache   *cache.TTL[[]Item]

	mu    sync.Mutex
	stale map[string][]Item
}

// NewClient creates a client for the RSS feed at feedURL. Searches use
// the same host with a /search path and the feed's locale parameters.
func NewClient(feedURL string, limit int, client *http.Client, logger *slog.Logger) *Client {
	if client == nil {
		client = httpkit.NewClient(httpkit.WithTimeout(10 * time.Second))
	}
	if logger == nil {
		logger = slog.Default()
	}
	if limit <= 0 {
		limit = 10
	}
	return &Client{
		feedURL: feedURL,
		limit:   limit,
		http:    client,
		logger:  logger.With("component", "news"),
		cache:   cache.New[[]Item](TTL),
		stale:   make(map[string][]Item),
	}
}

// Top returns the top headlines. refresh bypasses the cache.
func (c *Client) Top(ctx context.Context, refresh bool) ([]Item, error) {
	return c.get(ctx, topKey, c.feedURL, refresh)
}

// Search returns headlines matching query.
func (c *Client) Search(ctx context.Context, query string, refresh bool) ([]Item, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return c.Top(ctx, refresh)
	}
	u, err := url.Parse(c.feedURL)
	if err != nil {
		return nil, fmt.Errorf("parse feed url: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/search"
	q := u.Query()
	q.Set("q", query)
	u.RawQuery = q.Encode()
	return c.get(ctx, query, u.String(), refresh)
}

func (c *Client) get(ctx context.Context, key, feed string, refresh bool) ([]Item, error) {
	if refresh {
		c.cache.Delete(key)
	}
	items, err := c.cache.GetOrLoad(ctx, key, func(ctx context.Context) ([]Item, error) {
		return c.fetch(ctx, feed)
	})
	if err != nil {
		c.mu.Lock()
		old, ok := c.stale[key]
		c.mu.Unlock()
		if ok {
			c.logger.Warn("feed refresh failed, serving stale copy", "feed", key, "error", err)
			return old, nil
		}
		return nil, err
	}
	c.mu.Lock()
	c.stale[key] = items
	c.mu.Unlock()
	return items, nil
}

type rss struct {
	Channel struct {
		Items []struct {
			Title   string `xml:"title"`
			Link    string `xml:"link"`
			PubDate string `xml:"pubDate"`
			Source  string `xml:"source"`
		} `xml:"item"`
	} `xml:"channel"`
}

func (c *Client) fetch(ctx context.Context, feed string) ([]Item, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode != http.StatusOK {
		return nil, &httpkit.StatusError{StatusCode: resp.StatusCode, Body: httpkit.ReadErrorBody(resp.Body, 512)}
	}

	var doc rss
	if err := xml.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode feed: %w", err)
	}

	items := make([]Item, 0, min(len(doc.Channel.Items), c.limit))
	for _, it := range doc.Channel.Items {
		if len(items) == c.limit {
			break
		}
		item := Item{
			Title:   strings.TrimSpace(it.Title),
			Link:    strings.TrimSpace(it.Link),
			PubDate: strings.TrimSpace(it.PubDate),
			Source:  strings.TrimSpace(it.Source),
		}
		if item.Title == "" {
			item.Title = "No Title"
		}
		if item.Link == "" {
			item.Link = "#"
		}
		if item.Source == "" {
			item.Source = "Unknown"
		}
		// Google News titles end with " - Source".
		if i := strings.LastIndex(item.Title, " - "); i > 0 {
			item.Title = item.Title[:i]
		}
		items = append(items, item)
	}
	c.logger.Debug("feed fetched", "items", len(items))
	return items, nil
}

package weather

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/mimir/internal/cache"
	"github.com/nugget/mimir/internal/httpkit"
)

// LocationTTL is how long a geolocation answer is reused.
const LocationTTL = 60 * time.Minute

// Place is the get_location result.
type Place struct {
	City    string  `json:"city"`
	Region  string  `json:"region"`
	Country string  `json:"country"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

// Locator resolves IP addresses to places through ipapi.
type Locator struct {
	baseURL string
	http    *http.Client
	cache   *cache.TTL[*Place]
}

// NewLocator creates a locator for the ipapi-compatible service at baseURL.
func NewLocator(baseURL string, client *http.Client) *Locator {
	if client == nil {
		client = httpkit.NewClient()
	}
	if baseURL == "" {
		baseURL = "https://ipapi.co"
	}
	return &Locator{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    client,
		cache:   cache.New[*Place](LocationTTL),
	}
}

type ipapiResponse struct {
	City        string  `json:"city"`
	Region      string  `json:"region"`
	CountryName string  `json:"country_name"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Error       bool    `json:"error"`
	Reason      string  `json:"reason"`
}

// Locate returns the place for ip, or for the caller's own address when
// ip is empty.
func (l *Locator) Locate(ctx context.Context, ip string) (*Place, error) {
	key := ip
	if key == "" {
		key = "auto"
	}
	return l.cache.GetOrLoad(ctx, key, func(ctx context.Context) (*Place, error) {
		u := l.baseURL + "/json/"
		if ip != "" {
			u = l.baseURL + "/" + ip + "/json/"
		}
		var r ipapiResponse
		if err := httpkit.GetJSON(ctx, l.http, u, nil, &r); err != nil {
			return nil, fmt.Errorf("locate %s: %w", key, err)
		}
		if r.Error {
			return nil, fmt.Errorf("locate %s: %s", key, r.Reason)
		}
		return &Place{
			City:    r.City,
			Region:  r.Region,
			Country: r.CountryName,
			Lat:     r.Latitude,
			Lon:     r.Longitude,
		}, nil
	})
}

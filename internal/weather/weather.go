// Package weather answers the get_weather and get_location tools using
// OpenWeather for conditions and ipapi for IP geolocation.
package weather

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/nugget/mimir/internal/cache"
	"github.com/nugget/mimir/internal/httpkit"
)

// WeatherTTL is how long a report is reused for identical queries.
const WeatherTTL = 30 * time.Minute

// ForecastDays bounds the daily forecast.
const ForecastDays = 5

const openWeatherBase = "https://api.openweathermap.org"

// LocationNotFoundError is returned when geocoding finds no match.
type LocationNotFoundError struct {
	Location string
}

func (e *LocationNotFoundError) Error() string {
	return fmt.Sprintf("Location '%s' not found", e.Location)
}

// Query selects a place by name or by coordinates. Coordinates win when
// both are present.
type Query struct {
	Location string
	Lat, Lon *float64
}

func (q Query) key() string {
	k := "loc=" + q.Location
	if q.Lat != nil {
		k += "|lat=" + strconv.FormatFloat(*q.Lat, 'f', -1, 64)
	}
	if q.Lon != nil {
		k += "|lon=" + strconv.FormatFloat(*q.Lon, 'f', -1, 64)
	}
	return k
}

// Current is the present conditions.
type Current struct {
	Temp       int    `json:"temp"`
	FeelsLike  int    `json:"feels_like"`
	Conditions string `json:"conditions"`
	Humidity   int    `json:"humidity"`
	WindSpeed  int    `json:"wind_speed"`
}

// Day is one forecast day.
type Day struct {
	Date       string `json:"date"`
	High       int    `json:"high"`
	Low        int    `json:"low"`
	Conditions string `json:"conditions"`
}

// Report is the get_weather result.
type Report struct {
	Location string  `json:"location"`
	Current  Current `json:"current"`
	Forecast []Day   `json:"forecast"`
}

// Client fetches weather reports.
type Client struct {
	apiKey  string
	units   string
	baseURL string
	http    *http.Client
	cache   *cache.TTL[*Report]
	zone    *time.Location
}

// NewClient creates a weather client. units is "metric" or "imperial".
func NewClient(apiKey, units string, client *http.Client) *Client {
	if client == nil {
		client = httpkit.NewClient()
	}
	if units == "" {
		units = "metric"
	}
	return &Client{
		apiKey:  apiKey,
		units:   units,
		baseURL: openWeatherBase,
		http:    client,
		cache:   cache.New[*Report](WeatherTTL),
		zone:    time.Local,
	}
}

// Weather returns current conditions and a daily forecast for q.
func (c *Client) Weather(ctx context.Context, q Query) (*Report, error) {
	if q.Location == "" && (q.Lat == nil || q.Lon == nil) {
		return nil, fmt.Errorf("location or lat and lon are required")
	}
	return c.cache.GetOrLoad(ctx, q.key(), func(ctx context.Context) (*Report, error) {
		return c.load(ctx, q)
	})
}

type geoHit struct {
	Name    string  `json:"name"`
	Country string  `json:"country"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

type owmReading struct {
	Dt   int64 `json:"dt"`
	Main struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
		Humidity  int     `json:"humidity"`
	} `json:"main"`
	Weather []struct {
		Description string `json:"description"`
	} `json:"weather"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
}

type owmForecast struct {
	List []owmReading `json:"list"`
}

func (c *Client) load(ctx context.Context, q Query) (*Report, error) {
	var lat, lon float64
	var name string
	if q.Lat != nil && q.Lon != nil {
		lat, lon = *q.Lat, *q.Lon
		name = q.Location
		if name == "" {
			name = fmt.Sprintf("%g, %g", lat, lon)
		}
	} else {
		params := url.Values{"q": {q.Location}, "limit": {"1"}, "appid": {c.apiKey}}
		var hits []geoHit
		if err := httpkit.GetJSON(ctx, c.http, c.baseURL+"/geo/1.0/direct?"+params.Encode(), nil, &hits); err != nil {
			return nil, fmt.Errorf("geocode %q: %w", q.Location, err)
		}
		if len(hits) == 0 {
			return nil, &LocationNotFoundError{Location: q.Location}
		}
		lat, lon = hits[0].Lat, hits[0].Lon
		name = hits[0].Name + ", " + hits[0].Country
	}

	params := url.Values{
		"lat":   {strconv.FormatFloat(lat, 'f', -1, 64)},
		"lon":   {strconv.FormatFloat(lon, 'f', -1, 64)},
		"appid": {c.apiKey},
		"units": {c.units},
	}

	var now owmReading
	if err := httpkit.GetJSON(ctx, c.http, c.baseURL+"/data/2.5/weather?"+params.Encode(), nil, &now); err != nil {
		return nil, fmt.Errorf("current weather: %w", err)
	}
	var fc owmForecast
	if err := httpkit.GetJSON(ctx, c.http, c.baseURL+"/data/2.5/forecast?"+params.Encode(), nil, &fc); err != nil {
		return nil, fmt.Errorf("forecast: %w", err)
	}

	return &Report{
		Location: name,
		Current: Current{
			Temp:       round(now.Main.Temp),
			FeelsLike:  round(now.Main.FeelsLike),
			Conditions: c.describe(now),
			Humidity:   now.Main.Humidity,
			WindSpeed:  round(now.Wind.Speed),
		},
		Forecast: c.daily(fc.List),
	}, nil
}

func (c *Client) describe(r owmReading) string {
	if len(r.Weather) == 0 {
		return ""
	}
	// Casers carry state and cannot be shared across goroutines.
	return cases.Title(language.English).String(r.Weather[0].Description)
}

// daily folds three-hourly readings into per-day highs and lows. A day
// takes the conditions of its first reading.
func (c *Client) daily(readings []owmReading) []Day {
	type span struct {
		high, low  float64
		conditions string
	}
	days := make(map[string]*span)
	for _, r := range readings {
		date := time.Unix(r.Dt, 0).In(c.zone).Format(time.DateOnly)
		d, ok := days[date]
		if !ok {
			days[date] = &span{high: r.Main.Temp, low: r.Main.Temp, conditions: c.describe(r)}
			continue
		}
		d.high = math.Max(d.high, r.Main.Temp)
		d.low = math.Min(d.low, r.Main.Temp)
	}

	dates := make([]string, 0, len(days))
	for date := range days {
		dates = append(dates, date)
	}
	sort.Strings(dates)
	if len(dates) > ForecastDays {
		dates = dates[:ForecastDays]
	}

	out := make([]Day, 0, len(dates))
	for _, date := range dates {
		d := days[date]
		out = append(out, Day{Date: date, High: round(d.high), Low: round(d.low), Conditions: d.conditions})
	}
	return out
}

func round(f float64) int { return int(math.Round(f)) }

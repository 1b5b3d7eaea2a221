package weather

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// owmServer fakes the OpenWeather geocoding, current, and forecast APIs.
func owmServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	day1 := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC).Unix()
	day1b := time.Date(2025, 3, 1, 15, 0, 0, 0, time.UTC).Unix()
	day2 := time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC).Unix()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		switch r.URL.Path {
		case "/geo/1.0/direct":
			if r.URL.Query().Get("q") == "Atlantis" {
				w.Write([]byte(`[]`))
				return
			}
			w.Write([]byte(`[{"name":"Oslo","country":"NO","lat":59.91,"lon":10.75}]`))
		case "/data/2.5/weather":
			if r.URL.Query().Get("units") != "metric" {
				t.Errorf("units = %q", r.URL.Query().Get("units"))
			}
			w.Write([]byte(`{"main":{"temp":3.6,"feels_like":-0.4,"humidity":81},
				"weather":[{"description":"light snow"}],"wind":{"speed":4.5}}`))
		case "/data/2.5/forecast":
			w.Write([]byte(`{"list":[
				{"dt":` + strconv.FormatInt(day1, 10) + `,"main":{"temp":1.2},"weather":[{"description":"overcast clouds"}]},
				{"dt":` + strconv.FormatInt(day1b, 10) + `,"main":{"temp":5.7},"weather":[{"description":"clear sky"}]},
				{"dt":` + strconv.FormatInt(day2, 10) + `,"main":{"temp":-2.5},"weather":[{"description":"snow"}]}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
}

func newTestClient(srv *httptest.Server) *Client {
	c := NewClient("key", "metric", nil)
	c.baseURL = srv.URL
	c.zone = time.UTC
	return c
}

func TestWeather_ByName(t *testing.T) {
	var calls atomic.Int32
	srv := owmServer(t, &calls)
	defer srv.Close()
	c := newTestClient(srv)

	rep, err := c.Weather(context.Background(), Query{Location: "Oslo"})
	if err != nil {
		t.Fatalf("Weather: %v", err)
	}
	if rep.Location != "Oslo, NO" {
		t.Errorf("Location = %q", rep.Location)
	}
	want := Current{Temp: 4, FeelsLike: 0, Conditions: "Light Snow", Humidity: 81, WindSpeed: 5}
	if rep.Current != want {
		t.Errorf("Current = %+v, want %+v", rep.Current, want)
	}
	if len(rep.Forecast) != 2 {
		t.Fatalf("Forecast = %+v", rep.Forecast)
	}
	if d := rep.Forecast[0]; d.Date != "2025-03-01" || d.High != 6 || d.Low != 1 || d.Conditions != "Overcast Clouds" {
		t.Errorf("day 1 = %+v", d)
	}
	if d := rep.Forecast[1]; d.Date != "2025-03-02" || d.High != -3 || d.Low != -3 {
		t.Errorf("day 2 = %+v", d)
	}
}

func TestWeather_Cached(t *testing.T) {
	var calls atomic.Int32
	srv := owmServer(t, &calls)
	defer srv.Close()
	c := newTestClient(srv)

	if _, err := c.Weather(context.Background(), Query{Location: "Oslo"}); err != nil {
		t.Fatal(err)
	}
	first := calls.Load()
	if _, err := c.Weather(context.Background(), Query{Location: "Oslo"}); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != first {
		t.Errorf("second identical query hit upstream")
	}

	lat, lon := 59.91, 10.75
	if _, err := c.Weather(context.Background(), Query{Lat: &lat, Lon: &lon}); err != nil {
		t.Fatal(err)
	}
	if calls.Load() == first {
		t.Error("different parameters should not share a cache entry")
	}
}

func TestWeather_ByCoordinatesSkipsGeocoding(t *testing.T) {
	var calls atomic.Int32
	srv := owmServer(t, &calls)
	defer srv.Close()
	c := newTestClient(srv)

	lat, lon := 1.5, 2.5
	rep, err := c.Weather(context.Background(), Query{Lat: &lat, Lon: &lon})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Location != "1.5, 2.5" {
		t.Errorf("Location = %q", rep.Location)
	}
	if calls.Load() != 2 {
		t.Errorf("upstream calls = %d, want 2", calls.Load())
	}
}

func TestWeather_NotFound(t *testing.T) {
	var calls atomic.Int32
	srv := owmServer(t, &calls)
	defer srv.Close()
	c := newTestClient(srv)

	_, err := c.Weather(context.Background(), Query{Location: "Atlantis"})
	var nf *LocationNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want LocationNotFoundError", err)
	}
	if err.Error() != "Location 'Atlantis' not found" {
		t.Errorf("message = %q", err.Error())
	}
}

func TestWeather_RequiresPlace(t *testing.T) {
	c := NewClient("k", "", nil)
	if _, err := c.Weather(context.Background(), Query{}); err == nil {
		t.Error("empty query should fail")
	}
}

func TestLocate(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		switch r.URL.Path {
		case "/json/":
			w.Write([]byte(`{"city":"Bergen","region":"Vestland","country_name":"Norway","latitude":60.39,"longitude":5.32}`))
		case "/10.0.0.1/json/":
			w.Write([]byte(`{"error":true,"reason":"Reserved IP Address"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	l := NewLocator(srv.URL, nil)
	p, err := l.Locate(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	want := Place{City: "Bergen", Region: "Vestland", Country: "Norway", Lat: 60.39, Lon: 5.32}
	if *p != want {
		t.Errorf("Place = %+v", *p)
	}
	l.Locate(context.Background(), "")
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (cached)", calls.Load())
	}

	if _, err := l.Locate(context.Background(), "10.0.0.1"); err == nil || !strings.Contains(err.Error(), "Reserved") {
		t.Errorf("err = %v, want reserved-address error", err)
	}
}

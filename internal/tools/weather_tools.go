package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/nugget/mimir/internal/weather"
)

// WeatherReporter returns weather for a place. weather.Client satisfies it.
type WeatherReporter interface {
	Weather(ctx context.Context, q weather.Query) (*weather.Report, error)
}

// Locator resolves an IP address to a place. weather.Locator satisfies it.
type Locator interface {
	Locate(ctx context.Context, ip string) (*weather.Place, error)
}

// SetWeather adds the get_weather and get_location tools.
func (r *Registry) SetWeather(w WeatherReporter, l Locator) {
	r.weather = w
	r.locator = l

	r.Register(&Tool{
		Name:        "get_weather",
		Description: "Current weather and a five day forecast for a city, or for coordinates.",
		Format:      "[TOOL:get_weather|location=<city>] or [TOOL:get_weather|lat=<lat>|lon=<lon>]",
		Status:      "Consulting the skies...",
		Handler:     r.handleGetWeather,
	})
	r.Register(&Tool{
		Name:        "get_location",
		Description: "Find the user's approximate location from their network address.",
		Format:      "[TOOL:get_location]",
		Status:      "Divining your location...",
		Handler:     r.handleGetLocation,
	})
}

func (r *Registry) handleGetWeather(ctx context.Context, call Call) (any, error) {
	lat, err := floatParam(call.Params, "lat")
	if err != nil {
		return nil, err
	}
	lon, err := floatParam(call.Params, "lon")
	if err != nil {
		return nil, err
	}
	q := weather.Query{Location: call.Params.Value("location"), Lat: lat, Lon: lon}
	if q.Location == "" && (lat == nil || lon == nil) {
		return nil, fmt.Errorf("%w: location or lat and lon", ErrMissingParam)
	}

	report, err := r.weather.Weather(ctx, q)
	var nf *weather.LocationNotFoundError
	if errors.As(err, &nf) {
		return map[string]any{"error": nf.Error()}, nil
	}
	if err != nil {
		return nil, err
	}
	return report, nil
}

func (r *Registry) handleGetLocation(ctx context.Context, call Call) (any, error) {
	return r.locator.Locate(ctx, call.Params.Value("ip"))
}

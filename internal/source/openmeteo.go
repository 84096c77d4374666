package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/kjstillabower/weather-pipeline/internal/models"
)

// OpenMeteoAdapter fetches current conditions from the keyless Open-Meteo
// forecast API. Open-Meteo is coordinate-based, so queries without a lat/lon
// pair fail with ErrNotFound.
type OpenMeteoAdapter struct {
	name    string
	apiURL  string
	timeout time.Duration
	client  *http.Client
}

// NewOpenMeteoAdapter creates an Open-Meteo adapter.
func NewOpenMeteoAdapter(name, apiURL string, timeout time.Duration) *OpenMeteoAdapter {
	if apiURL == "" {
		apiURL = "https://api.open-meteo.com/v1/forecast"
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &OpenMeteoAdapter{
		name:    name,
		apiURL:  apiURL,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

// Name implements Adapter.
func (a *OpenMeteoAdapter) Name() string { return a.name }

// Fetch implements Adapter.
func (a *OpenMeteoAdapter) Fetch(ctx context.Context, q models.Query) (models.RawPayload, error) {
	if !q.HasCoord {
		return models.RawPayload{}, fmt.Errorf("%s: %w: query has no coordinates", a.name, ErrNotFound)
	}

	reqCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	baseURL, err := url.Parse(a.apiURL)
	if err != nil {
		return models.RawPayload{}, fmt.Errorf("%s: invalid API URL: %w", a.name, err)
	}
	params := url.Values{}
	params.Set("latitude", fmt.Sprintf("%.4f", q.Lat))
	params.Set("longitude", fmt.Sprintf("%.4f", q.Lon))
	params.Set("current", "temperature_2m,relative_humidity_2m,wind_speed_10m,surface_pressure,weather_code")
	baseURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(reqCtx, "GET", baseURL.String(), nil)
	if err != nil {
		return models.RawPayload{}, fmt.Errorf("%s: create request: %w", a.name, err)
	}
	req.Header.Set("Accept", "application/json")
	return doFetch(reqCtx, a.client, req, a.name)
}

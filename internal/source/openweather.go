package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/kjstillabower/weather-pipeline/internal/models"
)

// OpenWeatherAdapter fetches current conditions from the OpenWeatherMap API.
type OpenWeatherAdapter struct {
	name    string
	apiKey  string
	apiURL  string
	timeout time.Duration
	client  *http.Client
}

// NewOpenWeatherAdapter creates an adapter for the OpenWeatherMap current
// weather endpoint. An API key is required.
func NewOpenWeatherAdapter(name, apiKey, apiURL string, timeout time.Duration) (*OpenWeatherAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openweather: API key is required")
	}
	if len(apiKey) < 10 {
		return nil, fmt.Errorf("openweather: API key appears invalid (too short)")
	}
	if apiURL == "" {
		apiURL = "https://api.openweathermap.org/data/2.5/weather"
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &OpenWeatherAdapter{
		name:    name,
		apiKey:  apiKey,
		apiURL:  apiURL,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// Name implements Adapter.
func (a *OpenWeatherAdapter) Name() string { return a.name }

// Fetch implements Adapter. Single attempt; retries belong to the orchestrator.
func (a *OpenWeatherAdapter) Fetch(ctx context.Context, q models.Query) (models.RawPayload, error) {
	reqCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := a.buildRequest(reqCtx, q)
	if err != nil {
		return models.RawPayload{}, fmt.Errorf("%s: build request: %w", a.name, err)
	}
	return doFetch(reqCtx, a.client, req, a.name)
}

func (a *OpenWeatherAdapter) buildRequest(ctx context.Context, q models.Query) (*http.Request, error) {
	baseURL, err := url.Parse(a.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	params := url.Values{}
	if q.HasCoord {
		params.Set("lat", fmt.Sprintf("%.4f", q.Lat))
		params.Set("lon", fmt.Sprintf("%.4f", q.Lon))
	} else {
		params.Set("q", q.Location)
	}
	params.Set("appid", a.apiKey)
	params.Set("units", "metric")
	baseURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", baseURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if q.ID != "" {
		req.Header.Set("X-Correlation-ID", q.ID)
	}
	return req, nil
}

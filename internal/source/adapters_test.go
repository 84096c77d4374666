package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kjstillabower/weather-pipeline/internal/models"
)

// TestOpenWeatherAdapter_FetchByLocation verifies the request carries the
// location, API key, metric units, and correlation header.
func TestOpenWeatherAdapter_FetchByLocation(t *testing.T) {
	var gotQuery, gotCorrelation string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		gotCorrelation = r.Header.Get("X-Correlation-ID")
		if r.URL.Query().Get("appid") != "test-key-1234567890" {
			t.Errorf("appid = %q, want configured key", r.URL.Query().Get("appid"))
		}
		if r.URL.Query().Get("units") != "metric" {
			t.Errorf("units = %q, want metric", r.URL.Query().Get("units"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"main":{"temp":12.5}}`))
	}))
	defer srv.Close()

	a, err := NewOpenWeatherAdapter("openweather", "test-key-1234567890", srv.URL, time.Second)
	if err != nil {
		t.Fatalf("NewOpenWeatherAdapter() error = %v", err)
	}

	q := models.NewQuery("London", time.Now())
	payload, err := a.Fetch(context.Background(), q)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if gotQuery != "London" {
		t.Errorf("q param = %q, want London", gotQuery)
	}
	if gotCorrelation != q.ID {
		t.Errorf("X-Correlation-ID = %q, want query id %q", gotCorrelation, q.ID)
	}
	if payload.Source != "openweather" {
		t.Errorf("payload source = %q, want openweather", payload.Source)
	}
	if len(payload.Body) == 0 {
		t.Error("payload body is empty")
	}
	if payload.FetchedAt.IsZero() || payload.Latency <= 0 {
		t.Error("payload timing not recorded")
	}
}

// TestOpenWeatherAdapter_FetchByCoordinates verifies lat/lon are sent instead
// of q when the query carries coordinates.
func TestOpenWeatherAdapter_FetchByCoordinates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("lat") != "51.5000" || r.URL.Query().Get("lon") != "-0.1000" {
			t.Errorf("lat/lon = %q/%q, want 51.5000/-0.1000",
				r.URL.Query().Get("lat"), r.URL.Query().Get("lon"))
		}
		if r.URL.Query().Get("q") != "" {
			t.Errorf("q param = %q, want empty for coordinate query", r.URL.Query().Get("q"))
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	a, _ := NewOpenWeatherAdapter("openweather", "test-key-1234567890", srv.URL, time.Second)
	q := models.NewQuery("London", time.Now()).WithCoord(51.5, -0.1)
	if _, err := a.Fetch(context.Background(), q); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
}

// TestNewOpenWeatherAdapter_RejectsBadKey verifies construction fails for
// empty or implausibly short API keys.
func TestNewOpenWeatherAdapter_RejectsBadKey(t *testing.T) {
	if _, err := NewOpenWeatherAdapter("ow", "", "", time.Second); err == nil {
		t.Error("expected error for empty API key")
	}
	if _, err := NewOpenWeatherAdapter("ow", "short", "", time.Second); err == nil {
		t.Error("expected error for short API key")
	}
}

// TestOpenMeteoAdapter_RequiresCoordinates verifies a location-only query
// fails with ErrNotFound without touching the network.
func TestOpenMeteoAdapter_RequiresCoordinates(t *testing.T) {
	a := NewOpenMeteoAdapter("open-meteo", "http://127.0.0.1:0", time.Second)
	_, err := a.Fetch(context.Background(), models.NewQuery("London", time.Now()))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Fetch() error = %v, want ErrNotFound", err)
	}
}

// TestOpenMeteoAdapter_Fetch verifies the coordinate parameters and current
// field list are sent.
func TestOpenMeteoAdapter_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("latitude") != "35.6800" {
			t.Errorf("latitude = %q, want 35.6800", r.URL.Query().Get("latitude"))
		}
		if r.URL.Query().Get("current") == "" {
			t.Error("current field list missing")
		}
		w.Write([]byte(`{"current":{"temperature_2m":20.1}}`))
	}))
	defer srv.Close()

	a := NewOpenMeteoAdapter("open-meteo", srv.URL, time.Second)
	q := models.NewQuery("Tokyo", time.Now()).WithCoord(35.68, 139.69)
	payload, err := a.Fetch(context.Background(), q)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if payload.Source != "open-meteo" {
		t.Errorf("payload source = %q, want open-meteo", payload.Source)
	}
}

// TestBingScrapeAdapter_Fetch verifies the search query and browser headers.
func TestBingScrapeAdapter_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") != "London weather" {
			t.Errorf("q = %q, want \"London weather\"", r.URL.Query().Get("q"))
		}
		if r.Header.Get("User-Agent") != browserUserAgent {
			t.Errorf("User-Agent = %q, want browser UA", r.Header.Get("User-Agent"))
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body>weather page</body></html>`))
	}))
	defer srv.Close()

	a := NewBingScrapeAdapter("bing-scrape", srv.URL, time.Second)
	payload, err := a.Fetch(context.Background(), models.NewQuery("London", time.Now()))
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if payload.ContentType != "text/html" {
		t.Errorf("ContentType = %q, want text/html", payload.ContentType)
	}
}

// TestDoFetch_StatusMapping verifies HTTP failures surface as taxonomy errors.
func TestDoFetch_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, ErrNotFound},
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusGatewayTimeout, ErrTimeout},
		{http.StatusBadGateway, ErrFormatChanged},
	}
	for _, tc := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		a := NewOpenMeteoAdapter("open-meteo", srv.URL, time.Second)
		_, err := a.Fetch(context.Background(), models.NewQuery("x", time.Now()).WithCoord(1, 2))
		if !errors.Is(err, tc.want) {
			t.Errorf("status %d: error = %v, want %v", tc.status, err, tc.want)
		}
		srv.Close()
	}
}

// TestDoFetch_Cancellation verifies a cancelled context aborts the fetch.
func TestDoFetch_Cancellation(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	a := NewOpenMeteoAdapter("open-meteo", srv.URL, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := a.Fetch(ctx, models.NewQuery("x", time.Now()).WithCoord(1, 2))
	if err == nil {
		t.Fatal("Fetch() expected error after cancellation, got nil")
	}
	if Classify(err) != KindCancelled && Classify(err) != KindTimeout {
		t.Errorf("Classify(%v) = %q, want cancelled or timeout", err, Classify(err))
	}
}

// TestRegistry_RegisterAndLookup verifies registration, duplicate rejection,
// and sorted name listing.
func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	a := NewOpenMeteoAdapter("open-meteo", "", time.Second)
	b := NewBingScrapeAdapter("bing-scrape", "", time.Second)

	if err := r.Register(a); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register(b); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register(a); err == nil {
		t.Error("Register() expected error for duplicate name")
	}

	got, ok := r.Get("open-meteo")
	if !ok || got.Name() != "open-meteo" {
		t.Errorf("Get(open-meteo) = %v, %v", got, ok)
	}
	names := r.Names()
	if len(names) != 2 || names[0] != "bing-scrape" || names[1] != "open-meteo" {
		t.Errorf("Names() = %v, want sorted [bing-scrape open-meteo]", names)
	}
}

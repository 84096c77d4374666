package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kjstillabower/weather-pipeline/internal/models"
)

// browserUserAgent makes the scrape request look like an ordinary browser;
// Bing serves a reduced page to unknown agents.
const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

// BingScrapeAdapter fetches the Bing search results page for "<location>
// weather" and returns the raw HTML. Extraction of the weather answer box is
// done by the Normalizer so this adapter stays a pure transport.
type BingScrapeAdapter struct {
	name    string
	baseURL string
	timeout time.Duration
	client  *http.Client
}

// NewBingScrapeAdapter creates a Bing scrape adapter.
func NewBingScrapeAdapter(name, baseURL string, timeout time.Duration) *BingScrapeAdapter {
	if baseURL == "" {
		baseURL = "https://www.bing.com/search"
	}
	if timeout <= 0 {
		timeout = 4 * time.Second
	}
	return &BingScrapeAdapter{
		name:    name,
		baseURL: baseURL,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

// Name implements Adapter.
func (a *BingScrapeAdapter) Name() string { return a.name }

// Fetch implements Adapter.
func (a *BingScrapeAdapter) Fetch(ctx context.Context, q models.Query) (models.RawPayload, error) {
	reqCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	baseURL, err := url.Parse(a.baseURL)
	if err != nil {
		return models.RawPayload{}, fmt.Errorf("%s: invalid base URL: %w", a.name, err)
	}
	params := url.Values{}
	params.Set("q", strings.TrimSpace(q.Location)+" weather")
	baseURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(reqCtx, "GET", baseURL.String(), nil)
	if err != nil {
		return models.RawPayload{}, fmt.Errorf("%s: create request: %w", a.name, err)
	}
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	return doFetch(reqCtx, a.client, req, a.name)
}

package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kjstillabower/weather-pipeline/internal/models"
)

// maxPayloadBytes bounds the size of an upstream response body.
const maxPayloadBytes = 1 << 20 // 1 MiB

// doFetch executes req, classifies the HTTP outcome onto the fetch taxonomy,
// and packages the body as a RawPayload tagged with source. One attempt only;
// retry policy belongs to the orchestrator.
func doFetch(ctx context.Context, client *http.Client, req *http.Request, source string) (models.RawPayload, error) {
	start := time.Now()

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return models.RawPayload{}, fmt.Errorf("%s: %w: %v", source, ErrTimeout, err)
		}
		if errors.Is(err, context.Canceled) {
			return models.RawPayload{}, fmt.Errorf("%s: request cancelled: %w", source, err)
		}
		return models.RawPayload{}, fmt.Errorf("%s: http request failed: %w", source, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(source, resp.StatusCode); err != nil {
		return models.RawPayload{}, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return models.RawPayload{}, fmt.Errorf("%s: read response body: %w", source, err)
	}

	return models.RawPayload{
		Source:      source,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		FetchedAt:   time.Now().UTC(),
		Latency:     time.Since(start),
	}, nil
}

// classifyStatus maps an HTTP status code onto the fetch error taxonomy.
func classifyStatus(source string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return fmt.Errorf("%s: %w", source, ErrNotFound)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%s: %w", source, ErrRateLimited)
	case status == http.StatusGatewayTimeout:
		return fmt.Errorf("%s: %w: HTTP %d", source, ErrTimeout, status)
	default:
		return fmt.Errorf("%s: %w: unexpected HTTP %d", source, ErrFormatChanged, status)
	}
}

package source

import (
	"context"
	"errors"
	"strings"
)

// Fetch error taxonomy. Adapters wrap these sentinels so the orchestrator can
// classify failures with errors.Is.
var (
	ErrTimeout       = errors.New("fetch timeout")
	ErrNotFound      = errors.New("location not found")
	ErrFormatChanged = errors.New("upstream format changed")
	ErrRateLimited   = errors.New("rate limited by upstream")
)

// FetchKind is the classified kind of an adapter failure.
type FetchKind string

const (
	KindTimeout       FetchKind = "timeout"
	KindNotFound      FetchKind = "not_found"
	KindFormatChanged FetchKind = "format_changed"
	KindRateLimited   FetchKind = "rate_limited"
	KindCancelled     FetchKind = "cancelled"
	KindUnknown       FetchKind = "unknown"
)

// Classify maps an adapter error onto the fetch taxonomy.
func Classify(err error) FetchKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrFormatChanged):
		return KindFormatChanged
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	}
	if s := err.Error(); strings.Contains(s, "timeout") || strings.Contains(s, "deadline exceeded") {
		return KindTimeout
	}
	return KindUnknown
}

// Retryable reports whether the orchestrator should retry the attempt.
// NotFound and FormatChanged are fatal for a source within one query;
// timeouts, rate limits and transient transport failures are worth retrying.
func Retryable(err error) bool {
	switch Classify(err) {
	case KindNotFound, KindFormatChanged, KindCancelled:
		return false
	case "":
		return false
	}
	return true
}

// Package normalize maps raw source payloads into canonical weather records.
// Normalization is pure and deterministic: no network, no cache, no clock
// beyond the fetch timestamp already carried in the payload.
package normalize

import (
	"fmt"

	"github.com/kjstillabower/weather-pipeline/internal/models"
)

// NormalizationError reports a payload that could not be mapped into a
// WeatherRecord. One failing source never aborts a whole query; the
// orchestrator records the error in that source's report.
type NormalizationError struct {
	Source string
	Reason string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize %s: %s", e.Source, e.Reason)
}

// ParseFunc maps one payload variant into a WeatherRecord.
type ParseFunc func(models.RawPayload) (models.WeatherRecord, error)

// Normalizer holds the per-source parser table. It is total over the
// registered variant set: every payload either yields a complete record or a
// NormalizationError, never a partially filled record.
type Normalizer struct {
	parsers map[string]ParseFunc
}

// New returns a Normalizer with no registered parsers.
func New() *Normalizer {
	return &Normalizer{parsers: make(map[string]ParseFunc)}
}

// Register binds a parser to a source id. Called once at startup per source.
func (n *Normalizer) Register(sourceID string, fn ParseFunc) error {
	if fn == nil {
		return fmt.Errorf("normalize: nil parser for %q", sourceID)
	}
	if _, exists := n.parsers[sourceID]; exists {
		return fmt.Errorf("normalize: parser for %q already registered", sourceID)
	}
	n.parsers[sourceID] = fn
	return nil
}

// ParserForKind returns the builtin parser for a payload shape.
func ParserForKind(kind string) (ParseFunc, error) {
	switch kind {
	case "openweather":
		return ParseOpenWeather, nil
	case "openmeteo":
		return ParseOpenMeteo, nil
	case "bing":
		return ParseBing, nil
	default:
		return nil, fmt.Errorf("normalize: unknown payload kind %q", kind)
	}
}

// Normalize maps p into a canonical record. Unknown sources and unparseable
// bodies fail with a NormalizationError.
func (n *Normalizer) Normalize(p models.RawPayload) (models.WeatherRecord, error) {
	fn, ok := n.parsers[p.Source]
	if !ok {
		return models.WeatherRecord{}, &NormalizationError{Source: p.Source, Reason: "no parser registered for source"}
	}
	rec, err := fn(p)
	if err != nil {
		return models.WeatherRecord{}, err
	}
	rec.Provenance = p.Source
	rec.FetchLatency = p.Latency
	if rec.ObservedAt.IsZero() {
		rec.ObservedAt = p.FetchedAt
	}
	return rec, nil
}

// Plausibility bounds from upstream observation sanity checks. Values outside
// these ranges are explicitly marked unavailable rather than passed through.
const (
	minTemperatureC = -100
	maxTemperatureC = 60
	minHumidityPct  = 0
	maxHumidityPct  = 100
	minPressureHpa  = 800
	maxPressureHpa  = 1200
	minWindKmh      = 0
	maxWindKmh      = 500
)

// boundedReading returns an available Reading when v is within [min, max],
// otherwise an explicitly unavailable one.
func boundedReading(v, min, max float64) models.Reading {
	if v < min || v > max {
		return models.Unavail()
	}
	return models.Avail(v)
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// Query describes a single weather lookup. A Query is immutable once issued;
// the pipeline never modifies it after NewQuery.
type Query struct {
	ID       string    `json:"id"`
	Location string    `json:"location"`
	Lat      float64   `json:"lat,omitempty"`
	Lon      float64   `json:"lon,omitempty"`
	HasCoord bool      `json:"hasCoord,omitempty"`
	At       time.Time `json:"at"`
	Fields   []string  `json:"fields,omitempty"` // empty = all fields
}

// NewQuery builds a Query for location at the given time, assigning a fresh
// query ID used for log correlation across the pipeline.
func NewQuery(location string, at time.Time) Query {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return Query{
		ID:       uuid.New().String(),
		Location: location,
		At:       at,
	}
}

// WithCoord returns a copy of the query carrying a lat/lon pair.
func (q Query) WithCoord(lat, lon float64) Query {
	q.Lat = lat
	q.Lon = lon
	q.HasCoord = true
	return q
}

// RawPayload is the opaque result of one adapter fetch, tagged with source
// identity. It is produced by exactly one adapter call and consumed once by
// the Normalizer.
type RawPayload struct {
	Source      string
	ContentType string
	Body        []byte
	FetchedAt   time.Time
	Latency     time.Duration
}

// Reading is a numeric observation that is either present or explicitly
// unavailable. Fields are never silently dropped: an absent or implausible
// value is carried as OK=false.
type Reading struct {
	Value float64 `json:"value"`
	OK    bool    `json:"ok"`
}

// Avail returns a present Reading.
func Avail(v float64) Reading { return Reading{Value: v, OK: true} }

// Unavail returns an explicitly unavailable Reading.
func Unavail() Reading { return Reading{} }

// SourceReport records the outcome of one source's participation in a query.
// Every attempted source gets exactly one report, success or failure.
type SourceReport struct {
	Source   string        `json:"source"`
	OK       bool          `json:"ok"`
	Error    string        `json:"error,omitempty"`
	Attempts int           `json:"attempts"`
	Latency  time.Duration `json:"latency"`
}

// WeatherRecord is the canonical normalized observation. Provenance names the
// source whose payload produced the record; Reports carries the per-source
// diagnostics for every source the query touched.
type WeatherRecord struct {
	Location     string         `json:"location"`
	ObservedAt   time.Time      `json:"observedAt"`
	Temperature  Reading        `json:"temperature"` // degrees Celsius
	Humidity     Reading        `json:"humidity"`    // percent
	WindSpeed    Reading        `json:"windSpeed"`   // km/h
	Pressure     Reading        `json:"pressure"`    // hPa
	Conditions   string         `json:"conditions,omitempty"`
	Provenance   string         `json:"provenance"`
	FetchLatency time.Duration  `json:"fetchLatency"`
	Stale        bool           `json:"stale,omitempty"`
	Reports      []SourceReport `json:"reports,omitempty"`
}

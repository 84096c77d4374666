package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrSourceSkipped marks a source that was not attempted because its circuit
// was open or its rate-limit penalty window had not passed.
var ErrSourceSkipped = errors.New("source skipped: circuit open or in backoff")

// AllSourcesUnavailable is returned when no source produced a usable record.
// Reasons carries exactly one failure per source the query touched, keyed by
// source id, so callers can see why each one failed.
type AllSourcesUnavailable struct {
	Reasons map[string]error
}

func (e *AllSourcesUnavailable) Error() string {
	if len(e.Reasons) == 0 {
		return "all sources unavailable"
	}
	ids := make([]string, 0, len(e.Reasons))
	for id := range e.Reasons {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s: %v", id, e.Reasons[id]))
	}
	return "all sources unavailable: " + strings.Join(parts, "; ")
}

package refresh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kjstillabower/weather-pipeline/internal/models"
)

// mockResolver records resolved locations and optionally fails some of them.
type mockResolver struct {
	mu       sync.Mutex
	resolved []string
	failFor  map[string]error
}

func (m *mockResolver) Resolve(ctx context.Context, q models.Query) (models.WeatherRecord, error) {
	m.mu.Lock()
	m.resolved = append(m.resolved, q.Location)
	m.mu.Unlock()
	if err, ok := m.failFor[q.Location]; ok {
		return models.WeatherRecord{}, err
	}
	return models.WeatherRecord{Location: q.Location}, nil
}

func (m *mockResolver) resolvedLocations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.resolved))
	copy(out, m.resolved)
	return out
}

// TestRefresher_RunOnce_ResolvesAllLocations verifies one run touches every
// tracked location.
func TestRefresher_RunOnce_ResolvesAllLocations(t *testing.T) {
	m := &mockResolver{}
	r := New(m, []string{"London", "Tokyo", "New York"}, time.Hour, nil)

	r.runOnce(context.Background())

	got := m.resolvedLocations()
	if len(got) != 3 {
		t.Fatalf("resolved %d locations, want 3: %v", len(got), got)
	}
	seen := make(map[string]bool)
	for _, loc := range got {
		seen[loc] = true
	}
	for _, want := range []string{"London", "Tokyo", "New York"} {
		if !seen[want] {
			t.Errorf("location %q was not refreshed", want)
		}
	}
}

// TestRefresher_RunOnce_FailureDoesNotAbortRun verifies one failing location
// does not stop the others.
func TestRefresher_RunOnce_FailureDoesNotAbortRun(t *testing.T) {
	m := &mockResolver{failFor: map[string]error{"Tokyo": errors.New("all sources unavailable")}}
	r := New(m, []string{"London", "Tokyo", "Paris"}, time.Hour, nil)

	r.runOnce(context.Background())

	if got := m.resolvedLocations(); len(got) != 3 {
		t.Errorf("resolved %d locations, want all 3 despite one failure: %v", len(got), got)
	}
}

// TestRefresher_Start_NoLocations verifies starting with an empty location
// list is a no-op rather than an error.
func TestRefresher_Start_NoLocations(t *testing.T) {
	m := &mockResolver{}
	r := New(m, nil, time.Hour, nil)

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v, want nil for empty location list", err)
	}
	r.Stop()

	if got := m.resolvedLocations(); len(got) != 0 {
		t.Errorf("resolved %v, want nothing with no locations", got)
	}
}

// TestRefresher_StartAndStop verifies the initial refresh fires and Stop
// halts the scheduler cleanly.
func TestRefresher_StartAndStop(t *testing.T) {
	m := &mockResolver{}
	r := New(m, []string{"London"}, time.Hour, nil)

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer r.Stop()

	// The initial run is asynchronous; give it a moment.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(m.resolvedLocations()) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("initial refresh did not run")
}

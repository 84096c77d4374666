package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kjstillabower/weather-pipeline/internal/cache"
	"github.com/kjstillabower/weather-pipeline/internal/models"
	"github.com/kjstillabower/weather-pipeline/internal/normalize"
	"github.com/kjstillabower/weather-pipeline/internal/scheduler"
	"github.com/kjstillabower/weather-pipeline/internal/source"
	"github.com/kjstillabower/weather-pipeline/internal/validation"
)

func newResolverFixture(t *testing.T, cfg ResolverConfig, adapter *mockAdapter) (*Resolver, *cache.InMemoryCache) {
	t.Helper()
	reg := source.NewRegistry()
	norm := normalize.New()
	if err := reg.Register(adapter); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := norm.Register(adapter.name, passthroughParser); err != nil {
		t.Fatalf("norm.Register() error = %v", err)
	}
	sched, err := scheduler.New(scheduler.Config{}, []scheduler.SourceConfig{
		{ID: adapter.name, RPS: 1000, Burst: 1000, FailureThreshold: 100},
	}, nil)
	if err != nil {
		t.Fatalf("scheduler.New() error = %v", err)
	}
	orch := NewOrchestrator(sched, reg, norm, OrchestratorConfig{
		RetryMaxAttempts: 1, RetryBaseDelay: time.Millisecond, RetryMaxDelay: time.Millisecond,
	}, nil)
	c := cache.NewInMemoryCache()
	return NewResolver(orch, c, cfg, nil), c
}

// TestResolver_CacheHitSkipsFetch verifies a second identical query inside the
// TTL never reaches the adapter.
func TestResolver_CacheHitSkipsFetch(t *testing.T) {
	a := &mockAdapter{name: "src", fetchFn: func(ctx context.Context, q models.Query) (models.RawPayload, error) {
		return okPayload("src", time.Now()), nil
	}}
	r, _ := newResolverFixture(t, ResolverConfig{}, a)

	at := time.Now().UTC()
	q1 := models.NewQuery("London", at)
	if _, err := r.Resolve(context.Background(), q1); err != nil {
		t.Fatalf("first Resolve() error = %v", err)
	}
	q2 := models.NewQuery("London", at)
	rec, err := r.Resolve(context.Background(), q2)
	if err != nil {
		t.Fatalf("second Resolve() error = %v", err)
	}
	if a.callCount() != 1 {
		t.Errorf("adapter calls = %d, want 1 (second query served from cache)", a.callCount())
	}
	if rec.Stale {
		t.Error("cached record marked stale, want fresh")
	}
}

// TestResolver_LocationNormalizedForKey verifies case and whitespace variants
// of the same location share a cache entry.
func TestResolver_LocationNormalizedForKey(t *testing.T) {
	a := &mockAdapter{name: "src", fetchFn: func(ctx context.Context, q models.Query) (models.RawPayload, error) {
		return okPayload("src", time.Now()), nil
	}}
	r, _ := newResolverFixture(t, ResolverConfig{}, a)

	at := time.Now().UTC()
	if _, err := r.Resolve(context.Background(), models.NewQuery("London", at)); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if _, err := r.Resolve(context.Background(), models.NewQuery("  LONDON ", at)); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if a.callCount() != 1 {
		t.Errorf("adapter calls = %d, want 1 for location variants", a.callCount())
	}
}

// TestResolver_CoalescesConcurrentQueries verifies N concurrent identical
// queries trigger exactly one fetch and all receive the same record.
func TestResolver_CoalescesConcurrentQueries(t *testing.T) {
	release := make(chan struct{})
	a := &mockAdapter{name: "src", fetchFn: func(ctx context.Context, q models.Query) (models.RawPayload, error) {
		<-release
		return okPayload("src", time.Now()), nil
	}}
	r, _ := newResolverFixture(t, ResolverConfig{}, a)

	const callers = 8
	at := time.Now().UTC()
	var wg sync.WaitGroup
	var okCount int64
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := r.Resolve(context.Background(), models.NewQuery("London", at))
			if err != nil {
				t.Errorf("Resolve() error = %v", err)
				return
			}
			if rec.Provenance == "src" {
				atomic.AddInt64(&okCount, 1)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if a.callCount() != 1 {
		t.Errorf("adapter calls = %d, want 1 for coalesced queries", a.callCount())
	}
	if okCount != callers {
		t.Errorf("successful callers = %d, want %d", okCount, callers)
	}
}

// TestResolver_StaleFallback verifies an expired cache entry is served marked
// stale when every source fails.
func TestResolver_StaleFallback(t *testing.T) {
	var failing int32
	a := &mockAdapter{name: "src", fetchFn: func(ctx context.Context, q models.Query) (models.RawPayload, error) {
		if atomic.LoadInt32(&failing) == 1 {
			return models.RawPayload{}, fmt.Errorf("src: %w", source.ErrFormatChanged)
		}
		return okPayload("src", time.Now()), nil
	}}
	r, c := newResolverFixture(t, ResolverConfig{CacheTTL: 10 * time.Millisecond, StaleMaxAge: time.Hour}, a)

	at := time.Now().UTC()
	if _, err := r.Resolve(context.Background(), models.NewQuery("London", at)); err != nil {
		t.Fatalf("warming Resolve() error = %v", err)
	}

	// Let the entry expire, then break the source.
	time.Sleep(20 * time.Millisecond)
	atomic.StoreInt32(&failing, 1)

	rec, err := r.Resolve(context.Background(), models.NewQuery("London", at))
	if err != nil {
		t.Fatalf("Resolve() error = %v, want stale fallback", err)
	}
	if !rec.Stale {
		t.Error("record not marked stale")
	}
	if rec.Provenance != "src" {
		t.Errorf("Provenance = %q, want original provenance preserved", rec.Provenance)
	}
	if c.Len() != 1 {
		t.Errorf("cache entries = %d, want expired entry retained for stale reads", c.Len())
	}
}

// TestResolver_NoStaleEntryPropagatesError verifies the aggregate error
// surfaces when there is nothing to fall back to.
func TestResolver_NoStaleEntryPropagatesError(t *testing.T) {
	a := &mockAdapter{name: "src", fetchFn: func(ctx context.Context, q models.Query) (models.RawPayload, error) {
		return models.RawPayload{}, fmt.Errorf("src: %w", source.ErrFormatChanged)
	}}
	r, _ := newResolverFixture(t, ResolverConfig{}, a)

	_, err := r.Resolve(context.Background(), models.NewQuery("London", time.Now()))
	var all *AllSourcesUnavailable
	if !errors.As(err, &all) {
		t.Fatalf("Resolve() error = %v, want AllSourcesUnavailable", err)
	}
}

// TestResolver_InvalidLocationRejected verifies validation failures short
// circuit before any fetch.
func TestResolver_InvalidLocationRejected(t *testing.T) {
	a := &mockAdapter{name: "src", fetchFn: func(ctx context.Context, q models.Query) (models.RawPayload, error) {
		return okPayload("src", time.Now()), nil
	}}
	r, _ := newResolverFixture(t, ResolverConfig{}, a)

	_, err := r.Resolve(context.Background(), models.NewQuery("   ", time.Now()))
	if !errors.Is(err, validation.ErrLocationEmpty) {
		t.Errorf("Resolve() error = %v, want ErrLocationEmpty", err)
	}
	if a.callCount() != 0 {
		t.Errorf("adapter calls = %d, want 0 for invalid location", a.callCount())
	}
}

// TestResolver_InvalidCoordinatesRejected verifies out-of-range coordinates
// fail before any fetch.
func TestResolver_InvalidCoordinatesRejected(t *testing.T) {
	a := &mockAdapter{name: "src", fetchFn: func(ctx context.Context, q models.Query) (models.RawPayload, error) {
		return okPayload("src", time.Now()), nil
	}}
	r, _ := newResolverFixture(t, ResolverConfig{}, a)

	q := models.NewQuery("London", time.Now()).WithCoord(95, 0)
	_, err := r.Resolve(context.Background(), q)
	if !errors.Is(err, validation.ErrLatOutOfRange) {
		t.Errorf("Resolve() error = %v, want ErrLatOutOfRange", err)
	}
	if a.callCount() != 0 {
		t.Errorf("adapter calls = %d, want 0", a.callCount())
	}
}

// TestResolver_FieldMasking verifies a field-scoped query blanks everything
// the caller did not ask for.
func TestResolver_FieldMasking(t *testing.T) {
	a := &mockAdapter{name: "src", fetchFn: func(ctx context.Context, q models.Query) (models.RawPayload, error) {
		return okPayload("src", time.Now()), nil
	}}
	r, _ := newResolverFixture(t, ResolverConfig{}, a)

	q := models.NewQuery("London", time.Now())
	q.Fields = []string{"temperature"}
	rec, err := r.Resolve(context.Background(), q)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !rec.Temperature.OK {
		t.Error("Temperature masked out, want available")
	}
	if rec.Humidity.OK || rec.WindSpeed.OK || rec.Pressure.OK || rec.Conditions != "" {
		t.Errorf("unrequested fields present: %+v", rec)
	}
}

// TestResolver_MaskingDoesNotPoisonCache verifies a field-scoped query caches
// the full record for later unscoped queries.
func TestResolver_MaskingDoesNotPoisonCache(t *testing.T) {
	a := &mockAdapter{name: "src", fetchFn: func(ctx context.Context, q models.Query) (models.RawPayload, error) {
		return okPayload("src", time.Now()), nil
	}}
	r, _ := newResolverFixture(t, ResolverConfig{}, a)

	at := time.Now().UTC()
	scoped := models.NewQuery("London", at)
	scoped.Fields = []string{"humidity"}
	if _, err := r.Resolve(context.Background(), scoped); err != nil {
		t.Fatalf("scoped Resolve() error = %v", err)
	}

	full, err := r.Resolve(context.Background(), models.NewQuery("London", at))
	if err != nil {
		t.Fatalf("full Resolve() error = %v", err)
	}
	if a.callCount() != 1 {
		t.Errorf("adapter calls = %d, want 1", a.callCount())
	}
	if !full.Temperature.OK {
		t.Error("cached record lost its temperature after a scoped query")
	}
}

// TestResolver_SetsQueryLocation verifies the served record carries the
// validated query location.
func TestResolver_SetsQueryLocation(t *testing.T) {
	a := &mockAdapter{name: "src", fetchFn: func(ctx context.Context, q models.Query) (models.RawPayload, error) {
		return okPayload("src", time.Now()), nil
	}}
	r, _ := newResolverFixture(t, ResolverConfig{}, a)

	rec, err := r.Resolve(context.Background(), models.NewQuery("  London  ", time.Now()))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if rec.Location != "London" {
		t.Errorf("Location = %q, want trimmed query location", rec.Location)
	}
}

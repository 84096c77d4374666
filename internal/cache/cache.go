package cache

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/kjstillabower/weather-pipeline/internal/models"
)

// Cache defines the interface for weather record caching implementations.
// Get returns a record if present and not expired; GetStale also accepts
// expired records younger than maxStaleAge; Set stores a record with TTL.
type Cache interface {
	Get(ctx context.Context, key string) (models.WeatherRecord, bool, error)
	GetStale(ctx context.Context, key string, maxStaleAge time.Duration) (models.WeatherRecord, bool, error)
	Set(ctx context.Context, key string, value models.WeatherRecord, ttl time.Duration) error
}

// Key derives the cache key for a location and query time: an FNV-64a hash of
// the normalized location and the time bucket the query time falls into.
// Queries inside the same bucket share one key, which is what makes request
// coalescing and dedup work.
func Key(location string, at time.Time, bucket time.Duration) string {
	if bucket <= 0 {
		bucket = 10 * time.Minute
	}
	loc := strings.ToLower(strings.TrimSpace(location))
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d", loc, at.UTC().Truncate(bucket).Unix())
	return fmt.Sprintf("wx:%016x", h.Sum64())
}

// InMemoryCache implements Cache using a mutex-guarded map with TTL-based
// expiration. Entries are immutable after insertion: Set replaces, nothing
// mutates a stored record in place. Expired entries are kept through the
// stale window and removed by the periodic sweep.
type InMemoryCache struct {
	mu   sync.RWMutex
	data map[string]entry
}

// entry stores a cached record with its insertion and expiry timestamps.
type entry struct {
	value     models.WeatherRecord
	storedAt  time.Time
	expiresAt time.Time
}

// NewInMemoryCache creates a new in-memory cache instance.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{data: make(map[string]entry)}
}

// Get retrieves the cached record for key if present and not expired.
// Returns (record, true, nil) on hit, (zero, false, nil) on miss or expiry.
// Expired entries stay in place so GetStale can still serve them; the sweep
// removes them once the stale window passes.
func (c *InMemoryCache) Get(ctx context.Context, key string) (models.WeatherRecord, bool, error) {
	c.mu.RLock()
	e, ok := c.data[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expiresAt) {
		return models.WeatherRecord{}, false, nil
	}
	return e.value, true, nil
}

// GetStale returns the record for key even when expired, as long as it was
// stored within maxStaleAge. Used as a fallback when every upstream fails.
func (c *InMemoryCache) GetStale(ctx context.Context, key string, maxStaleAge time.Duration) (models.WeatherRecord, bool, error) {
	c.mu.RLock()
	e, ok := c.data[key]
	c.mu.RUnlock()
	if !ok {
		return models.WeatherRecord{}, false, nil
	}
	if time.Since(e.storedAt) > maxStaleAge {
		return models.WeatherRecord{}, false, nil
	}
	return e.value, true, nil
}

// Set stores a record with the given TTL, replacing any existing entry.
func (c *InMemoryCache) Set(ctx context.Context, key string, value models.WeatherRecord, ttl time.Duration) error {
	now := time.Now()
	c.mu.Lock()
	c.data[key] = entry{
		value:     value,
		storedAt:  now,
		expiresAt: now.Add(ttl),
	}
	c.mu.Unlock()
	return nil
}

// Len returns the number of entries currently stored, expired or not.
func (c *InMemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// StartSweep removes entries whose stale window has fully passed, every
// interval, until ctx is done. retain is how long expired entries stay
// available for GetStale before the sweep drops them.
func (c *InMemoryCache) StartSweep(ctx context.Context, interval, retain time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sweep(retain)
			}
		}
	}()
}

func (c *InMemoryCache) sweep(retain time.Duration) {
	now := time.Now()
	c.mu.Lock()
	for k, e := range c.data {
		if now.After(e.expiresAt) && now.Sub(e.storedAt) > retain {
			delete(c.data, k)
		}
	}
	c.mu.Unlock()
}

package cache

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/kjstillabower/weather-pipeline/internal/models"
)

// memcachedEntry wraps a record with its store time so GetStale can judge age
// without a second round trip. Memcached items are written with an expiration
// covering the stale window and filtered by age on read.
type memcachedEntry struct {
	Record   models.WeatherRecord `json:"record"`
	StoredAt time.Time            `json:"storedAt"`
	TTL      time.Duration        `json:"ttl"`
}

// MemcachedCache implements Cache using memcached.
type MemcachedCache struct {
	client      *memcache.Client
	staleWindow time.Duration
}

// NewMemcachedCache creates a MemcachedCache. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). staleWindow extends
// item expiration past the TTL so stale reads can still be served.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int, staleWindow time.Duration) (*MemcachedCache, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedCache{client: client, staleWindow: staleWindow}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// Get implements Cache.Get. Returns false, nil on cache miss or when the
// entry's own TTL has passed; false, err on transport error.
func (c *MemcachedCache) Get(ctx context.Context, key string) (models.WeatherRecord, bool, error) {
	e, ok, err := c.fetch(ctx, key)
	if err != nil || !ok {
		return models.WeatherRecord{}, false, err
	}
	if time.Since(e.StoredAt) > e.TTL {
		return models.WeatherRecord{}, false, nil
	}
	return e.Record, true, nil
}

// GetStale implements Cache.GetStale.
func (c *MemcachedCache) GetStale(ctx context.Context, key string, maxStaleAge time.Duration) (models.WeatherRecord, bool, error) {
	e, ok, err := c.fetch(ctx, key)
	if err != nil || !ok {
		return models.WeatherRecord{}, false, err
	}
	if time.Since(e.StoredAt) > maxStaleAge {
		return models.WeatherRecord{}, false, nil
	}
	return e.Record, true, nil
}

func (c *MemcachedCache) fetch(ctx context.Context, key string) (memcachedEntry, bool, error) {
	if ctx.Err() != nil {
		return memcachedEntry{}, false, ctx.Err()
	}
	item, err := c.client.Get(key)
	if err != nil {
		if err == memcache.ErrCacheMiss {
			return memcachedEntry{}, false, nil
		}
		return memcachedEntry{}, false, err
	}
	var e memcachedEntry
	if err := json.Unmarshal(item.Value, &e); err != nil {
		return memcachedEntry{}, false, err
	}
	return e, true, nil
}

// Set implements Cache.Set. The memcached item lives for TTL plus the stale
// window so GetStale keeps working after expiry.
func (c *MemcachedCache) Set(ctx context.Context, key string, value models.WeatherRecord, ttl time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	raw, err := json.Marshal(memcachedEntry{
		Record:   value,
		StoredAt: time.Now().UTC(),
		TTL:      ttl,
	})
	if err != nil {
		return err
	}
	expSec := int32((ttl + c.staleWindow).Seconds())
	const maxRelativeExp = 30 * 24 * 60 * 60 // 30 days
	if expSec <= 0 || expSec > maxRelativeExp {
		expSec = 3600 // fallback 1h if invalid
	}
	return c.client.Set(&memcache.Item{
		Key:        key,
		Value:      raw,
		Expiration: expSec,
	})
}

// Ping checks if memcached is reachable. Used for health checks.
func (c *MemcachedCache) Ping() error {
	return c.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (c *MemcachedCache) Close() error {
	return c.client.Close()
}

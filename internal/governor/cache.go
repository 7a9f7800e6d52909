package governor

import (
	"strings"
	"sync"
	"time"
)

// TTL tiers per market session. Stale-but-recent data is acceptable for
// decisions; burning quota to refresh a quote nobody is trading is not.
const (
	ttlMarketHours = 30 * time.Second
	ttlOffHours    = 10 * time.Minute
	ttlWeekend     = time.Hour
)

var (
	nyOnce sync.Once
	nyLoc  *time.Location
)

func newYork() *time.Location {
	nyOnce.Do(func() {
		loc, err := time.LoadLocation("America/New_York")
		if err != nil {
			loc = time.UTC
		}
		nyLoc = loc
	})
	return nyLoc
}

// SessionTTL returns the cache lifetime for a response fetched at t. The TTL
// is a pure function of the market session: short during regular trading
// hours, longer off-hours, longest over the weekend.
func SessionTTL(t time.Time) time.Duration {
	local := t.In(newYork())
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return ttlWeekend
	}
	minutes := local.Hour()*60 + local.Minute()
	// Regular session 9:30-16:00 ET.
	if minutes >= 9*60+30 && minutes < 16*60 {
		return ttlMarketHours
	}
	return ttlOffHours
}

// CacheKey builds a cache key from an endpoint name and its parameters.
func CacheKey(endpoint string, params ...string) string {
	if len(params) == 0 {
		return endpoint
	}
	return endpoint + "|" + strings.Join(params, "|")
}

type cacheEntry struct {
	value     any
	expiresAt time.Time
}

// Cache stores recent API responses keyed by endpoint and parameters. Reads
// served from the cache consume no rate quota.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
	hits    uint64
	misses  uint64
}

// NewCache creates an empty cache using the given clock.
func NewCache(now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{entries: make(map[string]cacheEntry), now: now}
}

// Get returns the cached value for key when present and unexpired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.now().After(e.expiresAt) {
		if ok {
			delete(c.entries, key)
		}
		c.misses++
		return nil, false
	}
	c.hits++
	return e.value, true
}

// Put stores value under key with a TTL derived from the current session.
func (c *Cache) Put(key string, value any) {
	c.PutTTL(key, value, SessionTTL(c.now()))
}

// PutTTL stores value under key with an explicit TTL.
func (c *Cache) PutTTL(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, expiresAt: c.now().Add(ttl)}
}

// Invalidate drops every entry whose key starts with prefix. Used after
// order submissions so position reads do not serve pre-trade data.
func (c *Cache) Invalidate(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
}

// Len returns the number of stored entries, including expired ones not yet
// evicted.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) counts() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

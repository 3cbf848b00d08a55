package whitelist

import (
	"strings"
	"sync"
	"time"
)

// Clock abstracts time so tests can move it forward.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

type entry struct {
	res      Result
	storedAt time.Time
}

// Cache is a process-wide TTL cache of whitelist results. Entries expire
// individually; an expired entry is dropped on the next read of its key.
type Cache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	clock   Clock
	entries map[string]entry
}

func NewCache(ttl time.Duration, clock Clock) *Cache {
	if clock == nil {
		clock = SystemClock
	}
	return &Cache{ttl: ttl, clock: clock, entries: make(map[string]entry)}
}

// cacheKey scopes an address to a network, case-insensitively.
func cacheKey(network, address string) string {
	return network + ":" + strings.ToLower(address)
}

func (c *Cache) Get(key string) (Result, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return Result{}, false
	}
	if c.clock.Now().Sub(e.storedAt) >= c.ttl {
		c.mu.Lock()
		// re-check: a concurrent Set may have refreshed it
		if cur, ok := c.entries[key]; ok && cur.storedAt.Equal(e.storedAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return Result{}, false
	}
	return e.res, true
}

func (c *Cache) Set(key string, res Result) {
	c.mu.Lock()
	c.entries[key] = entry{res: res, storedAt: c.clock.Now()}
	c.mu.Unlock()
}

func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

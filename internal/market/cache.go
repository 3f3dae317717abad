package market

import (
	"fmt"
	"sync"
	"time"
)

// candleCache is a bounded TTL cache for unparameterized candle requests,
// keyed by (symbol, interval, limit). Eviction removes the oldest entries by
// fetch time once over capacity; entries are not promoted on access.
type candleCache struct {
	mu       sync.Mutex
	items    map[string]cacheEntry
	order    []string // insertion order, oldest first
	ttl      time.Duration
	capacity int
	now      func() time.Time
}

type cacheEntry struct {
	candles   []Candle
	fetchedAt time.Time
}

func newCandleCache(ttl time.Duration, capacity int) *candleCache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	if capacity <= 0 {
		capacity = 100
	}
	return &candleCache{
		items:    make(map[string]cacheEntry),
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
	}
}

func cacheKey(symbol, interval string, limit int) string {
	return fmt.Sprintf("%s|%s|%d", symbol, interval, limit)
}

func (c *candleCache) get(symbol, interval string, limit int) ([]Candle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.items[cacheKey(symbol, interval, limit)]
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.fetchedAt) > c.ttl {
		return nil, false
	}
	out := make([]Candle, len(entry.candles))
	copy(out, entry.candles)
	return out, true
}

func (c *candleCache) put(symbol, interval string, limit int, candles []Candle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(symbol, interval, limit)
	if _, exists := c.items[key]; !exists {
		c.order = append(c.order, key)
	}
	stored := make([]Candle, len(candles))
	copy(stored, candles)
	c.items[key] = cacheEntry{candles: stored, fetchedAt: c.now()}

	for len(c.items) > c.capacity && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.items, oldest)
	}
}

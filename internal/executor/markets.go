package executor

import (
	"sync"
	"time"

	"github.com/alanyoungcy/polymirror/internal/domain"
)

// marketCache remembers market metadata for a TTL so a burst of copies into
// one market costs a single lookup. It is safe for concurrent use.
type marketCache struct {
	entries map[string]cachedMarket
	ttl     time.Duration
	now     func() time.Time
	mu      sync.Mutex
}

type cachedMarket struct {
	info    domain.MarketInfo
	fetched time.Time
}

func newMarketCache(ttl time.Duration) *marketCache {
	return &marketCache{
		entries: make(map[string]cachedMarket),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns a cached market younger than the TTL.
func (c *marketCache) Get(id string) (domain.MarketInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok || c.now().Sub(e.fetched) >= c.ttl {
		return domain.MarketInfo{}, false
	}
	return e.info, true
}

// Put stores a tradable market. Anything else is looked up again next time.
func (c *marketCache) Put(id string, info domain.MarketInfo) {
	if c.ttl <= 0 || !info.Tradable() {
		return
	}
	c.mu.Lock()
	c.entries[id] = cachedMarket{info: info, fetched: c.now()}
	c.mu.Unlock()
}

// Cleanup drops expired entries. Run periodically to bound memory.
func (c *marketCache) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for id, e := range c.entries {
		if now.Sub(e.fetched) >= c.ttl {
			delete(c.entries, id)
		}
	}
}

// Len is the number of cached markets.
func (c *marketCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

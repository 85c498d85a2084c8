package price

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"liquiditySync/internal/model"
)

// Remote is the distributed price cache, implemented by redis.Cache.
type Remote interface {
	GetPrices(ctx context.Context, tokens []common.Address) (map[common.Address]model.PriceRecord, error)
	SetPrices(ctx context.Context, prices map[common.Address]model.PriceRecord) error
}

// SharedCache is the process-wide price cache. Entries older than the TTL are
// treated as absent.
type SharedCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[common.Address]Quote
	now     func() time.Time
}

func NewSharedCache(ttl time.Duration) *SharedCache {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &SharedCache{ttl: ttl, entries: make(map[common.Address]Quote), now: time.Now}
}

// Get returns a quote younger than the TTL.
func (c *SharedCache) Get(token common.Address) (Quote, bool) {
	c.mu.RLock()
	q, ok := c.entries[token]
	c.mu.RUnlock()
	if !ok || c.now().Sub(q.ObservedAt) >= c.ttl {
		return Quote{}, false
	}
	return q, true
}

func (c *SharedCache) Put(quotes ...Quote) {
	c.mu.Lock()
	for _, q := range quotes {
		c.entries[q.Token] = q
	}
	c.mu.Unlock()
}

// Snapshot returns fresh entries sorted by token.
func (c *SharedCache) Snapshot() []Quote {
	now := c.now()
	c.mu.RLock()
	out := make([]Quote, 0, len(c.entries))
	for _, q := range c.entries {
		if now.Sub(q.ObservedAt) < c.ttl {
			out = append(out, q)
		}
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return shortHex(out[i].Token) < shortHex(out[j].Token)
	})
	return out
}

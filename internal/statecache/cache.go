package statecache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"liquiditySync/internal/dex"
	"liquiditySync/internal/metrics"
	"liquiditySync/internal/model"
)

const shardCount = 64

// Config holds the freshness policy.
type Config struct {
	Tolerance        uint64
	TouchedTolerance uint64
	// TouchedWindow is how many blocks after a touch notification a pool
	// stays on the touched policy.
	TouchedWindow uint64
	TouchedTTL    time.Duration
	UntouchedTTL  time.Duration
	// FailureThreshold consecutive revert or decode failures quarantine a
	// pool for QuarantineCooldown.
	FailureThreshold   int
	QuarantineCooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.Tolerance == 0 {
		c.Tolerance = 5
	}
	if c.TouchedTolerance == 0 {
		c.TouchedTolerance = 1
	}
	if c.TouchedWindow == 0 {
		c.TouchedWindow = 5
	}
	if c.TouchedTTL <= 0 {
		c.TouchedTTL = 30 * time.Second
	}
	if c.UntouchedTTL <= 0 {
		c.UntouchedTTL = 300 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.QuarantineCooldown <= 0 {
		c.QuarantineCooldown = 10 * time.Minute
	}
	return c
}

// HotChecker reports hot-set membership. hotpool.Manager implements it.
type HotChecker interface {
	IsHot(pool common.Address) bool
}

// Snapshot is a copy of a cached pool state handed to callers.
type Snapshot struct {
	Pool        common.Address
	State       model.PoolState
	Block       uint64
	Fingerprint [32]byte
	Touched     bool
	ObservedAt  time.Time
	ExpiresAt   time.Time
}

type entry struct {
	state       model.PoolState
	block       uint64
	fingerprint [32]byte
	observedAt  time.Time
	expiresAt   time.Time
}

type shard struct {
	mu      sync.RWMutex
	entries map[common.Address]*entry
}

// Validation is the outcome of checking an entry against a request.
type Validation int

const (
	Valid Validation = iota
	NotFound
	BlockOutOfTolerance
	Expired
	Invalidated
)

func (v Validation) String() string {
	switch v {
	case Valid:
		return "hit"
	case NotFound:
		return "not_found"
	case BlockOutOfTolerance:
		return "block_out_of_tolerance"
	case Expired:
		return "expired"
	case Invalidated:
		return "invalidated"
	default:
		return "unknown"
	}
}

// Cache is the just-in-time pool state cache. Misses are read through the
// batch caller in a single multicall per request.
type Cache struct {
	cfg      Config
	shards   [shardCount]shard
	caller   dex.BatchCaller
	adapters *dex.Registry
	remote   RemoteStates
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	hot atomic.Pointer[hotHolder]

	touchMu sync.RWMutex
	touched map[common.Address]uint64

	flights    inflight
	quarantine *quarantine

	hits   atomic.Uint64
	misses atomic.Uint64
}

type hotHolder struct {
	checker HotChecker
}

// New builds a cache. remote may be nil.
func New(caller dex.BatchCaller, adapters *dex.Registry, remote RemoteStates, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.Discard()
	}
	cfg = cfg.withDefaults()
	c := &Cache{
		cfg:      cfg,
		caller:   caller,
		adapters: adapters,
		remote:   remote,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
		touched:  make(map[common.Address]uint64),
		flights:  inflight{calls: make(map[common.Address]*flight)},

		quarantine: newQuarantine(cfg.FailureThreshold, cfg.QuarantineCooldown),
	}
	for i := range c.shards {
		c.shards[i].entries = make(map[common.Address]*entry)
	}
	return c
}

// SetHotChecker wires the hot set into the TTL policy.
func (c *Cache) SetHotChecker(h HotChecker) {
	c.hot.Store(&hotHolder{checker: h})
}

func (c *Cache) isHot(pool common.Address) bool {
	holder := c.hot.Load()
	return holder != nil && holder.checker != nil && holder.checker.IsHot(pool)
}

func (c *Cache) shardFor(pool common.Address) *shard {
	return &c.shards[int(pool[common.AddressLength-1])%shardCount]
}

// policy returns the TTL and block tolerance for pool at head.
func (c *Cache) policy(pool common.Address, head uint64) (time.Duration, uint64) {
	if c.IsTouched(pool, head) {
		return c.cfg.TouchedTTL, c.cfg.TouchedTolerance
	}
	if c.isHot(pool) {
		return c.cfg.UntouchedTTL / 2, c.cfg.Tolerance
	}
	return c.cfg.UntouchedTTL, c.cfg.Tolerance
}

func (c *Cache) touchedAt(pool common.Address) (uint64, bool) {
	c.touchMu.RLock()
	block, ok := c.touched[pool]
	c.touchMu.RUnlock()
	return block, ok
}

// IsTouched reports whether a touch notification for pool arrived within the
// touched window of head.
func (c *Cache) IsTouched(pool common.Address, head uint64) bool {
	block, ok := c.touchedAt(pool)
	if !ok {
		return false
	}
	return block >= head || head-block <= c.cfg.TouchedWindow
}

func (c *Cache) validate(e *entry, pool common.Address, block uint64, now time.Time) Validation {
	if e == nil {
		return NotFound
	}
	if c.touchInvalidates(pool, e.block, block) {
		return Invalidated
	}
	_, tolerance := c.policy(pool, block)
	if absDiff(block, e.block) > tolerance {
		return BlockOutOfTolerance
	}
	if !now.Before(e.expiresAt) {
		return Expired
	}
	return Valid
}

// touchInvalidates reports whether a touch falls after an observation at
// observed and no later than the requested block. A touch past the requested
// block says nothing about the state at that block.
func (c *Cache) touchInvalidates(pool common.Address, observed, requested uint64) bool {
	touched, ok := c.touchedAt(pool)
	return ok && touched > observed && touched <= requested
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

func (c *Cache) snapshot(pool common.Address, e *entry, head uint64) Snapshot {
	return Snapshot{
		Pool:        pool,
		State:       e.state,
		Block:       e.block,
		Fingerprint: e.fingerprint,
		Touched:     c.IsTouched(pool, head),
		ObservedAt:  e.observedAt,
		ExpiresAt:   e.expiresAt,
	}
}

// lookup returns a snapshot when the entry is valid for block.
func (c *Cache) lookup(pool common.Address, block uint64) (Snapshot, Validation) {
	now := c.now()
	s := c.shardFor(pool)
	s.mu.RLock()
	e := s.entries[pool]
	var snap Snapshot
	result := c.validate(e, pool, block, now)
	if result == Valid {
		snap = c.snapshot(pool, e, block)
	}
	s.mu.RUnlock()
	return snap, result
}

// store writes a fetched state. An unchanged fingerprint keeps the entry,
// moves its block forward and extends the expiry only once it has lapsed. A
// changed fingerprint replaces the entry with a fresh TTL.
func (c *Cache) store(pool common.Address, state model.PoolState, block uint64) (Snapshot, bool) {
	fp := Fingerprint(state)
	ttl, _ := c.policy(pool, block)
	now := c.now()

	s := c.shardFor(pool)
	s.mu.Lock()
	e, ok := s.entries[pool]
	changed := !ok || e.fingerprint != fp
	if changed {
		e = &entry{state: state, block: block, fingerprint: fp, observedAt: now, expiresAt: now.Add(ttl)}
		s.entries[pool] = e
	} else {
		if block > e.block {
			e.block = block
		}
		e.observedAt = now
		// A shorter policy, such as a new touch, still caps the expiry.
		if limit := now.Add(ttl); !now.Before(e.expiresAt) || e.expiresAt.After(limit) {
			e.expiresAt = limit
		}
	}
	snap := c.snapshot(pool, e, block)
	s.mu.Unlock()

	if !ok {
		c.metrics.CacheEntries.Inc()
	}
	return snap, changed
}

// Seed stores a state obtained outside the cache, such as a hot-pool
// validation read.
func (c *Cache) Seed(pool common.Address, state model.PoolState, block uint64) Snapshot {
	snap, _ := c.store(pool, state, block)
	return snap
}

// MarkTouched records touch notifications at block. Cached entries observed
// before block become invalid.
func (c *Cache) MarkTouched(pools []common.Address, block uint64) {
	if len(pools) == 0 {
		return
	}
	c.touchMu.Lock()
	for _, pool := range pools {
		if prev, ok := c.touched[pool]; !ok || block > prev {
			c.touched[pool] = block
		}
	}
	c.touchMu.Unlock()
	c.pruneTouched(block)
}

// pruneTouched forgets touch records that can no longer affect the policy.
// Entries older than a forgotten touch are dropped first so they cannot turn
// valid again.
func (c *Cache) pruneTouched(head uint64) {
	horizon := max(c.cfg.TouchedWindow, c.cfg.Tolerance)
	if head <= horizon {
		return
	}
	cutoff := head - horizon

	c.touchMu.Lock()
	stale := make(map[common.Address]uint64)
	for pool, block := range c.touched {
		if block < cutoff {
			stale[pool] = block
			delete(c.touched, pool)
		}
	}
	c.touchMu.Unlock()

	for pool, touchedAt := range stale {
		s := c.shardFor(pool)
		s.mu.Lock()
		if e, ok := s.entries[pool]; ok && e.block < touchedAt {
			delete(s.entries, pool)
			c.metrics.CacheEntries.Dec()
		}
		s.mu.Unlock()
	}
}

// Evict drops entries for pools.
func (c *Cache) Evict(pools []common.Address) {
	for _, pool := range pools {
		s := c.shardFor(pool)
		s.mu.Lock()
		if _, ok := s.entries[pool]; ok {
			delete(s.entries, pool)
			c.metrics.CacheEntries.Dec()
		}
		s.mu.Unlock()
	}
}

// Retain drops every entry for which keep returns false and reports how many
// were removed.
func (c *Cache) Retain(keep func(common.Address) bool) int {
	removed := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for pool := range s.entries {
			if !keep(pool) {
				delete(s.entries, pool)
				removed++
			}
		}
		s.mu.Unlock()
	}
	if removed > 0 {
		c.metrics.CacheEntries.Sub(float64(removed))
	}
	return removed
}

// Stats is a point-in-time summary of the cache.
type Stats struct {
	Entries     int    `json:"entries"`
	Touched     int    `json:"touched"`
	InFlight    int    `json:"in_flight"`
	Quarantined int    `json:"quarantined"`
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
}

func (c *Cache) Stats() Stats {
	stats := Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		InFlight:    c.flights.len(),
		Quarantined: c.quarantine.len(c.now()),
	}
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		stats.Entries += len(s.entries)
		s.mu.RUnlock()
	}
	c.touchMu.RLock()
	stats.Touched = len(c.touched)
	c.touchMu.RUnlock()
	return stats
}

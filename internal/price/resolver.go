package price

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"liquiditySync/internal/dex"
	"liquiditySync/internal/metrics"
	"liquiditySync/internal/model"
)

// Config controls the resolution chain.
type Config struct {
	CacheTTL             time.Duration
	OracleTimeout        time.Duration
	OracleMaxAge         time.Duration
	RepairTimeout        time.Duration
	RepairLimit          int
	PoolFallbackTimeout  time.Duration
	PoolFallbackMaxPools int

	// Feeds maps a token to its Chainlink USD feed.
	Feeds     map[common.Address]common.Address
	Anchors   []common.Address
	Hardcoded map[common.Address]float64
	V3Factory common.Address
	FeeTiers  []uint32
}

func (c Config) withDefaults() Config {
	if c.CacheTTL <= 0 {
		c.CacheTTL = 10 * time.Second
	}
	if c.OracleTimeout <= 0 {
		c.OracleTimeout = 500 * time.Millisecond
	}
	if c.RepairTimeout <= 0 {
		c.RepairTimeout = 1500 * time.Millisecond
	}
	if c.RepairLimit <= 0 {
		c.RepairLimit = 20
	}
	if c.PoolFallbackTimeout <= 0 {
		c.PoolFallbackTimeout = 2 * time.Second
	}
	if c.PoolFallbackMaxPools <= 0 {
		c.PoolFallbackMaxPools = 50
	}
	if c.Hardcoded == nil {
		c.Hardcoded = DefaultHardcoded()
	}
	if c.Anchors == nil {
		c.Anchors = DefaultAnchors()
	}
	if len(c.FeeTiers) == 0 {
		c.FeeTiers = []uint32{500, 3000, 100}
	}
	return c
}

// Resolver resolves token USD prices through the cache, oracle, pool and
// hardcoded sources, in that order.
type Resolver struct {
	cfg      Config
	caller   dex.BatchCaller
	decimals *dex.TokenDecimals
	cache    *SharedCache
	remote   Remote
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewResolver builds a resolver. remote may be nil.
func NewResolver(caller dex.BatchCaller, decimals *dex.TokenDecimals, remote Remote, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.Discard()
	}
	if decimals == nil {
		decimals = dex.NewTokenDecimals(caller, logger)
	}
	cfg = cfg.withDefaults()
	return &Resolver{
		cfg:      cfg,
		caller:   caller,
		decimals: decimals,
		cache:    NewSharedCache(cfg.CacheTTL),
		remote:   remote,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

func (r *Resolver) Cache() *SharedCache {
	return r.cache
}

// Resolve prices tokens. Tokens no source could price are listed in Missing,
// never reported as zero.
func (r *Resolver) Resolve(ctx context.Context, tokens []common.Address) Result {
	tokens = dedupe(tokens)
	result := newResult(len(tokens))
	if len(tokens) == 0 {
		return result
	}

	pending := r.fromCache(ctx, tokens, result.Quotes)

	fresh := make(map[common.Address]Quote)
	anchorPrices := make(map[common.Address]float64, len(r.cfg.Anchors))
	var anchorReads []common.Address
	for _, anchor := range r.cfg.Anchors {
		if q, ok := result.Quotes[anchor]; ok {
			anchorPrices[anchor] = q.USD
		} else if q, ok := r.cache.Get(anchor); ok {
			anchorPrices[anchor] = q.USD
		} else {
			anchorReads = append(anchorReads, anchor)
		}
	}

	if len(pending) > 0 {
		oracleCtx, cancel := context.WithTimeout(ctx, r.cfg.OracleTimeout)
		oracle := r.oracleQuotes(oracleCtx, dedupe(append(append([]common.Address{}, pending...), anchorReads...)))
		cancel()
		for token, q := range oracle {
			fresh[token] = q
		}
		for _, anchor := range anchorReads {
			if q, ok := oracle[anchor]; ok {
				anchorPrices[anchor] = q.USD
			} else if usd, ok := r.cfg.Hardcoded[anchor]; ok {
				anchorPrices[anchor] = usd
			}
		}
		pending = r.take(pending, oracle, result.Quotes)
	}

	if len(pending) > 0 {
		poolCtx, cancel := context.WithTimeout(ctx, r.cfg.PoolFallbackTimeout)
		pooled := r.poolQuotes(poolCtx, pending, anchorPrices)
		cancel()
		for token, q := range pooled {
			fresh[token] = q
		}
		pending = r.take(pending, pooled, result.Quotes)
	}

	if len(pending) > 0 {
		now := r.now()
		hardcoded := make(map[common.Address]Quote)
		for _, token := range pending {
			if usd, ok := r.cfg.Hardcoded[token]; ok {
				hardcoded[token] = Quote{Token: token, USD: usd, Source: SourceHardcoded, ObservedAt: now}
			}
		}
		// Hardcoded quotes are never cached, so a recovered oracle is seen
		// on the next resolution.
		pending = r.take(pending, hardcoded, result.Quotes)
	}

	result.Missing = pending
	r.store(ctx, fresh)

	if len(pending) > 0 {
		r.metrics.PriceMissing.WithLabelValues("resolve").Add(float64(len(pending)))
	}
	if len(result.Quotes) == 0 {
		r.logger.Error("no token prices resolved", zap.Int("tokens", len(tokens)))
	} else if len(pending) > 0 {
		r.logger.Debug("token prices missing", zap.Int("missing", len(pending)), zap.Int("tokens", len(tokens)))
	}
	return result
}

// Repair retries the oracle for up to RepairLimit missing tokens under the
// repair timeout. Recovered quotes land in the shared cache.
func (r *Resolver) Repair(ctx context.Context, missing []common.Address) Result {
	missing = dedupe(missing)
	result := newResult(len(missing))
	if len(missing) == 0 {
		return result
	}

	batch := missing
	var skipped []common.Address
	if len(batch) > r.cfg.RepairLimit {
		batch, skipped = missing[:r.cfg.RepairLimit], missing[r.cfg.RepairLimit:]
	}

	repairCtx, cancel := context.WithTimeout(ctx, r.cfg.RepairTimeout)
	recovered := r.oracleQuotes(repairCtx, batch)
	cancel()

	pending := r.take(batch, recovered, result.Quotes)
	result.Missing = append(pending, skipped...)
	r.store(ctx, recovered)

	if len(result.Missing) > 0 {
		r.metrics.PriceMissing.WithLabelValues("repair").Add(float64(len(result.Missing)))
	}
	r.logger.Info("price repair finished",
		zap.Int("requested", len(missing)),
		zap.Int("recovered", len(result.Quotes)),
		zap.Int("still_missing", len(result.Missing)),
	)
	return result
}

// fromCache fills quotes from the local and then the remote cache and returns
// the tokens left unresolved.
func (r *Resolver) fromCache(ctx context.Context, tokens []common.Address, quotes map[common.Address]Quote) []common.Address {
	var pending []common.Address
	for _, token := range tokens {
		if q, ok := r.cache.Get(token); ok {
			q.Source = SourceCache
			quotes[token] = q
			r.metrics.PriceResolutions.WithLabelValues(string(SourceCache)).Inc()
			continue
		}
		pending = append(pending, token)
	}
	if len(pending) == 0 || r.remote == nil {
		return pending
	}

	prices, err := r.remote.GetPrices(ctx, pending)
	if err != nil {
		r.logger.Warn("remote price cache read failed", zap.Error(err))
		return pending
	}
	now := r.now()
	remote := make(map[common.Address]Quote, len(prices))
	for token, record := range prices {
		if now.Sub(record.ObservedAt) >= r.cfg.CacheTTL {
			continue
		}
		q := Quote{Token: token, USD: record.USD, Source: SourceRemoteCache, ObservedAt: record.ObservedAt}
		remote[token] = q
		r.cache.Put(q)
	}
	return r.take(pending, remote, quotes)
}

// take moves resolved tokens into quotes and returns the rest in order.
func (r *Resolver) take(pending []common.Address, resolved map[common.Address]Quote, quotes map[common.Address]Quote) []common.Address {
	rest := pending[:0:0]
	for _, token := range pending {
		if q, ok := resolved[token]; ok {
			quotes[token] = q
			r.metrics.PriceResolutions.WithLabelValues(string(q.Source)).Inc()
			continue
		}
		rest = append(rest, token)
	}
	return rest
}

func (r *Resolver) store(ctx context.Context, fresh map[common.Address]Quote) {
	if len(fresh) == 0 {
		return
	}
	prices := make(map[common.Address]model.PriceRecord, len(fresh))
	for token, q := range fresh {
		r.cache.Put(q)
		prices[token] = model.PriceRecord{USD: q.USD, Source: string(q.Source), ObservedAt: q.ObservedAt}
	}
	if r.remote == nil {
		return
	}
	if err := r.remote.SetPrices(ctx, prices); err != nil {
		r.logger.Warn("remote price cache write failed", zap.Error(err))
	}
}

package rpcpool

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"liquiditySync/internal/chain"
	"liquiditySync/internal/metrics"
)

const (
	minBatchSize = 50
	maxBatchSize = 200
)

// Config holds the routing, retry and breaker policy of the pool.
type Config struct {
	MaxAttempts        int
	AttemptTimeout     time.Duration
	SlowThreshold      time.Duration
	FailureThreshold   int
	Cooldown           time.Duration
	RateLimit          float64
	RateBurst          int
	ProbeInterval      time.Duration
	LocalProbeInterval time.Duration
	MulticallAddress   common.Address
	BatchSize          int
	// HeadTTL is how long a head block read is reused by BlockNumber.
	HeadTTL      time.Duration
	HeadMaxStale time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 3 * time.Second
	}
	if c.SlowThreshold <= 0 {
		c.SlowThreshold = 2 * time.Second
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = time.Minute
	}
	if c.LocalProbeInterval <= 0 {
		c.LocalProbeInterval = 5 * time.Second
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	if c.HeadTTL <= 0 {
		c.HeadTTL = time.Second
	}
	if c.HeadMaxStale <= 0 {
		c.HeadMaxStale = 30 * time.Second
	}
	c.BatchSize = clampBatchSize(c.BatchSize)
	return c
}

func clampBatchSize(n int) int {
	if n < minBatchSize {
		return minBatchSize
	}
	if n > maxBatchSize {
		return maxBatchSize
	}
	return n
}

// EndpointSpec pairs an endpoint URL with its dialed client.
type EndpointSpec struct {
	URL    string
	Client Client
}

// Pool routes reads across endpoints by locality, health and latency.
type Pool struct {
	cfg       Config
	endpoints []*Endpoint
	logger    *zap.Logger
	metrics   *metrics.Metrics
	head      *headCache
}

// NewPool builds the endpoint table. An empty endpoint list is a configuration error.
func NewPool(specs []EndpointSpec, cfg Config, logger *zap.Logger, m *metrics.Metrics) (*Pool, error) {
	if len(specs) == 0 {
		return nil, ErrNoEndpoints
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.Discard()
	}
	cfg = cfg.withDefaults()

	p := &Pool{cfg: cfg, logger: logger, metrics: m, head: &headCache{ttl: cfg.HeadTTL, now: time.Now}}
	for i, spec := range specs {
		limit := rate.Inf
		if cfg.RateLimit > 0 {
			limit = rate.Limit(cfg.RateLimit)
		}
		ep := newEndpoint(i, spec.URL, spec.Client, chain.IsLocalURL(spec.URL),
			NewBreaker(cfg.FailureThreshold, cfg.Cooldown),
			rate.NewLimiter(limit, cfg.RateBurst),
		)
		name := ep.Name
		ep.breaker.WithTripCallback(func(reason string) {
			m.BreakerTrips.WithLabelValues(name).Inc()
			logger.Warn("rpc circuit opened", zap.String("endpoint", name), zap.String("reason", reason))
		})
		p.endpoints = append(p.endpoints, ep)
	}
	return p, nil
}

// Endpoints returns status snapshots in table order.
func (p *Pool) Endpoints() []EndpointStatus {
	out := make([]EndpointStatus, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		out = append(out, ep.Status())
	}
	return out
}

// ranked orders endpoints for one operation: a confirmed healthy local node
// first, then healthy remotes by mean latency, then degraded, then open.
func (p *Pool) ranked() []*Endpoint {
	type rankedEndpoint struct {
		ep      *Endpoint
		tier    int
		latency time.Duration
	}
	items := make([]rankedEndpoint, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		tier := 1
		switch ep.Health() {
		case HealthHealthy:
			if ep.Local && ep.confirmed.Load() {
				tier = 0
			}
		case HealthDegraded:
			tier = 2
		case HealthOpen:
			tier = 3
		}
		items = append(items, rankedEndpoint{ep: ep, tier: tier, latency: ep.MeanLatency()})
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].tier != items[j].tier {
			return items[i].tier < items[j].tier
		}
		return items[i].latency < items[j].latency
	})
	out := make([]*Endpoint, len(items))
	for i, item := range items {
		out[i] = item.ep
	}
	return out
}

// Do runs op against endpoints in priority order, moving to the next endpoint
// after each failed attempt until MaxAttempts is spent.
func (p *Pool) Do(ctx context.Context, opName string, op func(context.Context, *Endpoint) error) error {
	ranked := p.ranked()
	var (
		lastErr  error
		lastName string
		tried    int
	)
	for i := 0; tried < p.cfg.MaxAttempts && i < len(ranked)*p.cfg.MaxAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		ep := ranked[i%len(ranked)]
		if !ep.breaker.Allow() {
			continue
		}
		tried++
		err := p.attempt(ctx, ep, op)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr, lastName = err, ep.Name
		p.logger.Warn("rpc attempt failed",
			zap.String("op", opName),
			zap.String("endpoint", ep.Name),
			zap.Int("attempt", tried),
			zap.Error(err),
		)
	}
	if tried == 0 {
		return &Error{Op: opName, Err: ErrCircuitOpen}
	}
	return &Error{Op: opName, Attempts: tried, Endpoint: lastName, Err: lastErr}
}

func (p *Pool) attempt(ctx context.Context, ep *Endpoint, op func(context.Context, *Endpoint) error) error {
	if err := ep.limiter.Wait(ctx); err != nil {
		ep.breaker.Cancel()
		return err
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
	defer cancel()

	ep.requests.Add(1)
	start := time.Now()
	err := op(attemptCtx, ep)
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			ep.breaker.Cancel()
			return err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			p.metrics.RPCRequests.WithLabelValues(ep.Name, "timeout").Inc()
		} else {
			p.metrics.RPCRequests.WithLabelValues(ep.Name, "error").Inc()
		}
		ep.recordError(err)
		ep.breaker.Failure(err.Error())
		p.reportHealth(ep)
		return err
	}

	p.metrics.RPCRequests.WithLabelValues(ep.Name, "ok").Inc()
	p.metrics.RPCLatency.WithLabelValues(ep.Name).Observe(elapsed.Seconds())
	ep.observe(elapsed)
	if elapsed > p.cfg.SlowThreshold {
		ep.breaker.Slow("latency " + elapsed.String() + " above threshold")
	} else {
		ep.breaker.Success()
	}
	p.reportHealth(ep)
	return nil
}

func (p *Pool) reportHealth(ep *Endpoint) {
	p.metrics.EndpointHealth.WithLabelValues(ep.Name).Set(float64(ep.Health()))
}

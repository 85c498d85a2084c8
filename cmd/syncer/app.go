package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"liquiditySync/internal/chain"
	"liquiditySync/internal/config"
	"liquiditySync/internal/dex"
	"liquiditySync/internal/hotpool"
	"liquiditySync/internal/metrics"
	"liquiditySync/internal/price"
	"liquiditySync/internal/recorder"
	"liquiditySync/internal/rpcpool"
	"liquiditySync/internal/statecache"
	"liquiditySync/internal/storage"
	"liquiditySync/internal/storage/postgres"
	redisstore "liquiditySync/internal/storage/redis"
	"liquiditySync/internal/weight"
)

// app holds the wired components shared by every command.
type app struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	recorder *recorder.Recorder

	rpc      *rpcpool.Pool
	decimals *dex.TokenDecimals
	prices   *price.Resolver
	states   *statecache.Cache
	hot      *hotpool.Manager
	engine   *weight.Engine

	store *postgres.Store
	redis *redisstore.Cache

	closers []func()
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.NewMetrics(a.registry, "liqsync")

	if err := a.initRecorder(ctx); err != nil {
		return err
	}
	if err := a.initRPC(ctx); err != nil {
		return err
	}
	if err := a.initStores(ctx); err != nil {
		return err
	}
	return a.initCore()
}

func (a *app) initRecorder(ctx context.Context) error {
	shutdown, err := recorder.InitTracer(ctx, a.cfg.OTelEndpoint)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, shutdown)

	var sink recorder.Sink
	if a.cfg.EventsOut != "" {
		sink = storage.NewJsonlStorage(a.cfg.EventsOut)
	}
	a.recorder = recorder.New(a.logger, sink, recorder.Tracer(), a.metrics)
	return nil
}

func (a *app) initRPC(ctx context.Context) error {
	if len(a.cfg.RPCURLs) == 0 {
		return fmt.Errorf("rpc url is required")
	}
	multicall, err := config.ParseAddress(a.cfg.MulticallAddress)
	if err != nil {
		return fmt.Errorf("multicall-address: %w", err)
	}

	specs := make([]rpcpool.EndpointSpec, 0, len(a.cfg.RPCURLs))
	for _, rawURL := range a.cfg.RPCURLs {
		client, err := chain.NewClient(ctx, rawURL, chain.Options{
			HTTPRetries: a.cfg.RPCHTTPRetries,
			HTTPTimeout: a.cfg.RPCAttemptTimeout,
		})
		if err != nil {
			return fmt.Errorf("connect rpc: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		specs = append(specs, rpcpool.EndpointSpec{URL: rawURL, Client: client})
	}

	a.rpc, err = rpcpool.NewPool(specs, rpcpool.Config{
		MaxAttempts:        a.cfg.RPCMaxAttempts,
		AttemptTimeout:     a.cfg.RPCAttemptTimeout,
		SlowThreshold:      a.cfg.RPCSlowThreshold,
		FailureThreshold:   a.cfg.BreakerThreshold,
		Cooldown:           a.cfg.BreakerCooldown,
		RateLimit:          a.cfg.RPCRateLimit,
		RateBurst:          a.cfg.RPCRateBurst,
		ProbeInterval:      a.cfg.ProbeInterval,
		LocalProbeInterval: a.cfg.LocalProbeInterval,
		MulticallAddress:   multicall,
		BatchSize:          a.cfg.MulticallBatch,
		HeadTTL:            a.cfg.HeadCacheTTL,
		HeadMaxStale:       a.cfg.HeadMaxStale,
	}, a.logger.Named("rpc"), a.metrics)
	if err != nil {
		return fmt.Errorf("build rpc pool: %w", err)
	}
	return nil
}

func (a *app) initStores(ctx context.Context) error {
	if a.cfg.PGDSN != "" {
		store, err := postgres.NewStore(ctx, a.cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.store = store
		a.closers = append(a.closers, store.Close)
	}

	if a.cfg.RedisURL != "" {
		cache, err := redisstore.NewCache(a.cfg.RedisURL, a.cfg.RedisTTL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		if err := cache.Ping(ctx); err != nil {
			a.logger.Warn("redis unavailable, continuing without distributed cache", zap.Error(err))
			_ = cache.Close()
			return nil
		}
		a.redis = cache
		a.closers = append(a.closers, func() { _ = cache.Close() })
	}
	return nil
}

func (a *app) initCore() error {
	feeds, err := config.ParseAddressMap(a.cfg.ChainlinkFeeds)
	if err != nil {
		return fmt.Errorf("chainlink-feeds: %w", err)
	}
	anchors, err := config.ParseAddresses(a.cfg.Anchors)
	if err != nil {
		return fmt.Errorf("anchors: %w", err)
	}
	hardcoded := price.DefaultHardcoded()
	overrides, err := config.ParsePriceMap(a.cfg.HardcodedPrices)
	if err != nil {
		return fmt.Errorf("hardcoded-prices: %w", err)
	}
	for token, usd := range overrides {
		hardcoded[token] = usd
	}
	factory, err := config.ParseAddress(a.cfg.V3Factory)
	if err != nil {
		return fmt.Errorf("v3-factory: %w", err)
	}
	vault, err := config.ParseAddress(a.cfg.BalancerVault)
	if err != nil {
		return fmt.Errorf("balancer-vault: %w", err)
	}
	if len(anchors) == 0 {
		anchors = nil
	}

	var (
		priceRemote price.Remote
		stateRemote statecache.RemoteStates
		candidates  storage.CandidateSource
		weightStore storage.WeightStore
	)
	if a.redis != nil {
		priceRemote = a.redis
		stateRemote = a.redis
	}
	if a.store != nil {
		candidates = a.store
		weightStore = a.store
	}

	a.decimals = dex.NewTokenDecimals(a.rpc, a.logger.Named("decimals"))
	a.prices = price.NewResolver(a.rpc, a.decimals, priceRemote, price.Config{
		CacheTTL:             a.cfg.PriceCacheTTL,
		OracleTimeout:        a.cfg.OracleTimeout,
		OracleMaxAge:         a.cfg.OracleMaxAge,
		RepairTimeout:        a.cfg.RepairTimeout,
		RepairLimit:          a.cfg.RepairLimit,
		PoolFallbackTimeout:  a.cfg.PoolFallbackTimeout,
		PoolFallbackMaxPools: a.cfg.PoolFallbackMaxPools,
		Feeds:                feeds,
		Anchors:              anchors,
		Hardcoded:            hardcoded,
		V3Factory:            factory,
	}, a.logger.Named("price"), a.metrics)

	a.states = statecache.New(a.rpc, dex.NewRegistry(vault), stateRemote, statecache.Config{
		Tolerance:        a.cfg.ToleranceBlocks,
		TouchedTolerance: a.cfg.TouchedToleranceBlocks,
		TouchedWindow:    a.cfg.TouchedWindowBlocks,
		TouchedTTL:       a.cfg.TouchedTTL,
		UntouchedTTL:     a.cfg.UntouchedTTL,

		FailureThreshold:   a.cfg.PoolFailureThreshold,
		QuarantineCooldown: a.cfg.PoolQuarantine,
	}, a.logger.Named("statecache"), a.metrics)

	a.hot = hotpool.New(hotpool.Config{
		K:              a.cfg.HotK,
		MinWeight:      a.cfg.HotMinWeight,
		CandidateLimit: a.cfg.HotCandidateLimit,
		MaxAge:         a.cfg.HotMaxAge,
	}, candidates, a.states, a.rpc, a.recorder, a.logger.Named("hotpool"), a.metrics)
	a.states.SetHotChecker(a.hot)

	a.engine = weight.NewEngine(weight.Config{Ceiling: a.cfg.WeightCeiling}, weight.Deps{
		Head:     a.rpc,
		States:   a.states,
		Prices:   a.prices,
		Decimals: a.decimals,
		Hot:      a.hot,
		Store:    weightStore,
		Recorder: a.recorder,
		Logger:   a.logger.Named("weight"),
		Metrics:  a.metrics,
	})
	return nil
}

func (a *app) checkpoint() storage.CheckpointStore {
	if a.store != nil {
		return a.store
	}
	return storage.NewFileCheckpoint(a.cfg.Checkpoint)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the Prometheus collectors of the sync subsystem.
type Metrics struct {
	// RPC access
	RPCRequests    *prometheus.CounterVec
	RPCLatency     *prometheus.HistogramVec
	EndpointHealth *prometheus.GaugeVec
	BreakerTrips   *prometheus.CounterVec
	MulticallCalls *prometheus.CounterVec
	HeadCacheHits  prometheus.Counter

	// State cache
	CacheLookups *prometheus.CounterVec
	CacheFetches *prometheus.CounterVec
	CacheEntries prometheus.Gauge
	Quarantined  prometheus.Gauge

	// Prices
	PriceResolutions *prometheus.CounterVec
	PriceMissing     *prometheus.CounterVec

	// Weights and hot pools
	ExtremeWeightsFiltered prometheus.Counter
	UnpricedPools          prometheus.Counter
	HotPools               prometheus.Gauge
	HotValidationRejects   *prometheus.CounterVec

	PhaseDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer, subsystem string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RPCRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "rpc_requests_total",
			Help:      "RPC attempts by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		RPCLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Subsystem: subsystem,
			Name:      "rpc_latency_seconds",
			Help:      "Latency of successful RPC attempts.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		EndpointHealth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      "rpc_endpoint_health",
			Help:      "Endpoint health: 0 healthy, 1 degraded, 2 circuit open.",
		}, []string{"endpoint"}),
		BreakerTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "rpc_breaker_trips_total",
			Help:      "Circuit breaker trips per endpoint.",
		}, []string{"endpoint"}),
		MulticallCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "multicall_calls_total",
			Help:      "Calls submitted to multicall, split into sent and coalesced.",
		}, []string{"kind"}),
		HeadCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "head_cache_hits_total",
			Help:      "Head block reads served without an RPC call.",
		}),

		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "state_cache_lookups_total",
			Help:      "State cache lookups by result.",
		}, []string{"result"}),
		CacheFetches: factory.NewCounterVec(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "state_cache_fetches_total",
			Help:      "Fetched pool states by outcome.",
		}, []string{"outcome"}),
		CacheEntries: factory.NewGauge(prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      "state_cache_entries",
			Help:      "Entries held by the state cache.",
		}),
		Quarantined: factory.NewGauge(prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      "state_quarantined_pools",
			Help:      "Pools skipped after repeated revert or decode failures.",
		}),

		PriceResolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "price_resolutions_total",
			Help:      "Resolved token prices by source.",
		}, []string{"source"}),
		PriceMissing: factory.NewCounterVec(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "price_missing_total",
			Help:      "Tokens left unresolved after every fallback.",
		}, []string{"stage"}),

		ExtremeWeightsFiltered: factory.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "extreme_weights_filtered_total",
			Help:      "Weights above the sanity ceiling that were zeroed.",
		}),
		UnpricedPools: factory.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "unpriced_pools_total",
			Help:      "Pools weighted zero because a token price was missing.",
		}),
		HotPools: factory.NewGauge(prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      "hot_pools",
			Help:      "Current size of the hot pool set.",
		}),
		HotValidationRejects: factory.NewCounterVec(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "hot_validation_rejects_total",
			Help:      "Hot pool candidates rejected during live validation.",
		}, []string{"reason"}),

		PhaseDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Subsystem: subsystem,
			Name:      "phase_duration_seconds",
			Help:      "Duration of recorded phases.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"phase"}),
	}
}

// Discard returns metrics registered on a private registry.
func Discard() *Metrics {
	return NewMetrics(prometheus.NewRegistry(), "discard")
}

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistersOnRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "liqsync")

	m.RPCRequests.WithLabelValues("rpc.example.org", "ok").Inc()
	m.CacheEntries.Set(3)
	m.HotPools.Set(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RPCRequests.WithLabelValues("rpc.example.org", "ok")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.CacheEntries))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["liqsync_rpc_requests_total"])
	assert.True(t, names["liqsync_state_cache_entries"])
	assert.True(t, names["liqsync_hot_pools"])
}

func TestNewMetricsTwiceOnSameRegistryPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg, "liqsync")
	assert.Panics(t, func() { NewMetrics(reg, "liqsync") })
}

func TestDiscardIsIndependent(t *testing.T) {
	assert.NotPanics(t, func() {
		Discard()
		Discard()
	})
}

package rpcpool

import (
	"context"
	"fmt"
	"math/big"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"golang.org/x/time/rate"
)

const latencyWindow = 100

// Client is the per-endpoint transport, implemented by chain.Client.
type Client interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	LatestBlockNumber(ctx context.Context) (uint64, error)
}

// Health is the routing class of an endpoint.
type Health int

const (
	HealthHealthy Health = iota
	HealthDegraded
	HealthOpen
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Endpoint is one upstream data source with its health bookkeeping.
type Endpoint struct {
	Name  string
	URL   string
	Local bool

	client  Client
	breaker *Breaker
	limiter *rate.Limiter

	// confirmed is set once a probe has answered; only confirmed local
	// endpoints take precedence over latency ranking.
	confirmed atomic.Bool
	requests  atomic.Uint64
	failures  atomic.Uint64

	mu        sync.Mutex
	samples   [latencyWindow]time.Duration
	next      int
	count     int
	lastError string
	lastProbe time.Time
}

// EndpointStatus is a read-only snapshot of an endpoint.
type EndpointStatus struct {
	Name        string    `json:"name"`
	Local       bool      `json:"local"`
	Confirmed   bool      `json:"confirmed"`
	Health      string    `json:"health"`
	Circuit     string    `json:"circuit"`
	MeanLatency float64   `json:"mean_latency_ms"`
	Requests    uint64    `json:"requests"`
	Failures    uint64    `json:"failures"`
	LastError   string    `json:"last_error,omitempty"`
	LastProbe   time.Time `json:"last_probe,omitempty"`
}

func newEndpoint(index int, rawURL string, client Client, local bool, breaker *Breaker, limiter *rate.Limiter) *Endpoint {
	return &Endpoint{
		Name:    endpointName(index, rawURL),
		URL:     rawURL,
		Local:   local,
		client:  client,
		breaker: breaker,
		limiter: limiter,
	}
}

// endpointName keeps only the host so API keys in paths stay out of logs and labels.
func endpointName(index int, rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return fmt.Sprintf("endpoint-%d", index)
	}
	return fmt.Sprintf("%d-%s", index, parsed.Host)
}

func (e *Endpoint) Health() Health {
	switch e.breaker.State() {
	case StateOpen:
		return HealthOpen
	case StateHalfOpen:
		return HealthDegraded
	}
	if e.breaker.Streak() > 0 {
		return HealthDegraded
	}
	return HealthHealthy
}

// MeanLatency averages the retained latency samples. An endpoint without
// samples reports zero so it gets tried early.
func (e *Endpoint) MeanLatency() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.count == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < e.count; i++ {
		total += e.samples[i]
	}
	return total / time.Duration(e.count)
}

func (e *Endpoint) observe(latency time.Duration) {
	e.mu.Lock()
	e.samples[e.next] = latency
	e.next = (e.next + 1) % latencyWindow
	if e.count < latencyWindow {
		e.count++
	}
	e.mu.Unlock()
}

func (e *Endpoint) recordError(err error) {
	e.failures.Add(1)
	e.mu.Lock()
	e.lastError = err.Error()
	e.mu.Unlock()
}

func (e *Endpoint) markProbe(at time.Time) {
	e.mu.Lock()
	e.lastProbe = at
	e.mu.Unlock()
}

// Status returns a snapshot for reporting.
func (e *Endpoint) Status() EndpointStatus {
	mean := e.MeanLatency()
	e.mu.Lock()
	lastError, lastProbe := e.lastError, e.lastProbe
	e.mu.Unlock()
	return EndpointStatus{
		Name:        e.Name,
		Local:       e.Local,
		Confirmed:   e.confirmed.Load(),
		Health:      e.Health().String(),
		Circuit:     e.breaker.State().String(),
		MeanLatency: float64(mean) / float64(time.Millisecond),
		Requests:    e.requests.Load(),
		Failures:    e.failures.Load(),
		LastError:   lastError,
		LastProbe:   lastProbe,
	}
}

package rpcpool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ProbeAll probes every endpoint once.
func (p *Pool) ProbeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, ep := range p.endpoints {
		wg.Add(1)
		go func(ep *Endpoint) {
			defer wg.Done()
			p.probe(ctx, ep)
		}(ep)
	}
	wg.Wait()
}

// RunProbes probes each endpoint on its own interval until ctx is done. Local
// endpoints use the shorter local interval.
func (p *Pool) RunProbes(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, ep := range p.endpoints {
		interval := p.cfg.ProbeInterval
		if ep.Local {
			interval = p.cfg.LocalProbeInterval
		}
		wg.Add(1)
		go func(ep *Endpoint, interval time.Duration) {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					p.probe(ctx, ep)
				}
			}
		}(ep, interval)
	}
	wg.Wait()
	return nil
}

// probe asks the endpoint for the head block. Probes bypass the breaker: a
// successful probe closes an open circuit before its cooldown ends.
func (p *Pool) probe(ctx context.Context, ep *Endpoint) {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
	defer cancel()

	before := ep.Health()
	start := time.Now()
	block, err := ep.client.LatestBlockNumber(probeCtx)
	elapsed := time.Since(start)
	ep.markProbe(start)

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		ep.recordError(err)
		ep.breaker.Failure("probe: " + err.Error())
		p.metrics.RPCRequests.WithLabelValues(ep.Name, "probe_error").Inc()
	} else {
		ep.observe(elapsed)
		ep.confirmed.Store(true)
		p.head.offer(block)
		if elapsed > p.cfg.SlowThreshold {
			ep.breaker.Slow("probe latency " + elapsed.String())
		} else {
			ep.breaker.Success()
		}
		p.metrics.RPCRequests.WithLabelValues(ep.Name, "probe_ok").Inc()
	}
	p.reportHealth(ep)

	if after := ep.Health(); after != before {
		p.logger.Info("rpc endpoint health changed",
			zap.String("endpoint", ep.Name),
			zap.Bool("local", ep.Local),
			zap.String("from", before.String()),
			zap.String("to", after.String()),
			zap.Duration("latency", elapsed),
		)
	}
}

package rpcpool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// headCache holds the last observed head block. Reads within ttl are served
// without RPC; concurrent refreshes share one eth_blockNumber call.
type headCache struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	block uint64
	at    time.Time

	group singleflight.Group
}

func (h *headCache) get() (uint64, time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.block, h.at, h.block > 0
}

// offer records a head seen elsewhere, such as by a probe. The head never
// moves backwards.
func (h *headCache) offer(block uint64) {
	if block == 0 {
		return
	}
	h.mu.Lock()
	if block >= h.block {
		h.block = block
		h.at = h.now()
	}
	h.mu.Unlock()
}

// BlockNumber returns the chain head. A head read within HeadTTL is reused.
// When a refresh fails, a cached head younger than HeadMaxStale is returned
// instead of the error.
func (p *Pool) BlockNumber(ctx context.Context) (uint64, error) {
	if block, at, ok := p.head.get(); ok && p.head.now().Sub(at) < p.head.ttl {
		p.metrics.HeadCacheHits.Inc()
		return block, nil
	}

	v, err, _ := p.head.group.Do("head", func() (interface{}, error) {
		return p.fetchHead(ctx)
	})
	if err == nil {
		block := v.(uint64)
		p.head.offer(block)
		return block, nil
	}

	if block, at, ok := p.head.get(); ok && p.head.now().Sub(at) < p.cfg.HeadMaxStale {
		p.logger.Warn("head refresh failed, using cached head",
			zap.Uint64("block", block),
			zap.Duration("age", p.head.now().Sub(at)),
			zap.Error(err),
		)
		return block, nil
	}
	return 0, err
}

func (p *Pool) fetchHead(ctx context.Context) (uint64, error) {
	var head uint64
	err := p.Do(ctx, "block_number", func(ctx context.Context, ep *Endpoint) error {
		n, err := ep.client.LatestBlockNumber(ctx)
		if err != nil {
			return err
		}
		head = n
		return nil
	})
	return head, err
}

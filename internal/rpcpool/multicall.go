package rpcpool

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"liquiditySync/internal/dex"
)

// maxConcurrentChunks bounds parallel multicall requests of one batch.
const maxConcurrentChunks = 4

type callKey struct {
	target string
	data   string
}

// BatchCall executes calls through multicall3 aggregate3. Duplicate calls are
// sent once. Calls are split into chunks of the configured batch size; a chunk
// that exhausts its attempts marks its calls with Err and leaves the other
// chunks intact. An error is returned only when no chunk succeeded.
func (p *Pool) BatchCall(ctx context.Context, calls []dex.Call, block *big.Int) ([]dex.CallResult, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	unique, index := coalesce(calls)
	p.metrics.MulticallCalls.WithLabelValues("sent").Add(float64(len(unique)))
	if dup := len(calls) - len(unique); dup > 0 {
		p.metrics.MulticallCalls.WithLabelValues("coalesced").Add(float64(dup))
	}

	uniqueResults := make([]dex.CallResult, len(unique))
	var (
		mu        sync.Mutex
		succeeded int
		lastErr   error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentChunks)
	for lo := 0; lo < len(unique); lo += p.cfg.BatchSize {
		lo, hi := lo, min(lo+p.cfg.BatchSize, len(unique))
		g.Go(func() error {
			results, err := p.aggregate(gctx, unique[lo:hi], block)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				lastErr = err
				for i := lo; i < hi; i++ {
					uniqueResults[i] = dex.CallResult{Err: err}
				}
				return nil
			}
			succeeded++
			copy(uniqueResults[lo:hi], results)
			return nil
		})
	}
	_ = g.Wait()

	if succeeded == 0 {
		return nil, lastErr
	}
	if lastErr != nil {
		p.logger.Warn("multicall partially failed", zap.Int("calls", len(unique)), zap.Error(lastErr))
	}

	results := make([]dex.CallResult, len(calls))
	for i := range calls {
		results[i] = uniqueResults[index[i]]
	}
	return results, nil
}

func (p *Pool) aggregate(ctx context.Context, calls []dex.Call, block *big.Int) ([]dex.CallResult, error) {
	data, err := dex.PackAggregate3(calls)
	if err != nil {
		return nil, err
	}
	target := p.cfg.MulticallAddress
	var results []dex.CallResult
	err = p.Do(ctx, "aggregate3", func(ctx context.Context, ep *Endpoint) error {
		resp, err := ep.client.CallContract(ctx, ethereum.CallMsg{To: &target, Data: data}, block)
		if err != nil {
			return err
		}
		decoded, err := dex.UnpackAggregate3(resp, len(calls))
		if err != nil {
			return err
		}
		results = decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// coalesce drops repeated (target, calldata) pairs. index maps every input
// position to its position in unique.
func coalesce(calls []dex.Call) (unique []dex.Call, index []int) {
	seen := make(map[callKey]int, len(calls))
	index = make([]int, len(calls))
	for i, c := range calls {
		key := callKey{target: string(c.Target.Bytes()), data: string(c.Data)}
		if pos, ok := seen[key]; ok {
			index[i] = pos
			continue
		}
		seen[key] = len(unique)
		index[i] = len(unique)
		unique = append(unique, c)
	}
	return unique, index
}

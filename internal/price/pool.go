package price

import (
	"bytes"
	"context"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"liquiditySync/internal/dex"
	"liquiditySync/internal/model"
)

var q96 = new(big.Float).SetInt(new(big.Int).Lsh(big.NewInt(1), 96))

type poolProbe struct {
	token  common.Address
	anchor common.Address
	pool   common.Address
}

// poolQuotes derives prices from the deepest V3 pool pairing each token with
// an anchor whose price is already known.
func (r *Resolver) poolQuotes(ctx context.Context, tokens []common.Address, anchorPrices map[common.Address]float64) map[common.Address]Quote {
	out := make(map[common.Address]Quote)
	if r.cfg.V3Factory == (common.Address{}) || len(anchorPrices) == 0 {
		return out
	}

	var (
		probes []poolProbe
		calls  []dex.Call
	)
build:
	for _, token := range tokens {
		for _, anchor := range r.cfg.Anchors {
			if anchor == token {
				continue
			}
			if _, ok := anchorPrices[anchor]; !ok {
				continue
			}
			for _, fee := range r.cfg.FeeTiers {
				if len(probes) >= r.cfg.PoolFallbackMaxPools {
					break build
				}
				call, err := dex.GetPoolCall(r.cfg.V3Factory, token, anchor, fee)
				if err != nil {
					continue
				}
				probes = append(probes, poolProbe{token: token, anchor: anchor})
				calls = append(calls, call)
			}
		}
	}
	if len(calls) == 0 {
		return out
	}

	results, err := r.caller.BatchCall(ctx, calls, nil)
	if err != nil {
		r.logger.Debug("pool lookup failed", zap.Int("probes", len(probes)), zap.Error(err))
		return out
	}
	found := probes[:0]
	for i, probe := range probes {
		if !results[i].OK() {
			continue
		}
		pool, err := dex.DecodeGetPool(results[i].Data)
		if err != nil || pool == (common.Address{}) {
			continue
		}
		probe.pool = pool
		found = append(found, probe)
	}
	if len(found) == 0 {
		return out
	}

	stateCalls := make([]dex.Call, 0, 2*len(found))
	for _, probe := range found {
		pair, err := dex.V3StateCalls(probe.pool)
		if err != nil {
			return out
		}
		stateCalls = append(stateCalls, pair...)
	}
	stateResults, err := r.caller.BatchCall(ctx, stateCalls, nil)
	if err != nil {
		r.logger.Debug("pool state read failed", zap.Int("pools", len(found)), zap.Error(err))
		return out
	}

	type candidate struct {
		probe poolProbe
		state model.V3State
	}
	deepest := make(map[common.Address]candidate)
	for i, probe := range found {
		slot0, liquidity := stateResults[2*i], stateResults[2*i+1]
		if !slot0.OK() || !liquidity.OK() {
			continue
		}
		state, err := dex.DecodeV3State([][]byte{slot0.Data, liquidity.Data})
		if err != nil || state.Degenerate() {
			continue
		}
		if best, ok := deepest[probe.token]; ok && best.state.Liquidity.Cmp(state.Liquidity) >= 0 {
			continue
		}
		deepest[probe.token] = candidate{probe: probe, state: state}
	}
	if len(deepest) == 0 {
		return out
	}

	decimalTokens := make([]common.Address, 0, 2*len(deepest))
	for token, c := range deepest {
		decimalTokens = append(decimalTokens, token, c.probe.anchor)
	}
	decimals := r.decimals.Load(ctx, decimalTokens)

	now := r.now()
	for token, c := range deepest {
		usd := poolPrice(token, c.probe.anchor, c.state.SqrtPriceX96, decimals[token], decimals[c.probe.anchor], anchorPrices[c.probe.anchor])
		if usd <= 0 || math.IsInf(usd, 0) || math.IsNaN(usd) {
			continue
		}
		out[token] = Quote{Token: token, USD: usd, Source: SourcePool, ObservedAt: now}
	}
	return out
}

// poolPrice converts a V3 sqrtPriceX96 into the USD price of token. The pool
// orders its tokens by address; sqrtPriceX96 encodes token1 per token0.
func poolPrice(token, anchor common.Address, sqrtPriceX96 *big.Int, tokenDecimals, anchorDecimals uint8, anchorUSD float64) float64 {
	ratio := new(big.Float).Quo(new(big.Float).SetInt(sqrtPriceX96), q96)
	raw, _ := new(big.Float).Mul(ratio, ratio).Float64()
	if raw <= 0 {
		return 0
	}
	if bytes.Compare(token.Bytes(), anchor.Bytes()) < 0 {
		// token0 = token: anchor units per token.
		human := raw * math.Pow10(int(tokenDecimals)-int(anchorDecimals))
		return human * anchorUSD
	}
	// token0 = anchor: token units per anchor.
	human := raw * math.Pow10(int(anchorDecimals)-int(tokenDecimals))
	return anchorUSD / human
}

package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Dex identifies the protocol family of a pool.
type Dex string

const (
	DexUniswapV2        Dex = "uniswap_v2"
	DexUniswapV3        Dex = "uniswap_v3"
	DexBalancerWeighted Dex = "balancer_weighted"
	DexCurveStable      Dex = "curve_stable"
)

// ParseDex maps a stored dex label onto a known Dex.
func ParseDex(input string) (Dex, error) {
	switch Dex(strings.ToLower(strings.TrimSpace(input))) {
	case DexUniswapV2:
		return DexUniswapV2, nil
	case DexUniswapV3:
		return DexUniswapV3, nil
	case DexBalancerWeighted:
		return DexBalancerWeighted, nil
	case DexCurveStable:
		return DexCurveStable, nil
	default:
		return "", fmt.Errorf("unknown dex %q", input)
	}
}

// Pool is the immutable identity of a liquidity pool.
type Pool struct {
	Address common.Address   `json:"address"`
	Dex     Dex              `json:"dex"`
	Tokens  []common.Address `json:"tokens"`
	Fee     uint32           `json:"fee"`
	// PoolID is the vault pool id for Balancer pools.
	PoolID common.Hash `json:"pool_id,omitempty"`
}

// PoolCandidate is a weight-ranked pool loaded from the durable store.
type PoolCandidate struct {
	Pool      Pool      `json:"pool"`
	Weight    float64   `json:"weight"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GraphWeight is a computed USD weight for a pool at a block. NoSignal marks a
// zero that came from a missing price or the weight ceiling rather than from
// the pool's reserves; it must not be used for ranking.
type GraphWeight struct {
	Pool       common.Address `json:"pool"`
	Weight     float64        `json:"weight"`
	Block      uint64         `json:"block"`
	ComputedAt time.Time      `json:"computed_at"`
	NoSignal   bool           `json:"no_signal,omitempty"`
}

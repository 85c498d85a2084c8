package dex

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"liquiditySync/internal/model"
)

// Adapter builds the reads that observe a pool and decodes their results.
type Adapter interface {
	Calls(pool model.Pool) ([]Call, error)
	// Decode receives the return data of Calls in request order.
	Decode(pool model.Pool, results [][]byte) (model.PoolState, error)
}

// Registry resolves the adapter for each pool variant.
type Registry struct {
	adapters map[model.Dex]Adapter
}

// NewRegistry returns adapters for every supported dex. balancerVault may be
// the zero address when no Balancer pools are tracked.
func NewRegistry(balancerVault common.Address) *Registry {
	return &Registry{adapters: map[model.Dex]Adapter{
		model.DexUniswapV2:        v2Adapter{},
		model.DexUniswapV3:        v3Adapter{},
		model.DexBalancerWeighted: balancerAdapter{vault: balancerVault},
		model.DexCurveStable:      curveAdapter{},
	}}
}

func (r *Registry) Adapter(dex model.Dex) (Adapter, error) {
	adapter, ok := r.adapters[dex]
	if !ok {
		return nil, fmt.Errorf("no adapter for dex %q", dex)
	}
	return adapter, nil
}

type v2Adapter struct{}

func (v2Adapter) Calls(pool model.Pool) ([]Call, error) {
	parsed, err := V2PairABI()
	if err != nil {
		return nil, fmt.Errorf("parse pair abi: %w", err)
	}
	call, err := packCall(parsed, pool.Address, "getReserves")
	if err != nil {
		return nil, err
	}
	return []Call{call}, nil
}

func (v2Adapter) Decode(_ model.Pool, results [][]byte) (model.PoolState, error) {
	if len(results) != 1 {
		return nil, fmt.Errorf("getReserves result size %d", len(results))
	}
	parsed, err := V2PairABI()
	if err != nil {
		return nil, fmt.Errorf("parse pair abi: %w", err)
	}
	values, err := unpackCall(parsed, "getReserves", results[0])
	if err != nil {
		return nil, err
	}
	if len(values) < 2 {
		return nil, fmt.Errorf("getReserves return size %d", len(values))
	}
	r0, err := asBigInt(values[0])
	if err != nil {
		return nil, fmt.Errorf("reserve0: %w", err)
	}
	r1, err := asBigInt(values[1])
	if err != nil {
		return nil, fmt.Errorf("reserve1: %w", err)
	}
	return model.V2State{Reserve0: r0, Reserve1: r1}, nil
}

type v3Adapter struct{}

func (v3Adapter) Calls(pool model.Pool) ([]Call, error) {
	return V3StateCalls(pool.Address)
}

func (v3Adapter) Decode(_ model.Pool, results [][]byte) (model.PoolState, error) {
	return DecodeV3State(results)
}

// V3StateCalls returns the slot0 and liquidity reads of a V3 pool.
func V3StateCalls(pool common.Address) ([]Call, error) {
	parsed, err := V3PoolABI()
	if err != nil {
		return nil, fmt.Errorf("parse pool abi: %w", err)
	}
	slot0, err := packCall(parsed, pool, "slot0")
	if err != nil {
		return nil, err
	}
	liquidity, err := packCall(parsed, pool, "liquidity")
	if err != nil {
		return nil, err
	}
	return []Call{slot0, liquidity}, nil
}

// DecodeV3State decodes the results of V3StateCalls.
func DecodeV3State(results [][]byte) (model.V3State, error) {
	if len(results) != 2 {
		return model.V3State{}, fmt.Errorf("v3 result size %d", len(results))
	}
	parsed, err := V3PoolABI()
	if err != nil {
		return model.V3State{}, fmt.Errorf("parse pool abi: %w", err)
	}
	slot0, err := unpackCall(parsed, "slot0", results[0])
	if err != nil {
		return model.V3State{}, err
	}
	if len(slot0) < 2 {
		return model.V3State{}, fmt.Errorf("slot0 return size %d", len(slot0))
	}
	sqrt, err := asBigInt(slot0[0])
	if err != nil {
		return model.V3State{}, fmt.Errorf("sqrt price: %w", err)
	}
	tickInt, err := asBigInt(slot0[1])
	if err != nil {
		return model.V3State{}, fmt.Errorf("tick: %w", err)
	}
	tick, err := int24FromBig(tickInt)
	if err != nil {
		return model.V3State{}, fmt.Errorf("tick: %w", err)
	}
	liqValues, err := unpackCall(parsed, "liquidity", results[1])
	if err != nil {
		return model.V3State{}, err
	}
	liquidity, err := asBigInt(liqValues[0])
	if err != nil {
		return model.V3State{}, fmt.Errorf("liquidity: %w", err)
	}
	return model.V3State{SqrtPriceX96: sqrt, Liquidity: liquidity, Tick: tick}, nil
}

type balancerAdapter struct {
	vault common.Address
}

func (a balancerAdapter) Calls(pool model.Pool) ([]Call, error) {
	if a.vault == (common.Address{}) {
		return nil, fmt.Errorf("balancer vault address not configured")
	}
	if pool.PoolID == (common.Hash{}) {
		return nil, fmt.Errorf("pool %s has no vault pool id", pool.Address.Hex())
	}
	parsed, err := BalancerVaultABI()
	if err != nil {
		return nil, fmt.Errorf("parse vault abi: %w", err)
	}
	call, err := packCall(parsed, a.vault, "getPoolTokens", [32]byte(pool.PoolID))
	if err != nil {
		return nil, err
	}
	return []Call{call}, nil
}

func (balancerAdapter) Decode(pool model.Pool, results [][]byte) (model.PoolState, error) {
	if len(results) != 1 {
		return nil, fmt.Errorf("getPoolTokens result size %d", len(results))
	}
	parsed, err := BalancerVaultABI()
	if err != nil {
		return nil, fmt.Errorf("parse vault abi: %w", err)
	}
	values, err := unpackCall(parsed, "getPoolTokens", results[0])
	if err != nil {
		return nil, err
	}
	if len(values) < 2 {
		return nil, fmt.Errorf("getPoolTokens return size %d", len(values))
	}
	tokens, ok := values[0].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("unsupported tokens type %T", values[0])
	}
	balances, ok := values[1].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("unsupported balances type %T", values[1])
	}
	if len(tokens) != len(balances) {
		return nil, fmt.Errorf("vault returned %d tokens and %d balances", len(tokens), len(balances))
	}

	byToken := make(map[common.Address]*big.Int, len(tokens))
	for i, token := range tokens {
		byToken[token] = balances[i]
	}
	ordered := make([]*big.Int, len(pool.Tokens))
	for i, token := range pool.Tokens {
		balance, ok := byToken[token]
		if !ok {
			return nil, fmt.Errorf("vault has no balance for token %s", token.Hex())
		}
		ordered[i] = balance
	}
	return model.BalancesState{Balances: ordered}, nil
}

type curveAdapter struct{}

func (curveAdapter) Calls(pool model.Pool) ([]Call, error) {
	parsed, err := CurvePoolABI()
	if err != nil {
		return nil, fmt.Errorf("parse curve abi: %w", err)
	}
	calls := make([]Call, 0, len(pool.Tokens))
	for i := range pool.Tokens {
		call, err := packCall(parsed, pool.Address, "balances", big.NewInt(int64(i)))
		if err != nil {
			return nil, err
		}
		calls = append(calls, call)
	}
	return calls, nil
}

func (curveAdapter) Decode(pool model.Pool, results [][]byte) (model.PoolState, error) {
	if len(results) != len(pool.Tokens) {
		return nil, fmt.Errorf("balances result size %d for %d tokens", len(results), len(pool.Tokens))
	}
	parsed, err := CurvePoolABI()
	if err != nil {
		return nil, fmt.Errorf("parse curve abi: %w", err)
	}
	balances := make([]*big.Int, len(results))
	for i, data := range results {
		values, err := unpackCall(parsed, "balances", data)
		if err != nil {
			return nil, fmt.Errorf("balance %d: %w", i, err)
		}
		balance, err := asBigInt(values[0])
		if err != nil {
			return nil, fmt.Errorf("balance %d: %w", i, err)
		}
		balances[i] = balance
	}
	return model.BalancesState{Balances: balances}, nil
}

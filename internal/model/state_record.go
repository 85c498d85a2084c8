package model

import (
	"fmt"
	"math/big"
)

// StateRecord is the serialized form of a PoolState observed at a block.
type StateRecord struct {
	Kind         string   `json:"kind"`
	Block        uint64   `json:"block"`
	Reserve0     string   `json:"reserve0,omitempty"`
	Reserve1     string   `json:"reserve1,omitempty"`
	SqrtPriceX96 string   `json:"sqrt_price_x96,omitempty"`
	Liquidity    string   `json:"liquidity,omitempty"`
	Tick         int32    `json:"tick,omitempty"`
	Balances     []string `json:"balances,omitempty"`
}

// NewStateRecord captures state for storage or transport.
func NewStateRecord(state PoolState, block uint64) StateRecord {
	switch s := state.(type) {
	case V2State:
		return StateRecord{Kind: "v2", Block: block, Reserve0: bigString(s.Reserve0), Reserve1: bigString(s.Reserve1)}
	case V3State:
		return StateRecord{Kind: "v3", Block: block, SqrtPriceX96: bigString(s.SqrtPriceX96), Liquidity: bigString(s.Liquidity), Tick: s.Tick}
	case BalancesState:
		balances := make([]string, len(s.Balances))
		for i, balance := range s.Balances {
			balances[i] = bigString(balance)
		}
		return StateRecord{Kind: "balances", Block: block, Balances: balances}
	default:
		return StateRecord{Block: block}
	}
}

// State decodes the record back into a PoolState.
func (r StateRecord) State() (PoolState, error) {
	switch r.Kind {
	case "v2":
		r0, err := parseBig(r.Reserve0)
		if err != nil {
			return nil, fmt.Errorf("reserve0: %w", err)
		}
		r1, err := parseBig(r.Reserve1)
		if err != nil {
			return nil, fmt.Errorf("reserve1: %w", err)
		}
		return V2State{Reserve0: r0, Reserve1: r1}, nil
	case "v3":
		sqrt, err := parseBig(r.SqrtPriceX96)
		if err != nil {
			return nil, fmt.Errorf("sqrt price: %w", err)
		}
		liq, err := parseBig(r.Liquidity)
		if err != nil {
			return nil, fmt.Errorf("liquidity: %w", err)
		}
		return V3State{SqrtPriceX96: sqrt, Liquidity: liq, Tick: r.Tick}, nil
	case "balances":
		balances := make([]*big.Int, len(r.Balances))
		for i, raw := range r.Balances {
			balance, err := parseBig(raw)
			if err != nil {
				return nil, fmt.Errorf("balance %d: %w", i, err)
			}
			balances[i] = balance
		}
		return BalancesState{Balances: balances}, nil
	default:
		return nil, fmt.Errorf("unknown state kind %q", r.Kind)
	}
}

func bigString(value *big.Int) string {
	if value == nil {
		return "0"
	}
	return value.String()
}

func parseBig(input string) (*big.Int, error) {
	if input == "" {
		return new(big.Int), nil
	}
	value, ok := new(big.Int).SetString(input, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", input)
	}
	return value, nil
}

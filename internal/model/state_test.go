package model

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	weth = common.HexToAddress("0x82aF49447D8a07e3bd95BD0d56f35241523fBab1")
	usdc = common.HexToAddress("0xaf88d065e77c8cC2239327C5EDb3A432268e5831")
	arb  = common.HexToAddress("0x912CE59144191C1204E64559FE8253a0e49E6548")
)

type staticValuation struct {
	prices   map[common.Address]float64
	decimals map[common.Address]uint8
}

func (v staticValuation) Price(token common.Address) (float64, bool) {
	p, ok := v.prices[token]
	return p, ok
}

func (v staticValuation) Decimals(token common.Address) uint8 {
	if d, ok := v.decimals[token]; ok {
		return d
	}
	return 18
}

func exp10(n int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(n), nil)
}

func TestV2WeightWethUsdc(t *testing.T) {
	state := V2State{
		Reserve0: new(big.Int).Mul(big.NewInt(1000), exp10(18)),
		Reserve1: new(big.Int).Mul(big.NewInt(2_000_000), exp10(6)),
	}
	valuation := staticValuation{
		prices:   map[common.Address]float64{weth: 2000, usdc: 1},
		decimals: map[common.Address]uint8{weth: 18, usdc: 6},
	}

	got, err := state.ComputeWeight([]common.Address{weth, usdc}, valuation)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 4_000_000 {
		t.Fatalf("weight mismatch: got %f want 4000000", got)
	}
}

func TestWeightUnpricedToken(t *testing.T) {
	state := V2State{Reserve0: exp10(18), Reserve1: exp10(18)}
	valuation := staticValuation{prices: map[common.Address]float64{weth: 2000}}

	got, err := state.ComputeWeight([]common.Address{weth, arb}, valuation)
	if !errors.Is(err, ErrUnpriced) {
		t.Fatalf("expected ErrUnpriced, got %v", err)
	}
	if got != 0 {
		t.Fatalf("unpriced pool must weigh zero, got %f", got)
	}
}

func TestZeroPriceIsNotMissing(t *testing.T) {
	state := V2State{Reserve0: exp10(18), Reserve1: exp10(18)}
	valuation := staticValuation{prices: map[common.Address]float64{weth: 2000, arb: 0}}

	got, err := state.ComputeWeight([]common.Address{weth, arb}, valuation)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 2000 {
		t.Fatalf("weight mismatch: got %f want 2000", got)
	}
}

func TestV3VirtualAmountsAtUnitPrice(t *testing.T) {
	q96 := new(big.Int).Lsh(big.NewInt(1), 96)
	state := V3State{SqrtPriceX96: q96, Liquidity: exp10(18), Tick: 0}

	amount0, amount1 := state.VirtualAmounts()
	if amount0.Cmp(exp10(18)) != 0 || amount1.Cmp(exp10(18)) != 0 {
		t.Fatalf("amounts mismatch: %s %s", amount0, amount1)
	}

	valuation := staticValuation{prices: map[common.Address]float64{weth: 2, arb: 1}}
	got, err := state.ComputeWeight([]common.Address{weth, arb}, valuation)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 3 {
		t.Fatalf("weight mismatch: got %f want 3", got)
	}
}

func TestV3LargeLiquidityFallsBackToBigMath(t *testing.T) {
	huge := new(big.Int).Lsh(big.NewInt(1), 127)
	sqrt := new(big.Int).Lsh(big.NewInt(1), 159)
	state := V3State{SqrtPriceX96: sqrt, Liquidity: huge}

	_, amount1 := state.VirtualAmounts()
	want := new(big.Int).Lsh(big.NewInt(1), 127+159-96)
	if amount1.Cmp(want) != 0 {
		t.Fatalf("amount1 mismatch: %s != %s", amount1, want)
	}
}

func TestBalancesWeight(t *testing.T) {
	state := BalancesState{Balances: []*big.Int{
		new(big.Int).Mul(big.NewInt(10), exp10(18)),
		new(big.Int).Mul(big.NewInt(500), exp10(6)),
	}}
	valuation := staticValuation{
		prices:   map[common.Address]float64{weth: 3000, usdc: 1},
		decimals: map[common.Address]uint8{usdc: 6},
	}

	got, err := state.ComputeWeight([]common.Address{weth, usdc}, valuation)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 30_500 {
		t.Fatalf("weight mismatch: got %f want 30500", got)
	}

	if _, err := state.ComputeWeight([]common.Address{weth}, valuation); err == nil {
		t.Fatalf("expected error for token/balance size mismatch")
	}
}

func TestDegenerateStates(t *testing.T) {
	cases := []struct {
		name  string
		state PoolState
		want  bool
	}{
		{"v2 zero reserve", V2State{Reserve0: big.NewInt(0), Reserve1: big.NewInt(5)}, true},
		{"v2 live", V2State{Reserve0: big.NewInt(1), Reserve1: big.NewInt(5)}, false},
		{"v3 zero liquidity", V3State{SqrtPriceX96: big.NewInt(1), Liquidity: big.NewInt(0)}, true},
		{"v3 nil price", V3State{Liquidity: big.NewInt(1)}, true},
		{"balances empty", BalancesState{}, true},
		{"balances live", BalancesState{Balances: []*big.Int{big.NewInt(1), big.NewInt(2)}}, false},
	}
	for _, tc := range cases {
		if got := tc.state.Degenerate(); got != tc.want {
			t.Fatalf("%s: degenerate=%v want %v", tc.name, got, tc.want)
		}
	}
}

func TestStateRecordRestoresV3(t *testing.T) {
	state := V3State{SqrtPriceX96: big.NewInt(123456789), Liquidity: big.NewInt(42), Tick: -887}
	record := NewStateRecord(state, 100)

	restored, err := record.State()
	if err != nil {
		t.Fatalf("decode record: %v", err)
	}
	v3, ok := restored.(V3State)
	if !ok {
		t.Fatalf("unexpected state type %T", restored)
	}
	if v3.SqrtPriceX96.Cmp(state.SqrtPriceX96) != 0 || v3.Liquidity.Cmp(state.Liquidity) != 0 || v3.Tick != state.Tick {
		t.Fatalf("restored state mismatch: %+v", v3)
	}
	if _, err := (StateRecord{Kind: "bogus"}).State(); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

package model

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// ErrUnpriced is returned when a constituent token has no resolved USD price.
var ErrUnpriced = errors.New("token price unresolved")

// Valuation supplies USD prices and token decimals to weight computation.
type Valuation interface {
	Price(token common.Address) (float64, bool)
	Decimals(token common.Address) uint8
}

// PoolState is the protocol-specific numeric state of a pool.
// The set of implementations is closed: V2State, V3State and BalancesState.
type PoolState interface {
	// ComputeWeight values the pool in USD. A pool with any unpriced token
	// reports ErrUnpriced and a zero weight.
	ComputeWeight(tokens []common.Address, v Valuation) (float64, error)
	// Degenerate reports state that cannot back a live pool.
	Degenerate() bool
	// FingerprintFields returns the canonical encoding of the numeric fields.
	FingerprintFields() [][]byte

	poolState()
}

// V2State is the reserve pair of a constant-product pool.
type V2State struct {
	Reserve0 *big.Int
	Reserve1 *big.Int
}

// V3State is the current price point of a concentrated-liquidity pool.
type V3State struct {
	SqrtPriceX96 *big.Int
	Liquidity    *big.Int
	Tick         int32
}

// BalancesState holds per-token balances of weighted and stable pools,
// ordered like the pool tokens.
type BalancesState struct {
	Balances []*big.Int
}

func (V2State) poolState()       {}
func (V3State) poolState()       {}
func (BalancesState) poolState() {}

func (s V2State) Degenerate() bool {
	return isZero(s.Reserve0) || isZero(s.Reserve1)
}

func (s V2State) FingerprintFields() [][]byte {
	return [][]byte{[]byte("v2"), bigBytes(s.Reserve0), bigBytes(s.Reserve1)}
}

func (s V2State) ComputeWeight(tokens []common.Address, v Valuation) (float64, error) {
	if len(tokens) < 2 {
		return 0, fmt.Errorf("v2 pool needs 2 tokens, got %d", len(tokens))
	}
	return valueAmounts(tokens[:2], []*big.Int{s.Reserve0, s.Reserve1}, v)
}

func (s V3State) Degenerate() bool {
	return isZero(s.Liquidity) || isZero(s.SqrtPriceX96)
}

func (s V3State) FingerprintFields() [][]byte {
	tick := make([]byte, 4)
	binary.BigEndian.PutUint32(tick, uint32(s.Tick))
	return [][]byte{[]byte("v3"), bigBytes(s.SqrtPriceX96), bigBytes(s.Liquidity), tick}
}

// ComputeWeight values the virtual amounts at the current price:
// amount0 = L * 2^96 / sqrtP and amount1 = L * sqrtP / 2^96.
func (s V3State) ComputeWeight(tokens []common.Address, v Valuation) (float64, error) {
	if len(tokens) < 2 {
		return 0, fmt.Errorf("v3 pool needs 2 tokens, got %d", len(tokens))
	}
	if s.Degenerate() {
		return valueAmounts(tokens[:2], []*big.Int{nil, nil}, v)
	}
	amount0, amount1 := s.VirtualAmounts()
	return valueAmounts(tokens[:2], []*big.Int{amount0, amount1}, v)
}

var q96 = new(uint256.Int).Lsh(uint256.NewInt(1), 96)

// VirtualAmounts returns the raw token amounts implied by liquidity at the current price.
func (s V3State) VirtualAmounts() (*big.Int, *big.Int) {
	if s.Degenerate() {
		return new(big.Int), new(big.Int)
	}
	liquidity, liqOverflow := uint256.FromBig(s.Liquidity)
	sqrtPrice, priceOverflow := uint256.FromBig(s.SqrtPriceX96)
	if liqOverflow || priceOverflow {
		return s.virtualAmountsBig()
	}
	num0, overflow0 := new(uint256.Int).MulOverflow(liquidity, q96)
	num1, overflow1 := new(uint256.Int).MulOverflow(liquidity, sqrtPrice)
	if overflow0 || overflow1 {
		return s.virtualAmountsBig()
	}
	amount0 := new(uint256.Int).Div(num0, sqrtPrice)
	amount1 := new(uint256.Int).Rsh(num1, 96)
	return amount0.ToBig(), amount1.ToBig()
}

func (s V3State) virtualAmountsBig() (*big.Int, *big.Int) {
	q := new(big.Int).Lsh(big.NewInt(1), 96)
	amount0 := new(big.Int).Mul(s.Liquidity, q)
	amount0.Quo(amount0, s.SqrtPriceX96)
	amount1 := new(big.Int).Mul(s.Liquidity, s.SqrtPriceX96)
	amount1.Rsh(amount1, 96)
	return amount0, amount1
}

func (s BalancesState) Degenerate() bool {
	if len(s.Balances) == 0 {
		return true
	}
	for _, balance := range s.Balances {
		if isZero(balance) {
			return true
		}
	}
	return false
}

func (s BalancesState) FingerprintFields() [][]byte {
	fields := make([][]byte, 0, len(s.Balances)+1)
	fields = append(fields, []byte("balances"))
	for _, balance := range s.Balances {
		fields = append(fields, bigBytes(balance))
	}
	return fields
}

func (s BalancesState) ComputeWeight(tokens []common.Address, v Valuation) (float64, error) {
	if len(tokens) != len(s.Balances) {
		return 0, fmt.Errorf("balances size %d does not match tokens %d", len(s.Balances), len(tokens))
	}
	return valueAmounts(tokens, s.Balances, v)
}

func valueAmounts(tokens []common.Address, amounts []*big.Int, v Valuation) (float64, error) {
	prices := make([]float64, len(tokens))
	for i, token := range tokens {
		price, ok := v.Price(token)
		if !ok {
			return 0, fmt.Errorf("%s: %w", token.Hex(), ErrUnpriced)
		}
		prices[i] = price
	}

	total := 0.0
	for i, token := range tokens {
		total += TokenUnits(amounts[i], v.Decimals(token)) * prices[i]
	}
	return total, nil
}

// TokenUnits scales a raw on-chain amount by the token decimals.
func TokenUnits(raw *big.Int, decimals uint8) float64 {
	if isZero(raw) {
		return 0
	}
	units, _ := decimal.NewFromBigInt(raw, -int32(decimals)).Float64()
	return units
}

func isZero(value *big.Int) bool {
	return value == nil || value.Sign() == 0
}

func bigBytes(value *big.Int) []byte {
	if value == nil {
		return nil
	}
	return value.Bytes()
}

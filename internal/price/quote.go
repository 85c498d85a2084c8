package price

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Source tells where a quote came from.
type Source string

const (
	SourceCache       Source = "cache"
	SourceRemoteCache Source = "remote_cache"
	SourceOracle      Source = "oracle"
	SourcePool        Source = "pool"
	SourceHardcoded   Source = "hardcoded"
)

// Quote is a USD price for a token.
type Quote struct {
	Token      common.Address `json:"token"`
	USD        float64        `json:"usd"`
	Source     Source         `json:"source"`
	ObservedAt time.Time      `json:"observed_at"`
}

// Result holds resolved quotes and the tokens no source could price.
type Result struct {
	Quotes  map[common.Address]Quote
	Missing []common.Address
}

func newResult(capacity int) Result {
	return Result{Quotes: make(map[common.Address]Quote, capacity)}
}

// Price implements the price half of model.Valuation.
func (r Result) Price(token common.Address) (float64, bool) {
	q, ok := r.Quotes[token]
	if !ok {
		return 0, false
	}
	return q.USD, true
}

// Merge adds quotes from other and drops them from the missing set.
func (r *Result) Merge(other Result) {
	if r.Quotes == nil {
		r.Quotes = make(map[common.Address]Quote, len(other.Quotes))
	}
	for token, q := range other.Quotes {
		r.Quotes[token] = q
	}
	missing := r.Missing[:0]
	for _, token := range r.Missing {
		if _, ok := r.Quotes[token]; !ok {
			missing = append(missing, token)
		}
	}
	r.Missing = missing
}

// Arbitrum One addresses of the default hardcoded prices.
var (
	USDC  = common.HexToAddress("0xaf88d065e77c8cC2239327C5EDb3A432268e5831")
	USDCe = common.HexToAddress("0xFF970A61A04b1Ca14834A43f5de4533eBDDB5CC8")
	USDT  = common.HexToAddress("0xFd086bC7CD5C481DCC9C85ebE478A1C0b69FCbb9")
	WETH  = common.HexToAddress("0x82aF49447D8a07e3bd95BD0d56f35241523fBab1")
)

// DefaultHardcoded is the last-resort price table.
func DefaultHardcoded() map[common.Address]float64 {
	return map[common.Address]float64{
		USDC:  1.0,
		USDCe: 1.0,
		USDT:  1.0,
		WETH:  3500,
	}
}

// DefaultAnchors are the quote tokens used for pool-derived prices.
func DefaultAnchors() []common.Address {
	return []common.Address{WETH, USDC, USDT}
}

func dedupe(tokens []common.Address) []common.Address {
	seen := make(map[common.Address]struct{}, len(tokens))
	out := make([]common.Address, 0, len(tokens))
	for _, token := range tokens {
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		out = append(out, token)
	}
	return out
}

func shortHex(token common.Address) string {
	return strings.ToLower(token.Hex())
}

package dex

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultDecimals is assumed for tokens whose decimals cannot be read.
const DefaultDecimals uint8 = 18

// TokenDecimals caches token decimals by address and loads unknown tokens
// with one batched read.
type TokenDecimals struct {
	caller BatchCaller
	logger *zap.Logger

	mu    sync.RWMutex
	data  map[common.Address]uint8
	group singleflight.Group
}

func NewTokenDecimals(caller BatchCaller, logger *zap.Logger) *TokenDecimals {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenDecimals{
		caller: caller,
		logger: logger,
		data:   make(map[common.Address]uint8),
	}
}

func (c *TokenDecimals) Get(token common.Address) (uint8, bool) {
	c.mu.RLock()
	decimals, ok := c.data[token]
	c.mu.RUnlock()
	return decimals, ok
}

func (c *TokenDecimals) Set(token common.Address, decimals uint8) {
	c.mu.Lock()
	c.data[token] = decimals
	c.mu.Unlock()
}

// Load returns decimals for every token. Tokens whose read fails get
// DefaultDecimals and stay uncached so a later call retries them.
func (c *TokenDecimals) Load(ctx context.Context, tokens []common.Address) map[common.Address]uint8 {
	out := make(map[common.Address]uint8, len(tokens))
	var missing []common.Address
	for _, token := range tokens {
		if decimals, ok := c.Get(token); ok {
			out[token] = decimals
			continue
		}
		if _, dup := out[token]; dup {
			continue
		}
		out[token] = DefaultDecimals
		missing = append(missing, token)
	}
	if len(missing) == 0 || c.caller == nil {
		return out
	}

	sort.Slice(missing, func(i, j int) bool {
		return strings.Compare(missing[i].Hex(), missing[j].Hex()) < 0
	})
	key := flightKey(missing)
	fetched, err, _ := c.group.Do(key, func() (interface{}, error) {
		return c.fetch(ctx, missing)
	})
	if err != nil {
		c.logger.Warn("token decimals fetch failed", zap.Int("tokens", len(missing)), zap.Error(err))
		return out
	}
	for token, decimals := range fetched.(map[common.Address]uint8) {
		out[token] = decimals
	}
	return out
}

func (c *TokenDecimals) fetch(ctx context.Context, tokens []common.Address) (map[common.Address]uint8, error) {
	calls := make([]Call, 0, len(tokens))
	for _, token := range tokens {
		call, err := DecimalsCall(token)
		if err != nil {
			return nil, err
		}
		calls = append(calls, call)
	}
	results, err := c.caller.BatchCall(ctx, calls, nil)
	if err != nil {
		return nil, fmt.Errorf("batch decimals: %w", err)
	}

	fetched := make(map[common.Address]uint8, len(tokens))
	for i, token := range tokens {
		if i >= len(results) || !results[i].OK() {
			continue
		}
		decimals, err := DecodeDecimals(results[i].Data)
		if err != nil {
			c.logger.Debug("decode decimals failed", zap.String("token", token.Hex()), zap.Error(err))
			continue
		}
		c.Set(token, decimals)
		fetched[token] = decimals
	}
	return fetched, nil
}

func flightKey(tokens []common.Address) string {
	var b strings.Builder
	for _, token := range tokens {
		b.WriteString(token.Hex())
	}
	return b.String()
}

func asAddress(value interface{}) (common.Address, error) {
	switch v := value.(type) {
	case common.Address:
		return v, nil
	case *common.Address:
		return *v, nil
	default:
		return common.Address{}, fmt.Errorf("unsupported address type %T", value)
	}
}

func asBigInt(value interface{}) (*big.Int, error) {
	switch v := value.(type) {
	case *big.Int:
		return new(big.Int).Set(v), nil
	case big.Int:
		return new(big.Int).Set(&v), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint16:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	case int32:
		return big.NewInt(int64(v)), nil
	case int64:
		return big.NewInt(v), nil
	default:
		return nil, fmt.Errorf("unsupported int type %T", value)
	}
}

func asUint8(value interface{}) (uint8, error) {
	switch v := value.(type) {
	case uint8:
		return v, nil
	case *big.Int:
		if !v.IsUint64() || v.Uint64() > 255 {
			return 0, fmt.Errorf("uint8 overflow: %s", v.String())
		}
		return uint8(v.Uint64()), nil
	default:
		return 0, fmt.Errorf("unsupported uint8 type %T", value)
	}
}

func int24FromBig(value *big.Int) (int32, error) {
	min := big.NewInt(-1 << 23)
	max := big.NewInt((1 << 23) - 1)
	if value.Cmp(min) < 0 || value.Cmp(max) > 0 {
		return 0, fmt.Errorf("int24 overflow: %s", value.String())
	}
	return int32(value.Int64()), nil
}

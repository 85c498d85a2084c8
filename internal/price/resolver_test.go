package price

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"liquiditySync/internal/dex"
	"liquiditySync/internal/model"
)

type feedAnswer struct {
	answer    *big.Int
	decimals  uint8
	updatedAt time.Time
}

type poolKey struct {
	a, b common.Address
	fee  uint32
}

type poolSlot struct {
	sqrt      *big.Int
	liquidity *big.Int
}

// fakeChain answers the reads the resolver issues: aggregator, erc20
// decimals, factory getPool, and v3 slot0/liquidity.
type fakeChain struct {
	mu        sync.Mutex
	batches   int
	fail      bool
	feeds     map[common.Address]feedAnswer
	decimals  map[common.Address]uint8
	pools     map[poolKey]common.Address
	slots     map[common.Address]poolSlot
	revertAll map[common.Address]bool
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		feeds:     map[common.Address]feedAnswer{},
		decimals:  map[common.Address]uint8{},
		pools:     map[poolKey]common.Address{},
		slots:     map[common.Address]poolSlot{},
		revertAll: map[common.Address]bool{},
	}
}

func (f *fakeChain) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches
}

func (f *fakeChain) BatchCall(_ context.Context, calls []dex.Call, _ *big.Int) ([]dex.CallResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches++
	if f.fail {
		return nil, errors.New("rpc down")
	}
	out := make([]dex.CallResult, len(calls))
	for i, call := range calls {
		data, err := f.answer(call)
		if err != nil {
			out[i] = dex.CallResult{Success: false}
			continue
		}
		out[i] = dex.CallResult{Success: true, Data: data}
	}
	return out, nil
}

func (f *fakeChain) answer(call dex.Call) ([]byte, error) {
	if f.revertAll[call.Target] {
		return nil, errors.New("revert")
	}
	method, err := lookupMethod(call.Data)
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "latestRoundData":
		feed, ok := f.feeds[call.Target]
		if !ok {
			return nil, errors.New("no feed")
		}
		updated := big.NewInt(feed.updatedAt.Unix())
		return method.Outputs.Pack(big.NewInt(1), feed.answer, updated, updated, big.NewInt(1))
	case "decimals":
		if feed, ok := f.feeds[call.Target]; ok {
			return method.Outputs.Pack(feed.decimals)
		}
		decimals, ok := f.decimals[call.Target]
		if !ok {
			return nil, errors.New("no decimals")
		}
		return method.Outputs.Pack(decimals)
	case "getPool":
		args, err := method.Inputs.Unpack(call.Data[4:])
		if err != nil {
			return nil, err
		}
		a, b := args[0].(common.Address), args[1].(common.Address)
		fee := uint32(args[2].(*big.Int).Uint64())
		pool := f.pools[poolKey{a: a, b: b, fee: fee}]
		if pool == (common.Address{}) {
			pool = f.pools[poolKey{a: b, b: a, fee: fee}]
		}
		return method.Outputs.Pack(pool)
	case "slot0":
		slot, ok := f.slots[call.Target]
		if !ok {
			return nil, errors.New("no pool")
		}
		return method.Outputs.Pack(slot.sqrt, big.NewInt(0), uint16(0), uint16(0), uint16(0), uint8(0), true)
	case "liquidity":
		slot, ok := f.slots[call.Target]
		if !ok {
			return nil, errors.New("no pool")
		}
		return method.Outputs.Pack(slot.liquidity)
	}
	return nil, errors.New("unexpected call " + method.Name)
}

func lookupMethod(data []byte) (*abi.Method, error) {
	getters := []func() (abi.ABI, error){dex.AggregatorV3ABI, dex.ERC20ABI, dex.V3FactoryABI, dex.V3PoolABI}
	for _, get := range getters {
		parsed, err := get()
		if err != nil {
			return nil, err
		}
		if method, err := parsed.MethodById(data[:4]); err == nil {
			return method, nil
		}
	}
	return nil, errors.New("unknown selector")
}

type fakeRemote struct {
	prices map[common.Address]model.PriceRecord
	err    error
	stored map[common.Address]model.PriceRecord
}

func (f *fakeRemote) GetPrices(_ context.Context, tokens []common.Address) (map[common.Address]model.PriceRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := map[common.Address]model.PriceRecord{}
	for _, token := range tokens {
		if record, ok := f.prices[token]; ok {
			out[token] = record
		}
	}
	return out, nil
}

func (f *fakeRemote) SetPrices(_ context.Context, prices map[common.Address]model.PriceRecord) error {
	if f.stored == nil {
		f.stored = map[common.Address]model.PriceRecord{}
	}
	for token, record := range prices {
		f.stored[token] = record
	}
	return nil
}

var (
	tokenA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	feedA  = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	tokenZ = common.HexToAddress("0xfffffffffffffffffffffffffffffffffffffff1")
	poolZ  = common.HexToAddress("0x0000000000000000000000000000000000000b01")
	stray  = common.HexToAddress("0x0000000000000000000000000000000000000dd1")
)

func newTestResolver(chain *fakeChain, remote Remote, cfg Config) *Resolver {
	return NewResolver(chain, nil, remote, cfg, zap.NewNop(), nil)
}

func TestHardcodedTableAlwaysResolves(t *testing.T) {
	chain := newFakeChain()
	chain.fail = true
	r := newTestResolver(chain, nil, Config{})

	result := r.Resolve(context.Background(), []common.Address{USDC, WETH, USDT, USDCe})
	require.Empty(t, result.Missing)
	assert.Equal(t, 1.0, result.Quotes[USDC].USD)
	assert.Equal(t, 3500.0, result.Quotes[WETH].USD)
	assert.Equal(t, SourceHardcoded, result.Quotes[USDT].Source)
}

func TestOracleQuoteIsCached(t *testing.T) {
	chain := newFakeChain()
	chain.feeds[feedA] = feedAnswer{answer: big.NewInt(200_000_000), decimals: 8, updatedAt: time.Now()}
	r := newTestResolver(chain, nil, Config{Feeds: map[common.Address]common.Address{tokenA: feedA}, Anchors: []common.Address{}})

	first := r.Resolve(context.Background(), []common.Address{tokenA})
	require.Empty(t, first.Missing)
	assert.Equal(t, SourceOracle, first.Quotes[tokenA].Source)
	assert.InDelta(t, 2.0, first.Quotes[tokenA].USD, 1e-12)

	calls := chain.batchCount()
	second := r.Resolve(context.Background(), []common.Address{tokenA})
	assert.Equal(t, SourceCache, second.Quotes[tokenA].Source)
	assert.Equal(t, calls, chain.batchCount(), "cached quote must not hit rpc")
}

func TestStaleOrNonPositiveOracleRejected(t *testing.T) {
	chain := newFakeChain()
	chain.feeds[feedA] = feedAnswer{answer: big.NewInt(100_000_000), decimals: 8, updatedAt: time.Now().Add(-2 * time.Hour)}
	r := newTestResolver(chain, nil, Config{
		Feeds:        map[common.Address]common.Address{tokenA: feedA},
		OracleMaxAge: time.Hour,
		Anchors:      []common.Address{},
	})

	result := r.Resolve(context.Background(), []common.Address{tokenA})
	assert.Equal(t, []common.Address{tokenA}, result.Missing)

	chain.feeds[feedA] = feedAnswer{answer: big.NewInt(-5), decimals: 8, updatedAt: time.Now()}
	result = r.Resolve(context.Background(), []common.Address{tokenA})
	assert.Equal(t, []common.Address{tokenA}, result.Missing)
	_, ok := result.Price(tokenA)
	assert.False(t, ok)
}

func TestPoolDerivedPrice(t *testing.T) {
	chain := newFakeChain()
	factory := common.HexToAddress("0x00000000000000000000000000000000000fac01")
	chain.pools[poolKey{a: tokenZ, b: WETH, fee: 3000}] = poolZ
	// WETH sorts before tokenZ, so the price is tokenZ per WETH: 2^2 = 4.
	chain.slots[poolZ] = poolSlot{sqrt: new(big.Int).Lsh(big.NewInt(2), 96), liquidity: big.NewInt(1_000_000)}
	chain.decimals[tokenZ] = 18
	chain.decimals[WETH] = 18

	r := newTestResolver(chain, nil, Config{V3Factory: factory, Anchors: []common.Address{WETH}})
	result := r.Resolve(context.Background(), []common.Address{tokenZ})
	require.Empty(t, result.Missing)
	assert.Equal(t, SourcePool, result.Quotes[tokenZ].Source)
	assert.InDelta(t, 875.0, result.Quotes[tokenZ].USD, 1e-9)
}

func TestPoolPriceOrientation(t *testing.T) {
	low := common.HexToAddress("0x01")
	high := common.HexToAddress("0x02")
	sqrt := new(big.Int).Lsh(big.NewInt(2), 96)

	// token0 = low: one low buys four high.
	assert.InDelta(t, 40.0, poolPrice(low, high, sqrt, 18, 18, 10), 1e-9)
	assert.InDelta(t, 2.5, poolPrice(high, low, sqrt, 18, 18, 10), 1e-9)
	// 6 decimal anchor as token1.
	assert.InDelta(t, 4e-12*10, poolPrice(low, high, sqrt, 6, 18, 10), 1e-20)
}

func TestAllMissingReturnsEmptyQuotes(t *testing.T) {
	chain := newFakeChain()
	r := newTestResolver(chain, nil, Config{Anchors: []common.Address{}})

	result := r.Resolve(context.Background(), []common.Address{tokenA, stray, tokenA})
	assert.Empty(t, result.Quotes)
	assert.Equal(t, []common.Address{tokenA, stray}, result.Missing)
}

func TestRepairUpdatesCache(t *testing.T) {
	chain := newFakeChain()
	chain.feeds[feedA] = feedAnswer{answer: big.NewInt(150_000_000), decimals: 8, updatedAt: time.Now()}
	chain.revertAll[feedA] = true
	r := newTestResolver(chain, nil, Config{Feeds: map[common.Address]common.Address{tokenA: feedA}, Anchors: []common.Address{}})

	result := r.Resolve(context.Background(), []common.Address{tokenA})
	require.Equal(t, []common.Address{tokenA}, result.Missing)

	delete(chain.revertAll, feedA)
	repaired := r.Repair(context.Background(), result.Missing)
	require.Empty(t, repaired.Missing)
	assert.InDelta(t, 1.5, repaired.Quotes[tokenA].USD, 1e-12)

	cached, ok := r.Cache().Get(tokenA)
	require.True(t, ok)
	assert.InDelta(t, 1.5, cached.USD, 1e-12)

	result.Merge(repaired)
	assert.Empty(t, result.Missing)
}

func TestRepairHonorsLimit(t *testing.T) {
	chain := newFakeChain()
	chain.feeds[feedA] = feedAnswer{answer: big.NewInt(100_000_000), decimals: 8, updatedAt: time.Now()}
	r := newTestResolver(chain, nil, Config{
		Feeds:       map[common.Address]common.Address{tokenA: feedA},
		RepairLimit: 1,
		Anchors:     []common.Address{},
	})

	repaired := r.Repair(context.Background(), []common.Address{tokenA, stray})
	assert.Contains(t, repaired.Quotes, tokenA)
	assert.Equal(t, []common.Address{stray}, repaired.Missing)
}

func TestRemoteCacheConsultedAndWritten(t *testing.T) {
	chain := newFakeChain()
	chain.feeds[feedA] = feedAnswer{answer: big.NewInt(300_000_000), decimals: 8, updatedAt: time.Now()}
	observed := time.Now().Add(-2 * time.Second)
	remote := &fakeRemote{prices: map[common.Address]model.PriceRecord{
		stray: {USD: 7, Source: "oracle", ObservedAt: observed},
	}}
	r := newTestResolver(chain, remote, Config{Feeds: map[common.Address]common.Address{tokenA: feedA}, Anchors: []common.Address{}})

	result := r.Resolve(context.Background(), []common.Address{stray, tokenA})
	require.Empty(t, result.Missing)
	assert.Equal(t, SourceRemoteCache, result.Quotes[stray].Source)
	assert.Equal(t, 7.0, result.Quotes[stray].USD)
	assert.True(t, observed.Equal(result.Quotes[stray].ObservedAt), "remote quotes keep their observation time")

	stored := remote.stored[tokenA]
	assert.InDelta(t, 3.0, stored.USD, 1e-12)
	assert.Equal(t, string(SourceOracle), stored.Source)
	assert.False(t, stored.ObservedAt.IsZero())
}

func TestStaleRemoteQuoteIgnored(t *testing.T) {
	chain := newFakeChain()
	remote := &fakeRemote{prices: map[common.Address]model.PriceRecord{
		stray: {USD: 7, Source: "oracle", ObservedAt: time.Now().Add(-time.Minute)},
	}}
	r := newTestResolver(chain, remote, Config{CacheTTL: 10 * time.Second, Anchors: []common.Address{}})

	result := r.Resolve(context.Background(), []common.Address{stray})
	assert.Equal(t, []common.Address{stray}, result.Missing)
}

func TestHardcodedQuotesAreNotCached(t *testing.T) {
	chain := newFakeChain()
	chain.fail = true
	remote := &fakeRemote{}
	r := newTestResolver(chain, remote, Config{})

	first := r.Resolve(context.Background(), []common.Address{USDC})
	require.Equal(t, SourceHardcoded, first.Quotes[USDC].Source)
	assert.NotContains(t, remote.stored, USDC)
	_, cached := r.Cache().Get(USDC)
	assert.False(t, cached)

	second := r.Resolve(context.Background(), []common.Address{USDC})
	assert.Equal(t, SourceHardcoded, second.Quotes[USDC].Source, "a fallback must keep its own label")
}

func TestRemoteCacheErrorIgnored(t *testing.T) {
	chain := newFakeChain()
	r := newTestResolver(chain, &fakeRemote{err: errors.New("connection refused")}, Config{})

	result := r.Resolve(context.Background(), []common.Address{USDC})
	require.Empty(t, result.Missing)
	assert.Equal(t, SourceHardcoded, result.Quotes[USDC].Source)
}

func TestSharedCacheExpiry(t *testing.T) {
	cache := NewSharedCache(10 * time.Second)
	now := time.Unix(1_700_000_000, 0)
	cache.now = func() time.Time { return now }
	cache.Put(Quote{Token: tokenA, USD: 1, ObservedAt: now})

	_, ok := cache.Get(tokenA)
	assert.True(t, ok)
	assert.Len(t, cache.Snapshot(), 1)

	now = now.Add(10 * time.Second)
	_, ok = cache.Get(tokenA)
	assert.False(t, ok)
	assert.Empty(t, cache.Snapshot())
}

package statecache

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"liquiditySync/internal/dex"
	"liquiditySync/internal/model"
)

// reservesCaller answers getReserves for the pools in reserves.
type reservesCaller struct {
	mu       sync.Mutex
	reserves map[common.Address][2]int64
	reverts  map[common.Address]bool
	err      error
	batches  int
	calls    int
	started  chan struct{}
	release  chan struct{}
}

func newReservesCaller() *reservesCaller {
	return &reservesCaller{reserves: map[common.Address][2]int64{}, reverts: map[common.Address]bool{}}
}

func (f *reservesCaller) set(pool common.Address, r0, r1 int64) {
	f.mu.Lock()
	f.reserves[pool] = [2]int64{r0, r1}
	f.mu.Unlock()
}

func (f *reservesCaller) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches, f.calls
}

func (f *reservesCaller) BatchCall(ctx context.Context, calls []dex.Call, _ *big.Int) ([]dex.CallResult, error) {
	if f.started != nil {
		close(f.started)
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches++
	f.calls += len(calls)
	if f.err != nil {
		return nil, f.err
	}
	parsed, err := dex.V2PairABI()
	if err != nil {
		return nil, err
	}
	method := parsed.Methods["getReserves"]
	out := make([]dex.CallResult, len(calls))
	for i, call := range calls {
		r, ok := f.reserves[call.Target]
		if !ok || f.reverts[call.Target] {
			continue
		}
		data, err := method.Outputs.Pack(big.NewInt(r[0]), big.NewInt(r[1]), uint32(0))
		if err != nil {
			return nil, err
		}
		out[i] = dex.CallResult{Success: true, Data: data}
	}
	return out, nil
}

type staticHot map[common.Address]bool

func (h staticHot) IsHot(pool common.Address) bool { return h[pool] }

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func v2Pool(n int64) model.Pool {
	return model.Pool{
		Address: common.BigToAddress(big.NewInt(0x1000 + n)),
		Dex:     model.DexUniswapV2,
		Tokens:  []common.Address{common.HexToAddress("0xa"), common.HexToAddress("0xb")},
	}
}

func newTestCache(caller dex.BatchCaller, remote RemoteStates) (*Cache, *clock) {
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	c := New(caller, dex.NewRegistry(common.Address{}), remote, Config{}, zap.NewNop(), nil)
	c.now = clk.now
	return c, clk
}

func TestMissThenHit(t *testing.T) {
	caller := newReservesCaller()
	pool := v2Pool(1)
	caller.set(pool.Address, 100, 200)
	c, _ := newTestCache(caller, nil)

	snap, err := c.GetState(context.Background(), pool, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), snap.Block)
	assert.Equal(t, model.V2State{Reserve0: big.NewInt(100), Reserve1: big.NewInt(200)}, snap.State)

	_, err = c.GetState(context.Background(), pool, 104)
	require.NoError(t, err)
	batches, _ := caller.counts()
	assert.Equal(t, 1, batches, "block within tolerance must be served from cache")

	stats := c.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestBlockOutOfToleranceRefetchesAndKeepsUnchangedState(t *testing.T) {
	caller := newReservesCaller()
	pool := v2Pool(1)
	caller.set(pool.Address, 100, 200)
	c, clk := newTestCache(caller, nil)

	first, err := c.GetState(context.Background(), pool, 100)
	require.NoError(t, err)

	clk.t = clk.t.Add(10 * time.Second)
	second, err := c.GetState(context.Background(), pool, 106)
	require.NoError(t, err)
	batches, _ := caller.counts()
	assert.Equal(t, 2, batches)
	assert.Equal(t, uint64(106), second.Block)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, first.ExpiresAt, second.ExpiresAt, "unexpired entry keeps its expiry")
}

func TestExpiredEntryRefetched(t *testing.T) {
	caller := newReservesCaller()
	pool := v2Pool(1)
	caller.set(pool.Address, 100, 200)
	c, clk := newTestCache(caller, nil)

	first, err := c.GetState(context.Background(), pool, 100)
	require.NoError(t, err)
	assert.Equal(t, 300*time.Second, first.ExpiresAt.Sub(first.ObservedAt))

	clk.t = clk.t.Add(300 * time.Second)
	second, err := c.GetState(context.Background(), pool, 100)
	require.NoError(t, err)
	batches, _ := caller.counts()
	assert.Equal(t, 2, batches)
	assert.Equal(t, clk.t.Add(300*time.Second), second.ExpiresAt, "lapsed expiry is extended")
}

func TestChangedStateReplacesEntry(t *testing.T) {
	caller := newReservesCaller()
	pool := v2Pool(1)
	caller.set(pool.Address, 100, 200)
	c, _ := newTestCache(caller, nil)

	first, err := c.GetState(context.Background(), pool, 100)
	require.NoError(t, err)

	caller.set(pool.Address, 150, 150)
	second, err := c.GetState(context.Background(), pool, 120)
	require.NoError(t, err)
	assert.NotEqual(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, big.NewInt(150), second.State.(model.V2State).Reserve0)
}

func TestTouchInvalidatesOlderEntry(t *testing.T) {
	caller := newReservesCaller()
	pool := v2Pool(1)
	caller.set(pool.Address, 100, 200)
	c, _ := newTestCache(caller, nil)

	_, err := c.GetState(context.Background(), pool, 100)
	require.NoError(t, err)

	c.MarkTouched([]common.Address{pool.Address}, 101)
	assert.True(t, c.IsTouched(pool.Address, 103))
	assert.False(t, c.IsTouched(pool.Address, 107))

	snap, err := c.GetState(context.Background(), pool, 101)
	require.NoError(t, err)
	batches, _ := caller.counts()
	assert.Equal(t, 2, batches, "touch newer than observation must refetch")
	assert.True(t, snap.Touched)
	assert.Equal(t, 30*time.Second, snap.ExpiresAt.Sub(snap.ObservedAt))

	// touched pools use a tolerance of one block
	_, err = c.GetState(context.Background(), pool, 102)
	require.NoError(t, err)
	_, err = c.GetState(context.Background(), pool, 103)
	require.NoError(t, err)
	batches, _ = caller.counts()
	assert.Equal(t, 3, batches)
}

func TestHotPoolUsesHalfUntouchedTTL(t *testing.T) {
	caller := newReservesCaller()
	pool := v2Pool(1)
	caller.set(pool.Address, 100, 200)
	c, _ := newTestCache(caller, nil)
	c.SetHotChecker(staticHot{pool.Address: true})

	snap, err := c.GetState(context.Background(), pool, 100)
	require.NoError(t, err)
	assert.Equal(t, 150*time.Second, snap.ExpiresAt.Sub(snap.ObservedAt))
}

func TestPartialFailuresAreTyped(t *testing.T) {
	caller := newReservesCaller()
	ok, reverted := v2Pool(1), v2Pool(2)
	unknown := model.Pool{Address: common.HexToAddress("0xdead"), Dex: model.Dex("mystery")}
	caller.set(ok.Address, 1, 2)
	caller.set(reverted.Address, 1, 2)
	caller.reverts[reverted.Address] = true
	c, _ := newTestCache(caller, nil)

	batch := c.GetStates(context.Background(), []model.Pool{ok, reverted, unknown, ok}, 10)
	assert.Len(t, batch.States, 1)
	require.Len(t, batch.Errors, 2)
	assert.ErrorIs(t, batch.Errors[reverted.Address], ErrRevert)
	assert.ErrorIs(t, batch.Errors[unknown.Address], ErrDecode)

	var fetchErr *FetchError
	require.ErrorAs(t, batch.Errors[reverted.Address], &fetchErr)
	assert.Equal(t, uint64(10), fetchErr.Block)
}

func TestTransportFailure(t *testing.T) {
	caller := newReservesCaller()
	caller.err = errors.New("all endpoints down")
	pool := v2Pool(1)
	c, _ := newTestCache(caller, nil)

	_, err := c.GetState(context.Background(), pool, 10)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, 0, c.Stats().Entries)
	assert.Equal(t, 0, c.Stats().InFlight)
}

func TestConcurrentMissesFetchOnce(t *testing.T) {
	caller := newReservesCaller()
	pool := v2Pool(1)
	caller.set(pool.Address, 5, 6)
	caller.started = make(chan struct{})
	caller.release = make(chan struct{})
	c, _ := newTestCache(caller, nil)

	var wg sync.WaitGroup
	results := make([]Snapshot, 2)
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = c.GetState(context.Background(), pool, 50)
	}()
	<-caller.started

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], errs[1] = c.GetState(context.Background(), pool, 50)
	}()
	require.Eventually(t, func() bool { return c.Stats().Misses == 2 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(caller.release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, results[0].Fingerprint, results[1].Fingerprint)
	batches, _ := caller.counts()
	assert.Equal(t, 1, batches)
}

func TestSingleMulticallForManyMisses(t *testing.T) {
	caller := newReservesCaller()
	var pools []model.Pool
	for i := int64(0); i < 10; i++ {
		pool := v2Pool(i)
		caller.set(pool.Address, i+1, i+2)
		pools = append(pools, pool)
	}
	c, _ := newTestCache(caller, nil)

	batch := c.GetStates(context.Background(), pools, 1)
	assert.Len(t, batch.States, 10)
	batches, calls := caller.counts()
	assert.Equal(t, 1, batches)
	assert.Equal(t, 10, calls)
}

func TestReadLiveBypassesCache(t *testing.T) {
	caller := newReservesCaller()
	pool := v2Pool(1)
	caller.set(pool.Address, 1, 2)
	c, _ := newTestCache(caller, nil)

	batch := c.ReadLive(context.Background(), []model.Pool{pool}, 7)
	require.Contains(t, batch.States, pool.Address)
	assert.Equal(t, 0, c.Stats().Entries)

	c.Seed(pool.Address, batch.States[pool.Address].State, 7)
	assert.Equal(t, 1, c.Stats().Entries)
	_, err := c.GetState(context.Background(), pool, 7)
	require.NoError(t, err)
	batches, _ := caller.counts()
	assert.Equal(t, 1, batches)
}

func TestEvictAndRetain(t *testing.T) {
	c, _ := newTestCache(newReservesCaller(), nil)
	a, b, d := v2Pool(1).Address, v2Pool(2).Address, v2Pool(3).Address
	state := model.V2State{Reserve0: big.NewInt(1), Reserve1: big.NewInt(1)}
	c.Seed(a, state, 1)
	c.Seed(b, state, 1)
	c.Seed(d, state, 1)

	c.Evict([]common.Address{a})
	assert.Equal(t, 2, c.Stats().Entries)

	removed := c.Retain(func(pool common.Address) bool { return pool == b })
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, c.Stats().Entries)
}

func TestPruneTouchedDropsStaleEntries(t *testing.T) {
	c, _ := newTestCache(newReservesCaller(), nil)
	pool := v2Pool(1).Address
	c.Seed(pool, model.V2State{Reserve0: big.NewInt(1), Reserve1: big.NewInt(1)}, 10)
	c.MarkTouched([]common.Address{pool}, 12)

	c.MarkTouched([]common.Address{v2Pool(2).Address}, 100)
	stats := c.Stats()
	assert.Equal(t, 1, stats.Touched)
	assert.Equal(t, 0, stats.Entries)
}

type memoryRemote struct {
	records map[common.Address]model.StateRecord
	written map[common.Address]model.StateRecord
}

func (m *memoryRemote) GetStates(_ context.Context, pools []common.Address) (map[common.Address]model.StateRecord, error) {
	out := map[common.Address]model.StateRecord{}
	for _, pool := range pools {
		if r, ok := m.records[pool]; ok {
			out[pool] = r
		}
	}
	return out, nil
}

func (m *memoryRemote) SetStates(_ context.Context, records map[common.Address]model.StateRecord) error {
	if m.written == nil {
		m.written = map[common.Address]model.StateRecord{}
	}
	for pool, r := range records {
		m.written[pool] = r
	}
	return nil
}

func TestRemoteStatesServeMisses(t *testing.T) {
	caller := newReservesCaller()
	cached, fresh := v2Pool(1), v2Pool(2)
	caller.set(fresh.Address, 3, 4)
	remote := &memoryRemote{records: map[common.Address]model.StateRecord{
		cached.Address: {Kind: "v2", Block: 98, Reserve0: "10", Reserve1: "20"},
	}}
	c, _ := newTestCache(caller, remote)

	batch := c.GetStates(context.Background(), []model.Pool{cached, fresh}, 100)
	require.Len(t, batch.States, 2)
	assert.Equal(t, uint64(98), batch.States[cached.Address].Block)
	_, calls := caller.counts()
	assert.Equal(t, 1, calls, "only the pool missing remotely is read")
	assert.Contains(t, remote.written, fresh.Address)
}

func TestFingerprint(t *testing.T) {
	a := model.V2State{Reserve0: big.NewInt(1), Reserve1: big.NewInt(2)}
	b := model.V2State{Reserve0: big.NewInt(1), Reserve1: big.NewInt(2)}
	d := model.V2State{Reserve0: big.NewInt(2), Reserve1: big.NewInt(1)}
	balances := model.BalancesState{Balances: []*big.Int{big.NewInt(1), big.NewInt(2)}}

	assert.Equal(t, Fingerprint(a), Fingerprint(b))
	assert.NotEqual(t, Fingerprint(a), Fingerprint(d))
	assert.NotEqual(t, Fingerprint(a), Fingerprint(balances))
}

func TestRepeatedRevertsQuarantinePool(t *testing.T) {
	caller := newReservesCaller()
	pool := v2Pool(1)
	caller.set(pool.Address, 1, 2)
	caller.reverts[pool.Address] = true
	c, clk := newTestCache(caller, nil)

	for i := 0; i < 3; i++ {
		_, err := c.GetState(context.Background(), pool, uint64(10+i))
		require.ErrorIs(t, err, ErrRevert)
	}
	batches, _ := caller.counts()
	require.Equal(t, 3, batches)

	_, err := c.GetState(context.Background(), pool, 13)
	assert.ErrorIs(t, err, ErrQuarantined)
	batches, _ = caller.counts()
	assert.Equal(t, 3, batches, "a quarantined pool must not be read")
	assert.Equal(t, 1, c.Stats().Quarantined)

	live := c.ReadLive(context.Background(), []model.Pool{pool}, 13)
	assert.ErrorIs(t, live.Errors[pool.Address], ErrQuarantined)
	batches, _ = caller.counts()
	assert.Equal(t, 3, batches)

	// After the cooldown one trial read is allowed and success clears the pool.
	clk.t = clk.t.Add(10 * time.Minute)
	caller.mu.Lock()
	caller.reverts[pool.Address] = false
	caller.mu.Unlock()
	_, err = c.GetState(context.Background(), pool, 14)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Stats().Quarantined)
}

func TestFailedTrialRequarantinesAtOnce(t *testing.T) {
	caller := newReservesCaller()
	pool := v2Pool(1)
	caller.set(pool.Address, 1, 2)
	caller.reverts[pool.Address] = true
	c, clk := newTestCache(caller, nil)

	for i := 0; i < 3; i++ {
		_, _ = c.GetState(context.Background(), pool, 10)
	}
	clk.t = clk.t.Add(10 * time.Minute)

	_, err := c.GetState(context.Background(), pool, 11)
	require.ErrorIs(t, err, ErrRevert)
	_, err = c.GetState(context.Background(), pool, 11)
	assert.ErrorIs(t, err, ErrQuarantined)
	batches, _ := caller.counts()
	assert.Equal(t, 4, batches)
}

func TestTransportFailuresNeverQuarantine(t *testing.T) {
	caller := newReservesCaller()
	caller.err = errors.New("all endpoints down")
	pool := v2Pool(1)
	c, _ := newTestCache(caller, nil)

	for i := 0; i < 5; i++ {
		_, err := c.GetState(context.Background(), pool, 10)
		require.ErrorIs(t, err, ErrTransport)
	}
	batches, _ := caller.counts()
	assert.Equal(t, 5, batches)
	assert.Equal(t, 0, c.Stats().Quarantined)
}

func TestLeaderReusesEntryStoredAfterClaim(t *testing.T) {
	caller := newReservesCaller()
	pool := v2Pool(1)
	caller.set(pool.Address, 7, 8)
	c, _ := newTestCache(caller, nil)

	owned, waiting := c.flights.claim([]common.Address{pool.Address})
	require.Equal(t, []common.Address{pool.Address}, owned)
	require.Empty(t, waiting)

	// Another leader finished between this caller's lookup and its claim.
	c.Seed(pool.Address, model.V2State{Reserve0: big.NewInt(7), Reserve1: big.NewInt(8)}, 50)

	batch := newBatch(1)
	c.lead(context.Background(), owned, map[common.Address]model.Pool{pool.Address: pool}, 50, batch)
	require.Contains(t, batch.States, pool.Address)
	batches, _ := caller.counts()
	assert.Equal(t, 0, batches)
	assert.Equal(t, 0, c.Stats().InFlight)
}

func TestTouchAfterRequestedBlockKeepsEntryValid(t *testing.T) {
	caller := newReservesCaller()
	pool := v2Pool(1)
	caller.set(pool.Address, 100, 200)
	c, _ := newTestCache(caller, nil)

	_, err := c.GetState(context.Background(), pool, 100)
	require.NoError(t, err)
	c.MarkTouched([]common.Address{pool.Address}, 105)

	for i := 0; i < 3; i++ {
		_, err = c.GetState(context.Background(), pool, 100)
		require.NoError(t, err)
	}
	batches, _ := caller.counts()
	assert.Equal(t, 1, batches, "a later touch must not invalidate reads at an earlier block")

	_, err = c.GetState(context.Background(), pool, 105)
	require.NoError(t, err)
	_, err = c.GetState(context.Background(), pool, 105)
	require.NoError(t, err)
	batches, _ = caller.counts()
	assert.Equal(t, 2, batches)
}

package statecache

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"liquiditySync/internal/dex"
	"liquiditySync/internal/model"
)

// RemoteStates is the optional distributed state cache, implemented by
// redis.Cache.
type RemoteStates interface {
	GetStates(ctx context.Context, pools []common.Address) (map[common.Address]model.StateRecord, error)
	SetStates(ctx context.Context, records map[common.Address]model.StateRecord) error
}

// Batch holds per-pool results. Every requested pool is in exactly one map.
type Batch struct {
	States map[common.Address]Snapshot
	Errors map[common.Address]error
}

func newBatch(n int) Batch {
	return Batch{
		States: make(map[common.Address]Snapshot, n),
		Errors: make(map[common.Address]error),
	}
}

// GetState returns the state of one pool valid at block.
func (c *Cache) GetState(ctx context.Context, pool model.Pool, block uint64) (Snapshot, error) {
	batch := c.GetStates(ctx, []model.Pool{pool}, block)
	if err, ok := batch.Errors[pool.Address]; ok {
		return Snapshot{}, err
	}
	return batch.States[pool.Address], nil
}

// GetStates returns states valid at block. Valid entries are served from
// memory; misses are claimed and read in one multicall, and misses already
// being fetched by another caller are awaited instead of read twice.
func (c *Cache) GetStates(ctx context.Context, pools []model.Pool, block uint64) Batch {
	batch := newBatch(len(pools))
	byAddress := make(map[common.Address]model.Pool, len(pools))
	var misses []common.Address
	for _, pool := range pools {
		if _, dup := byAddress[pool.Address]; dup {
			continue
		}
		byAddress[pool.Address] = pool
		snap, result := c.lookup(pool.Address, block)
		c.metrics.CacheLookups.WithLabelValues(result.String()).Inc()
		if result == Valid {
			c.hits.Add(1)
			batch.States[pool.Address] = snap
			continue
		}
		c.misses.Add(1)
		misses = append(misses, pool.Address)
	}
	if len(misses) == 0 {
		return batch
	}

	owned, waiting := c.flights.claim(misses)
	if len(owned) > 0 {
		c.lead(ctx, owned, byAddress, block, batch)
	}
	for pool, call := range waiting {
		select {
		case <-call.done:
			if call.err != nil {
				batch.Errors[pool] = call.err
			} else {
				batch.States[pool] = call.snap
			}
		case <-ctx.Done():
			batch.Errors[pool] = &FetchError{Pool: pool, Block: block, Reason: ErrTransport, Err: ctx.Err()}
		}
	}
	return batch
}

// lead fetches the claimed pools and releases every claim, whatever happens.
func (c *Cache) lead(ctx context.Context, owned []common.Address, byAddress map[common.Address]model.Pool, block uint64, batch Batch) {
	results := make(map[common.Address]Snapshot, len(owned))
	errs := make(map[common.Address]error)
	defer func() {
		for _, pool := range owned {
			snap, ok := results[pool]
			err := errs[pool]
			if !ok && err == nil {
				err = &FetchError{Pool: pool, Block: block, Reason: ErrTransport, Err: fmt.Errorf("fetch aborted")}
			}
			if err != nil {
				batch.Errors[pool] = err
			} else {
				batch.States[pool] = snap
			}
			c.flights.finish(pool, snap, err)
		}
	}()

	// Another leader may have stored a pool between lookup and claim.
	toFetch := make([]common.Address, 0, len(owned))
	for _, pool := range owned {
		if snap, result := c.lookup(pool, block); result == Valid {
			results[pool] = snap
			continue
		}
		toFetch = append(toFetch, pool)
	}
	if c.remote != nil && len(toFetch) > 0 {
		toFetch = c.fromRemote(ctx, toFetch, block, results)
	}
	if len(toFetch) == 0 {
		return
	}

	pools := make([]model.Pool, len(toFetch))
	for i, addr := range toFetch {
		pools[i] = byAddress[addr]
	}
	states, fetchErrs := c.read(ctx, pools, block)
	records := make(map[common.Address]model.StateRecord, len(states))
	for addr, state := range states {
		snap, changed := c.store(addr, state, block)
		results[addr] = snap
		if changed {
			c.metrics.CacheFetches.WithLabelValues("changed").Inc()
		} else {
			c.metrics.CacheFetches.WithLabelValues("unchanged").Inc()
		}
		records[addr] = model.NewStateRecord(state, snap.Block)
	}
	for addr, err := range fetchErrs {
		errs[addr] = err
		c.metrics.CacheFetches.WithLabelValues(reasonLabel(err)).Inc()
	}
	if len(fetchErrs) > 0 {
		c.logger.Debug("pool state fetch errors",
			zap.Int("failed", len(fetchErrs)),
			zap.Int("fetched", len(states)),
			zap.Uint64("block", block),
		)
	}
	if c.remote != nil && len(records) > 0 {
		if err := c.remote.SetStates(ctx, records); err != nil {
			c.logger.Warn("remote state cache write failed", zap.Error(err))
		}
	}
}

// fromRemote serves pools from the distributed cache when the stored block is
// within tolerance and no newer touch exists. It returns the pools still to read.
func (c *Cache) fromRemote(ctx context.Context, pools []common.Address, block uint64, results map[common.Address]Snapshot) []common.Address {
	records, err := c.remote.GetStates(ctx, pools)
	if err != nil {
		c.logger.Warn("remote state cache read failed", zap.Error(err))
		return pools
	}
	rest := make([]common.Address, 0, len(pools))
	for _, pool := range pools {
		record, ok := records[pool]
		if !ok || !c.remoteUsable(pool, record.Block, block) {
			rest = append(rest, pool)
			continue
		}
		state, err := record.State()
		if err != nil {
			rest = append(rest, pool)
			continue
		}
		snap, _ := c.store(pool, state, record.Block)
		results[pool] = snap
		c.metrics.CacheFetches.WithLabelValues("remote").Inc()
	}
	return rest
}

func (c *Cache) remoteUsable(pool common.Address, recordBlock, block uint64) bool {
	if c.touchInvalidates(pool, recordBlock, block) {
		return false
	}
	_, tolerance := c.policy(pool, block)
	return absDiff(block, recordBlock) <= tolerance
}

// ReadLive reads pools at block without consulting or filling the cache.
func (c *Cache) ReadLive(ctx context.Context, pools []model.Pool, block uint64) Batch {
	batch := newBatch(len(pools))
	states, errs := c.read(ctx, pools, block)
	now := c.now()
	for addr, state := range states {
		batch.States[addr] = Snapshot{Pool: addr, State: state, Block: block, Fingerprint: Fingerprint(state), ObservedAt: now}
	}
	for addr, err := range errs {
		batch.Errors[addr] = err
	}
	return batch
}

// read skips quarantined pools, reads the rest through one BatchCall and
// feeds each outcome back to the quarantine.
func (c *Cache) read(ctx context.Context, pools []model.Pool, block uint64) (map[common.Address]model.PoolState, map[common.Address]error) {
	now := c.now()
	errs := make(map[common.Address]error)
	live := make([]model.Pool, 0, len(pools))
	for _, pool := range pools {
		if until, ok := c.quarantine.excluded(pool.Address, now); ok {
			errs[pool.Address] = &FetchError{Pool: pool.Address, Block: block, Reason: ErrQuarantined,
				Err: fmt.Errorf("excluded until %s", until.UTC().Format(time.RFC3339))}
			continue
		}
		live = append(live, pool)
	}

	states, readErrs := c.readBatch(ctx, live, block)
	for _, pool := range live {
		err := readErrs[pool.Address]
		if err != nil {
			errs[pool.Address] = err
		}
		if c.quarantine.record(pool.Address, err, now) {
			c.logger.Warn("pool quarantined after repeated failures",
				zap.String("pool", pool.Address.Hex()),
				zap.Duration("cooldown", c.cfg.QuarantineCooldown),
				zap.Error(err),
			)
		}
	}
	c.metrics.Quarantined.Set(float64(c.quarantine.len(now)))
	return states, errs
}

// readBatch issues one BatchCall for all pools and decodes every pool on its own.
func (c *Cache) readBatch(ctx context.Context, pools []model.Pool, block uint64) (map[common.Address]model.PoolState, map[common.Address]error) {
	states := make(map[common.Address]model.PoolState, len(pools))
	errs := make(map[common.Address]error)

	type span struct {
		pool    model.Pool
		adapter dex.Adapter
		lo, hi  int
	}
	var (
		spans []span
		calls []dex.Call
	)
	for _, pool := range pools {
		adapter, err := c.adapters.Adapter(pool.Dex)
		if err != nil {
			errs[pool.Address] = &FetchError{Pool: pool.Address, Block: block, Reason: ErrDecode, Err: err}
			continue
		}
		poolCalls, err := adapter.Calls(pool)
		if err != nil {
			errs[pool.Address] = &FetchError{Pool: pool.Address, Block: block, Reason: ErrDecode, Err: err}
			continue
		}
		spans = append(spans, span{pool: pool, adapter: adapter, lo: len(calls), hi: len(calls) + len(poolCalls)})
		calls = append(calls, poolCalls...)
	}
	if len(calls) == 0 {
		return states, errs
	}

	var blockArg *big.Int
	if block > 0 {
		blockArg = new(big.Int).SetUint64(block)
	}
	results, err := c.caller.BatchCall(ctx, calls, blockArg)
	if err != nil {
		for _, sp := range spans {
			errs[sp.pool.Address] = &FetchError{Pool: sp.pool.Address, Block: block, Reason: ErrTransport, Err: err}
		}
		return states, errs
	}

	for _, sp := range spans {
		addr := sp.pool.Address
		data := make([][]byte, 0, sp.hi-sp.lo)
		var failure error
		for _, res := range results[sp.lo:sp.hi] {
			if res.Err != nil {
				failure = &FetchError{Pool: addr, Block: block, Reason: ErrTransport, Err: res.Err}
				break
			}
			if !res.Success {
				failure = &FetchError{Pool: addr, Block: block, Reason: ErrRevert}
				break
			}
			data = append(data, res.Data)
		}
		if failure != nil {
			errs[addr] = failure
			continue
		}
		state, err := sp.adapter.Decode(sp.pool, data)
		if err != nil {
			errs[addr] = &FetchError{Pool: addr, Block: block, Reason: ErrDecode, Err: err}
			continue
		}
		states[addr] = state
	}
	return states, errs
}

package statecache

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type flight struct {
	done chan struct{}
	snap Snapshot
	err  error
}

// inflight tracks pools currently being fetched. One batched fetch claims
// many pools at once; later requests for a claimed pool wait for the leader.
type inflight struct {
	mu    sync.Mutex
	calls map[common.Address]*flight
}

// claim returns the pools the caller now owns and the flights it must wait on.
func (f *inflight) claim(pools []common.Address) ([]common.Address, map[common.Address]*flight) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var (
		owned   []common.Address
		waiting map[common.Address]*flight
	)
	for _, pool := range pools {
		if call, ok := f.calls[pool]; ok {
			if waiting == nil {
				waiting = make(map[common.Address]*flight)
			}
			waiting[pool] = call
			continue
		}
		f.calls[pool] = &flight{done: make(chan struct{})}
		owned = append(owned, pool)
	}
	return owned, waiting
}

// finish publishes the leader's result and releases the claim.
func (f *inflight) finish(pool common.Address, snap Snapshot, err error) {
	f.mu.Lock()
	call, ok := f.calls[pool]
	if ok {
		delete(f.calls, pool)
	}
	f.mu.Unlock()
	if !ok {
		return
	}
	call.snap, call.err = snap, err
	close(call.done)
}

func (f *inflight) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

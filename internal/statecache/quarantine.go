package statecache

import (
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// quarantine counts consecutive revert or decode failures per pool. A pool
// reaching the threshold is skipped until the cooldown has passed; the next
// read after that is a trial, and one more failure re-excludes it at once.
// Transport failures are an endpoint problem and never count.
type quarantine struct {
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	failures map[common.Address]int
	until    map[common.Address]time.Time
}

func newQuarantine(threshold int, cooldown time.Duration) *quarantine {
	return &quarantine{
		threshold: threshold,
		cooldown:  cooldown,
		failures:  make(map[common.Address]int),
		until:     make(map[common.Address]time.Time),
	}
}

// excluded returns the release time when pool is currently skipped.
func (q *quarantine) excluded(pool common.Address, now time.Time) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	until, ok := q.until[pool]
	if !ok || !now.Before(until) {
		return time.Time{}, false
	}
	return until, true
}

// record updates the counters from one read. It reports whether the read
// excluded pool.
func (q *quarantine) record(pool common.Address, err error, now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err == nil {
		delete(q.failures, pool)
		delete(q.until, pool)
		return false
	}
	if !errors.Is(err, ErrRevert) && !errors.Is(err, ErrDecode) {
		return false
	}
	q.failures[pool]++
	if q.failures[pool] < q.threshold {
		return false
	}
	q.until[pool] = now.Add(q.cooldown)
	return true
}

func (q *quarantine) len(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, until := range q.until {
		if now.Before(until) {
			n++
		}
	}
	return n
}

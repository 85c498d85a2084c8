package hotpool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"liquiditySync/internal/metrics"
	"liquiditySync/internal/model"
	"liquiditySync/internal/recorder"
	"liquiditySync/internal/statecache"
	"liquiditySync/internal/storage"
)

// ErrDegenerate rejects a candidate whose live state cannot back a pool.
var ErrDegenerate = errors.New("degenerate pool state")

// ErrValidationUnavailable is returned when no candidate could be validated
// because the state reads themselves failed. The previous set is kept.
var ErrValidationUnavailable = errors.New("hot pool validation unavailable")

// Config bounds the hot set.
type Config struct {
	K              int
	MinWeight      float64
	CandidateLimit int
	MaxAge         time.Duration
}

func (c Config) withDefaults() Config {
	if c.K <= 0 {
		c.K = 200
	}
	if c.CandidateLimit <= 0 {
		c.CandidateLimit = 1000
	}
	return c
}

// Entry is a validated member of the hot set.
type Entry struct {
	Pool        model.Pool      `json:"pool"`
	Weight      float64         `json:"weight"`
	State       model.PoolState `json:"-"`
	Block       uint64          `json:"block"`
	ValidatedAt time.Time       `json:"validated_at"`
}

// StateSource is the part of the state cache used for validation.
type StateSource interface {
	ReadLive(ctx context.Context, pools []model.Pool, block uint64) statecache.Batch
	Seed(pool common.Address, state model.PoolState, block uint64) statecache.Snapshot
}

// HeadSource returns the current head block.
type HeadSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// Report summarizes one population.
type Report struct {
	Candidates int    `json:"candidates"`
	Validated  int    `json:"validated"`
	Rejected   int    `json:"rejected"`
	Accepted   int    `json:"accepted"`
	Block      uint64 `json:"block"`
}

// Manager owns the top-K pools by USD weight. Membership only grows through
// population; weight updates refresh or evict members.
type Manager struct {
	cfg      Config
	store    storage.CandidateSource
	states   StateSource
	head     HeadSource
	recorder *recorder.Recorder
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu      sync.RWMutex
	members map[common.Address]*Entry

	weightsMu sync.Mutex
	latest    map[common.Address]float64

	group singleflight.Group
}

func New(cfg Config, store storage.CandidateSource, states StateSource, head HeadSource, rec *recorder.Recorder, logger *zap.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.Discard()
	}
	if rec == nil {
		rec = recorder.Nop()
	}
	return &Manager{
		cfg:      cfg.withDefaults(),
		store:    store,
		states:   states,
		head:     head,
		recorder: rec,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
		members:  make(map[common.Address]*Entry),
		latest:   make(map[common.Address]float64),
	}
}

// IsHot reports membership.
func (m *Manager) IsHot(pool common.Address) bool {
	m.mu.RLock()
	_, ok := m.members[pool]
	m.mu.RUnlock()
	return ok
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.members)
}

// Members returns the member addresses in no particular order.
func (m *Manager) Members() []common.Address {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]common.Address, 0, len(m.members))
	for addr := range m.members {
		out = append(out, addr)
	}
	return out
}

// Entries returns a copy of the set ordered by weight, heaviest first.
func (m *Manager) Entries() []Entry {
	m.mu.RLock()
	out := make([]Entry, 0, len(m.members))
	for _, e := range m.members {
		out = append(out, *e)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return bytes.Compare(out[i].Pool.Address.Bytes(), out[j].Pool.Address.Bytes()) < 0
	})
	return out
}

// UpdateWeights records reported weights, refreshes member weights and evicts
// members below the minimum weight. It never admits new pools. Evicted pools
// are returned.
func (m *Manager) UpdateWeights(weights map[common.Address]float64) []common.Address {
	m.weightsMu.Lock()
	for pool, w := range weights {
		m.latest[pool] = w
	}
	m.weightsMu.Unlock()

	var evicted []common.Address
	m.mu.Lock()
	for pool, w := range weights {
		entry, ok := m.members[pool]
		if !ok {
			continue
		}
		if w < m.cfg.MinWeight {
			delete(m.members, pool)
			evicted = append(evicted, pool)
			continue
		}
		entry.Weight = w
	}
	size := len(m.members)
	m.mu.Unlock()

	m.metrics.HotPools.Set(float64(size))
	if len(evicted) > 0 {
		m.logger.Info("hot pools evicted below minimum weight",
			zap.Int("evicted", len(evicted)),
			zap.Int("size", size),
		)
	}
	return evicted
}

// PopulateFromStore loads candidates from the durable store and populates the
// set. Concurrent calls share one population.
func (m *Manager) PopulateFromStore(ctx context.Context) (Report, error) {
	if m.store == nil {
		return Report{}, errors.New("no candidate store configured")
	}
	v, err, shared := m.group.Do("populate", func() (interface{}, error) {
		candidates, err := m.store.LoadCandidates(ctx, storage.CandidateQuery{
			MinWeight: m.cfg.MinWeight,
			MaxAge:    m.cfg.MaxAge,
			Limit:     m.cfg.CandidateLimit,
		})
		if err != nil {
			return Report{}, fmt.Errorf("load candidates: %w", err)
		}
		return m.Populate(ctx, candidates)
	})
	if shared {
		m.logger.Debug("hot pool population shared")
	}
	return v.(Report), err
}

type ranked struct {
	candidate model.PoolCandidate
	weight    float64
}

// Populate validates candidates against live state in rank order, in chunks
// of K, until K pools are accepted. Accepted states seed the state cache and
// the member map is swapped at the end.
func (m *Manager) Populate(ctx context.Context, candidates []model.PoolCandidate) (report Report, err error) {
	ctx, span := m.recorder.Start(ctx, recorder.PhaseHotPopulate, map[string]any{"candidates": len(candidates)})
	defer func() {
		span.Set("accepted", report.Accepted)
		span.Set("rejected", report.Rejected)
		span.End(err)
	}()

	order := m.rank(candidates)
	report.Candidates = len(order)
	if len(order) == 0 {
		m.swap(nil)
		return report, nil
	}

	head, err := m.head.BlockNumber(ctx)
	if err != nil {
		return report, fmt.Errorf("read head block: %w", err)
	}
	report.Block = head

	accepted := make([]*Entry, 0, m.cfg.K)
	transportFailures := 0
	for lo := 0; lo < len(order) && len(accepted) < m.cfg.K; lo += m.cfg.K {
		chunk := order[lo:min(lo+m.cfg.K, len(order))]
		pools := make([]model.Pool, len(chunk))
		for i, c := range chunk {
			pools[i] = c.candidate.Pool
		}
		batch := m.states.ReadLive(ctx, pools, head)
		if err := ctx.Err(); err != nil {
			return report, err
		}

		validatedAt := m.now()
		for _, c := range chunk {
			if len(accepted) >= m.cfg.K {
				break
			}
			addr := c.candidate.Pool.Address
			report.Validated++
			if fetchErr, ok := batch.Errors[addr]; ok {
				report.Rejected++
				reason := rejectReason(fetchErr)
				if reason == "transport" {
					transportFailures++
				}
				m.metrics.HotValidationRejects.WithLabelValues(reason).Inc()
				m.logger.Debug("hot candidate rejected", zap.String("pool", addr.Hex()), zap.Error(fetchErr))
				continue
			}
			snap, ok := batch.States[addr]
			if !ok || snap.State == nil || snap.State.Degenerate() {
				report.Rejected++
				m.metrics.HotValidationRejects.WithLabelValues("degenerate").Inc()
				m.logger.Debug("hot candidate rejected", zap.String("pool", addr.Hex()), zap.Error(ErrDegenerate))
				continue
			}
			accepted = append(accepted, &Entry{
				Pool:        c.candidate.Pool,
				Weight:      c.weight,
				State:       snap.State,
				Block:       head,
				ValidatedAt: validatedAt,
			})
		}
	}

	if len(accepted) == 0 && transportFailures > 0 {
		return report, fmt.Errorf("%w: %d reads failed", ErrValidationUnavailable, transportFailures)
	}

	for _, e := range accepted {
		m.states.Seed(e.Pool.Address, e.State, e.Block)
	}
	m.swap(accepted)
	report.Accepted = len(accepted)

	m.logger.Info("hot pools populated",
		zap.Int("candidates", report.Candidates),
		zap.Int("accepted", report.Accepted),
		zap.Int("rejected", report.Rejected),
		zap.Uint64("block", head),
	)
	return report, nil
}

// rank drops candidates below the minimum weight and duplicates, then orders
// the rest by the latest reported weight, falling back to the stored weight.
func (m *Manager) rank(candidates []model.PoolCandidate) []ranked {
	m.weightsMu.Lock()
	out := make([]ranked, 0, len(candidates))
	seen := make(map[common.Address]struct{}, len(candidates))
	for _, c := range candidates {
		if _, dup := seen[c.Pool.Address]; dup {
			continue
		}
		seen[c.Pool.Address] = struct{}{}
		weight := c.Weight
		if w, ok := m.latest[c.Pool.Address]; ok {
			weight = w
		}
		if weight < m.cfg.MinWeight {
			continue
		}
		out = append(out, ranked{candidate: c, weight: weight})
	}
	m.weightsMu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].weight != out[j].weight {
			return out[i].weight > out[j].weight
		}
		return bytes.Compare(out[i].candidate.Pool.Address.Bytes(), out[j].candidate.Pool.Address.Bytes()) < 0
	})
	return out
}

func (m *Manager) swap(accepted []*Entry) {
	next := make(map[common.Address]*Entry, len(accepted))
	for _, e := range accepted {
		next[e.Pool.Address] = e
	}
	m.mu.Lock()
	m.members = next
	m.mu.Unlock()
	m.metrics.HotPools.Set(float64(len(next)))
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, statecache.ErrRevert):
		return "revert"
	case errors.Is(err, statecache.ErrDecode):
		return "decode"
	case errors.Is(err, statecache.ErrQuarantined):
		return "quarantined"
	default:
		return "transport"
	}
}

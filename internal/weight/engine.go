package weight

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"liquiditySync/internal/dex"
	"liquiditySync/internal/hotpool"
	"liquiditySync/internal/metrics"
	"liquiditySync/internal/model"
	"liquiditySync/internal/price"
	"liquiditySync/internal/recorder"
	"liquiditySync/internal/statecache"
	"liquiditySync/internal/storage"
)

// DefaultCeiling is the largest USD weight accepted as real liquidity.
const DefaultCeiling = 1e13

// Mode selects which pools a recomputation covers.
type Mode int

const (
	// Incremental covers touched and hot pools only.
	Incremental Mode = iota
	// Full covers every pool passed in and repopulates the hot set afterwards.
	Full
)

func (m Mode) String() string {
	if m == Full {
		return "full"
	}
	return "incremental"
}

type StateReader interface {
	GetStates(ctx context.Context, pools []model.Pool, block uint64) statecache.Batch
	IsTouched(pool common.Address, head uint64) bool
}

type PriceSource interface {
	Resolve(ctx context.Context, tokens []common.Address) price.Result
	Repair(ctx context.Context, missing []common.Address) price.Result
}

type DecimalsSource interface {
	Load(ctx context.Context, tokens []common.Address) map[common.Address]uint8
}

type HotSet interface {
	IsHot(pool common.Address) bool
	Entries() []hotpool.Entry
	UpdateWeights(weights map[common.Address]float64) []common.Address
	PopulateFromStore(ctx context.Context) (hotpool.Report, error)
}

type HeadSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// Config tunes the engine.
type Config struct {
	Ceiling        float64
	PersistRetries int
	PersistBackoff time.Duration
}

// Report describes one recomputation.
type Report struct {
	Mode      Mode                       `json:"-"`
	Block     uint64                     `json:"block"`
	Weights   map[common.Address]float64 `json:"weights"`
	Pools     int                        `json:"pools"`
	Filtered  int                        `json:"filtered"`
	Unpriced  int                        `json:"unpriced"`
	Failed    int                        `json:"failed"`
	Evicted   int                        `json:"evicted"`
	Missing   []common.Address           `json:"missing_prices,omitempty"`
	Populated *hotpool.Report            `json:"populated,omitempty"`
}

// Engine recomputes USD pool weights from cached state and resolved prices.
type Engine struct {
	cfg      Config
	head     HeadSource
	states   StateReader
	prices   PriceSource
	decimals DecimalsSource
	hot      HotSet
	store    storage.WeightStore
	recorder *recorder.Recorder
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Deps groups the collaborators of an Engine. Store may be nil, in which case
// weights are not persisted and Full mode does not repopulate.
type Deps struct {
	Head     HeadSource
	States   StateReader
	Prices   PriceSource
	Decimals DecimalsSource
	Hot      HotSet
	Store    storage.WeightStore
	Recorder *recorder.Recorder
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

func NewEngine(cfg Config, deps Deps) *Engine {
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = DefaultCeiling
	}
	if cfg.PersistRetries <= 0 {
		cfg.PersistRetries = 3
	}
	if cfg.PersistBackoff <= 0 {
		cfg.PersistBackoff = 200 * time.Millisecond
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Discard()
	}
	if deps.Recorder == nil {
		deps.Recorder = recorder.Nop()
	}
	return &Engine{
		cfg:      cfg,
		head:     deps.Head,
		states:   deps.States,
		prices:   deps.Prices,
		decimals: deps.Decimals,
		hot:      deps.Hot,
		store:    deps.Store,
		recorder: deps.Recorder,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		now:      time.Now,
	}
}

type valuation struct {
	prices   price.Result
	decimals map[common.Address]uint8
}

func (v valuation) Price(token common.Address) (float64, bool) {
	return v.prices.Price(token)
}

func (v valuation) Decimals(token common.Address) uint8 {
	if d, ok := v.decimals[token]; ok {
		return d
	}
	return dex.DefaultDecimals
}

// RecomputeWeights reads state, resolves prices, computes weights, hands them
// to the hot set and persists them. Only Full mode repopulates the hot set.
func (e *Engine) RecomputeWeights(ctx context.Context, pools []model.Pool, mode Mode) (report Report, err error) {
	ctx, span := e.recorder.Start(ctx, recorder.PhaseWeightRecompute, map[string]any{
		"mode":  mode.String(),
		"pools": len(pools),
	})
	defer func() {
		span.Set("computed", len(report.Weights))
		span.Set("filtered", report.Filtered)
		span.Set("unpriced", report.Unpriced)
		span.Set("failed", report.Failed)
		span.End(err)
	}()

	report = Report{Mode: mode, Weights: make(map[common.Address]float64)}
	head, err := e.head.BlockNumber(ctx)
	if err != nil {
		return report, fmt.Errorf("read head block: %w", err)
	}
	report.Block = head

	selected := e.selectPools(pools, mode, head)
	report.Pools = len(selected)
	if len(selected) == 0 {
		return report, nil
	}

	batch := e.fetchStates(ctx, selected, head)
	report.Failed = len(batch.Errors)

	var tokens []common.Address
	for _, pool := range selected {
		if _, ok := batch.States[pool.Address]; ok {
			tokens = append(tokens, pool.Tokens...)
		}
	}
	prices := e.resolvePrices(ctx, tokens)
	report.Missing = prices.Missing
	val := valuation{prices: prices, decimals: e.decimals.Load(ctx, tokens)}

	computedAt := e.now()
	weights := make([]model.GraphWeight, 0, len(batch.States))
	// scored holds only weights backed by real prices; the hot set never sees
	// an outage zero.
	scored := make(map[common.Address]float64, len(batch.States))
	for _, pool := range selected {
		snap, ok := batch.States[pool.Address]
		if !ok {
			continue
		}
		w, err := snap.State.ComputeWeight(pool.Tokens, val)
		noSignal := false
		switch {
		case errors.Is(err, model.ErrUnpriced):
			report.Unpriced++
			e.metrics.UnpricedPools.Inc()
			w, noSignal = 0, true
		case err != nil:
			report.Failed++
			e.logger.Debug("compute weight failed", zap.String("pool", pool.Address.Hex()), zap.Error(err))
			continue
		case w > e.cfg.Ceiling:
			report.Filtered++
			e.metrics.ExtremeWeightsFiltered.Inc()
			e.logger.Warn("weight above ceiling zeroed",
				zap.String("pool", pool.Address.Hex()),
				zap.Float64("weight", w),
				zap.Float64("ceiling", e.cfg.Ceiling),
			)
			w, noSignal = 0, true
		}
		report.Weights[pool.Address] = w
		if !noSignal {
			scored[pool.Address] = w
		}
		weights = append(weights, model.GraphWeight{
			Pool:       pool.Address,
			Weight:     w,
			Block:      head,
			ComputedAt: computedAt,
			NoSignal:   noSignal,
		})
	}

	report.Evicted = len(e.hot.UpdateWeights(scored))

	if e.store == nil {
		return report, nil
	}
	policy := retryPolicy{Retries: e.cfg.PersistRetries, BaseDelay: e.cfg.PersistBackoff, MaxDelay: 5 * time.Second}
	if err := policy.do(ctx, e.logger, "upsert_weights", func(ctx context.Context) error {
		return e.store.UpsertWeights(ctx, weights)
	}); err != nil {
		return report, fmt.Errorf("persist weights: %w", err)
	}

	if mode == Full {
		populated, err := e.hot.PopulateFromStore(ctx)
		if err != nil {
			e.logger.Warn("hot pool population failed", zap.Error(err))
		} else {
			report.Populated = &populated
		}
	}
	return report, nil
}

// selectPools dedupes the input. Incremental mode keeps touched and hot pools
// and adds hot members the caller did not list.
func (e *Engine) selectPools(pools []model.Pool, mode Mode, head uint64) []model.Pool {
	seen := make(map[common.Address]struct{}, len(pools))
	out := make([]model.Pool, 0, len(pools))
	for _, pool := range pools {
		if _, dup := seen[pool.Address]; dup {
			continue
		}
		seen[pool.Address] = struct{}{}
		if mode == Incremental && !e.states.IsTouched(pool.Address, head) && !e.hot.IsHot(pool.Address) {
			continue
		}
		out = append(out, pool)
	}
	if mode == Incremental {
		for _, entry := range e.hot.Entries() {
			if _, ok := seen[entry.Pool.Address]; ok {
				continue
			}
			seen[entry.Pool.Address] = struct{}{}
			out = append(out, entry.Pool)
		}
	}
	return out
}

func (e *Engine) fetchStates(ctx context.Context, pools []model.Pool, head uint64) statecache.Batch {
	ctx, span := e.recorder.Start(ctx, recorder.PhaseStateFetch, map[string]any{"pools": len(pools), "block": head})
	batch := e.states.GetStates(ctx, pools, head)
	span.Set("states", len(batch.States))
	span.Set("errors", len(batch.Errors))
	span.End(nil)
	return batch
}

// resolvePrices resolves tokens and runs the emergency repair for any left
// missing.
func (e *Engine) resolvePrices(ctx context.Context, tokens []common.Address) price.Result {
	ctx, span := e.recorder.Start(ctx, recorder.PhasePriceResolve, map[string]any{"tokens": len(tokens)})
	result := e.prices.Resolve(ctx, tokens)
	if len(result.Missing) > 0 {
		span.Set("repair_requested", len(result.Missing))
		result.Merge(e.prices.Repair(ctx, result.Missing))
	}
	span.Set("resolved", len(result.Quotes))
	span.Set("missing", len(result.Missing))
	span.End(nil)
	return result
}

package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"liquiditySync/internal/hotpool"
	"liquiditySync/internal/model"
	"liquiditySync/internal/recorder"
	"liquiditySync/internal/storage"
	"liquiditySync/internal/weight"
)

const checkpointLastFull = "last_full_block"

// RunConfig holds the cycle schedule.
type RunConfig struct {
	IncrementalInterval time.Duration
	FullInterval        time.Duration
	// FullLimit caps how many stored pools a full cycle loads.
	FullLimit int
}

type Recomputer interface {
	RecomputeWeights(ctx context.Context, pools []model.Pool, mode weight.Mode) (weight.Report, error)
}

type Populator interface {
	PopulateFromStore(ctx context.Context) (hotpool.Report, error)
}

type Prober interface {
	ProbeAll(ctx context.Context)
	RunProbes(ctx context.Context) error
}

// Toucher receives touched-pool notifications. statecache.Cache implements it.
type Toucher interface {
	MarkTouched(pools []common.Address, block uint64)
}

// Service is a long-running component started next to the cycle loop, such as
// the status API.
type Service interface {
	Serve(ctx context.Context) error
}

// Deps groups the collaborators of a Runner. Everything except Engine may be
// nil.
type Deps struct {
	Engine     Recomputer
	Hot        Populator
	Pools      storage.CandidateSource
	Checkpoint storage.CheckpointStore
	Probes     Prober
	Touches    Toucher
	Services   []Service
	Recorder   *recorder.Recorder
	Logger     *zap.Logger
}

// Status is a point-in-time view of the runner.
type Status struct {
	KnownPools      int       `json:"known_pools"`
	Cycles          uint64    `json:"cycles"`
	LastBlock       uint64    `json:"last_block"`
	LastFullBlock   uint64    `json:"last_full_block"`
	LastIncremental time.Time `json:"last_incremental,omitempty"`
	LastFull        time.Time `json:"last_full,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
}

// Runner drives cold-start population and the incremental and full weight
// cycles.
type Runner struct {
	cfg        RunConfig
	engine     Recomputer
	hot        Populator
	pools      storage.CandidateSource
	checkpoint storage.CheckpointStore
	probes     Prober
	touches    Toucher
	services   []Service
	recorder   *recorder.Recorder
	logger     *zap.Logger
	now        func() time.Time

	mu     sync.RWMutex
	known  map[common.Address]model.Pool
	status Status
	last   *weight.Report
}

// NewRunner builds a Runner with its dependencies.
func NewRunner(cfg RunConfig, deps Deps) *Runner {
	if cfg.IncrementalInterval <= 0 {
		cfg.IncrementalInterval = 15 * time.Second
	}
	if cfg.FullInterval <= 0 {
		cfg.FullInterval = 10 * time.Minute
	}
	if cfg.FullLimit <= 0 {
		cfg.FullLimit = 5000
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Recorder == nil {
		deps.Recorder = recorder.Nop()
	}
	return &Runner{
		cfg:        cfg,
		engine:     deps.Engine,
		hot:        deps.Hot,
		pools:      deps.Pools,
		checkpoint: deps.Checkpoint,
		probes:     deps.Probes,
		touches:    deps.Touches,
		services:   deps.Services,
		recorder:   deps.Recorder,
		logger:     deps.Logger,
		now:        time.Now,
		known:      make(map[common.Address]model.Pool),
	}
}

// AddService registers a service started by Run. It must be called before Run.
func (r *Runner) AddService(svc Service) {
	r.services = append(r.services, svc)
}

// Run executes the sync loop until ctx is cancelled. Probes, services and the
// cycle loop share one errgroup, so a failing service stops the runner.
func (r *Runner) Run(ctx context.Context) error {
	if r.engine == nil {
		return fmt.Errorf("weight engine is nil")
	}

	if r.probes != nil {
		r.probes.ProbeAll(ctx)
	}

	if r.checkpoint != nil {
		block, ok, err := r.checkpoint.LoadState(ctx, checkpointLastFull)
		switch {
		case err != nil:
			r.logger.Warn("load checkpoint failed", zap.Error(err))
		case ok:
			r.mu.Lock()
			r.status.LastFullBlock = block
			r.mu.Unlock()
			r.logger.Info("resume from checkpoint", zap.Uint64("last_full_block", block))
		}
	}

	r.coldStart(ctx)

	g, gctx := errgroup.WithContext(ctx)
	if r.probes != nil {
		g.Go(func() error { return r.probes.RunProbes(gctx) })
	}
	for _, svc := range r.services {
		svc := svc
		g.Go(func() error { return svc.Serve(gctx) })
	}
	g.Go(func() error { return r.loop(gctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// coldStart fills the hot set from the durable store before the first cycle.
func (r *Runner) coldStart(ctx context.Context) {
	if r.hot == nil {
		return
	}
	report, err := r.hot.PopulateFromStore(ctx)
	if err != nil {
		r.logger.Warn("cold start population failed", zap.Error(err))
		return
	}
	r.logger.Info("cold start population",
		zap.Int("candidates", report.Candidates),
		zap.Int("accepted", report.Accepted),
		zap.Uint64("block", report.Block),
	)
}

func (r *Runner) loop(ctx context.Context) error {
	r.RunCycle(ctx, weight.Full)

	incremental := time.NewTicker(r.cfg.IncrementalInterval)
	defer incremental.Stop()
	full := time.NewTicker(r.cfg.FullInterval)
	defer full.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-full.C:
			r.RunCycle(ctx, weight.Full)
		case <-incremental.C:
			r.RunCycle(ctx, weight.Incremental)
		}
	}
}

// RunCycle runs one recomputation. A full cycle reloads the stored pool set
// first and checkpoints its block afterwards.
func (r *Runner) RunCycle(ctx context.Context, mode weight.Mode) (report weight.Report, err error) {
	ctx, span := r.recorder.Start(ctx, recorder.PhaseDiscoveryCycle, map[string]any{"mode": mode.String()})
	defer func() {
		span.Set("block", report.Block)
		span.Set("weights", len(report.Weights))
		span.End(err)
		r.finish(mode, report, err)
	}()

	if mode == weight.Full {
		if err := r.refreshPools(ctx); err != nil {
			return report, err
		}
	}

	report, err = r.engine.RecomputeWeights(ctx, r.KnownPools(), mode)
	if err != nil {
		return report, fmt.Errorf("recompute %s weights: %w", mode, err)
	}

	if mode == weight.Full && r.checkpoint != nil {
		if err := r.checkpoint.SaveState(ctx, checkpointLastFull, report.Block); err != nil {
			r.logger.Warn("save checkpoint failed", zap.Error(err), zap.Uint64("block", report.Block))
		}
	}
	return report, nil
}

func (r *Runner) refreshPools(ctx context.Context) error {
	if r.pools == nil {
		return nil
	}
	candidates, err := r.pools.LoadCandidates(ctx, storage.CandidateQuery{Limit: r.cfg.FullLimit})
	if err != nil {
		return fmt.Errorf("load pools: %w", err)
	}
	r.mu.Lock()
	for _, c := range candidates {
		r.known[c.Pool.Address] = c.Pool
	}
	r.mu.Unlock()
	return nil
}

func (r *Runner) finish(mode weight.Mode, report weight.Report, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.status.Cycles++
	if err != nil {
		r.status.LastError = err.Error()
		r.logger.Warn("cycle failed", zap.String("mode", mode.String()), zap.Error(err))
		return
	}
	r.status.LastError = ""
	r.status.LastBlock = report.Block
	now := r.now()
	if mode == weight.Full {
		r.status.LastFull = now
		r.status.LastFullBlock = report.Block
	} else {
		r.status.LastIncremental = now
	}
	last := report
	r.last = &last

	r.logger.Info("cycle complete",
		zap.String("mode", mode.String()),
		zap.Uint64("block", report.Block),
		zap.Int("pools", report.Pools),
		zap.Int("weights", len(report.Weights)),
		zap.Int("filtered", report.Filtered),
		zap.Int("unpriced", report.Unpriced),
		zap.Int("failed", report.Failed),
	)
}

// Touch accepts touched-pool notifications at block. Pools carrying a full
// identity join the known set; every address is marked touched in the cache.
func (r *Runner) Touch(pools []model.Pool, block uint64) int {
	addrs := make([]common.Address, 0, len(pools))
	r.mu.Lock()
	for _, pool := range pools {
		if pool.Address == (common.Address{}) {
			continue
		}
		addrs = append(addrs, pool.Address)
		if pool.Dex != "" && len(pool.Tokens) > 0 {
			r.known[pool.Address] = pool
		}
	}
	r.mu.Unlock()

	if r.touches != nil {
		r.touches.MarkTouched(addrs, block)
	}
	return len(addrs)
}

// KnownPools returns the known pool set ordered by address.
func (r *Runner) KnownPools() []model.Pool {
	r.mu.RLock()
	out := make([]model.Pool, 0, len(r.known))
	for _, pool := range r.known {
		out = append(out, pool)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.Cmp(out[j].Address) < 0
	})
	return out
}

func (r *Runner) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	status := r.status
	status.KnownPools = len(r.known)
	return status
}

// LastReport returns the most recent successful cycle report.
func (r *Runner) LastReport() (weight.Report, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.last == nil {
		return weight.Report{}, false
	}
	return *r.last, true
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"liquiditySync/internal/api"
	"liquiditySync/internal/config"
	"liquiditySync/internal/hotpool"
	"liquiditySync/internal/model"
	"liquiditySync/internal/storage"
	"liquiditySync/internal/syncer"
	"liquiditySync/internal/weight"
)

func runSyncer(cmd *cobra.Command, _ []string) error {
	c, err := setup(cmd)
	if err != nil {
		return err
	}
	defer c.close()

	a := c.app
	deps := syncer.Deps{
		Engine:     a.engine,
		Checkpoint: a.checkpoint(),
		Probes:     a.rpc,
		Touches:    a.states,
		Recorder:   a.recorder,
		Logger:     c.logger.Named("syncer"),
	}
	if a.store != nil {
		deps.Pools = a.store
		deps.Hot = a.hot
	} else {
		c.logger.Warn("no pg-dsn configured, weights are not persisted and pools come from touched notifications only")
	}
	runner := syncer.NewRunner(syncer.RunConfig{
		IncrementalInterval: c.cfg.IncrementalInterval,
		FullInterval:        c.cfg.FullInterval,
		FullLimit:           c.cfg.FullLimit,
	}, deps)

	runner.AddService(api.New(c.cfg.Listen, api.Deps{
		Runner:    runner,
		Endpoints: a.rpc,
		Hot:       a.hot,
		Cache:     a.states,
		Prices:    a.prices.Cache(),
		Gatherer:  a.registry,
		Logger:    c.logger.Named("api"),
	}))

	c.logger.Info("syncer start",
		zap.String("listen", c.cfg.Listen),
		zap.Duration("incremental_interval", c.cfg.IncrementalInterval),
		zap.Duration("full_interval", c.cfg.FullInterval),
	)
	return runner.Run(c.ctx)
}

func runWeights(cmd *cobra.Command, _ []string) error {
	c, err := setup(cmd)
	if err != nil {
		return err
	}
	defer c.close()

	a := c.app
	if a.store == nil {
		return fmt.Errorf("pg-dsn is required to load pools")
	}
	candidates, err := a.store.LoadCandidates(c.ctx, storage.CandidateQuery{Limit: c.cfg.FullLimit})
	if err != nil {
		return fmt.Errorf("load pools: %w", err)
	}
	pools := make([]model.Pool, 0, len(candidates))
	for _, candidate := range candidates {
		pools = append(pools, candidate.Pool)
	}

	a.rpc.ProbeAll(c.ctx)
	report, err := a.engine.RecomputeWeights(c.ctx, pools, weight.Full)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), report)
}

func runPrices(cmd *cobra.Command, _ []string) error {
	c, err := setup(cmd)
	if err != nil {
		return err
	}
	defer c.close()

	raw, _ := cmd.Flags().GetStringSlice("token")
	tokens, err := config.ParseAddresses(raw)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		return fmt.Errorf("token list is required")
	}

	c.app.rpc.ProbeAll(c.ctx)
	result := c.app.prices.Resolve(c.ctx, tokens)
	if len(result.Missing) > 0 {
		result.Merge(c.app.prices.Repair(c.ctx, result.Missing))
	}
	return printJSON(cmd.OutOrStdout(), result)
}

func runHotPools(cmd *cobra.Command, _ []string) error {
	c, err := setup(cmd)
	if err != nil {
		return err
	}
	defer c.close()

	if c.app.store == nil {
		return fmt.Errorf("pg-dsn is required to load candidates")
	}
	c.app.rpc.ProbeAll(c.ctx)
	report, err := c.app.hot.PopulateFromStore(c.ctx)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), struct {
		Report  hotpool.Report  `json:"report"`
		Entries []hotpool.Entry `json:"entries"`
	}{report, c.app.hot.Entries()})
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"liquiditySync/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func main() {
	root := &cobra.Command{
		Use:          "syncer",
		Short:        "DEX pool state sync and weight ranking",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync loop and status API",
		RunE:  runSyncer,
	}
	addCommonFlags(runCmd.Flags())
	runCmd.Flags().Duration("incremental-interval", 15*time.Second, "incremental cycle interval")
	runCmd.Flags().Duration("full-interval", 10*time.Minute, "full cycle interval")
	runCmd.Flags().Int("full-limit", 5000, "stored pools loaded per full cycle")
	runCmd.Flags().String("listen", ":8080", "status API listen address")
	runCmd.Flags().String("checkpoint", "./data/checkpoint.json", "checkpoint file used without postgres")
	root.AddCommand(runCmd)

	weightsCmd := &cobra.Command{
		Use:   "weights",
		Short: "Recompute weights once for stored pools and print the report",
		RunE:  runWeights,
	}
	addCommonFlags(weightsCmd.Flags())
	weightsCmd.Flags().Int("full-limit", 5000, "stored pools to recompute")
	root.AddCommand(weightsCmd)

	pricesCmd := &cobra.Command{
		Use:   "prices",
		Short: "Resolve USD prices for tokens",
		RunE:  runPrices,
	}
	addCommonFlags(pricesCmd.Flags())
	pricesCmd.Flags().StringSlice("token", nil, "token addresses (comma-separated)")
	root.AddCommand(pricesCmd)

	hotCmd := &cobra.Command{
		Use:   "hotpools",
		Short: "Populate the hot pool set from the store and print it",
		RunE:  runHotPools,
	}
	addCommonFlags(hotCmd.Flags())
	root.AddCommand(hotCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addCommonFlags(fs *pflag.FlagSet) {
	fs.StringSlice("rpc", nil, "RPC endpoint URLs (comma-separated)")
	fs.String("pg-dsn", "", "Postgres DSN")
	fs.String("redis-url", "", "Redis URL for the shared price and state cache")
	fs.String("events-out", "", "optional JSONL file for phase events")
	fs.String("otel-endpoint", "", "OTLP/HTTP endpoint for traces")
	fs.StringSlice("chainlink-feeds", nil, "token=feed pairs (comma-separated)")
	fs.StringSlice("hardcoded-prices", nil, "token=usd pairs (comma-separated)")
	fs.StringSlice("anchors", nil, "anchor token addresses (comma-separated)")
	fs.String("v3-factory", "", "UniswapV3 factory used for pool-derived prices")
	fs.String("balancer-vault", "", "Balancer vault address")
	fs.Int("hot-k", 200, "hot pool set size")
	fs.Float64("hot-min-weight", 10000, "minimum stored weight of a hot pool candidate")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
}

type command struct {
	cfg    config.Config
	logger *zap.Logger
	app    *app
	ctx    context.Context
	stop   func()
}

// setup loads config, builds the logger and wires the app for a command.
func setup(cmd *cobra.Command) (*command, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		stop()
		_ = logger.Sync()
		return nil, err
	}

	logger.Info("syncer configured",
		zap.Int("rpc_endpoints", len(cfg.RPCURLs)),
		zap.String("pg_dsn", redactDSN(cfg.PGDSN)),
		zap.Bool("redis", a.redis != nil),
		zap.Int("hot_k", cfg.HotK),
		zap.Uint64("tolerance_blocks", cfg.ToleranceBlocks),
		zap.Duration("touched_ttl", cfg.TouchedTTL),
		zap.Duration("untouched_ttl", cfg.UntouchedTTL),
	)
	return &command{cfg: cfg, logger: logger, app: a, ctx: ctx, stop: stop}, nil
}

func (c *command) close() {
	c.app.Close()
	c.stop()
	_ = c.logger.Sync()
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

func redactDSN(dsn string) string {
	if dsn == "" {
		return dsn
	}
	return "***"
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

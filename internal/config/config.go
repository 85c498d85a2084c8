package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "LIQSYNC"

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	RPCURLs            []string
	RPCMaxAttempts     int
	RPCAttemptTimeout  time.Duration
	RPCSlowThreshold   time.Duration
	RPCRateLimit       float64
	RPCRateBurst       int
	RPCHTTPRetries     int
	BreakerThreshold   int
	BreakerCooldown    time.Duration
	ProbeInterval      time.Duration
	LocalProbeInterval time.Duration
	MulticallAddress   string
	MulticallBatch     int
	HeadCacheTTL       time.Duration
	HeadMaxStale       time.Duration

	PriceCacheTTL        time.Duration
	OracleTimeout        time.Duration
	OracleMaxAge         time.Duration
	RepairTimeout        time.Duration
	RepairLimit          int
	PoolFallbackTimeout  time.Duration
	PoolFallbackMaxPools int
	ChainlinkFeeds       []string
	Anchors              []string
	HardcodedPrices      []string
	V3Factory            string
	BalancerVault        string

	ToleranceBlocks        uint64
	TouchedToleranceBlocks uint64
	TouchedWindowBlocks    uint64
	TouchedTTL             time.Duration
	UntouchedTTL           time.Duration
	PoolFailureThreshold   int
	PoolQuarantine         time.Duration

	HotK              int
	HotMinWeight      float64
	HotCandidateLimit int
	HotMaxAge         time.Duration
	WeightCeiling     float64

	IncrementalInterval time.Duration
	FullInterval        time.Duration
	FullLimit           int

	PGDSN        string
	RedisURL     string
	RedisTTL     time.Duration
	Listen       string
	EventsOut    string
	Checkpoint   string
	OTelEndpoint string
	LogLevel     string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("rpc-max-attempts", 3)
	v.SetDefault("rpc-attempt-timeout", 3*time.Second)
	v.SetDefault("rpc-slow-threshold", 2*time.Second)
	v.SetDefault("rpc-rate-limit", 25.0)
	v.SetDefault("rpc-rate-burst", 50)
	v.SetDefault("rpc-http-retries", 1)
	v.SetDefault("breaker-failure-threshold", 5)
	v.SetDefault("breaker-cooldown", 60*time.Second)
	v.SetDefault("probe-interval", 60*time.Second)
	v.SetDefault("local-probe-interval", 5*time.Second)
	v.SetDefault("multicall-address", "0xcA11bde05977b3631167028862bE2a173976CA11")
	v.SetDefault("multicall-batch-size", 100)
	v.SetDefault("head-cache-ttl", time.Second)
	v.SetDefault("head-max-stale", 30*time.Second)

	v.SetDefault("price-cache-ttl", 10*time.Second)
	v.SetDefault("oracle-timeout", 500*time.Millisecond)
	v.SetDefault("oracle-max-age", time.Hour)
	v.SetDefault("repair-timeout", 1500*time.Millisecond)
	v.SetDefault("repair-limit", 20)
	v.SetDefault("pool-fallback-timeout", 2*time.Second)
	v.SetDefault("pool-fallback-max-pools", 50)

	v.SetDefault("tolerance-blocks", uint64(5))
	v.SetDefault("touched-tolerance-blocks", uint64(1))
	v.SetDefault("touched-window-blocks", uint64(5))
	v.SetDefault("touched-ttl", 30*time.Second)
	v.SetDefault("untouched-ttl", 300*time.Second)
	v.SetDefault("pool-failure-threshold", 3)
	v.SetDefault("pool-quarantine", 10*time.Minute)

	v.SetDefault("hot-k", 200)
	v.SetDefault("hot-min-weight", 10000.0)
	v.SetDefault("hot-candidate-limit", 1000)
	v.SetDefault("hot-max-age", 24*time.Hour)
	v.SetDefault("weight-ceiling", 1e13)

	v.SetDefault("incremental-interval", 15*time.Second)
	v.SetDefault("full-interval", 10*time.Minute)
	v.SetDefault("full-limit", 5000)

	v.SetDefault("redis-ttl", 60*time.Second)
	v.SetDefault("listen", ":8080")
	v.SetDefault("checkpoint", "./data/checkpoint.json")
	v.SetDefault("log-level", "info")
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		RPCURLs:            getStringSlice(v, "rpc"),
		RPCMaxAttempts:     v.GetInt("rpc-max-attempts"),
		RPCAttemptTimeout:  v.GetDuration("rpc-attempt-timeout"),
		RPCSlowThreshold:   v.GetDuration("rpc-slow-threshold"),
		RPCRateLimit:       v.GetFloat64("rpc-rate-limit"),
		RPCRateBurst:       v.GetInt("rpc-rate-burst"),
		RPCHTTPRetries:     v.GetInt("rpc-http-retries"),
		BreakerThreshold:   v.GetInt("breaker-failure-threshold"),
		BreakerCooldown:    v.GetDuration("breaker-cooldown"),
		ProbeInterval:      v.GetDuration("probe-interval"),
		LocalProbeInterval: v.GetDuration("local-probe-interval"),
		MulticallAddress:   v.GetString("multicall-address"),
		MulticallBatch:     v.GetInt("multicall-batch-size"),
		HeadCacheTTL:       v.GetDuration("head-cache-ttl"),
		HeadMaxStale:       v.GetDuration("head-max-stale"),

		PriceCacheTTL:        v.GetDuration("price-cache-ttl"),
		OracleTimeout:        v.GetDuration("oracle-timeout"),
		OracleMaxAge:         v.GetDuration("oracle-max-age"),
		RepairTimeout:        v.GetDuration("repair-timeout"),
		RepairLimit:          v.GetInt("repair-limit"),
		PoolFallbackTimeout:  v.GetDuration("pool-fallback-timeout"),
		PoolFallbackMaxPools: v.GetInt("pool-fallback-max-pools"),
		ChainlinkFeeds:       getStringSlice(v, "chainlink-feeds"),
		Anchors:              getStringSlice(v, "anchors"),
		HardcodedPrices:      getStringSlice(v, "hardcoded-prices"),
		V3Factory:            v.GetString("v3-factory"),
		BalancerVault:        v.GetString("balancer-vault"),

		ToleranceBlocks:        v.GetUint64("tolerance-blocks"),
		TouchedToleranceBlocks: v.GetUint64("touched-tolerance-blocks"),
		TouchedWindowBlocks:    v.GetUint64("touched-window-blocks"),
		TouchedTTL:             v.GetDuration("touched-ttl"),
		UntouchedTTL:           v.GetDuration("untouched-ttl"),
		PoolFailureThreshold:   v.GetInt("pool-failure-threshold"),
		PoolQuarantine:         v.GetDuration("pool-quarantine"),

		HotK:              v.GetInt("hot-k"),
		HotMinWeight:      v.GetFloat64("hot-min-weight"),
		HotCandidateLimit: v.GetInt("hot-candidate-limit"),
		HotMaxAge:         v.GetDuration("hot-max-age"),
		WeightCeiling:     v.GetFloat64("weight-ceiling"),

		IncrementalInterval: v.GetDuration("incremental-interval"),
		FullInterval:        v.GetDuration("full-interval"),
		FullLimit:           v.GetInt("full-limit"),

		PGDSN:        v.GetString("pg-dsn"),
		RedisURL:     v.GetString("redis-url"),
		RedisTTL:     v.GetDuration("redis-ttl"),
		Listen:       v.GetString("listen"),
		EventsOut:    v.GetString("events-out"),
		Checkpoint:   v.GetString("checkpoint"),
		OTelEndpoint: v.GetString("otel-endpoint"),
		LogLevel:     v.GetString("log-level"),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.TouchedToleranceBlocks > c.ToleranceBlocks {
		return fmt.Errorf("touched-tolerance-blocks (%d) exceeds tolerance-blocks (%d)", c.TouchedToleranceBlocks, c.ToleranceBlocks)
	}
	if c.TouchedTTL > c.UntouchedTTL {
		return fmt.Errorf("touched-ttl (%s) exceeds untouched-ttl (%s)", c.TouchedTTL, c.UntouchedTTL)
	}
	if c.HotK <= 0 {
		return fmt.Errorf("hot-k must be positive")
	}
	if c.WeightCeiling <= 0 {
		return fmt.Errorf("weight-ceiling must be positive")
	}
	return nil
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	case map[string]interface{}:
		items := make([]string, 0, len(typed))
		for k, item := range typed {
			items = append(items, fmt.Sprintf("%s=%v", k, item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	return cleanStrings(parts)
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}

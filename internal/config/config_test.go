package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.RPCMaxAttempts)
	assert.Equal(t, 3*time.Second, cfg.RPCAttemptTimeout)
	assert.Equal(t, 5, cfg.BreakerThreshold)
	assert.Equal(t, uint64(5), cfg.ToleranceBlocks)
	assert.Equal(t, uint64(1), cfg.TouchedToleranceBlocks)
	assert.Equal(t, 30*time.Second, cfg.TouchedTTL)
	assert.Equal(t, 300*time.Second, cfg.UntouchedTTL)
	assert.Equal(t, 200, cfg.HotK)
	assert.Equal(t, 1e13, cfg.WeightCeiling)
	assert.Equal(t, 15*time.Second, cfg.IncrementalInterval)
	assert.Equal(t, 10*time.Minute, cfg.FullInterval)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, time.Second, cfg.HeadCacheTTL)
	assert.Equal(t, 3, cfg.PoolFailureThreshold)
	assert.Equal(t, 10*time.Minute, cfg.PoolQuarantine)
	assert.Empty(t, cfg.RPCURLs)
}

func TestLoadFlagsAndEnv(t *testing.T) {
	t.Setenv("LIQSYNC_HOT_K", "50")
	t.Setenv("LIQSYNC_CHAINLINK_FEEDS", "0x0000000000000000000000000000000000000001=0x0000000000000000000000000000000000000002")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.StringSlice("rpc", nil, "")
	flags.Duration("touched-ttl", 0, "")
	require.NoError(t, flags.Parse([]string{"--rpc", "http://127.0.0.1:8545, https://rpc.example.org", "--touched-ttl", "10s"}))

	cfg, err := Load("", flags)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://127.0.0.1:8545", "https://rpc.example.org"}, cfg.RPCURLs)
	assert.Equal(t, 10*time.Second, cfg.TouchedTTL)
	assert.Equal(t, 50, cfg.HotK)

	feeds, err := ParseAddressMap(cfg.ChainlinkFeeds)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x02"), feeds[common.HexToAddress("0x01")])
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sync.yaml")
	content := "rpc:\n  - http://localhost:8545\nhot-min-weight: 500\nhardcoded-prices:\n  - 0x0000000000000000000000000000000000000003=1\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://localhost:8545"}, cfg.RPCURLs)
	assert.Equal(t, 500.0, cfg.HotMinWeight)

	prices, err := ParsePriceMap(cfg.HardcodedPrices)
	require.NoError(t, err)
	assert.Equal(t, 1.0, prices[common.HexToAddress("0x03")])
}

func TestLoadRejectsInvertedPolicy(t *testing.T) {
	t.Setenv("LIQSYNC_TOUCHED_TTL", "10m")

	_, err := Load("", nil)
	assert.ErrorContains(t, err, "touched-ttl")
}

func TestParseAddresses(t *testing.T) {
	addrs, err := ParseAddresses([]string{" 0x0000000000000000000000000000000000000001 ", ""})
	require.NoError(t, err)
	assert.Equal(t, []common.Address{common.HexToAddress("0x01")}, addrs)

	_, err = ParseAddresses([]string{"0xnothex"})
	assert.Error(t, err)

	zero, err := ParseAddress("")
	require.NoError(t, err)
	assert.Equal(t, common.Address{}, zero)
}

func TestParsePriceMapRejectsBadPairs(t *testing.T) {
	for _, input := range []string{
		"0x0000000000000000000000000000000000000001",
		"0x0000000000000000000000000000000000000001=",
		"0x0000000000000000000000000000000000000001=abc",
		"0x0000000000000000000000000000000000000001=0",
		"nope=1",
	} {
		_, err := ParsePriceMap([]string{input})
		assert.Error(t, err, input)
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/LeJamon/trustrelay/internal/applier"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const netA = "0x00000000000000000000000000000000000000aa"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relayd.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
[ledger]
url = "ws://node:8546"
finality_depth = 3
poll_interval = "500ms"

[[networks]]
name = "EUR"
address = "`+netA+`"
start_block = 42

[[networks]]
address = "0x00000000000000000000000000000000000000bb"
finality_depth = 20

[applier]
strictness = "overextend"

[storage]
backend = "sqlite"
compressor = "none"

[storage.sql]
database = "/tmp/relay.db"
`)

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, path, config.ConfigPath())

	assert.Equal(t, "ws://node:8546", config.Ledger.URL)
	assert.Equal(t, 500*time.Millisecond, config.Ledger.PollInterval)
	// untouched keys keep their defaults
	assert.Equal(t, 10*time.Second, config.Ledger.RequestTimeout)
	assert.Equal(t, 5, config.Pathfind.MaxHops)

	require.Len(t, config.Networks, 2)
	assert.Equal(t, "EUR", config.Networks[0].Name)
	assert.Equal(t, common.HexToAddress(netA), config.Networks[0].Addr())

	n, ok := config.Network(common.HexToAddress(netA))
	require.True(t, ok)
	sc := config.SyncConfig(n)
	assert.Equal(t, uint64(42), sc.StartBlock)
	assert.Equal(t, uint64(3), sc.FinalityDepth)

	sc = config.SyncConfig(config.Networks[1])
	assert.Equal(t, uint64(0), sc.StartBlock)
	assert.Equal(t, uint64(20), sc.FinalityDepth)

	ec, err := config.EngineConfig(n)
	require.NoError(t, err)
	assert.Equal(t, applier.OverExtend, ec.Strictness)
	assert.Equal(t, time.Minute, ec.CheckpointInterval)
	assert.Equal(t, 256, ec.NotifyBuffer)

	assert.True(t, config.Storage.IsSQL())
	assert.Equal(t, "sqlite", config.Storage.SQL.Driver)
	assert.Equal(t, "/tmp/relay.db", config.Storage.SQL.Database)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	path := writeConfig(t, `
[ledger]
url = "http://from-file:8545"

[[networks]]
address = "`+netA+`"
`)
	t.Setenv("RELAYD_LEDGER_URL", "http://from-env:8545")
	t.Setenv("RELAYD_SERVER_ADDRESS", "0.0.0.0:9090")
	t.Setenv("RELAYD_PATHFIND_MAX_HOPS", "3")

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "http://from-env:8545", config.Ledger.URL)
	assert.Equal(t, "0.0.0.0:9090", config.Server.Address)
	assert.Equal(t, 3, config.Pathfind.MaxHops)
	assert.Equal(t, 3, config.PathfindConfig().MaxHops)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestExampleLoads(t *testing.T) {
	config, err := LoadConfig(writeConfig(t, Example))
	require.NoError(t, err)
	require.Len(t, config.Networks, 1)
	assert.Equal(t, BackendPebble, config.Storage.Backend)
	assert.Equal(t, "reject", config.Applier.Strictness)
}

func TestDefaults(t *testing.T) {
	config := Default()
	assert.Equal(t, "http://127.0.0.1:8545", config.Ledger.URL)
	assert.Equal(t, uint64(12), config.Ledger.FinalityDepth)
	assert.Equal(t, "lz4", config.Storage.Compressor)
	assert.Equal(t, "info", config.Log.Level)
	assert.True(t, config.Server.WebSocket)
	assert.False(t, config.GRPC.Enabled)

	// defaults alone name no network
	err := ValidateConfig(config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one network")
}

func TestConfigValidation(t *testing.T) {
	valid := func() *Config {
		c := Default()
		c.Networks = []NetworkConfig{{Address: netA}}
		return c
	}
	require.NoError(t, ValidateConfig(valid()))

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"bad address", func(c *Config) { c.Networks[0].Address = "0x12" }, "invalid address"},
		{"zero address", func(c *Config) { c.Networks[0].Address = common.Address{}.Hex() }, "zero address"},
		{"duplicate network", func(c *Config) {
			c.Networks = append(c.Networks, NetworkConfig{Address: netA})
		}, "duplicates"},
		{"strictness", func(c *Config) { c.Applier.Strictness = "sloppy" }, "unknown strictness"},
		{"max hops", func(c *Config) { c.Pathfind.MaxHops = 0 }, "max_hops"},
		{"backend", func(c *Config) { c.Storage.Backend = "cassandra" }, "unknown backend"},
		{"pebble path", func(c *Config) { c.Storage.Path = "" }, "path is required"},
		{"compressor", func(c *Config) { c.Storage.Compressor = "zstd" }, "storage"},
		{"sql driver mismatch", func(c *Config) {
			c.Storage.Backend = BackendPostgres
			c.Storage.SQL.Driver = "sqlite"
		}, "does not match"},
		{"server address", func(c *Config) { c.Server.Address = "8080" }, "invalid address"},
		{"grpc address", func(c *Config) {
			c.GRPC.Enabled = true
			c.GRPC.Address = ""
		}, "grpc"},
		{"backoff", func(c *Config) { c.Ledger.Backoff.Max = time.Millisecond }, "backoff.max"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log"},
		{"notifier", func(c *Config) { c.Notifier.Buffer = 0 }, "buffer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := ValidateConfig(c)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestPostgresDriverAlias(t *testing.T) {
	c := Default()
	c.Networks = []NetworkConfig{{Address: netA}}
	c.Storage.Backend = BackendPostgres
	c.Storage.SQL.Driver = "postgresql"
	require.NoError(t, ValidateConfig(c))
	assert.Equal(t, "postgres", c.Storage.SQL.Driver)
}

func TestNoStorageDisablesCheckpoints(t *testing.T) {
	c := Default()
	c.Storage.Backend = BackendNone
	n := NetworkConfig{Address: netA, Name: "EUR"}
	ec, err := c.EngineConfig(n)
	require.NoError(t, err)
	assert.Zero(t, ec.CheckpointInterval)
	assert.Equal(t, "EUR ("+common.HexToAddress(netA).Hex()+")", n.String())
}

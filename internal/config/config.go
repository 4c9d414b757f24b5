// Package config loads relayd's configuration from defaults, a TOML file and
// RELAYD_ environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/LeJamon/trustrelay/internal/logging"
	"github.com/LeJamon/trustrelay/internal/storage/relationaldb"
	"github.com/ethereum/go-ethereum/common"
)

// Config represents the complete relayd configuration
type Config struct {
	Ledger   LedgerConfig    `toml:"ledger" mapstructure:"ledger"`
	Networks []NetworkConfig `toml:"networks" mapstructure:"networks"`
	Applier  ApplierConfig   `toml:"applier" mapstructure:"applier"`
	Pathfind PathfindConfig  `toml:"pathfind" mapstructure:"pathfind"`
	Notifier NotifierConfig  `toml:"notifier" mapstructure:"notifier"`
	Storage  StorageConfig   `toml:"storage" mapstructure:"storage"`
	Server   ServerConfig    `toml:"server" mapstructure:"server"`
	GRPC     GRPCConfig      `toml:"grpc" mapstructure:"grpc"`
	Log      logging.Config  `toml:"log" mapstructure:"log"`
	Metrics  MetricsConfig   `toml:"metrics" mapstructure:"metrics"`

	configPath string
}

// LedgerConfig describes the node the relay reads events from and how
// blocks are followed.
type LedgerConfig struct {
	// URL of the node's JSON-RPC endpoint (http, ws or ipc).
	URL             string        `toml:"url" mapstructure:"url"`
	RequestTimeout  time.Duration `toml:"request_timeout" mapstructure:"request_timeout"`
	HeaderCacheSize int           `toml:"header_cache_size" mapstructure:"header_cache_size"`
	FinalityDepth   uint64        `toml:"finality_depth" mapstructure:"finality_depth"`
	MaxBatchBlocks  uint64        `toml:"max_batch_blocks" mapstructure:"max_batch_blocks"`
	PollInterval    time.Duration `toml:"poll_interval" mapstructure:"poll_interval"`
	StartBlock      uint64        `toml:"start_block" mapstructure:"start_block"`
	Backoff         BackoffConfig `toml:"backoff" mapstructure:"backoff"`
}

// BackoffConfig is the retry schedule for transient node failures.
type BackoffConfig struct {
	Initial     time.Duration `toml:"initial" mapstructure:"initial"`
	Max         time.Duration `toml:"max" mapstructure:"max"`
	MaxAttempts int           `toml:"max_attempts" mapstructure:"max_attempts"`
}

// NetworkConfig is one currency network contract to follow. Zero fields
// inherit the ledger section.
type NetworkConfig struct {
	Name          string `toml:"name" mapstructure:"name"`
	Address       string `toml:"address" mapstructure:"address"`
	StartBlock    uint64 `toml:"start_block" mapstructure:"start_block"`
	FinalityDepth uint64 `toml:"finality_depth" mapstructure:"finality_depth"`
}

// Addr returns the parsed contract address.
func (n NetworkConfig) Addr() common.Address {
	return common.HexToAddress(n.Address)
}

// String returns the network's name, or its address when unnamed.
func (n NetworkConfig) String() string {
	if n.Name != "" {
		return fmt.Sprintf("%s (%s)", n.Name, n.Addr().Hex())
	}
	return n.Addr().Hex()
}

// ApplierConfig configures event application.
type ApplierConfig struct {
	// Strictness is "reject" or "overextend".
	Strictness string `toml:"strictness" mapstructure:"strictness"`
}

// PathfindConfig bounds path searches.
type PathfindConfig struct {
	MaxHops       int           `toml:"max_hops" mapstructure:"max_hops"`
	MaxResults    int           `toml:"max_results" mapstructure:"max_results"`
	MaxExpansions int           `toml:"max_expansions" mapstructure:"max_expansions"`
	Timeout       time.Duration `toml:"timeout" mapstructure:"timeout"`
	CacheSize     int           `toml:"cache_size" mapstructure:"cache_size"`
}

// NotifierConfig configures change notifications.
type NotifierConfig struct {
	// Buffer is the per-subscriber queue length.
	Buffer int `toml:"buffer" mapstructure:"buffer"`
}

// Storage backends.
const (
	BackendNone     = "none"
	BackendMemory   = "memory"
	BackendPebble   = "pebble"
	BackendLevelDB  = "leveldb"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// StorageConfig selects where graph checkpoints are kept.
type StorageConfig struct {
	Backend string `toml:"backend" mapstructure:"backend"`
	// Path is the directory of the pebble and leveldb backends.
	Path               string              `toml:"path" mapstructure:"path"`
	Compressor         string              `toml:"compressor" mapstructure:"compressor"`
	CheckpointInterval time.Duration       `toml:"checkpoint_interval" mapstructure:"checkpoint_interval"`
	CheckpointKeep     int                 `toml:"checkpoint_keep" mapstructure:"checkpoint_keep"`
	SQL                relationaldb.Config `toml:"sql" mapstructure:"sql"`
}

// IsSQL reports whether checkpoints go to a relational database.
func (s StorageConfig) IsSQL() bool {
	return s.Backend == BackendPostgres || s.Backend == BackendSQLite
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Address        string        `toml:"address" mapstructure:"address"`
	WebSocket      bool          `toml:"websocket" mapstructure:"websocket"`
	RequestTimeout time.Duration `toml:"request_timeout" mapstructure:"request_timeout"`
}

// GRPCConfig configures the gRPC health service.
type GRPCConfig struct {
	Enabled         bool          `toml:"enabled" mapstructure:"enabled"`
	Address         string        `toml:"address" mapstructure:"address"`
	MaxRecvMsgSize  int           `toml:"max_recv_msg_size" mapstructure:"max_recv_msg_size"`
	MaxSendMsgSize  int           `toml:"max_send_msg_size" mapstructure:"max_send_msg_size"`
	RefreshInterval time.Duration `toml:"refresh_interval" mapstructure:"refresh_interval"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `toml:"enabled" mapstructure:"enabled"`
}

// ConfigPath returns the file the configuration was read from, if any.
func (c *Config) ConfigPath() string {
	return c.configPath
}

// Network returns the configured network with address addr.
func (c *Config) Network(addr common.Address) (NetworkConfig, bool) {
	for _, n := range c.Networks {
		if n.Addr() == addr {
			return n, true
		}
	}
	return NetworkConfig{}, false
}

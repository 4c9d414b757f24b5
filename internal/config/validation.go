package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/LeJamon/trustrelay/internal/applier"
	"github.com/LeJamon/trustrelay/internal/storage/compression"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap/zapcore"
)

// ValidateConfig performs comprehensive validation on the complete configuration
func ValidateConfig(config *Config) error {
	if err := validateLedgerConfig(&config.Ledger); err != nil {
		return fmt.Errorf("ledger config validation failed: %w", err)
	}
	if err := validateNetworks(config.Networks); err != nil {
		return fmt.Errorf("networks validation failed: %w", err)
	}
	if _, err := applier.ParseStrictness(config.Applier.Strictness); err != nil {
		return fmt.Errorf("applier config validation failed: %w", err)
	}
	if err := validatePathfindConfig(&config.Pathfind); err != nil {
		return fmt.Errorf("pathfind config validation failed: %w", err)
	}
	if config.Notifier.Buffer <= 0 {
		return fmt.Errorf("notifier config validation failed: buffer must be positive, got %d", config.Notifier.Buffer)
	}
	if err := validateStorageConfig(&config.Storage); err != nil {
		return fmt.Errorf("storage config validation failed: %w", err)
	}
	if err := validateServerConfig(&config.Server); err != nil {
		return fmt.Errorf("server config validation failed: %w", err)
	}
	if config.GRPC.Enabled {
		if err := config.GRPCServerConfig().Validate(); err != nil {
			return fmt.Errorf("grpc config validation failed: %w", err)
		}
	}
	if err := validateLogConfig(config); err != nil {
		return fmt.Errorf("log config validation failed: %w", err)
	}
	return nil
}

func validateLedgerConfig(l *LedgerConfig) error {
	if l.URL == "" {
		return errors.New("url is required")
	}
	if l.RequestTimeout < 0 {
		return fmt.Errorf("request_timeout must not be negative, got %s", l.RequestTimeout)
	}
	if l.HeaderCacheSize < 0 {
		return fmt.Errorf("header_cache_size must not be negative, got %d", l.HeaderCacheSize)
	}
	if l.MaxBatchBlocks == 0 {
		return errors.New("max_batch_blocks must be positive")
	}
	if l.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", l.PollInterval)
	}
	if l.Backoff.Initial <= 0 {
		return fmt.Errorf("backoff.initial must be positive, got %s", l.Backoff.Initial)
	}
	if l.Backoff.Max < l.Backoff.Initial {
		return fmt.Errorf("backoff.max (%s) must not be below backoff.initial (%s)", l.Backoff.Max, l.Backoff.Initial)
	}
	if l.Backoff.MaxAttempts < 0 {
		return fmt.Errorf("backoff.max_attempts must not be negative, got %d", l.Backoff.MaxAttempts)
	}
	return nil
}

func validateNetworks(networks []NetworkConfig) error {
	if len(networks) == 0 {
		return errors.New("at least one network is required")
	}
	seen := make(map[common.Address]int, len(networks))
	for i, n := range networks {
		if !common.IsHexAddress(n.Address) {
			return fmt.Errorf("network %d: invalid address %q", i, n.Address)
		}
		addr := n.Addr()
		if addr == (common.Address{}) {
			return fmt.Errorf("network %d: zero address", i)
		}
		if j, dup := seen[addr]; dup {
			return fmt.Errorf("network %d: address %s duplicates network %d", i, addr.Hex(), j)
		}
		seen[addr] = i
	}
	return nil
}

func validatePathfindConfig(p *PathfindConfig) error {
	if p.MaxHops < 1 {
		return fmt.Errorf("max_hops must be at least 1, got %d", p.MaxHops)
	}
	if p.MaxResults < 1 {
		return fmt.Errorf("max_results must be at least 1, got %d", p.MaxResults)
	}
	if p.MaxExpansions < 1 {
		return fmt.Errorf("max_expansions must be at least 1, got %d", p.MaxExpansions)
	}
	if p.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %s", p.Timeout)
	}
	if p.CacheSize < 0 {
		return fmt.Errorf("cache_size must not be negative, got %d", p.CacheSize)
	}
	return nil
}

func validateStorageConfig(s *StorageConfig) error {
	switch s.Backend {
	case BackendNone, BackendMemory:
	case BackendPebble, BackendLevelDB:
		if s.Path == "" {
			return fmt.Errorf("path is required for the %s backend", s.Backend)
		}
	case BackendPostgres, BackendSQLite:
		if s.SQL.Driver == "" {
			s.SQL.Driver = s.Backend
		}
		if err := s.SQL.Validate(); err != nil {
			return fmt.Errorf("sql: %w", err)
		}
		// Validate normalizes driver aliases
		if s.SQL.Driver != s.Backend {
			return fmt.Errorf("sql.driver %q does not match backend %q", s.SQL.Driver, s.Backend)
		}
	default:
		return fmt.Errorf("unknown backend %q", s.Backend)
	}

	if _, err := compression.Get(s.Compressor); err != nil {
		return err
	}
	if s.CheckpointInterval < 0 {
		return fmt.Errorf("checkpoint_interval must not be negative, got %s", s.CheckpointInterval)
	}
	if s.CheckpointKeep < 0 {
		return fmt.Errorf("checkpoint_keep must not be negative, got %d", s.CheckpointKeep)
	}
	return nil
}

func validateServerConfig(s *ServerConfig) error {
	if s.Address == "" {
		return errors.New("address is required")
	}
	if _, _, err := net.SplitHostPort(s.Address); err != nil {
		return fmt.Errorf("invalid address %q: %w", s.Address, err)
	}
	if s.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %s", s.RequestTimeout)
	}
	return nil
}

func validateLogConfig(config *Config) error {
	if _, err := zapcore.ParseLevel(strings.ToLower(config.Log.Level)); err != nil {
		return err
	}
	switch strings.ToLower(config.Log.Format) {
	case "", "json", "console":
		return nil
	default:
		return fmt.Errorf("unknown format %q", config.Log.Format)
	}
}

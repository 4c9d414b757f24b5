package config

import (
	"github.com/LeJamon/trustrelay/internal/applier"
	"github.com/LeJamon/trustrelay/internal/grpc"
	"github.com/LeJamon/trustrelay/internal/ledger"
	"github.com/LeJamon/trustrelay/internal/ledgersync"
	"github.com/LeJamon/trustrelay/internal/pathfind"
	"github.com/LeJamon/trustrelay/internal/relay"
)

// SyncConfig returns the block-following settings of network n.
func (c *Config) SyncConfig(n NetworkConfig) ledgersync.Config {
	sc := ledgersync.Config{
		FinalityDepth:  c.Ledger.FinalityDepth,
		MaxBatchBlocks: c.Ledger.MaxBatchBlocks,
		PollInterval:   c.Ledger.PollInterval,
		StartBlock:     c.Ledger.StartBlock,
		Backoff: ledger.Backoff{
			Initial:     c.Ledger.Backoff.Initial,
			Max:         c.Ledger.Backoff.Max,
			MaxAttempts: c.Ledger.Backoff.MaxAttempts,
		},
	}
	if n.StartBlock != 0 {
		sc.StartBlock = n.StartBlock
	}
	if n.FinalityDepth != 0 {
		sc.FinalityDepth = n.FinalityDepth
	}
	return sc
}

// PathfindConfig returns the path search bounds.
func (c *Config) PathfindConfig() pathfind.Config {
	return pathfind.Config{
		MaxHops:        c.Pathfind.MaxHops,
		MaxResults:     c.Pathfind.MaxResults,
		MaxExpansions:  c.Pathfind.MaxExpansions,
		DefaultTimeout: c.Pathfind.Timeout,
		CacheSize:      c.Pathfind.CacheSize,
	}
}

// EngineConfig returns the pipeline settings of network n.
func (c *Config) EngineConfig(n NetworkConfig) (relay.EngineConfig, error) {
	strictness, err := applier.ParseStrictness(c.Applier.Strictness)
	if err != nil {
		return relay.EngineConfig{}, err
	}
	ec := relay.EngineConfig{
		Network:      n.Addr(),
		Sync:         c.SyncConfig(n),
		Strictness:   strictness,
		Pathfind:     c.PathfindConfig(),
		NotifyBuffer: c.Notifier.Buffer,
	}
	if c.Storage.Backend != BackendNone {
		ec.CheckpointInterval = c.Storage.CheckpointInterval
		ec.CheckpointKeep = c.Storage.CheckpointKeep
	}
	return ec, nil
}

// GRPCServerConfig returns the health server settings.
func (c *Config) GRPCServerConfig() *grpc.ServerConfig {
	return &grpc.ServerConfig{
		Address:         c.GRPC.Address,
		MaxRecvMsgSize:  c.GRPC.MaxRecvMsgSize,
		MaxSendMsgSize:  c.GRPC.MaxSendMsgSize,
		RefreshInterval: c.GRPC.RefreshInterval,
	}
}

// Package snapshot persists confirmed graph checkpoints. A checkpoint is the
// graph as of one confirmed block, so restoring it and replaying the ledger
// from the next block reproduces continuous synchronization.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LeJamon/trustrelay/internal/core/graph"
	"github.com/LeJamon/trustrelay/internal/ledger"
	"github.com/ethereum/go-ethereum/common"
)

// FormatVersion is written into every checkpoint.
const FormatVersion = 1

var (
	// ErrNotFound is returned when no checkpoint matches.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrStateMismatch is returned when a checkpoint's records do not hash to
	// its recorded state hash.
	ErrStateMismatch = errors.New("checkpoint state hash mismatch")

	// ErrUnsupportedFormat is returned for checkpoints written by a newer format.
	ErrUnsupportedFormat = errors.New("unsupported checkpoint format")
)

// Snapshot is one network's graph as of a confirmed block.
type Snapshot struct {
	Format    uint8          `codec:"format" json:"format"`
	Network   common.Address `codec:"network" json:"network"`
	Block     uint64         `codec:"block" json:"block"`
	BlockHash common.Hash    `codec:"block_hash" json:"block_hash"`
	StateHash common.Hash    `codec:"state_hash" json:"state_hash"`
	CreatedAt int64          `codec:"created_at" json:"created_at"`
	Records   []graph.Record `codec:"records" json:"records"`
}

// New captures g as the state of network at ref.
func New(network common.Address, ref ledger.BlockRef, g *graph.Snapshot) *Snapshot {
	return &Snapshot{
		Format:    FormatVersion,
		Network:   network,
		Block:     ref.Number,
		BlockHash: ref.Hash,
		StateHash: g.StateHash(),
		CreatedAt: time.Now().Unix(),
		Records:   g.Records(),
	}
}

// Ref returns the block the checkpoint was taken at.
func (s *Snapshot) Ref() ledger.BlockRef {
	return ledger.BlockRef{Number: s.Block, Hash: s.BlockHash}
}

// Info returns the checkpoint's metadata.
func (s *Snapshot) Info() Info {
	return Info{
		Network:    s.Network,
		Block:      s.Block,
		BlockHash:  s.BlockHash,
		StateHash:  s.StateHash,
		CreatedAt:  time.Unix(s.CreatedAt, 0).UTC(),
		Trustlines: len(s.Records) / 2,
	}
}

// Graph rebuilds the graph and checks it against the recorded state hash.
func (s *Snapshot) Graph() (*graph.Snapshot, error) {
	if s.Format > FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedFormat, s.Format)
	}
	g, err := graph.FromRecords(s.Records)
	if err != nil {
		return nil, err
	}
	if got := g.StateHash(); got != s.StateHash {
		return nil, fmt.Errorf("%w: block %d has %s, records hash to %s", ErrStateMismatch, s.Block, s.StateHash, got)
	}
	return g, nil
}

// Info describes a stored checkpoint without its records.
type Info struct {
	Network    common.Address `json:"network"`
	Block      uint64         `json:"block"`
	BlockHash  common.Hash    `json:"block_hash"`
	StateHash  common.Hash    `json:"state_hash"`
	CreatedAt  time.Time      `json:"created_at"`
	Trustlines int            `json:"trustlines"`
	Size       int            `json:"size"`
}

// Store keeps checkpoints per network.
type Store interface {
	Save(ctx context.Context, s *Snapshot) error
	// Latest returns the checkpoint with the highest block.
	Latest(ctx context.Context, network common.Address) (*Snapshot, error)
	Load(ctx context.Context, network common.Address, block uint64) (*Snapshot, error)
	// List returns checkpoints in ascending block order.
	List(ctx context.Context, network common.Address) ([]Info, error)
	// Prune keeps the newest keep checkpoints and reports how many were removed.
	Prune(ctx context.Context, network common.Address, keep int) (int, error)
	Close() error
}

// Package simchain is an in-memory ledger with controllable reorgs. It backs
// standalone mode and the sync tests.
package simchain

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/LeJamon/trustrelay/internal/core/events"
	"github.com/LeJamon/trustrelay/internal/ledger"
	"github.com/LeJamon/trustrelay/internal/normalizer"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

type block struct {
	ref    ledger.BlockRef
	parent common.Hash
	logs   []types.Log
}

// Chain is a simulated chain. Block 0 is an empty genesis block.
type Chain struct {
	mu      sync.RWMutex
	encoder *normalizer.Decoder
	blocks  []*block
	byHash  map[common.Hash]uint64
	forks   uint64
	faults  []error
	calls   int
}

// New creates a chain holding only the genesis block.
func New() *Chain {
	c := &Chain{
		encoder: normalizer.MustDecoder(),
		byHash:  make(map[common.Hash]uint64),
	}
	c.appendBlock(nil)
	return c
}

func (c *Chain) appendBlock(logs []types.Log) ledger.BlockRef {
	number := uint64(len(c.blocks))
	var parent common.Hash
	if number > 0 {
		parent = c.blocks[number-1].ref.Hash
	}
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], number)
	binary.BigEndian.PutUint64(buf[8:], c.forks)
	hash := crypto.Keccak256Hash(parent[:], buf[:])

	for i := range logs {
		logs[i].BlockNumber = number
		logs[i].BlockHash = hash
	}
	b := &block{ref: ledger.BlockRef{Number: number, Hash: hash}, parent: parent, logs: logs}
	c.blocks = append(c.blocks, b)
	c.byHash[hash] = number
	return b.ref
}

// Mine appends a block with one transaction per event. The block number,
// hash, and transaction index of each event are assigned by the chain.
func (c *Chain) Mine(evs ...events.Event) (ledger.BlockRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mineLocked(evs)
}

func (c *Chain) mineLocked(evs []events.Event) (ledger.BlockRef, error) {
	logs := make([]types.Log, 0, len(evs))
	for i, ev := range evs {
		ev.ID = events.ID{TxIndex: uint(i), LogIndex: uint(i)}
		ev.TxHash = crypto.Keccak256Hash([]byte(fmt.Sprintf("%d/%d/%d", len(c.blocks), c.forks, i)))
		l, err := c.encoder.Encode(ev)
		if err != nil {
			return ledger.BlockRef{}, err
		}
		logs = append(logs, l)
	}
	return c.appendBlock(logs), nil
}

// MineEmpty appends n blocks without events.
func (c *Chain) MineEmpty(n int) ledger.BlockRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ref ledger.BlockRef
	for i := 0; i < n; i++ {
		ref = c.appendBlock(nil)
	}
	return ref
}

// Reorg drops the newest depth blocks and mines one replacement block per
// entry of blocks. Replacement blocks get hashes distinct from the dropped ones.
func (c *Chain) Reorg(depth int, blocks ...[]events.Event) (ledger.BlockRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if depth <= 0 || depth >= len(c.blocks) {
		return ledger.BlockRef{}, fmt.Errorf("simchain: cannot reorg %d of %d blocks", depth, len(c.blocks))
	}
	c.blocks = c.blocks[:len(c.blocks)-depth]
	c.forks++
	ref := c.blocks[len(c.blocks)-1].ref
	for _, evs := range blocks {
		var err error
		if ref, err = c.mineLocked(evs); err != nil {
			return ledger.BlockRef{}, err
		}
	}
	return ref, nil
}

// FailNext makes the next calls to the chain return errs, one per call.
func (c *Chain) FailNext(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults = append(c.faults, errs...)
}

// Calls returns the number of client calls served.
func (c *Chain) Calls() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.calls
}

// Head returns the newest block.
func (c *Chain) Head() ledger.BlockRef {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocks[len(c.blocks)-1].ref
}

func (c *Chain) injected() error {
	c.calls++
	if len(c.faults) == 0 {
		return nil
	}
	err := c.faults[0]
	c.faults = c.faults[1:]
	return err
}

// Client returns a ledger client that only sees logs emitted by network.
func (c *Chain) Client(network common.Address) ledger.Client {
	return &view{chain: c, network: network}
}

type view struct {
	chain   *Chain
	network common.Address
}

func (v *view) FetchEvents(ctx context.Context, from, to uint64) ([]types.Log, error) {
	c := v.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.injected(); err != nil {
		return nil, err
	}
	if from > to {
		return nil, ledger.ErrInvalidRange
	}
	if to >= uint64(len(c.blocks)) {
		return nil, ledger.Transient("fetch_events", fmt.Errorf("%w: %d", ledger.ErrBlockNotFound, to))
	}
	var out []types.Log
	for n := from; n <= to; n++ {
		for _, l := range c.blocks[n].logs {
			if l.Address == v.network {
				out = append(out, l)
			}
		}
	}
	return out, nil
}

func (v *view) CurrentHead(ctx context.Context) (ledger.BlockRef, error) {
	c := v.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.injected(); err != nil {
		return ledger.BlockRef{}, err
	}
	return c.blocks[len(c.blocks)-1].ref, nil
}

func (v *view) IsCanonical(ctx context.Context, hash common.Hash) (bool, error) {
	c := v.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.injected(); err != nil {
		return false, err
	}
	n, ok := c.byHash[hash]
	if !ok || n >= uint64(len(c.blocks)) {
		return false, nil
	}
	return c.blocks[n].ref.Hash == hash, nil
}

func (v *view) BlockRef(ctx context.Context, number uint64) (ledger.BlockRef, error) {
	c := v.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.injected(); err != nil {
		return ledger.BlockRef{}, err
	}
	if number >= uint64(len(c.blocks)) {
		return ledger.BlockRef{}, ledger.Transient("block_ref", fmt.Errorf("%w: %d", ledger.ErrBlockNotFound, number))
	}
	return c.blocks[number].ref, nil
}

var _ ledger.Client = (*view)(nil)

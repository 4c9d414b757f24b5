// Package ledger defines the relay's boundary to the blockchain node it
// mirrors: fetching event logs for block ranges and checking which blocks are
// on the canonical chain.
package ledger

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// BlockRef identifies a block.
type BlockRef struct {
	Number uint64      `json:"number"`
	Hash   common.Hash `json:"hash"`
}

func (b BlockRef) String() string {
	return fmt.Sprintf("#%d(%s)", b.Number, b.Hash.TerminalString())
}

//go:generate mockgen -destination=mocks/mock_client.go -package=mocks . Client

// Client is the ledger adapter the cursor polls.
//
// FetchEvents returns the logs of the watched contracts in blocks from..to
// inclusive, ordered by (block, tx index, log index). Errors wrapped with
// Transient are retried; any other error is a permanent fault.
type Client interface {
	FetchEvents(ctx context.Context, from, to uint64) ([]types.Log, error)
	CurrentHead(ctx context.Context) (BlockRef, error)
	IsCanonical(ctx context.Context, hash common.Hash) (bool, error)
	BlockRef(ctx context.Context, number uint64) (BlockRef, error)
}

// Package eth implements the ledger client on top of an Ethereum JSON-RPC node.
package eth

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/LeJamon/trustrelay/internal/ledger"
	"github.com/LeJamon/trustrelay/internal/normalizer"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Backend is the subset of ethclient.Client the adapter uses.
type Backend interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	HeaderByHash(ctx context.Context, hash common.Hash) (*types.Header, error)
}

var _ Backend = (*ethclient.Client)(nil)

// Dial connects to a node over HTTP, websocket or IPC.
func Dial(ctx context.Context, url string) (*ethclient.Client, error) {
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return c, nil
}

// Client watches one currency network contract.
type Client struct {
	backend Backend
	network common.Address
	topics  []common.Hash
	timeout time.Duration
	// block numbers never change for a given hash
	numbers *lru.Cache[common.Hash, uint64]
}

// Option configures a Client.
type Option func(*Client)

// WithRequestTimeout bounds every node request.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// New creates a client for network. cacheSize bounds the hash→number cache.
func New(backend Backend, network common.Address, cacheSize int, opts ...Option) (*Client, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	numbers, err := lru.New[common.Hash, uint64](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create header cache: %w", err)
	}
	c := &Client{
		backend: backend,
		network: network,
		topics:  normalizer.MustDecoder().Topics(),
		timeout: 10 * time.Second,
		numbers: numbers,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// FetchEvents returns the contract's logs in from..to, in ledger order.
func (c *Client) FetchEvents(ctx context.Context, from, to uint64) ([]types.Log, error) {
	if from > to {
		return nil, ledger.ErrInvalidRange
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.network},
		Topics:    [][]common.Hash{c.topics},
	})
	if err != nil {
		return nil, classify("fetch_events", err)
	}
	sort.SliceStable(logs, func(i, j int) bool {
		a, b := logs[i], logs[j]
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		if a.TxIndex != b.TxIndex {
			return a.TxIndex < b.TxIndex
		}
		return a.Index < b.Index
	})
	return logs, nil
}

// CurrentHead returns the latest block.
func (c *Client) CurrentHead(ctx context.Context) (ledger.BlockRef, error) {
	return c.header(ctx, "current_head", nil)
}

// BlockRef returns the canonical block at number.
func (c *Client) BlockRef(ctx context.Context, number uint64) (ledger.BlockRef, error) {
	return c.header(ctx, "block_ref", new(big.Int).SetUint64(number))
}

func (c *Client) header(ctx context.Context, op string, number *big.Int) (ledger.BlockRef, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	h, err := c.backend.HeaderByNumber(ctx, number)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return ledger.BlockRef{}, ledger.Transient(op, fmt.Errorf("%w: %v", ledger.ErrBlockNotFound, number))
		}
		return ledger.BlockRef{}, classify(op, err)
	}
	ref := ledger.BlockRef{Number: h.Number.Uint64(), Hash: h.Hash()}
	c.numbers.Add(ref.Hash, ref.Number)
	return ref, nil
}

// IsCanonical reports whether hash is the canonical block at its height.
func (c *Client) IsCanonical(ctx context.Context, hash common.Hash) (bool, error) {
	number, ok := c.numbers.Get(hash)
	if !ok {
		hctx, cancel := c.withTimeout(ctx)
		h, err := c.backend.HeaderByHash(hctx, hash)
		cancel()
		if errors.Is(err, ethereum.NotFound) {
			return false, nil
		}
		if err != nil {
			return false, classify("is_canonical", err)
		}
		number = h.Number.Uint64()
		c.numbers.Add(hash, number)
	}

	ref, err := c.BlockRef(ctx, number)
	if err != nil {
		var te *ledger.TransientError
		if errors.As(err, &te) && errors.Is(err, ledger.ErrBlockNotFound) {
			// the chain is now shorter than the block's height
			return false, nil
		}
		return false, err
	}
	return ref.Hash == hash, nil
}

// limitExceeded is the JSON-RPC code nodes use for rate limiting.
const limitExceeded = -32005

// classify separates node-reported request errors, which will fail again,
// from transport errors and rate limiting, which are worth retrying.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() != limitExceeded {
		return fmt.Errorf("%s: %w", op, err)
	}
	return ledger.Transient(op, err)
}

var _ ledger.Client = (*Client)(nil)

package simchain

import (
	"context"
	"errors"
	"testing"

	"github.com/LeJamon/trustrelay/internal/core/events"
	"github.com/LeJamon/trustrelay/internal/ledger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	netA  = common.HexToAddress("0x0000000000000000000000000000000000000a0a")
	netB  = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	alice = common.HexToAddress("0x01")
	bob   = common.HexToAddress("0x02")
)

func transfer(network common.Address, amount int64) events.Event {
	return events.Event{Network: network, Payload: events.BalanceTransferred{From: alice, To: bob, Amount: amount}}
}

func TestMineAndFetch(t *testing.T) {
	ctx := context.Background()
	chain := New()
	_, err := chain.Mine(transfer(netA, 1), transfer(netB, 2))
	require.NoError(t, err)
	chain.MineEmpty(2)
	ref, err := chain.Mine(transfer(netA, 3))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), ref.Number)

	client := chain.Client(netA)
	head, err := client.CurrentHead(ctx)
	require.NoError(t, err)
	assert.Equal(t, ref, head)

	logs, err := client.FetchEvents(ctx, 1, 4)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, uint64(1), logs[0].BlockNumber)
	assert.Equal(t, uint64(4), logs[1].BlockNumber)
	assert.Equal(t, ref.Hash, logs[1].BlockHash)

	_, err = client.FetchEvents(ctx, 1, 9)
	assert.True(t, ledger.IsTransient(err))
}

func TestReorgReplacesBlocks(t *testing.T) {
	ctx := context.Background()
	chain := New()
	client := chain.Client(netA)
	first, err := chain.Mine(transfer(netA, 1))
	require.NoError(t, err)
	orphan, err := chain.Mine(transfer(netA, 2))
	require.NoError(t, err)

	head, err := chain.Reorg(1, []events.Event{transfer(netA, 5)}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), head.Number)

	ok, err := client.IsCanonical(ctx, orphan.Hash)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = client.IsCanonical(ctx, first.Hash)
	require.NoError(t, err)
	assert.True(t, ok)

	replaced, err := client.BlockRef(ctx, 2)
	require.NoError(t, err)
	assert.NotEqual(t, orphan.Hash, replaced.Hash)

	_, err = chain.Reorg(10)
	assert.Error(t, err)
}

func TestFailNext(t *testing.T) {
	chain := New()
	boom := errors.New("boom")
	chain.FailNext(boom)

	_, err := chain.Client(netA).CurrentHead(context.Background())
	assert.ErrorIs(t, err, boom)
	_, err = chain.Client(netA).CurrentHead(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 2, chain.Calls())
}

// Package snapshottest holds the behaviour every checkpoint store must share.
package snapshottest

import (
	"context"
	"math/big"
	"testing"

	"github.com/LeJamon/trustrelay/internal/applier"
	"github.com/LeJamon/trustrelay/internal/core/events"
	"github.com/LeJamon/trustrelay/internal/core/graph"
	"github.com/LeJamon/trustrelay/internal/core/trustline"
	"github.com/LeJamon/trustrelay/internal/ledger"
	"github.com/LeJamon/trustrelay/internal/storage/snapshot"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Networks the suite writes to.
var (
	NetA = common.HexToAddress("0x0a0a")
	NetB = common.HexToAddress("0x0b0b")
)

// Graph builds a small graph with two trustlines and outstanding balances.
func Graph(t *testing.T) *graph.Snapshot {
	t.Helper()
	alice := common.HexToAddress("0x01")
	bob := common.HexToAddress("0x02")
	carol := common.HexToAddress("0x03")

	store := graph.NewStore()
	ap := applier.New()
	for i, p := range []events.Payload{
		events.TrustlineOpened{A: alice, B: bob, LimitAB: 100, LimitBA: 50, InterestAB: 2, Fee: trustline.FeePolicy{Flat: 1, RatePPM: 300}},
		events.TrustlineOpened{A: bob, B: carol, LimitAB: 70, LimitBA: 70},
		events.BalanceTransferred{From: alice, To: bob, Amount: 42},
		events.BalanceTransferred{From: carol, To: bob, Amount: 7},
	} {
		_, _, err := ap.ApplyEvent(store, events.Event{ID: events.ID{Block: uint64(i + 1)}, Payload: p})
		require.NoError(t, err)
	}
	return store.Snapshot()
}

// Ref returns a block reference with a hash derived from n.
func Ref(n uint64) ledger.BlockRef {
	return ledger.BlockRef{Number: n, Hash: crypto.Keccak256Hash(common.BigToHash(new(big.Int).SetUint64(n)).Bytes())}
}

// Run exercises store. It closes store when done.
func Run(t *testing.T, store snapshot.Store) {
	ctx := context.Background()
	g := Graph(t)

	_, err := store.Latest(ctx, NetA)
	assert.ErrorIs(t, err, snapshot.ErrNotFound)

	for _, n := range []uint64{5, 300, 20} {
		require.NoError(t, store.Save(ctx, snapshot.New(NetA, Ref(n), g)))
	}
	require.NoError(t, store.Save(ctx, snapshot.New(NetB, Ref(1000), g)))
	// saving the same block again replaces it
	require.NoError(t, store.Save(ctx, snapshot.New(NetA, Ref(20), g)))

	latest, err := store.Latest(ctx, NetA)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), latest.Block)
	assert.Equal(t, Ref(300).Hash, latest.BlockHash)

	loaded, err := store.Load(ctx, NetA, 20)
	require.NoError(t, err)
	assert.Equal(t, g.StateHash(), loaded.StateHash)
	restored, err := loaded.Graph()
	require.NoError(t, err)
	assert.Equal(t, g.StateHash(), restored.StateHash())

	_, err = store.Load(ctx, NetA, 21)
	assert.ErrorIs(t, err, snapshot.ErrNotFound)

	infos, err := store.List(ctx, NetA)
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, []uint64{5, 20, 300}, []uint64{infos[0].Block, infos[1].Block, infos[2].Block})
	assert.Equal(t, 2, infos[0].Trustlines)
	assert.Positive(t, infos[0].Size)

	removed, err := store.Prune(ctx, NetA, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	infos, err = store.List(ctx, NetA)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, uint64(300), infos[0].Block)

	removed, err = store.Prune(ctx, NetA, 5)
	require.NoError(t, err)
	assert.Zero(t, removed)

	other, err := store.Latest(ctx, NetB)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), other.Block)

	require.NoError(t, store.Close())
}

package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/LeJamon/trustrelay/internal/storage/relationaldb"
	"github.com/LeJamon/trustrelay/internal/storage/snapshot"
	"github.com/LeJamon/trustrelay/internal/storage/snapshot/snapshottest"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointRepository(t *testing.T) {
	cfg := relationaldb.SQLiteConfig(filepath.Join(t.TempDir(), "checkpoints.db"))
	repo, err := Open(context.Background(), cfg, snapshot.MustCodec("lz4"))
	require.NoError(t, err)
	snapshottest.Run(t, repo)
}

func TestReopenKeepsCheckpoints(t *testing.T) {
	ctx := context.Background()
	network := common.HexToAddress("0xfeed")
	cfg := relationaldb.SQLiteConfig(filepath.Join(t.TempDir(), "checkpoints.db"))

	repo, err := Open(ctx, cfg, snapshot.MustCodec("lz4"))
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, snapshot.New(network, snapshottest.Ref(7), snapshottest.Graph(t))))
	require.NoError(t, repo.Close())
	assert.ErrorIs(t, repo.Ping(ctx), relationaldb.ErrDatabaseClosed)

	repo, err = Open(ctx, cfg, snapshot.MustCodec("none"))
	require.NoError(t, err)
	defer repo.Close()
	latest, err := repo.Latest(ctx, network)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), latest.Block)
	require.NoError(t, repo.Ping(ctx))
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := relationaldb.SQLiteConfig("")
	_, err := Open(context.Background(), cfg, snapshot.MustCodec("lz4"))
	require.Error(t, err)
	assert.True(t, relationaldb.IsConfigurationError(err))
	assert.ErrorIs(t, err, relationaldb.ErrMissingDatabase)
}

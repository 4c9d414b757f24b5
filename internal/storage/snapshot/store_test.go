package snapshot_test

import (
	"testing"

	"github.com/LeJamon/trustrelay/internal/storage/database/leveldb"
	"github.com/LeJamon/trustrelay/internal/storage/database/memory"
	"github.com/LeJamon/trustrelay/internal/storage/database/pebble"
	"github.com/LeJamon/trustrelay/internal/storage/snapshot"
	"github.com/LeJamon/trustrelay/internal/storage/snapshot/snapshottest"
	"github.com/stretchr/testify/require"
)

func TestKVStoreMemory(t *testing.T) {
	snapshottest.Run(t, snapshot.NewKVStore(memory.New(), snapshot.MustCodec("lz4")))
}

func TestKVStorePebble(t *testing.T) {
	db, err := pebble.Open(t.TempDir())
	require.NoError(t, err)
	snapshottest.Run(t, snapshot.NewKVStore(db, snapshot.MustCodec("lz4")))
}

func TestKVStoreLevelDB(t *testing.T) {
	db, err := leveldb.Open(t.TempDir())
	require.NoError(t, err)
	snapshottest.Run(t, snapshot.NewKVStore(db, snapshot.MustCodec("none")))
}

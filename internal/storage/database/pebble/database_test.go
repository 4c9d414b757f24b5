package pebble

import (
	"testing"

	"github.com/LeJamon/trustrelay/internal/storage/database/dbtest"
	"github.com/stretchr/testify/require"
)

func TestPebbleBackend(t *testing.T) {
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	dbtest.Run(t, db)
	require.NoError(t, db.Close())
}

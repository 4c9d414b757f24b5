// Package dbtest holds the behaviour every database backend must share.
package dbtest

import (
	"context"
	"testing"

	"github.com/LeJamon/trustrelay/internal/storage/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises db. It closes db when done.
func Run(t *testing.T, db database.DB) {
	ctx := context.Background()

	t.Run("read write delete", func(t *testing.T) {
		_, err := db.Read(ctx, []byte("missing"))
		assert.ErrorIs(t, err, database.ErrKeyNotFound)

		require.NoError(t, db.Write(ctx, []byte("k"), []byte("v1")))
		v, err := db.Read(ctx, []byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), v)

		require.NoError(t, db.Write(ctx, []byte("k"), []byte("v2")))
		v, err = db.Read(ctx, []byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), v)

		require.NoError(t, db.Delete(ctx, []byte("k")))
		_, err = db.Read(ctx, []byte("k"))
		assert.ErrorIs(t, err, database.ErrKeyNotFound)
	})

	t.Run("batch", func(t *testing.T) {
		require.NoError(t, db.Batch(ctx, []database.BatchOperation{
			database.Put([]byte("b/1"), []byte("one")),
			database.Put([]byte("b/2"), []byte("two")),
			database.Put([]byte("b/3"), []byte("three")),
			database.Del([]byte("b/2")),
		}))
		_, err := db.Read(ctx, []byte("b/2"))
		assert.ErrorIs(t, err, database.ErrKeyNotFound)
		v, err := db.Read(ctx, []byte("b/3"))
		require.NoError(t, err)
		assert.Equal(t, []byte("three"), v)

		err = db.Batch(ctx, []database.BatchOperation{{Type: database.BatchOpType(9), Key: []byte("x")}})
		assert.ErrorIs(t, err, database.ErrUnknownBatchOp)
	})

	t.Run("iterate range", func(t *testing.T) {
		for _, k := range []string{"i/c", "i/a", "i/b", "j/a", "h/z"} {
			require.NoError(t, db.Write(ctx, []byte(k), []byte("v:"+k)))
		}
		prefix := []byte("i/")
		it, err := db.Iterator(ctx, prefix, database.PrefixEnd(prefix))
		require.NoError(t, err)
		var keys []string
		for it.Next() {
			keys = append(keys, string(it.Key()))
			assert.Equal(t, "v:"+string(it.Key()), string(it.Value()))
		}
		require.NoError(t, it.Error())
		require.NoError(t, it.Close())
		assert.Equal(t, []string{"i/a", "i/b", "i/c"}, keys)
	})

	t.Run("closed", func(t *testing.T) {
		require.NoError(t, db.Close())
		_, err := db.Read(ctx, []byte("k"))
		assert.Error(t, err)
	})
}

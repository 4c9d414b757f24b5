package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/LeJamon/trustrelay/internal/config"
	"github.com/LeJamon/trustrelay/internal/storage/relationaldb"
	"github.com/LeJamon/trustrelay/internal/storage/snapshot/snapshottest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCheckpoints(t *testing.T) {
	tests := []struct {
		name string
		cfg  func(dir string) config.StorageConfig
	}{
		{"memory", func(string) config.StorageConfig {
			return config.StorageConfig{Backend: config.BackendMemory, Compressor: "lz4"}
		}},
		{"pebble", func(dir string) config.StorageConfig {
			return config.StorageConfig{Backend: config.BackendPebble, Path: dir, Compressor: "lz4"}
		}},
		{"leveldb", func(dir string) config.StorageConfig {
			return config.StorageConfig{Backend: config.BackendLevelDB, Path: dir, Compressor: "none"}
		}},
		{"sqlite", func(dir string) config.StorageConfig {
			return config.StorageConfig{
				Backend:    config.BackendSQLite,
				Compressor: "lz4",
				SQL:        *relationaldb.SQLiteConfig(filepath.Join(dir, "checkpoints.db")),
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := OpenCheckpoints(context.Background(), tt.cfg(t.TempDir()))
			require.NoError(t, err)
			require.NotNil(t, store)
			snapshottest.Run(t, store)
		})
	}
}

func TestOpenCheckpointsNone(t *testing.T) {
	store, err := OpenCheckpoints(context.Background(), config.StorageConfig{Backend: config.BackendNone})
	require.NoError(t, err)
	assert.Nil(t, store)
}

func TestOpenCheckpointsErrors(t *testing.T) {
	_, err := OpenCheckpoints(context.Background(), config.StorageConfig{Backend: config.BackendMemory, Compressor: "zstd"})
	assert.Error(t, err)

	_, err = OpenCheckpoints(context.Background(), config.StorageConfig{Backend: "tape", Compressor: "lz4"})
	assert.ErrorContains(t, err, "unknown storage backend")
}

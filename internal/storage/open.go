// Package storage opens the checkpoint store selected by configuration.
package storage

import (
	"context"
	"fmt"

	"github.com/LeJamon/trustrelay/internal/config"
	"github.com/LeJamon/trustrelay/internal/storage/database"
	"github.com/LeJamon/trustrelay/internal/storage/database/leveldb"
	"github.com/LeJamon/trustrelay/internal/storage/database/memory"
	"github.com/LeJamon/trustrelay/internal/storage/database/pebble"
	"github.com/LeJamon/trustrelay/internal/storage/relationaldb/postgres"
	"github.com/LeJamon/trustrelay/internal/storage/relationaldb/sqlite"
	"github.com/LeJamon/trustrelay/internal/storage/snapshot"
)

// OpenCheckpoints opens the checkpoint store of cfg. It returns a nil store
// for the "none" backend.
func OpenCheckpoints(ctx context.Context, cfg config.StorageConfig) (snapshot.Store, error) {
	if cfg.Backend == config.BackendNone {
		return nil, nil
	}
	codec, err := snapshot.NewCodec(cfg.Compressor)
	if err != nil {
		return nil, err
	}

	switch cfg.Backend {
	case config.BackendMemory:
		return snapshot.NewKVStore(memory.New(), codec), nil
	case config.BackendPebble, config.BackendLevelDB:
		db, err := openKV(cfg.Backend, cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open %s at %s: %w", cfg.Backend, cfg.Path, err)
		}
		return snapshot.NewKVStore(db, codec), nil
	case config.BackendPostgres:
		sc := cfg.SQL
		sc.Driver = config.BackendPostgres
		repo, err := postgres.Open(ctx, &sc, codec)
		if err != nil {
			return nil, err
		}
		return repo, nil
	case config.BackendSQLite:
		sc := cfg.SQL
		sc.Driver = config.BackendSQLite
		// one writer per file
		sc.MaxOpenConns, sc.MaxIdleConns = 1, 1
		repo, err := sqlite.Open(ctx, &sc, codec)
		if err != nil {
			return nil, err
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func openKV(backend, path string) (database.DB, error) {
	if backend == config.BackendLevelDB {
		return leveldb.Open(path)
	}
	return pebble.Open(path)
}

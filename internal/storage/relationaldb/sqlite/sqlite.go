// Package sqlite opens checkpoint repositories on an embedded SQLite file.
package sqlite

import (
	"context"

	"github.com/LeJamon/trustrelay/internal/storage/relationaldb"
	"github.com/LeJamon/trustrelay/internal/storage/snapshot"
	_ "modernc.org/sqlite" // SQLite driver
)

// Dialect is SQLite's SQL flavor.
var Dialect = relationaldb.Dialect{
	Driver:   "sqlite",
	BlobType: "BLOB",
}

// Open opens the checkpoint repository described by config.
func Open(ctx context.Context, config *relationaldb.Config, codec *snapshot.Codec) (*relationaldb.CheckpointRepository, error) {
	return relationaldb.Open(ctx, config, Dialect, codec)
}

// Package postgres opens checkpoint repositories on PostgreSQL.
package postgres

import (
	"context"
	"strconv"

	"github.com/LeJamon/trustrelay/internal/storage/relationaldb"
	"github.com/LeJamon/trustrelay/internal/storage/snapshot"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// Dialect is PostgreSQL's SQL flavor.
var Dialect = relationaldb.Dialect{
	Driver:      "postgres",
	BlobType:    "BYTEA",
	Placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
}

// Open opens the checkpoint repository described by config.
func Open(ctx context.Context, config *relationaldb.Config, codec *snapshot.Codec) (*relationaldb.CheckpointRepository, error) {
	return relationaldb.Open(ctx, config, Dialect, codec)
}

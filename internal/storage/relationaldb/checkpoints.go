// Package relationaldb keeps graph checkpoints in a SQL database. The
// postgres and sqlite subpackages register their drivers and dialects.
package relationaldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/LeJamon/trustrelay/internal/storage/snapshot"
	"github.com/ethereum/go-ethereum/common"
)

// Dialect captures the SQL differences between backends.
type Dialect struct {
	// Driver is the database/sql driver name.
	Driver string
	// BlobType is the column type of binary payloads.
	BlobType string
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string
}

// CheckpointRepository stores checkpoints in the checkpoints table.
type CheckpointRepository struct {
	db      *sql.DB
	dialect Dialect
	codec   *snapshot.Codec
	config  *Config
}

// Open connects, configures the pool and creates the schema.
func Open(ctx context.Context, config *Config, dialect Dialect, codec *snapshot.Codec) (*CheckpointRepository, error) {
	if err := config.Validate(); err != nil {
		return nil, NewConfigurationError("open", "invalid configuration", err)
	}
	connStr, err := config.BuildConnectionString()
	if err != nil {
		return nil, NewConfigurationError("open", "failed to build connection string", err)
	}

	sqlDB, err := sql.Open(dialect.Driver, connStr)
	if err != nil {
		return nil, NewConnectionError("open", "failed to open database connection", err)
	}
	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, config.DefaultTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return nil, NewConnectionError("open", "failed to ping database", err)
	}

	r := &CheckpointRepository{db: sqlDB, dialect: dialect, codec: codec, config: config}
	if err := r.initSchema(ctx); err != nil {
		sqlDB.Close()
		return nil, NewSchemaError("open", "failed to initialize schema", err)
	}
	return r, nil
}

func (r *CheckpointRepository) initSchema(ctx context.Context) error {
	queries := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS checkpoints (
			network VARCHAR(42) NOT NULL,
			block BIGINT NOT NULL,
			block_hash VARCHAR(66) NOT NULL,
			state_hash VARCHAR(66) NOT NULL,
			payload %s NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (network, block)
		)`, r.dialect.BlobType),
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_created_at ON checkpoints(created_at)`,
	}
	for _, query := range queries {
		if _, err := r.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}
	return nil
}

// bind replaces every ? in query with the dialect's placeholders.
func (r *CheckpointRepository) bind(query string) string {
	if r.dialect.Placeholder == nil {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteString(r.dialect.Placeholder(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func (r *CheckpointRepository) timeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.config.DefaultTimeout)
}

func networkKey(network common.Address) string {
	return strings.ToLower(network.Hex())
}

func (r *CheckpointRepository) Save(ctx context.Context, s *snapshot.Snapshot) error {
	if r.db == nil {
		return ErrDatabaseClosed
	}
	payload, err := r.codec.Encode(s)
	if err != nil {
		return NewDataError("save_checkpoint", "failed to encode checkpoint", err)
	}
	ctx, cancel := r.timeout(ctx)
	defer cancel()

	_, err = r.db.ExecContext(ctx, r.bind(`INSERT INTO checkpoints (network, block, block_hash, state_hash, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (network, block) DO UPDATE SET
			block_hash = excluded.block_hash,
			state_hash = excluded.state_hash,
			payload = excluded.payload,
			created_at = excluded.created_at`),
		networkKey(s.Network), int64(s.Block), s.BlockHash.Hex(), s.StateHash.Hex(), payload, s.CreatedAt)
	if err != nil {
		return NewQueryError("save_checkpoint", "failed to insert checkpoint", err)
	}
	return nil
}

func (r *CheckpointRepository) decodeRow(op string, row *sql.Row) (*snapshot.Snapshot, error) {
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, snapshot.ErrNotFound
		}
		return nil, NewQueryError(op, "failed to query checkpoint", err)
	}
	s, err := r.codec.Decode(payload)
	if err != nil {
		return nil, NewDataError(op, "failed to decode checkpoint", err)
	}
	return s, nil
}

func (r *CheckpointRepository) Latest(ctx context.Context, network common.Address) (*snapshot.Snapshot, error) {
	if r.db == nil {
		return nil, ErrDatabaseClosed
	}
	ctx, cancel := r.timeout(ctx)
	defer cancel()
	row := r.db.QueryRowContext(ctx, r.bind(`SELECT payload FROM checkpoints WHERE network = ? ORDER BY block DESC LIMIT 1`),
		networkKey(network))
	return r.decodeRow("latest_checkpoint", row)
}

func (r *CheckpointRepository) Load(ctx context.Context, network common.Address, block uint64) (*snapshot.Snapshot, error) {
	if r.db == nil {
		return nil, ErrDatabaseClosed
	}
	ctx, cancel := r.timeout(ctx)
	defer cancel()
	row := r.db.QueryRowContext(ctx, r.bind(`SELECT payload FROM checkpoints WHERE network = ? AND block = ?`),
		networkKey(network), int64(block))
	return r.decodeRow("load_checkpoint", row)
}

func (r *CheckpointRepository) List(ctx context.Context, network common.Address) ([]snapshot.Info, error) {
	if r.db == nil {
		return nil, ErrDatabaseClosed
	}
	ctx, cancel := r.timeout(ctx)
	defer cancel()
	rows, err := r.db.QueryContext(ctx, r.bind(`SELECT block, payload FROM checkpoints WHERE network = ? ORDER BY block ASC`),
		networkKey(network))
	if err != nil {
		return nil, NewQueryError("list_checkpoints", "failed to query checkpoints", err)
	}
	defer rows.Close()

	var out []snapshot.Info
	for rows.Next() {
		var (
			block   int64
			payload []byte
		)
		if err := rows.Scan(&block, &payload); err != nil {
			return nil, NewQueryError("list_checkpoints", "failed to scan checkpoint", err)
		}
		s, err := r.codec.Decode(payload)
		if err != nil {
			return nil, NewDataError("list_checkpoints", fmt.Sprintf("failed to decode checkpoint %d", block), err)
		}
		info := s.Info()
		info.Size = len(payload)
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError("list_checkpoints", "failed to iterate checkpoints", err)
	}
	return out, nil
}

func (r *CheckpointRepository) Prune(ctx context.Context, network common.Address, keep int) (int, error) {
	if r.db == nil {
		return 0, ErrDatabaseClosed
	}
	if keep < 0 {
		keep = 0
	}
	ctx, cancel := r.timeout(ctx)
	defer cancel()
	key := networkKey(network)
	res, err := r.db.ExecContext(ctx, r.bind(`DELETE FROM checkpoints WHERE network = ? AND block NOT IN (
			SELECT block FROM checkpoints WHERE network = ? ORDER BY block DESC LIMIT ?)`),
		key, key, keep)
	if err != nil {
		return 0, NewQueryError("prune_checkpoints", "failed to delete checkpoints", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, NewQueryError("prune_checkpoints", "failed to count deleted checkpoints", err)
	}
	return int(n), nil
}

// Ping tests the database connection
func (r *CheckpointRepository) Ping(ctx context.Context) error {
	if r.db == nil {
		return ErrDatabaseClosed
	}
	ctx, cancel := r.timeout(ctx)
	defer cancel()
	if err := r.db.PingContext(ctx); err != nil {
		return NewConnectionError("ping", "database ping failed", err)
	}
	return nil
}

func (r *CheckpointRepository) Close() error {
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	if err != nil {
		return NewConnectionError("close", "failed to close database connection", err)
	}
	return nil
}

var _ snapshot.Store = (*CheckpointRepository)(nil)

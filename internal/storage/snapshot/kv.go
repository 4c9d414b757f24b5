package snapshot

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/LeJamon/trustrelay/internal/storage/database"
	"github.com/ethereum/go-ethereum/common"
)

var prefix = []byte("ckpt/")

// KVStore keeps checkpoints in a key-value database under
// "ckpt/" || network || big-endian block.
type KVStore struct {
	db    database.DB
	codec *Codec
}

// NewKVStore wraps db. The store owns db and closes it.
func NewKVStore(db database.DB, c *Codec) *KVStore {
	return &KVStore{db: db, codec: c}
}

func networkPrefix(network common.Address) []byte {
	p := make([]byte, 0, len(prefix)+common.AddressLength)
	p = append(p, prefix...)
	return append(p, network[:]...)
}

func key(network common.Address, block uint64) []byte {
	return binary.BigEndian.AppendUint64(networkPrefix(network), block)
}

func (k *KVStore) Save(ctx context.Context, s *Snapshot) error {
	data, err := k.codec.Encode(s)
	if err != nil {
		return err
	}
	if err := k.db.Write(ctx, key(s.Network, s.Block), data); err != nil {
		return fmt.Errorf("save checkpoint %d: %w", s.Block, err)
	}
	return nil
}

func (k *KVStore) Load(ctx context.Context, network common.Address, block uint64) (*Snapshot, error) {
	data, err := k.db.Read(ctx, key(network, block))
	if errors.Is(err, database.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return k.codec.Decode(data)
}

type entry struct {
	block uint64
	data  []byte
}

func (k *KVStore) scan(ctx context.Context, network common.Address) ([]entry, error) {
	p := networkPrefix(network)
	it, err := k.db.Iterator(ctx, p, database.PrefixEnd(p))
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []entry
	for it.Next() {
		kb := it.Key()
		if len(kb) != len(p)+8 {
			continue
		}
		data := make([]byte, len(it.Value()))
		copy(data, it.Value())
		out = append(out, entry{block: binary.BigEndian.Uint64(kb[len(p):]), data: data})
	}
	return out, it.Error()
}

func (k *KVStore) Latest(ctx context.Context, network common.Address) (*Snapshot, error) {
	entries, err := k.scan(ctx, network)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	return k.codec.Decode(entries[len(entries)-1].data)
}

func (k *KVStore) List(ctx context.Context, network common.Address) ([]Info, error) {
	entries, err := k.scan(ctx, network)
	if err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		s, err := k.codec.Decode(e.data)
		if err != nil {
			return nil, fmt.Errorf("checkpoint %d: %w", e.block, err)
		}
		info := s.Info()
		info.Size = len(e.data)
		out = append(out, info)
	}
	return out, nil
}

func (k *KVStore) Prune(ctx context.Context, network common.Address, keep int) (int, error) {
	entries, err := k.scan(ctx, network)
	if err != nil {
		return 0, err
	}
	if keep < 0 {
		keep = 0
	}
	if len(entries) <= keep {
		return 0, nil
	}
	stale := entries[:len(entries)-keep]
	ops := make([]database.BatchOperation, 0, len(stale))
	for _, e := range stale {
		ops = append(ops, database.Del(key(network, e.block)))
	}
	if err := k.db.Batch(ctx, ops); err != nil {
		return 0, err
	}
	return len(stale), nil
}

func (k *KVStore) Close() error {
	return k.db.Close()
}

var _ Store = (*KVStore)(nil)

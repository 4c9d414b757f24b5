// Package leveldb is the goleveldb backend of the database package.
package leveldb

import (
	"context"
	"errors"
	"fmt"

	"github.com/LeJamon/trustrelay/internal/storage/database"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

type DB struct {
	db *leveldb.DB
}

// Open opens or creates a leveldb database in dir.
func Open(dir string) (*DB, error) {
	db, err := leveldb.OpenFile(dir, &opt.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb database %s: %w", dir, err)
	}
	return &DB{db: db}, nil
}

func translate(err error) error {
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return database.ErrKeyNotFound
	case errors.Is(err, leveldb.ErrClosed):
		return database.ErrDBClosed
	default:
		return err
	}
}

var syncWrite = &opt.WriteOptions{Sync: true}

func (l *DB) Read(ctx context.Context, key []byte) ([]byte, error) {
	val, err := l.db.Get(key, nil)
	if err != nil {
		return nil, translate(err)
	}
	return val, nil
}

func (l *DB) Write(ctx context.Context, key, value []byte) error {
	return translate(l.db.Put(key, value, syncWrite))
}

func (l *DB) Delete(ctx context.Context, key []byte) error {
	return translate(l.db.Delete(key, syncWrite))
}

func (l *DB) Batch(ctx context.Context, ops []database.BatchOperation) error {
	batch := new(leveldb.Batch)
	for _, op := range ops {
		switch op.Type {
		case database.BatchPut:
			batch.Put(op.Key, op.Value)
		case database.BatchDelete:
			batch.Delete(op.Key)
		default:
			return database.UnknownOp(op.Type)
		}
	}
	return translate(l.db.Write(batch, syncWrite))
}

func (l *DB) Iterator(ctx context.Context, start, end []byte) (database.Iterator, error) {
	it := l.db.NewIterator(&util.Range{Start: start, Limit: end}, nil)
	if err := it.Error(); err != nil {
		it.Release()
		return nil, translate(err)
	}
	return &Iterator{it: it}, nil
}

func (l *DB) Close() error {
	err := l.db.Close()
	if errors.Is(err, leveldb.ErrClosed) {
		return nil
	}
	return err
}

type Iterator struct {
	it iterator.Iterator
}

func (i *Iterator) Next() bool    { return i.it.Next() }
func (i *Iterator) Key() []byte   { return i.it.Key() }
func (i *Iterator) Value() []byte { return i.it.Value() }
func (i *Iterator) Error() error  { return translate(i.it.Error()) }

func (i *Iterator) Close() error {
	i.it.Release()
	return nil
}

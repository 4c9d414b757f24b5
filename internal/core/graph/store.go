// Package graph is the trust graph store: the relay's materialized view of all
// trustlines of one currency network.
//
// State is versioned and copy-on-write. Readers take a Snapshot, which is
// immutable and never blocks. The single writer opens a Txn, mutates it, and
// publishes the result atomically with Commit; readers observe either the
// state before or after a transaction, never a partial one.
package graph

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/LeJamon/trustrelay/internal/core/trustline"
	"github.com/ethereum/go-ethereum/common"
)

const shardCount = 256

var (
	// ErrTxnDone is returned when a finished transaction is used again.
	ErrTxnDone = errors.New("graph: transaction already finished")

	// ErrDetached is returned when committing a transaction forked from a snapshot.
	ErrDetached = errors.New("graph: detached transaction cannot be committed")

	// ErrInconsistentRecords is returned when persisted records do not describe a valid graph.
	ErrInconsistentRecords = errors.New("graph: inconsistent records")
)

type pairKey = [2 * common.AddressLength]byte

// state is one immutable version of the graph. Shards are shared between
// versions until a transaction writes to them.
type state struct {
	version uint64
	lines   [shardCount]map[pairKey]*trustline.Trustline
	adj     [shardCount]map[common.Address][]common.Address
	count   int
}

func emptyState() *state {
	s := &state{}
	for i := range s.lines {
		s.lines[i] = map[pairKey]*trustline.Trustline{}
		s.adj[i] = map[common.Address][]common.Address{}
	}
	return s
}

func lineShard(k pairKey) int {
	return int(k[common.AddressLength-1] ^ k[2*common.AddressLength-1])
}

func adjShard(a common.Address) int {
	return int(a[common.AddressLength-1])
}

// Store owns the trustline state of one network.
type Store struct {
	writer sync.Mutex
	cur    atomic.Pointer[state]
}

// NewStore creates an empty store at version 0.
func NewStore() *Store {
	s := &Store{}
	s.cur.Store(emptyState())
	return s
}

// Snapshot returns the latest committed state.
func (s *Store) Snapshot() *Snapshot {
	return &Snapshot{s: s.cur.Load()}
}

// Begin starts a write transaction. It blocks while another transaction is
// open. The caller must Commit or Rollback.
func (s *Store) Begin() *Txn {
	s.writer.Lock()
	return newTxn(s, s.cur.Load())
}

// Update runs fn in a transaction and commits it when fn returns nil.
func (s *Store) Update(fn func(*Txn) error) (*Snapshot, error) {
	txn := s.Begin()
	if err := fn(txn); err != nil {
		txn.Rollback()
		return nil, err
	}
	return txn.Commit()
}

// Replace publishes snap's contents as the next version, discarding the
// current state. Used when restoring from a checkpoint.
func (s *Store) Replace(snap *Snapshot) *Snapshot {
	s.writer.Lock()
	defer s.writer.Unlock()

	next := *snap.s
	next.version = s.cur.Load().version + 1
	s.cur.Store(&next)
	return &Snapshot{s: &next}
}

// Txn is a pending set of changes on top of a base version.
type Txn struct {
	store    *Store
	base     *state
	next     state
	ownLines [shardCount]bool
	ownAdj   [shardCount]bool
	done     bool
	writes   int
}

func newTxn(store *Store, base *state) *Txn {
	return &Txn{store: store, base: base, next: *base}
}

// Get returns the trustline for the pair in the transaction's view. The
// returned value must not be modified; Clone it and Put the clone.
func (t *Txn) Get(a, b common.Address) (*trustline.Trustline, bool) {
	pair, _, err := trustline.NewPair(a, b)
	if err != nil {
		return nil, false
	}
	return t.GetPair(pair)
}

// GetPair is Get for an already canonical pair.
func (t *Txn) GetPair(pair trustline.Pair) (*trustline.Trustline, bool) {
	k := pair.Key()
	tl, ok := t.next.lines[lineShard(k)][k]
	return tl, ok
}

// Put stores tl, taking ownership of it. Adjacency is maintained for new pairs.
func (t *Txn) Put(tl *trustline.Trustline) error {
	if t.done {
		return ErrTxnDone
	}
	k := tl.Pair.Key()
	shard := t.writableLines(lineShard(k))
	if _, exists := shard[k]; !exists {
		t.link(tl.Low, tl.High)
		t.link(tl.High, tl.Low)
		t.next.count++
	}
	shard[k] = tl
	t.writes++
	return nil
}

// Delete removes the pair and reports whether it existed. Accounts without
// any remaining trustline disappear from the graph.
func (t *Txn) Delete(pair trustline.Pair) (bool, error) {
	if t.done {
		return false, ErrTxnDone
	}
	k := pair.Key()
	idx := lineShard(k)
	if _, exists := t.next.lines[idx][k]; !exists {
		return false, nil
	}
	delete(t.writableLines(idx), k)
	t.unlink(pair.Low, pair.High)
	t.unlink(pair.High, pair.Low)
	t.next.count--
	t.writes++
	return true, nil
}

// View returns a read-only view of the transaction's current state. The view
// is only valid until the next write on t.
func (t *Txn) View() *Snapshot {
	s := t.next
	return &Snapshot{s: &s}
}

// Commit publishes the transaction as the next version and returns it.
func (t *Txn) Commit() (*Snapshot, error) {
	if t.done {
		return nil, ErrTxnDone
	}
	if t.store == nil {
		return nil, ErrDetached
	}
	t.done = true
	defer t.store.writer.Unlock()

	if t.writes == 0 {
		return &Snapshot{s: t.base}, nil
	}
	next := t.next
	next.version = t.base.version + 1
	t.store.cur.Store(&next)
	return &Snapshot{s: &next}, nil
}

// Rollback discards the transaction.
func (t *Txn) Rollback() {
	if t.done {
		return
	}
	t.done = true
	if t.store != nil {
		t.store.writer.Unlock()
	}
}

func (t *Txn) writableLines(idx int) map[pairKey]*trustline.Trustline {
	if !t.ownLines[idx] {
		src := t.next.lines[idx]
		dst := make(map[pairKey]*trustline.Trustline, len(src)+1)
		for k, v := range src {
			dst[k] = v
		}
		t.next.lines[idx] = dst
		t.ownLines[idx] = true
	}
	return t.next.lines[idx]
}

func (t *Txn) writableAdj(idx int) map[common.Address][]common.Address {
	if !t.ownAdj[idx] {
		src := t.next.adj[idx]
		dst := make(map[common.Address][]common.Address, len(src)+1)
		for k, v := range src {
			dst[k] = v
		}
		t.next.adj[idx] = dst
		t.ownAdj[idx] = true
	}
	return t.next.adj[idx]
}

// link adds neighbor to a's sorted neighbor list. Slices are never mutated
// in place since older versions may share them.
func (t *Txn) link(a, neighbor common.Address) {
	shard := t.writableAdj(adjShard(a))
	old := shard[a]
	i := searchAddress(old, neighbor)
	next := make([]common.Address, 0, len(old)+1)
	next = append(next, old[:i]...)
	next = append(next, neighbor)
	next = append(next, old[i:]...)
	shard[a] = next
}

func (t *Txn) unlink(a, neighbor common.Address) {
	shard := t.writableAdj(adjShard(a))
	old := shard[a]
	i := searchAddress(old, neighbor)
	if i >= len(old) || old[i] != neighbor {
		return
	}
	if len(old) == 1 {
		delete(shard, a)
		return
	}
	next := make([]common.Address, 0, len(old)-1)
	next = append(next, old[:i]...)
	next = append(next, old[i+1:]...)
	shard[a] = next
}

package pathfind

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common"
)

// node is one step of a partial path, growing from the end whose amount is
// fixed: back from the target, or with Reverse on from the source. Nodes
// live in an arena and point at their neighbour toward that end.
type node struct {
	account common.Address
	next    int32
	// required is what the trustline into account carries. For the source
	// node it is what the source pays.
	required int64
	// hops counts trustlines between account and the fixed end.
	hops int
}

const noNode int32 = -1

// entry is a frontier element.
type entry struct {
	idx      int32
	fee      int64
	minHops  int
	complete bool
}

// frontier is a min-heap of entries ordered by fee, hop lower bound, partial
// before complete, then account sequence from source to target.
type frontier struct {
	entries []entry
	arena   *[]node
	// reverse chains run from the source, so sequences are read backwards
	reverse bool
}

func (f *frontier) Len() int { return len(f.entries) }

func (f *frontier) Less(i, j int) bool {
	a, b := f.entries[i], f.entries[j]
	if a.fee != b.fee {
		return a.fee < b.fee
	}
	if a.minHops != b.minHops {
		return a.minHops < b.minHops
	}
	if a.complete != b.complete {
		return !a.complete
	}
	if c := f.compareSequence(a.idx, b.idx); c != 0 {
		return c < 0
	}
	return a.idx < b.idx
}

func (f *frontier) Swap(i, j int) {
	f.entries[i], f.entries[j] = f.entries[j], f.entries[i]
}

func (f *frontier) Push(x interface{}) {
	f.entries = append(f.entries, x.(entry))
}

func (f *frontier) Pop() interface{} {
	old := f.entries
	n := len(old)
	e := old[n-1]
	f.entries = old[:n-1]
	return e
}

// compareSequence compares the account sequences of two arena nodes from
// the source toward the target.
func (f *frontier) compareSequence(a, b int32) int {
	if f.reverse {
		return compareAccounts(f.sequence(a), f.sequence(b))
	}
	arena := *f.arena
	for a != noNode && b != noNode {
		if c := bytes.Compare(arena[a].account[:], arena[b].account[:]); c != 0 {
			return c
		}
		a, b = arena[a].next, arena[b].next
	}
	switch {
	case a == noNode && b == noNode:
		return 0
	case a == noNode:
		return -1
	default:
		return 1
	}
}

// sequence returns the accounts from the root of idx's chain up to idx.
func (f *frontier) sequence(idx int32) []common.Address {
	arena := *f.arena
	out := make([]common.Address, arena[idx].hops+1)
	for i := idx; i != noNode; i = arena[i].next {
		out[arena[i].hops] = arena[i].account
	}
	return out
}

func compareAccounts(a, b []common.Address) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := bytes.Compare(a[i][:], b[i][:]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

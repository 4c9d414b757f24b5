package graph

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/LeJamon/trustrelay/internal/core/trustline"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Snapshot is an immutable view of one graph version. It is safe for
// concurrent use.
type Snapshot struct {
	s *state
}

// EdgeView describes the directed edge From→To: the capacity for From to pay To.
type EdgeView struct {
	From         common.Address      `json:"from"`
	To           common.Address      `json:"to"`
	Limit        int64               `json:"limit"`
	Debt         int64               `json:"debt"`
	Available    int64               `json:"available"`
	OverExtended bool                `json:"over_extended"`
	InterestRate int16               `json:"interest_rate"`
	Fee          trustline.FeePolicy `json:"fee"`
}

// Neighbor is one trustline seen from an account: the edge the account pays
// along and the edge the neighbor pays along.
type Neighbor struct {
	Account  common.Address `json:"account"`
	Outgoing EdgeView       `json:"outgoing"`
	Incoming EdgeView       `json:"incoming"`
}

// Summary aggregates trustlines from one account's point of view.
type Summary struct {
	// Balance is positive when the account is a net creditor.
	Balance int64 `json:"balance"`
	// Given is the credit the account extends to its counterparties.
	Given int64 `json:"creditline_given"`
	// Received is the credit extended to the account.
	Received int64 `json:"creditline_received"`
	// LeftGiven is how much more counterparties may still pay the account.
	LeftGiven int64 `json:"creditline_left_given"`
	// LeftReceived is how much more the account may still pay counterparties.
	LeftReceived int64 `json:"creditline_left_received"`
}

// Version increases by one with every committed transaction.
func (s *Snapshot) Version() uint64 {
	return s.s.version
}

// Len returns the number of trustlines.
func (s *Snapshot) Len() int {
	return s.s.count
}

// Trustline returns a copy of the trustline between a and b.
func (s *Snapshot) Trustline(a, b common.Address) (trustline.Trustline, bool) {
	tl, ok := s.lookup(a, b)
	if !ok {
		return trustline.Trustline{}, false
	}
	return *tl, true
}

func (s *Snapshot) lookup(a, b common.Address) (*trustline.Trustline, bool) {
	pair, _, err := trustline.NewPair(a, b)
	if err != nil {
		return nil, false
	}
	k := pair.Key()
	tl, ok := s.s.lines[lineShard(k)][k]
	return tl, ok
}

// GetEdge returns the directed edge from→to.
func (s *Snapshot) GetEdge(from, to common.Address) (EdgeView, bool) {
	tl, ok := s.lookup(from, to)
	if !ok {
		return EdgeView{}, false
	}
	d, _ := tl.DirectionFrom(from)
	return edgeView(tl, d), true
}

// Capacity returns the available capacity for from to pay to, zero when no
// trustline exists.
func (s *Snapshot) Capacity(from, to common.Address) int64 {
	tl, ok := s.lookup(from, to)
	if !ok {
		return 0
	}
	d, _ := tl.DirectionFrom(from)
	return tl.Available(d)
}

// ListEdges returns every trustline of a, ordered by neighbor address.
func (s *Snapshot) ListEdges(a common.Address) []Neighbor {
	neighbors := s.s.adj[adjShard(a)][a]
	out := make([]Neighbor, 0, len(neighbors))
	for _, n := range neighbors {
		tl, ok := s.lookup(a, n)
		if !ok {
			continue
		}
		d, _ := tl.DirectionFrom(a)
		out = append(out, Neighbor{
			Account:  n,
			Outgoing: edgeView(tl, d),
			Incoming: edgeView(tl, d.Reverse()),
		})
	}
	return out
}

// Neighbors returns the sorted neighbor addresses of a. The result must not be modified.
func (s *Snapshot) Neighbors(a common.Address) []common.Address {
	return s.s.adj[adjShard(a)][a]
}

// HasAccount reports whether a has at least one trustline.
func (s *Snapshot) HasAccount(a common.Address) bool {
	return len(s.Neighbors(a)) > 0
}

// Accounts returns every account with a trustline, sorted.
func (s *Snapshot) Accounts() []common.Address {
	var out []common.Address
	for _, shard := range s.s.adj {
		for a := range shard {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// Trustlines returns copies of all trustlines in canonical pair order.
func (s *Snapshot) Trustlines() []trustline.Trustline {
	out := make([]trustline.Trustline, 0, s.s.count)
	for _, shard := range s.s.lines {
		for _, tl := range shard {
			out = append(out, *tl)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ki, kj := out[i].Pair.Key(), out[j].Pair.Key()
		return bytes.Compare(ki[:], kj[:]) < 0
	})
	return out
}

// StateHash is a keccak256 digest of the canonical encoding of all trustlines.
// Equal graphs hash equal regardless of how they were built.
func (s *Snapshot) StateHash() common.Hash {
	h := crypto.NewKeccakState()
	var buf [8]byte
	for _, tl := range s.Trustlines() {
		h.Write(tl.Low[:])
		h.Write(tl.High[:])
		binary.BigEndian.PutUint64(buf[:], uint64(tl.Balance))
		h.Write(buf[:])
		for _, e := range tl.Edges {
			binary.BigEndian.PutUint64(buf[:], uint64(e.Limit))
			h.Write(buf[:])
			binary.BigEndian.PutUint16(buf[:2], uint16(e.InterestRate))
			h.Write(buf[:2])
			binary.BigEndian.PutUint64(buf[:], uint64(e.Fee.Flat))
			h.Write(buf[:])
			binary.BigEndian.PutUint32(buf[:4], e.Fee.RatePPM)
			h.Write(buf[:4])
		}
	}
	var out common.Hash
	h.Read(out[:])
	return out
}

// PairSummary summarizes the trustline between a and b from a's point of view.
func (s *Snapshot) PairSummary(a, b common.Address) (Summary, bool) {
	tl, ok := s.lookup(a, b)
	if !ok {
		return Summary{}, false
	}
	return summarize(tl, a), true
}

// AccountSummary aggregates all trustlines of a. Sums that overflow saturate.
func (s *Snapshot) AccountSummary(a common.Address) Summary {
	var total Summary
	for _, n := range s.Neighbors(a) {
		tl, ok := s.lookup(a, n)
		if !ok {
			continue
		}
		one := summarize(tl, a)
		total.Balance = saturatingAdd(total.Balance, one.Balance)
		total.Given = saturatingAdd(total.Given, one.Given)
		total.Received = saturatingAdd(total.Received, one.Received)
		total.LeftGiven = saturatingAdd(total.LeftGiven, one.LeftGiven)
		total.LeftReceived = saturatingAdd(total.LeftReceived, one.LeftReceived)
	}
	return total
}

// Fork returns a detached transaction on top of this snapshot. Its changes
// can be viewed but never committed.
func (s *Snapshot) Fork() *Txn {
	return newTxn(nil, s.s)
}

func summarize(tl *trustline.Trustline, a common.Address) Summary {
	out, _ := tl.DirectionFrom(a)
	in := out.Reverse()
	return Summary{
		Balance:      tl.NetFor(a),
		Given:        tl.Edges[in].Limit,
		Received:     tl.Edges[out].Limit,
		LeftGiven:    tl.Available(in),
		LeftReceived: tl.Available(out),
	}
}

func edgeView(tl *trustline.Trustline, d trustline.Direction) EdgeView {
	e := tl.Edges[d]
	return EdgeView{
		From:         tl.Payer(d),
		To:           tl.Payee(d),
		Limit:        e.Limit,
		Debt:         tl.Debt(d),
		Available:    tl.Available(d),
		OverExtended: tl.OverExtended(d),
		InterestRate: e.InterestRate,
		Fee:          e.Fee,
	}
}

func saturatingAdd(a, b int64) int64 {
	s, err := trustline.Add(a, b)
	if err == nil {
		return s
	}
	if b > 0 {
		return 1<<63 - 1
	}
	return -1 << 63
}

func searchAddress(list []common.Address, a common.Address) int {
	return sort.Search(len(list), func(i int) bool {
		return bytes.Compare(list[i][:], a[:]) >= 0
	})
}

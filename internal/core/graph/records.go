package graph

import (
	"fmt"

	"github.com/LeJamon/trustrelay/internal/core/trustline"
	"github.com/ethereum/go-ethereum/common"
)

// Record is the persisted form of one directed edge, keyed by
// (Low, High, Direction). Both records of a pair carry the shared balance.
type Record struct {
	Low          common.Address      `codec:"low"`
	High         common.Address      `codec:"high"`
	Direction    trustline.Direction `codec:"dir"`
	Limit        int64               `codec:"limit"`
	Balance      int64               `codec:"balance"`
	InterestRate int16               `codec:"interest"`
	FeeFlat      int64               `codec:"fee_flat"`
	FeeRatePPM   uint32              `codec:"fee_ppm"`
}

// Records exports the snapshot in canonical order, two records per trustline.
func (s *Snapshot) Records() []Record {
	lines := s.Trustlines()
	out := make([]Record, 0, 2*len(lines))
	for _, tl := range lines {
		for _, d := range []trustline.Direction{trustline.LowToHigh, trustline.HighToLow} {
			e := tl.Edges[d]
			out = append(out, Record{
				Low:          tl.Low,
				High:         tl.High,
				Direction:    d,
				Limit:        e.Limit,
				Balance:      tl.Balance,
				InterestRate: e.InterestRate,
				FeeFlat:      e.Fee.Flat,
				FeeRatePPM:   e.Fee.RatePPM,
			})
		}
	}
	return out
}

// FromRecords rebuilds a snapshot from exported records. Pairs must be
// canonical and both directions of a pair must agree on the balance.
func FromRecords(records []Record) (*Snapshot, error) {
	txn := newTxn(nil, emptyState())
	seen := make(map[pairKey][2]bool)

	for i, r := range records {
		pair := trustline.Pair{Low: r.Low, High: r.High}
		canonical, _, err := trustline.NewPair(r.Low, r.High)
		if err != nil || canonical != pair {
			return nil, fmt.Errorf("%w: record %d has non-canonical pair %s", ErrInconsistentRecords, i, pair)
		}
		if r.Direction > trustline.HighToLow {
			return nil, fmt.Errorf("%w: record %d has direction %d", ErrInconsistentRecords, i, r.Direction)
		}

		k := pair.Key()
		dirs := seen[k]
		if dirs[r.Direction] {
			return nil, fmt.Errorf("%w: duplicate record for %s %s", ErrInconsistentRecords, pair, r.Direction)
		}
		dirs[r.Direction] = true
		seen[k] = dirs

		var tl *trustline.Trustline
		if existing, ok := txn.GetPair(pair); ok {
			if existing.Balance != r.Balance {
				return nil, fmt.Errorf("%w: balance mismatch for %s", ErrInconsistentRecords, pair)
			}
			tl = existing.Clone()
		} else {
			tl = &trustline.Trustline{Pair: pair, Balance: r.Balance}
		}
		tl.Edges[r.Direction] = trustline.CreditEdge{
			Limit:        r.Limit,
			InterestRate: r.InterestRate,
			Fee:          trustline.FeePolicy{Flat: r.FeeFlat, RatePPM: r.FeeRatePPM},
		}
		if err := txn.Put(tl); err != nil {
			return nil, err
		}
	}

	for k, dirs := range seen {
		if !dirs[trustline.LowToHigh] || !dirs[trustline.HighToLow] {
			var pair trustline.Pair
			copy(pair.Low[:], k[:common.AddressLength])
			copy(pair.High[:], k[common.AddressLength:])
			return nil, fmt.Errorf("%w: missing direction for %s", ErrInconsistentRecords, pair)
		}
	}
	return txn.View(), nil
}

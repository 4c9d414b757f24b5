// Package trustline defines the bilateral credit relationship between two
// accounts and the capacity arithmetic the relay routes payments over.
//
// A trustline is stored once per unordered account pair. The pair is kept in
// canonical order (Low < High, bytewise) and carries a single signed balance:
// a positive balance means Low owes High, a negative balance means High owes
// Low. Each direction has its own credit edge describing how much the paying
// side of that direction may owe across it.
package trustline

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrSelfTrustline is returned when both endpoints of a trustline are the same account.
	ErrSelfTrustline = errors.New("trustline endpoints must differ")

	// ErrAmountOverflow is returned when an amount computation leaves the int64 range.
	ErrAmountOverflow = errors.New("amount overflow")

	// ErrNegativeAmount is returned where only non-negative amounts are meaningful.
	ErrNegativeAmount = errors.New("amount must not be negative")

	// ErrNotEndpoint is returned when an account is not an endpoint of the pair.
	ErrNotEndpoint = errors.New("account is not a trustline endpoint")
)

// Direction selects one of the two credit edges of a trustline.
type Direction uint8

const (
	// LowToHigh is the edge along which Low pays High.
	LowToHigh Direction = iota
	// HighToLow is the edge along which High pays Low.
	HighToLow
)

// Reverse returns the opposite direction.
func (d Direction) Reverse() Direction {
	if d == LowToHigh {
		return HighToLow
	}
	return LowToHigh
}

func (d Direction) String() string {
	switch d {
	case LowToHigh:
		return "low_to_high"
	case HighToLow:
		return "high_to_low"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// Pair is an unordered account pair in canonical order.
type Pair struct {
	Low  common.Address
	High common.Address
}

// NewPair orders a and b canonically and returns the direction in which a pays b.
func NewPair(a, b common.Address) (Pair, Direction, error) {
	switch c := bytes.Compare(a.Bytes(), b.Bytes()); {
	case c < 0:
		return Pair{Low: a, High: b}, LowToHigh, nil
	case c > 0:
		return Pair{Low: b, High: a}, HighToLow, nil
	default:
		return Pair{}, LowToHigh, ErrSelfTrustline
	}
}

// Contains reports whether a is one of the endpoints.
func (p Pair) Contains(a common.Address) bool {
	return p.Low == a || p.High == a
}

// Other returns the endpoint that is not a.
func (p Pair) Other(a common.Address) common.Address {
	if p.Low == a {
		return p.High
	}
	return p.Low
}

// DirectionFrom returns the direction in which from pays the other endpoint.
func (p Pair) DirectionFrom(from common.Address) (Direction, error) {
	switch from {
	case p.Low:
		return LowToHigh, nil
	case p.High:
		return HighToLow, nil
	default:
		return LowToHigh, ErrNotEndpoint
	}
}

// Payer returns the account that pays along d.
func (p Pair) Payer(d Direction) common.Address {
	if d == LowToHigh {
		return p.Low
	}
	return p.High
}

// Payee returns the account that receives along d.
func (p Pair) Payee(d Direction) common.Address {
	return p.Payer(d.Reverse())
}

// Key returns the fixed-width key used for maps and persistent storage.
func (p Pair) Key() [2 * common.AddressLength]byte {
	var k [2 * common.AddressLength]byte
	copy(k[:common.AddressLength], p.Low.Bytes())
	copy(k[common.AddressLength:], p.High.Bytes())
	return k
}

func (p Pair) String() string {
	return p.Low.Hex() + "-" + p.High.Hex()
}

// CreditEdge is one direction of a trustline.
type CreditEdge struct {
	// Limit is the most the payer of this direction may owe the payee.
	Limit int64
	// InterestRate is in basis points. It is recorded and reported, never applied.
	InterestRate int16
	// Fee is charged by the payer of this direction when forwarding along it.
	Fee FeePolicy
}

// Trustline is the mutable state of one account pair.
type Trustline struct {
	Pair
	// Balance is positive when Low owes High and negative when High owes Low.
	Balance int64
	Edges   [2]CreditEdge
}

// New creates an empty trustline between a and b.
func New(a, b common.Address) (*Trustline, error) {
	pair, _, err := NewPair(a, b)
	if err != nil {
		return nil, err
	}
	return &Trustline{Pair: pair}, nil
}

// Clone returns an independent copy.
func (t *Trustline) Clone() *Trustline {
	c := *t
	return &c
}

// Edge returns the credit edge for d.
func (t *Trustline) Edge(d Direction) CreditEdge {
	return t.Edges[d]
}

// Debt returns the part of the balance owed along d, never negative.
func (t *Trustline) Debt(d Direction) int64 {
	if d == LowToHigh {
		if t.Balance > 0 {
			return t.Balance
		}
		return 0
	}
	if t.Balance < 0 {
		if t.Balance == math.MinInt64 {
			return math.MaxInt64
		}
		return -t.Balance
	}
	return 0
}

// Available returns how much more the payer of d may send across it.
// It floors at zero when the edge is over-extended.
func (t *Trustline) Available(d Direction) int64 {
	left := t.Edges[d].Limit - t.Debt(d)
	if left < 0 {
		return 0
	}
	return left
}

// OverExtended reports whether the debt along d exceeds its limit.
func (t *Trustline) OverExtended(d Direction) bool {
	return t.Debt(d) > t.Edges[d].Limit
}

// Transfer moves amount along d. A negative amount moves value the other way.
func (t *Trustline) Transfer(d Direction, amount int64) error {
	if d == HighToLow {
		if amount == math.MinInt64 {
			return ErrAmountOverflow
		}
		amount = -amount
	}
	balance, err := Add(t.Balance, amount)
	if err != nil {
		return err
	}
	t.Balance = balance
	return nil
}

// NetFor returns the balance from the point of view of account a:
// positive when the other endpoint owes a.
func (t *Trustline) NetFor(a common.Address) int64 {
	if a == t.High {
		return t.Balance
	}
	return -t.Balance
}

// Add returns a+b or ErrAmountOverflow.
func Add(a, b int64) (int64, error) {
	s := a + b
	if (b > 0 && s < a) || (b < 0 && s > a) {
		return 0, ErrAmountOverflow
	}
	return s, nil
}

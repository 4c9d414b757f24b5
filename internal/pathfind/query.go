// Package pathfind searches the trust graph for payment routes. Searches run
// on an immutable graph snapshot and never block the writer.
package pathfind

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrInvalidAmount is returned for amounts that are not positive.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrSameAccount is returned when source and target are the same account.
	ErrSameAccount = errors.New("source and target must differ")

	// ErrInvalidHops is returned when the hop budget is out of range.
	ErrInvalidHops = errors.New("invalid hop budget")

	// ErrInvalidFee is returned for a negative fee budget.
	ErrInvalidFee = errors.New("max fee must not be negative")

	// ErrUnsupportedDirection is returned for directions other than Forward
	// and Reverse.
	ErrUnsupportedDirection = errors.New("unsupported search direction")
)

// Direction says which end of the path the amount is fixed at.
type Direction int

const (
	// Forward fixes the amount delivered to the target. The source pays the
	// amount plus every fee on the way.
	Forward Direction = iota
	// Reverse fixes the amount the source sends. The target receives it
	// less every fee on the way.
	Reverse
)

func (d Direction) String() string {
	switch d {
	case Forward:
		return "forward"
	case Reverse:
		return "reverse"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// ParseDirection parses "forward" or "reverse". The empty string is Forward.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "", "forward":
		return Forward, nil
	case "reverse":
		return Reverse, nil
	default:
		return 0, fmt.Errorf("%w: %q, want forward or reverse", ErrUnsupportedDirection, s)
	}
}

// FeeBudget returns a MaxFee of v.
func FeeBudget(v int64) *int64 {
	return &v
}

// Query describes one path search.
type Query struct {
	Source common.Address
	Target common.Address
	// Amount to deliver at Target, or with Reverse the amount Source sends.
	Amount int64
	// MaxHops bounds the number of trustlines on a path. Zero means the finder's default.
	MaxHops int
	// MaxFee bounds the total fee of a path. Nil means unbounded, zero
	// admits only fee-free paths.
	MaxFee *int64
	// MaxResults bounds Find. Zero means the finder's default.
	MaxResults int
	// Timeout bounds the search wall clock time. Zero means the finder's default.
	Timeout   time.Duration
	Direction Direction
}

func (q Query) validate(maxHops int) error {
	if q.Amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, q.Amount)
	}
	if q.Source == q.Target {
		return ErrSameAccount
	}
	if q.MaxHops < 0 || q.MaxHops > maxHops {
		return fmt.Errorf("%w: %d not in [0, %d]", ErrInvalidHops, q.MaxHops, maxHops)
	}
	if q.MaxFee != nil && *q.MaxFee < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidFee, *q.MaxFee)
	}
	if q.Direction != Forward && q.Direction != Reverse {
		return fmt.Errorf("%w: %s", ErrUnsupportedDirection, q.Direction)
	}
	return nil
}

// IsInvalidQuery reports whether err rejects the query itself.
func IsInvalidQuery(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrSameAccount) ||
		errors.Is(err, ErrInvalidHops) ||
		errors.Is(err, ErrInvalidFee) ||
		errors.Is(err, ErrUnsupportedDirection)
}

// Path is one feasible route. Amounts[i] is what the trustline between
// Accounts[i] and Accounts[i+1] carries; Amounts[0] is what the source pays
// and the last amount is what the target receives.
type Path struct {
	Accounts []common.Address `json:"path"`
	Amounts  []int64          `json:"amounts"`
	Fee      int64            `json:"fee"`
}

// Hops returns the number of trustlines on the path.
func (p Path) Hops() int {
	return len(p.Accounts) - 1
}

// SourceAmount returns what the source pays.
func (p Path) SourceAmount() int64 {
	if len(p.Amounts) == 0 {
		return 0
	}
	return p.Amounts[0]
}

// TargetAmount returns what the target receives.
func (p Path) TargetAmount() int64 {
	if len(p.Amounts) == 0 {
		return 0
	}
	return p.Amounts[len(p.Amounts)-1]
}

// Result is the outcome of Find. Truncated is set when the search stopped
// early; the paths found up to then are kept in order.
type Result struct {
	Paths     []Path `json:"paths"`
	Truncated bool   `json:"truncated"`
}

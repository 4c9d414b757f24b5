// Package applier is the only writer of the trust graph. It turns ordered
// ledger events into graph mutations and records how to undo each one.
package applier

import (
	"errors"
	"fmt"
	"strings"

	"github.com/LeJamon/trustrelay/internal/core/events"
	"github.com/LeJamon/trustrelay/internal/core/graph"
	"github.com/LeJamon/trustrelay/internal/core/trustline"
	"go.uber.org/zap"
)

var (
	// ErrDuplicateOpen is returned when a trustline is opened twice.
	ErrDuplicateOpen = errors.New("trustline already open")

	// ErrUnknownTrustline is returned when an event refers to a trustline that does not exist.
	ErrUnknownTrustline = errors.New("trustline does not exist")

	// ErrLimitExceeded is returned in reject mode when a transfer would push a
	// debt beyond its credit limit.
	ErrLimitExceeded = errors.New("transfer exceeds credit limit")

	// ErrNegativeLimit is returned for credit limits below zero.
	ErrNegativeLimit = errors.New("credit limit must not be negative")

	// ErrInvalidFee is returned for fee policies that cannot be applied.
	ErrInvalidFee = errors.New("invalid fee policy")

	// ErrUnsupportedEvent is returned for payloads the applier does not know.
	ErrUnsupportedEvent = errors.New("unsupported event")
)

// Strictness selects what happens when a transfer overdraws a credit edge.
type Strictness int

const (
	// Reject refuses transfers that would exceed the limit of the edge they move value along.
	Reject Strictness = iota
	// OverExtend accepts such transfers; the edge reports over-extension and
	// its capacity floors at zero.
	OverExtend
)

func (s Strictness) String() string {
	if s == OverExtend {
		return "overextend"
	}
	return "reject"
}

// ParseStrictness parses "reject" or "overextend".
func ParseStrictness(s string) (Strictness, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reject", "strict":
		return Reject, nil
	case "overextend", "over_extend", "lenient":
		return OverExtend, nil
	default:
		return Reject, fmt.Errorf("unknown strictness %q", s)
	}
}

// InconsistencyError reports an event that contradicts the current graph.
// The graph is left unchanged.
type InconsistencyError struct {
	Event events.ID
	Kind  events.Kind
	Pair  trustline.Pair
	Err   error
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("apply %s at %s on %s: %v", e.Kind, e.Event, e.Pair, e.Err)
}

func (e *InconsistencyError) Unwrap() error {
	return e.Err
}

// Change is the effect of one applied event. Before and After are nil when
// the trustline did not exist on that side of the change.
type Change struct {
	Event  events.Event
	Pair   trustline.Pair
	Before *trustline.Trustline
	After  *trustline.Trustline
}

// Applier applies events to a graph transaction.
type Applier struct {
	strictness Strictness
	logger     *zap.Logger
}

// Option configures an Applier.
type Option func(*Applier)

// WithStrictness sets the transfer strictness.
func WithStrictness(s Strictness) Option {
	return func(a *Applier) {
		a.strictness = s
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Applier) {
		a.logger = l
	}
}

// New creates an Applier. Strictness defaults to Reject.
func New(opts ...Option) *Applier {
	a := &Applier{strictness: Reject, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Strictness returns the configured strictness.
func (a *Applier) Strictness() Strictness {
	return a.strictness
}

// ApplyEvent applies ev in its own transaction and publishes the result.
func (a *Applier) ApplyEvent(store *graph.Store, ev events.Event) (Change, *graph.Snapshot, error) {
	txn := store.Begin()
	change, err := a.Apply(txn, ev)
	if err != nil {
		txn.Rollback()
		return Change{}, nil, err
	}
	snap, err := txn.Commit()
	return change, snap, err
}

// Apply applies ev to txn. On error txn is unchanged.
func (a *Applier) Apply(txn *graph.Txn, ev events.Event) (Change, error) {
	from, to := ev.Accounts()
	pair, dir, err := trustline.NewPair(from, to)
	if err != nil {
		return Change{}, &InconsistencyError{Event: ev.ID, Kind: ev.Kind(), Err: err}
	}
	before, exists := txn.GetPair(pair)
	fault := func(err error) (Change, error) {
		return Change{}, &InconsistencyError{Event: ev.ID, Kind: ev.Kind(), Pair: pair, Err: err}
	}

	var after *trustline.Trustline
	switch p := ev.Payload.(type) {
	case events.TrustlineOpened:
		if exists {
			return fault(ErrDuplicateOpen)
		}
		if p.LimitAB < 0 || p.LimitBA < 0 {
			return fault(ErrNegativeLimit)
		}
		if err := p.Fee.Validate(); err != nil {
			return fault(fmt.Errorf("%w: %v", ErrInvalidFee, err))
		}
		after = &trustline.Trustline{Pair: pair}
		after.Edges[dir] = trustline.CreditEdge{Limit: p.LimitAB, InterestRate: p.InterestAB, Fee: p.Fee}
		after.Edges[dir.Reverse()] = trustline.CreditEdge{Limit: p.LimitBA, InterestRate: p.InterestBA, Fee: p.Fee}

	case events.CreditLimitUpdated:
		if p.Limit < 0 {
			return fault(ErrNegativeLimit)
		}
		// the debtor pays along the edge the creditor extends
		debtorDir := dir.Reverse()
		if exists {
			after = before.Clone()
		} else {
			after = &trustline.Trustline{Pair: pair}
		}
		after.Edges[debtorDir].Limit = p.Limit
		if after.OverExtended(debtorDir) {
			a.logger.Debug("credit limit below outstanding debt",
				zap.Stringer("event", ev.ID),
				zap.Stringer("pair", pair),
				zap.Int64("limit", p.Limit),
				zap.Int64("debt", after.Debt(debtorDir)))
		}

	case events.BalanceTransferred:
		if !exists {
			return fault(ErrUnknownTrustline)
		}
		after = before.Clone()
		if err := after.Transfer(dir, p.Amount); err != nil {
			return fault(err)
		}
		if a.strictness == Reject {
			for _, d := range []trustline.Direction{trustline.LowToHigh, trustline.HighToLow} {
				if after.OverExtended(d) && after.Debt(d) > before.Debt(d) {
					return fault(fmt.Errorf("%w: debt %d over limit %d", ErrLimitExceeded, after.Debt(d), after.Edges[d].Limit))
				}
			}
		}

	case events.FeeUpdated:
		if !exists {
			return fault(ErrUnknownTrustline)
		}
		if err := p.Fee.Validate(); err != nil {
			return fault(fmt.Errorf("%w: %v", ErrInvalidFee, err))
		}
		after = before.Clone()
		after.Edges[dir].Fee = p.Fee

	case events.TrustlineClosed:
		if !exists {
			return fault(ErrUnknownTrustline)
		}
		if before.Balance != 0 {
			a.logger.Warn("closing trustline with outstanding balance",
				zap.Stringer("event", ev.ID),
				zap.Stringer("pair", pair),
				zap.Int64("balance", before.Balance))
		}
		if _, err := txn.Delete(pair); err != nil {
			return Change{}, err
		}
		return Change{Event: ev, Pair: pair, Before: before}, nil

	default:
		return fault(fmt.Errorf("%w: %T", ErrUnsupportedEvent, ev.Payload))
	}

	if err := txn.Put(after); err != nil {
		return Change{}, err
	}
	var prior *trustline.Trustline
	if exists {
		prior = before
	}
	return Change{Event: ev, Pair: pair, Before: prior, After: after}, nil
}

// Revert undoes change on txn, restoring the trustline exactly as it was
// before the change was applied. Changes must be reverted newest first.
func (a *Applier) Revert(txn *graph.Txn, change Change) error {
	if change.Before == nil {
		_, err := txn.Delete(change.Pair)
		return err
	}
	return txn.Put(change.Before.Clone())
}

// RevertAll reverts changes in strict reverse order.
func (a *Applier) RevertAll(txn *graph.Txn, changes []Change) error {
	for i := len(changes) - 1; i >= 0; i-- {
		if err := a.Revert(txn, changes[i]); err != nil {
			return fmt.Errorf("revert %s: %w", changes[i].Event.ID, err)
		}
	}
	return nil
}

// IsInconsistency reports whether err is an inconsistency fault.
func IsInconsistency(err error) bool {
	var ie *InconsistencyError
	return errors.As(err, &ie)
}

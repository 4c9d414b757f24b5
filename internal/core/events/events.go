// Package events defines the typed ledger events the relay materializes into
// its trust graph, and their total order.
package events

import (
	"fmt"

	"github.com/LeJamon/trustrelay/internal/core/trustline"
	"github.com/ethereum/go-ethereum/common"
)

// Kind identifies what an event does to the graph.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindTrustlineOpened
	KindCreditLimitUpdated
	KindBalanceTransferred
	KindFeeUpdated
	KindTrustlineClosed
)

func (k Kind) String() string {
	switch k {
	case KindTrustlineOpened:
		return "TrustlineOpened"
	case KindCreditLimitUpdated:
		return "CreditlineUpdate"
	case KindBalanceTransferred:
		return "BalanceTransfer"
	case KindFeeUpdated:
		return "FeeUpdate"
	case KindTrustlineClosed:
		return "TrustlineClosed"
	default:
		return "Unknown"
	}
}

// ParseKind parses a kind name as returned by Kind.String.
func ParseKind(name string) (Kind, error) {
	for k := KindTrustlineOpened; k <= KindTrustlineClosed; k++ {
		if k.String() == name {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("unknown event type %q", name)
}

// ID is the ledger identity of an event. IDs are totally ordered by
// (Block, TxIndex, LogIndex).
type ID struct {
	Block    uint64 `json:"block"`
	TxIndex  uint   `json:"tx_index"`
	LogIndex uint   `json:"log_index"`
}

// Compare returns -1, 0 or +1.
func (id ID) Compare(other ID) int {
	switch {
	case id.Block != other.Block:
		return cmp(id.Block, other.Block)
	case id.TxIndex != other.TxIndex:
		return cmp(uint64(id.TxIndex), uint64(other.TxIndex))
	default:
		return cmp(uint64(id.LogIndex), uint64(other.LogIndex))
	}
}

// Less reports whether id sorts before other.
func (id ID) Less(other ID) bool {
	return id.Compare(other) < 0
}

func (id ID) String() string {
	return fmt.Sprintf("%d/%d/%d", id.Block, id.TxIndex, id.LogIndex)
}

func cmp(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Event is a decoded ledger event.
type Event struct {
	ID        ID
	BlockHash common.Hash
	TxHash    common.Hash
	Network   common.Address
	Payload   Payload
}

// Kind returns the payload kind.
func (e Event) Kind() Kind {
	if e.Payload == nil {
		return KindUnknown
	}
	return e.Payload.Kind()
}

// Accounts returns the accounts the event touches.
func (e Event) Accounts() (common.Address, common.Address) {
	if e.Payload == nil {
		return common.Address{}, common.Address{}
	}
	return e.Payload.Accounts()
}

func (e Event) String() string {
	a, b := e.Accounts()
	return fmt.Sprintf("%s@%s(%s,%s)", e.Kind(), e.ID, a.Hex(), b.Hex())
}

// Payload is implemented by every event body.
type Payload interface {
	Kind() Kind
	Accounts() (common.Address, common.Address)
}

// TrustlineOpened creates a trustline between A and B.
type TrustlineOpened struct {
	A common.Address `json:"a"`
	B common.Address `json:"b"`
	// LimitAB is what A may owe B, LimitBA what B may owe A.
	LimitAB    int64               `json:"limit_ab"`
	LimitBA    int64               `json:"limit_ba"`
	InterestAB int16               `json:"interest_ab"`
	InterestBA int16               `json:"interest_ba"`
	Fee        trustline.FeePolicy `json:"fee"`
}

func (TrustlineOpened) Kind() Kind                                   { return KindTrustlineOpened }
func (p TrustlineOpened) Accounts() (common.Address, common.Address) { return p.A, p.B }

// CreditLimitUpdated sets how much Debtor may owe Creditor.
type CreditLimitUpdated struct {
	Creditor common.Address `json:"creditor"`
	Debtor   common.Address `json:"debtor"`
	Limit    int64          `json:"limit"`
}

func (CreditLimitUpdated) Kind() Kind { return KindCreditLimitUpdated }
func (p CreditLimitUpdated) Accounts() (common.Address, common.Address) {
	return p.Creditor, p.Debtor
}

// BalanceTransferred moves Amount from From to To. Amount may be negative.
type BalanceTransferred struct {
	From   common.Address `json:"from"`
	To     common.Address `json:"to"`
	Amount int64          `json:"amount"`
}

func (BalanceTransferred) Kind() Kind                                   { return KindBalanceTransferred }
func (p BalanceTransferred) Accounts() (common.Address, common.Address) { return p.From, p.To }

// FeeUpdated replaces the fee From charges for forwarding to To.
type FeeUpdated struct {
	From common.Address      `json:"from"`
	To   common.Address      `json:"to"`
	Fee  trustline.FeePolicy `json:"fee"`
}

func (FeeUpdated) Kind() Kind                                   { return KindFeeUpdated }
func (p FeeUpdated) Accounts() (common.Address, common.Address) { return p.From, p.To }

// TrustlineClosed removes the trustline between A and B.
type TrustlineClosed struct {
	A common.Address `json:"a"`
	B common.Address `json:"b"`
}

func (TrustlineClosed) Kind() Kind                                   { return KindTrustlineClosed }
func (p TrustlineClosed) Accounts() (common.Address, common.Address) { return p.A, p.B }

var (
	_ Payload = TrustlineOpened{}
	_ Payload = CreditLimitUpdated{}
	_ Payload = BalanceTransferred{}
	_ Payload = FeeUpdated{}
	_ Payload = TrustlineClosed{}
)

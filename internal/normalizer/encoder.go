package normalizer

import (
	"fmt"
	"math/big"

	"github.com/LeJamon/trustrelay/internal/core/events"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Encode builds the log a currency network contract would emit for ev. The
// log carries ev's identity, block hash and network address.
func (d *Decoder) Encode(ev events.Event) (types.Log, error) {
	var (
		name    string
		indexed []common.Address
		values  []interface{}
	)

	switch p := ev.Payload.(type) {
	case events.TrustlineOpened:
		if p.LimitAB < 0 || p.LimitBA < 0 || p.Fee.Flat < 0 {
			return types.Log{}, fmt.Errorf("encode %s: %w", p.Kind(), ErrAmountOutOfRange)
		}
		name = "TrustlineOpened"
		indexed = []common.Address{p.A, p.B}
		values = []interface{}{uint64(p.LimitAB), uint64(p.LimitBA), p.InterestAB, p.InterestBA, uint64(p.Fee.Flat), p.Fee.RatePPM}
	case events.CreditLimitUpdated:
		if p.Limit < 0 {
			return types.Log{}, fmt.Errorf("encode %s: %w", p.Kind(), ErrAmountOutOfRange)
		}
		name = "CreditlineUpdate"
		indexed = []common.Address{p.Creditor, p.Debtor}
		values = []interface{}{big.NewInt(p.Limit)}
	case events.BalanceTransferred:
		name = "BalanceTransfer"
		indexed = []common.Address{p.From, p.To}
		values = []interface{}{big.NewInt(p.Amount)}
	case events.FeeUpdated:
		if p.Fee.Flat < 0 {
			return types.Log{}, fmt.Errorf("encode %s: %w", p.Kind(), ErrAmountOutOfRange)
		}
		name = "FeeUpdate"
		indexed = []common.Address{p.From, p.To}
		values = []interface{}{uint64(p.Fee.Flat), p.Fee.RatePPM}
	case events.TrustlineClosed:
		name = "TrustlineClosed"
		indexed = []common.Address{p.A, p.B}
	default:
		return types.Log{}, fmt.Errorf("encode: %w: %T", ErrUnknownEvent, ev.Payload)
	}

	abiEvent := d.abi.Events[name]
	data, err := abiEvent.Inputs.NonIndexed().Pack(values...)
	if err != nil {
		return types.Log{}, fmt.Errorf("encode %s: %w", name, err)
	}

	topics := make([]common.Hash, 0, 1+len(indexed))
	topics = append(topics, abiEvent.ID)
	for _, a := range indexed {
		topics = append(topics, common.BytesToHash(a.Bytes()))
	}

	return types.Log{
		Address:     ev.Network,
		Topics:      topics,
		Data:        data,
		BlockNumber: ev.ID.Block,
		TxHash:      ev.TxHash,
		TxIndex:     ev.ID.TxIndex,
		BlockHash:   ev.BlockHash,
		Index:       ev.ID.LogIndex,
	}, nil
}

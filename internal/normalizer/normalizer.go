// Package normalizer turns raw ledger logs into typed events.
//
// Decoding is pure: the result depends only on the log, never on order or on
// previously seen logs. Logs that cannot be decoded produce a decode fault;
// callers log and skip them.
package normalizer

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/LeJamon/trustrelay/internal/core/events"
	"github.com/LeJamon/trustrelay/internal/core/trustline"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrUnknownEvent is returned for logs whose signature is not a known event.
	ErrUnknownEvent = errors.New("unknown event signature")

	// ErrMalformedEvent is returned for logs whose topics or data do not match the event.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrAmountOutOfRange is returned when a ledger amount does not fit the relay's amount type.
	ErrAmountOutOfRange = errors.New("amount out of range")

	// ErrRemovedLog is returned for logs the node flagged as removed by a reorg.
	ErrRemovedLog = errors.New("log was removed by a reorg")
)

// DecodeError carries the identity of the log that failed to decode.
type DecodeError struct {
	ID  events.ID
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode log %s: %v", e.ID, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsDecodeFault reports whether err is a decode fault.
func IsDecodeFault(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// Decoder decodes currency network logs.
type Decoder struct {
	abi abi.ABI
}

// NewDecoder parses the currency network ABI.
func NewDecoder() (*Decoder, error) {
	parsed, err := abi.JSON(strings.NewReader(CurrencyNetworkABI))
	if err != nil {
		return nil, fmt.Errorf("parse currency network abi: %w", err)
	}
	return &Decoder{abi: parsed}, nil
}

// MustDecoder is NewDecoder for package initialization and tests.
func MustDecoder() *Decoder {
	d, err := NewDecoder()
	if err != nil {
		panic(err)
	}
	return d
}

// Topics returns the signature topics of all known events, for log filters.
func (d *Decoder) Topics() []common.Hash {
	out := make([]common.Hash, 0, len(d.abi.Events))
	for _, name := range []string{"TrustlineOpened", "CreditlineUpdate", "BalanceTransfer", "FeeUpdate", "TrustlineClosed"} {
		out = append(out, d.abi.Events[name].ID)
	}
	return out
}

// Decode converts one log into an event.
func (d *Decoder) Decode(log types.Log) (events.Event, error) {
	id := events.ID{Block: log.BlockNumber, TxIndex: log.TxIndex, LogIndex: log.Index}
	payload, err := d.decodePayload(log)
	if err != nil {
		return events.Event{}, &DecodeError{ID: id, Err: err}
	}
	return events.Event{
		ID:        id,
		BlockHash: log.BlockHash,
		TxHash:    log.TxHash,
		Network:   log.Address,
		Payload:   payload,
	}, nil
}

// DecodeAll decodes logs, returning the events that decoded and the faults
// for the ones that did not.
func (d *Decoder) DecodeAll(logs []types.Log) ([]events.Event, []error) {
	out := make([]events.Event, 0, len(logs))
	var faults []error
	for _, l := range logs {
		ev, err := d.Decode(l)
		if err != nil {
			faults = append(faults, err)
			continue
		}
		out = append(out, ev)
	}
	return out, faults
}

func (d *Decoder) decodePayload(log types.Log) (events.Payload, error) {
	if log.Removed {
		return nil, ErrRemovedLog
	}
	if len(log.Topics) == 0 {
		return nil, fmt.Errorf("%w: no topics", ErrMalformedEvent)
	}
	ev, err := d.abi.EventByID(log.Topics[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, log.Topics[0].Hex())
	}

	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(log.Topics)-1 != len(indexed) {
		return nil, fmt.Errorf("%w: %s expects %d indexed topics, got %d", ErrMalformedEvent, ev.Name, len(indexed), len(log.Topics)-1)
	}

	fields := make(map[string]interface{})
	if err := abi.ParseTopicsIntoMap(fields, indexed, log.Topics[1:]); err != nil {
		return nil, fmt.Errorf("%w: %s topics: %v", ErrMalformedEvent, ev.Name, err)
	}
	if err := d.abi.UnpackIntoMap(fields, ev.Name, log.Data); err != nil {
		return nil, fmt.Errorf("%w: %s data: %v", ErrMalformedEvent, ev.Name, err)
	}
	f := fieldReader{event: ev.Name, fields: fields}

	var payload events.Payload
	switch ev.Name {
	case "TrustlineOpened":
		payload = events.TrustlineOpened{
			A:          f.address("_a"),
			B:          f.address("_b"),
			LimitAB:    f.uint64Amount("_limitAB"),
			LimitBA:    f.uint64Amount("_limitBA"),
			InterestAB: f.int16("_interestAB"),
			InterestBA: f.int16("_interestBA"),
			Fee: trustline.FeePolicy{
				Flat:    f.uint64Amount("_feeFlat"),
				RatePPM: f.uint32("_feeRatePPM"),
			},
		}
	case "CreditlineUpdate":
		payload = events.CreditLimitUpdated{
			Creditor: f.address("_creditor"),
			Debtor:   f.address("_debtor"),
			Limit:    f.bigAmount("_value", false),
		}
	case "BalanceTransfer":
		payload = events.BalanceTransferred{
			From:   f.address("_from"),
			To:     f.address("_to"),
			Amount: f.bigAmount("_value", true),
		}
	case "FeeUpdate":
		payload = events.FeeUpdated{
			From: f.address("_from"),
			To:   f.address("_to"),
			Fee: trustline.FeePolicy{
				Flat:    f.uint64Amount("_feeFlat"),
				RatePPM: f.uint32("_feeRatePPM"),
			},
		}
	case "TrustlineClosed":
		payload = events.TrustlineClosed{A: f.address("_a"), B: f.address("_b")}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, ev.Name)
	}
	if f.err != nil {
		return nil, f.err
	}

	a, b := payload.Accounts()
	if a == b {
		return nil, fmt.Errorf("%w: %s", trustline.ErrSelfTrustline, ev.Name)
	}
	return payload, nil
}

// fieldReader extracts typed values from an unpacked event, remembering the
// first failure.
type fieldReader struct {
	event  string
	fields map[string]interface{}
	err    error
}

func (f *fieldReader) fail(err error) {
	if f.err == nil {
		f.err = err
	}
}

func (f *fieldReader) address(name string) common.Address {
	v, ok := f.fields[name].(common.Address)
	if !ok {
		f.fail(fmt.Errorf("%w: %s.%s is not an address", ErrMalformedEvent, f.event, name))
	}
	return v
}

func (f *fieldReader) uint64Amount(name string) int64 {
	v, ok := f.fields[name].(uint64)
	if !ok {
		f.fail(fmt.Errorf("%w: %s.%s is not uint64", ErrMalformedEvent, f.event, name))
		return 0
	}
	if v > math.MaxInt64 {
		f.fail(fmt.Errorf("%w: %s.%s=%d", ErrAmountOutOfRange, f.event, name, v))
		return 0
	}
	return int64(v)
}

func (f *fieldReader) uint32(name string) uint32 {
	v, ok := f.fields[name].(uint32)
	if !ok {
		f.fail(fmt.Errorf("%w: %s.%s is not uint32", ErrMalformedEvent, f.event, name))
	}
	return v
}

func (f *fieldReader) int16(name string) int16 {
	v, ok := f.fields[name].(int16)
	if !ok {
		f.fail(fmt.Errorf("%w: %s.%s is not int16", ErrMalformedEvent, f.event, name))
	}
	return v
}

func (f *fieldReader) bigAmount(name string, signed bool) int64 {
	v, ok := f.fields[name].(*big.Int)
	if !ok || v == nil {
		f.fail(fmt.Errorf("%w: %s.%s is not an integer", ErrMalformedEvent, f.event, name))
		return 0
	}
	if !v.IsInt64() || (!signed && v.Sign() < 0) {
		f.fail(fmt.Errorf("%w: %s.%s=%s", ErrAmountOutOfRange, f.event, name, v))
		return 0
	}
	return v.Int64()
}

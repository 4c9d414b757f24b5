package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/LeJamon/trustrelay/internal/core/events"
	"github.com/LeJamon/trustrelay/internal/ledger"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultEventLimit bounds an event query that sets no limit.
const DefaultEventLimit = 1000

// ErrInvalidEventQuery is returned for event queries that cannot be run.
var ErrInvalidEventQuery = errors.New("invalid event query")

// EventQuery selects past ledger events. History is read from the ledger,
// so it is served for faulted networks too.
type EventQuery struct {
	// Account keeps the events touching it. The zero address keeps all.
	Account common.Address
	// Kind keeps the events of one kind. KindUnknown keeps all.
	Kind events.Kind
	// FromBlock is the first block searched. Blocks before the network's
	// start block are never searched.
	FromBlock uint64
	// Limit bounds the number of events. Zero means DefaultEventLimit.
	Limit int
}

func (q EventQuery) matches(ev events.Event) bool {
	if q.Kind != events.KindUnknown && ev.Kind() != q.Kind {
		return false
	}
	if q.Account == (common.Address{}) {
		return true
	}
	a, b := ev.Accounts()
	return a == q.Account || b == q.Account
}

func (q EventQuery) limit() (int, error) {
	switch {
	case q.Limit < 0:
		return 0, fmt.Errorf("%w: limit %d", ErrInvalidEventQuery, q.Limit)
	case q.Limit == 0:
		return DefaultEventLimit, nil
	default:
		return q.Limit, nil
	}
}

// EventRecord is a ledger event and whether it was final when queried.
type EventRecord struct {
	events.Event
	Confirmed bool
}

// EventPage holds the events found up to Head in ledger order. Truncated is
// set when more matching events exist past the last one.
type EventPage struct {
	Events    []EventRecord
	Head      ledger.BlockRef
	Truncated bool
}

// Events reads the events of the network matching q from the ledger.
func (e *Engine) Events(ctx context.Context, q EventQuery) (EventPage, error) {
	limit, err := q.limit()
	if err != nil {
		return EventPage{}, err
	}
	var head ledger.BlockRef
	err = e.retry(ctx, "current_head", func(ctx context.Context) error {
		var err error
		head, err = e.client.CurrentHead(ctx)
		return err
	})
	if err != nil {
		return EventPage{}, err
	}

	page := EventPage{Head: head}
	start := max(q.FromBlock, e.cfg.Sync.StartBlock)
	for start <= head.Number {
		end := min(head.Number, start+e.cfg.Sync.MaxBatchBlocks-1)
		evs, err := e.fetchEvents(ctx, start, end)
		if err != nil {
			return EventPage{}, err
		}
		for _, ev := range evs {
			if !q.matches(ev) {
				continue
			}
			if len(page.Events) == limit {
				page.Truncated = true
				return page, nil
			}
			page.Events = append(page.Events, EventRecord{
				Event:     ev,
				Confirmed: ev.ID.Block+e.cfg.Sync.FinalityDepth <= head.Number,
			})
		}
		if end == head.Number {
			break
		}
		start = end + 1
	}
	return page, nil
}

// fetchEvents returns the decodable events of from..to in ledger order.
func (e *Engine) fetchEvents(ctx context.Context, from, to uint64) ([]events.Event, error) {
	var evs []events.Event
	err := e.retry(ctx, "fetch_events", func(ctx context.Context) error {
		logs, err := e.client.FetchEvents(ctx, from, to)
		if err != nil {
			return err
		}
		var faults []error
		evs, faults = e.decoder.DecodeAll(logs)
		for _, f := range faults {
			e.logger.Debug("skipping undecodable log", zap.Error(f))
		}
		return nil
	})
	sort.SliceStable(evs, func(i, j int) bool { return evs[i].ID.Less(evs[j].ID) })
	return evs, err
}

// retry runs fn, retrying transient ledger faults on the sync backoff
// schedule until ctx is done.
func (e *Engine) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	return ledger.Retry(ctx, e.cfg.Sync.Backoff, fn, func(err error, wait time.Duration) {
		e.logger.Warn("transient ledger fault, retrying",
			zap.String("op", op),
			zap.Error(err),
			zap.Duration("backoff", wait))
	})
}

// NetworkEvents returns the past events of network matching q.
func (r *Relay) NetworkEvents(ctx context.Context, network common.Address, q EventQuery) (EventPage, error) {
	e, err := r.Engine(network)
	if err != nil {
		return EventPage{}, err
	}
	return e.Events(ctx, q)
}

// UserEvents returns the past events touching user in every network, in
// ledger order. Head is the highest head seen.
func (r *Relay) UserEvents(ctx context.Context, user common.Address, q EventQuery) (EventPage, error) {
	q.Account = user
	limit, err := q.limit()
	if err != nil {
		return EventPage{}, err
	}

	pages := make([]EventPage, len(r.networks))
	g, gctx := errgroup.WithContext(ctx)
	for i, n := range r.networks {
		e := r.engines[n]
		g.Go(func() error {
			page, err := e.Events(gctx, q)
			if err != nil {
				return fmt.Errorf("network %s: %w", e.Network().Hex(), err)
			}
			pages[i] = page
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return EventPage{}, err
	}

	var (
		out EventPage
		cut *events.ID
	)
	for _, p := range pages {
		if p.Head.Number > out.Head.Number {
			out.Head = p.Head
		}
		out.Events = append(out.Events, p.Events...)
		// a truncated network has no events past its last one; cut the
		// others there so the result has no gap
		if p.Truncated {
			last := p.Events[len(p.Events)-1].ID
			if cut == nil || last.Less(*cut) {
				cut = &last
			}
		}
	}
	sort.SliceStable(out.Events, func(i, j int) bool {
		a, b := out.Events[i], out.Events[j]
		if c := a.ID.Compare(b.ID); c != 0 {
			return c < 0
		}
		return bytes.Compare(a.Network[:], b.Network[:]) < 0
	})
	if cut != nil {
		n := sort.Search(len(out.Events), func(i int) bool { return cut.Less(out.Events[i].ID) })
		out.Events = out.Events[:n]
		out.Truncated = true
	}
	if len(out.Events) > limit {
		out.Events = out.Events[:limit]
		out.Truncated = true
	}
	return out, nil
}

// Package ledgersync is the reorg-aware ledger cursor. It pulls event logs
// from a ledger client, applies them to the trust graph in ledger order, keeps
// the changes of unconfirmed blocks so they can be undone, and rolls the
// graph back when the ledger abandons blocks it already applied.
package ledgersync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/LeJamon/trustrelay/internal/applier"
	"github.com/LeJamon/trustrelay/internal/core/events"
	"github.com/LeJamon/trustrelay/internal/core/graph"
	"github.com/LeJamon/trustrelay/internal/ledger"
	"github.com/LeJamon/trustrelay/internal/normalizer"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

var (
	// ErrDeepReorg is returned when the ledger abandoned a block older than
	// the unconfirmed buffer. The graph can no longer be rolled back and must
	// be rebuilt from a checkpoint or from the start block.
	ErrDeepReorg = errors.New("reorg deeper than the unconfirmed block buffer")

	// ErrFaulted is returned by Step once the syncer has stopped on a fatal fault.
	ErrFaulted = errors.New("syncer faulted, resynchronization required")

	errChainMoved = errors.New("chain moved while fetching")
)

// Config controls the cursor.
type Config struct {
	// FinalityDepth is how many blocks below the head a block must be before
	// it is treated as final. It is also the capacity of the rollback buffer.
	FinalityDepth uint64
	// MaxBatchBlocks bounds a single fetch.
	MaxBatchBlocks uint64
	// PollInterval is the wait between polls once live.
	PollInterval time.Duration
	// StartBlock is the first block to process.
	StartBlock uint64
	Backoff    ledger.Backoff
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		FinalityDepth:  12,
		MaxBatchBlocks: 1000,
		PollInterval:   2 * time.Second,
		StartBlock:     1,
		Backoff:        ledger.DefaultBackoff(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.FinalityDepth == 0 {
		return errors.New("finality depth must be at least 1")
	}
	if c.MaxBatchBlocks == 0 {
		return errors.New("max batch blocks must be at least 1")
	}
	if c.StartBlock == 0 {
		return errors.New("start block must be at least 1")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	return nil
}

// Syncer drives one network's graph from its ledger.
type Syncer struct {
	cfg      Config
	client   ledger.Client
	decoder  *normalizer.Decoder
	applier  *applier.Applier
	store    *graph.Store
	observer Observer
	recorder Recorder
	logger   *zap.Logger

	// writer serializes Step, Reset and ConfirmedState
	writer      sync.Mutex
	initialized bool
	buffer      *ring[blockRecord]

	statusMu  sync.RWMutex
	state     State
	head      ledger.BlockRef
	processed ledger.BlockRef
	confirmed ledger.BlockRef
	fault     error
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithObserver sets the commit observer.
func WithObserver(o Observer) Option {
	return func(s *Syncer) {
		s.observer = o
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Syncer) {
		s.recorder = r
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Syncer) {
		s.logger = l
	}
}

// New creates a syncer that has processed nothing yet.
func New(cfg Config, client ledger.Client, decoder *normalizer.Decoder, ap *applier.Applier, store *graph.Store, opts ...Option) (*Syncer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sync config: %w", err)
	}
	s := &Syncer{
		cfg:      cfg,
		client:   client,
		decoder:  decoder,
		applier:  ap,
		store:    store,
		observer: ObserverFunc(func(Batch) {}),
		recorder: nopRecorder{},
		logger:   zap.NewNop(),
		buffer:   newRing[blockRecord](int(cfg.FinalityDepth)),
		state:    CatchingUp,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Status returns the cursor's current position.
func (s *Syncer) Status() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st := Status{
		State:     s.state,
		StateName: s.state.String(),
		Head:      s.head,
		Processed: s.processed,
		Confirmed: s.confirmed,
		Buffered:  int(s.processed.Number - s.confirmed.Number),
	}
	if s.fault != nil {
		st.Fault = s.fault.Error()
	}
	return st
}

// Fault returns the fatal fault that stopped the syncer, if any.
func (s *Syncer) Fault() error {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.fault
}

func (s *Syncer) setState(st State) {
	s.statusMu.Lock()
	prev := s.state
	s.state = st
	s.statusMu.Unlock()
	if prev != st {
		s.logger.Info("sync state changed", zap.Stringer("from", prev), zap.Stringer("to", st))
		s.recorder.SetState(st)
	}
}

func (s *Syncer) setPosition(processed, confirmed ledger.BlockRef) {
	s.statusMu.Lock()
	s.processed = processed
	s.confirmed = confirmed
	head := s.head
	s.statusMu.Unlock()
	s.recorder.SetHeights(head.Number, processed.Number, confirmed.Number)
}

func (s *Syncer) setHead(head ledger.BlockRef) {
	s.statusMu.Lock()
	s.head = head
	s.statusMu.Unlock()
}

func (s *Syncer) position() (processed, confirmed ledger.BlockRef) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.processed, s.confirmed
}

func (s *Syncer) setFault(err error) {
	s.statusMu.Lock()
	s.fault = err
	s.statusMu.Unlock()
	s.setState(Faulted)
	s.logger.Error("synchronization stopped", zap.Error(err))
}

// Reset discards all state and restarts from a trusted checkpoint: snap is
// the graph as of the confirmed block at. A nil snap means an empty graph.
func (s *Syncer) Reset(at ledger.BlockRef, snap *graph.Snapshot) {
	s.writer.Lock()
	defer s.writer.Unlock()

	if snap == nil {
		snap = graph.NewStore().Snapshot()
	}
	published := s.store.Replace(snap)
	s.buffer.Reset()
	s.initialized = true
	s.statusMu.Lock()
	s.fault = nil
	s.statusMu.Unlock()
	s.setPosition(at, at)
	s.setState(CatchingUp)
	s.observer.OnCommit(Batch{Snapshot: published, Block: at})
}

// ConfirmedState returns the graph as of the last confirmed block, with the
// changes of all unconfirmed blocks undone. The live graph is not affected.
func (s *Syncer) ConfirmedState() (ledger.BlockRef, *graph.Snapshot, error) {
	s.writer.Lock()
	defer s.writer.Unlock()

	txn := s.store.Snapshot().Fork()
	for i := s.buffer.Len() - 1; i >= 0; i-- {
		if err := s.applier.RevertAll(txn, s.buffer.At(i).changes); err != nil {
			return ledger.BlockRef{}, nil, err
		}
	}
	_, confirmed := s.position()
	return confirmed, txn.View(), nil
}

// Run polls until ctx is done or a fatal fault occurs. Transient faults are
// retried with backoff.
func (s *Syncer) Run(ctx context.Context) error {
	backoff := s.cfg.Backoff
	for {
		progressed, err := s.Step(ctx)

		var wait time.Duration
		switch {
		case err == nil:
			backoff.Reset()
			if progressed && s.Status().State == CatchingUp {
				continue
			}
			wait = s.cfg.PollInterval
		case ctx.Err() != nil:
			return ctx.Err()
		case ledger.IsTransient(err) || errors.Is(err, errChainMoved):
			next, ok := backoff.Next()
			if !ok {
				s.setFault(fmt.Errorf("giving up after %d retries: %w", backoff.Attempts(), err))
				return err
			}
			s.recorder.Retry()
			s.logger.Warn("transient ledger fault, retrying",
				zap.Error(err),
				zap.Duration("backoff", next),
				zap.Int("attempt", backoff.Attempts()))
			wait = next
		default:
			if s.Fault() == nil {
				s.setFault(err)
			}
			return err
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Step performs one poll: it checks the applied tip is still canonical,
// handles a reorg if it is not, and otherwise fetches and applies the next
// range. It reports whether any block was processed.
func (s *Syncer) Step(ctx context.Context) (bool, error) {
	s.writer.Lock()
	defer s.writer.Unlock()

	if s.Status().State == Faulted {
		return false, ErrFaulted
	}

	if !s.initialized {
		base, err := s.client.BlockRef(ctx, s.cfg.StartBlock-1)
		if err != nil {
			return false, err
		}
		s.initialized = true
		s.setPosition(base, base)
	}

	head, err := s.client.CurrentHead(ctx)
	if err != nil {
		return false, err
	}
	s.setHead(head)

	processed, _ := s.position()
	canonical, err := s.client.IsCanonical(ctx, processed.Hash)
	if err != nil {
		return false, err
	}
	if !canonical {
		return s.reorg(ctx, head)
	}

	if head.Number <= processed.Number {
		s.setState(Live)
		return false, nil
	}

	to := min(head.Number, processed.Number+s.cfg.MaxBatchBlocks)
	blocks, end, err := s.fetch(ctx, processed.Number+1, to, head)
	if err != nil {
		return false, err
	}

	for _, b := range blocks {
		txnChanges := s.applyBlock(b)
		s.record(blockRecord{ref: b.ref, changes: txnChanges}, head)
	}
	s.record(blockRecord{ref: end}, head)

	if to == head.Number {
		s.setState(Live)
	} else {
		s.setState(CatchingUp)
	}
	return true, nil
}

// fetchedBlock is one block's decoded events.
type fetchedBlock struct {
	ref    ledger.BlockRef
	events []events.Event
}

// fetch loads and decodes from..to. The range end is resolved before the
// logs and must still be canonical afterwards, so every block of the range,
// including blocks without logs, was read from one chain. Blocks that are
// not yet final must also still be canonical, otherwise the caller retries.
func (s *Syncer) fetch(ctx context.Context, from, to uint64, head ledger.BlockRef) ([]fetchedBlock, ledger.BlockRef, error) {
	end, err := s.client.BlockRef(ctx, to)
	if err != nil {
		return nil, ledger.BlockRef{}, err
	}
	logs, err := s.client.FetchEvents(ctx, from, to)
	if err != nil {
		return nil, ledger.BlockRef{}, err
	}
	ok, err := s.client.IsCanonical(ctx, end.Hash)
	if err != nil {
		return nil, ledger.BlockRef{}, err
	}
	if !ok {
		return nil, ledger.BlockRef{}, fmt.Errorf("%w: range end %s was replaced", errChainMoved, end)
	}

	sort.SliceStable(logs, func(i, j int) bool { return logID(logs[i]).Less(logID(logs[j])) })

	var blocks []fetchedBlock
	checked := make(map[common.Hash]bool)
	for _, l := range logs {
		if l.BlockNumber < from || l.BlockNumber > to {
			s.logger.Warn("ignoring log outside requested range",
				zap.Uint64("block", l.BlockNumber), zap.Uint64("from", from), zap.Uint64("to", to))
			continue
		}
		if n := len(blocks); n == 0 || blocks[n-1].ref.Number != l.BlockNumber {
			blocks = append(blocks, fetchedBlock{ref: ledger.BlockRef{Number: l.BlockNumber, Hash: l.BlockHash}})
		} else if blocks[n-1].ref.Hash != l.BlockHash {
			return nil, ledger.BlockRef{}, fmt.Errorf("%w: block %d has logs from two forks", errChainMoved, l.BlockNumber)
		}

		if !s.final(l.BlockNumber, head) && !checked[l.BlockHash] {
			if l.BlockNumber == end.Number {
				checked[l.BlockHash] = l.BlockHash == end.Hash
			} else {
				ok, err := s.client.IsCanonical(ctx, l.BlockHash)
				if err != nil {
					return nil, ledger.BlockRef{}, err
				}
				checked[l.BlockHash] = ok
			}
			if !checked[l.BlockHash] {
				return nil, ledger.BlockRef{}, fmt.Errorf("%w: block %d", errChainMoved, l.BlockNumber)
			}
		}

		ev, err := s.decoder.Decode(l)
		if err != nil {
			s.recorder.DecodeFault()
			s.logger.Warn("skipping undecodable log", zap.Error(err))
			continue
		}
		last := &blocks[len(blocks)-1]
		last.events = append(last.events, ev)
	}
	return blocks, end, nil
}

func logID(l types.Log) events.ID {
	return events.ID{Block: l.BlockNumber, TxIndex: l.TxIndex, LogIndex: l.Index}
}

// applyBlock applies b's events one by one, committing after each so
// readers are never held up for a whole block.
func (s *Syncer) applyBlock(b fetchedBlock) []applier.Change {
	var changes []applier.Change
	for _, ev := range b.events {
		txn := s.store.Begin()
		change, ok := s.applyEvent(txn, ev)
		if !ok {
			txn.Rollback()
			continue
		}
		snap, err := txn.Commit()
		if err != nil {
			s.logger.Error("commit failed", zap.Error(err))
			continue
		}
		changes = append(changes, change)
		s.observer.OnCommit(Batch{Applied: []applier.Change{change}, Snapshot: snap, Block: b.ref})
	}
	return changes
}

func (s *Syncer) applyEvent(txn *graph.Txn, ev events.Event) (applier.Change, bool) {
	change, err := s.applier.Apply(txn, ev)
	if err != nil {
		s.recorder.InconsistencyFault(ev.Kind().String())
		s.logger.Warn("rejected inconsistent event", zap.Stringer("event", ev), zap.Error(err))
		return applier.Change{}, false
	}
	s.recorder.EventApplied(ev.Kind().String())
	return change, true
}

func (s *Syncer) final(number uint64, head ledger.BlockRef) bool {
	return number+s.cfg.FinalityDepth <= head.Number
}

// record advances the processed position to rec and buffers it unless it is
// already final. Buffered blocks that became final are released.
func (s *Syncer) record(rec blockRecord, head ledger.BlockRef) {
	processed, confirmed := s.position()
	if rec.ref.Number < processed.Number {
		return
	}
	if rec.ref.Number == processed.Number {
		// the range end can coincide with the last event block
		if newest, ok := s.buffer.Newest(); ok && newest.ref.Number == rec.ref.Number {
			return
		}
		if rec.ref.Number == confirmed.Number {
			return
		}
	}
	processed = rec.ref

	for s.buffer.Len() > 0 && s.final(s.buffer.At(0).ref.Number, head) {
		oldest, _ := s.buffer.PopOldest()
		confirmed = oldest.ref
	}
	if s.final(rec.ref.Number, head) {
		confirmed = rec.ref
	} else if !s.buffer.Push(rec) {
		// only reachable if head moved backwards; the oldest block is the
		// one closest to finality
		oldest, _ := s.buffer.PopOldest()
		confirmed = oldest.ref
		s.buffer.Push(rec)
	}
	s.setPosition(processed, confirmed)
}

// reorg rolls back every buffered block that is no longer canonical and
// applies the replacement chain, all in one transaction.
func (s *Syncer) reorg(ctx context.Context, head ledger.BlockRef) (bool, error) {
	s.setState(Reorging)
	processed, confirmed := s.position()

	keep := s.buffer.Len()
	for keep > 0 {
		ok, err := s.client.IsCanonical(ctx, s.buffer.At(keep-1).ref.Hash)
		if err != nil {
			return false, err
		}
		if ok {
			break
		}
		keep--
	}

	ancestor := confirmed
	if keep > 0 {
		ancestor = s.buffer.At(keep - 1).ref
	} else {
		ok, err := s.client.IsCanonical(ctx, confirmed.Hash)
		if err != nil {
			return false, err
		}
		if !ok {
			err := fmt.Errorf("%w: confirmed block %s is no longer canonical", ErrDeepReorg, confirmed)
			s.setFault(err)
			return false, err
		}
	}

	var (
		blocks []fetchedBlock
		end    = ancestor
	)
	if head.Number > ancestor.Number {
		to := min(head.Number, ancestor.Number+s.cfg.MaxBatchBlocks)
		var err error
		if blocks, end, err = s.fetch(ctx, ancestor.Number+1, to, head); err != nil {
			return false, err
		}
	}

	depth := processed.Number - ancestor.Number
	s.logger.Warn("reorg detected",
		zap.Stringer("ancestor", ancestor),
		zap.Stringer("abandoned_tip", processed),
		zap.Stringer("new_head", head),
		zap.Uint64("depth", depth))

	txn := s.store.Begin()
	var reverted []applier.Change
	for i := s.buffer.Len() - 1; i >= keep; i-- {
		changes := s.buffer.At(i).changes
		if err := s.applier.RevertAll(txn, changes); err != nil {
			txn.Rollback()
			s.setFault(err)
			return false, err
		}
		for j := len(changes) - 1; j >= 0; j-- {
			reverted = append(reverted, changes[j])
		}
	}

	var applied []applier.Change
	records := make([]blockRecord, 0, len(blocks)+1)
	for _, b := range blocks {
		var changes []applier.Change
		for _, ev := range b.events {
			if change, ok := s.applyEvent(txn, ev); ok {
				changes = append(changes, change)
			}
		}
		applied = append(applied, changes...)
		records = append(records, blockRecord{ref: b.ref, changes: changes})
	}
	snap, err := txn.Commit()
	if err != nil {
		return false, err
	}

	s.buffer.Truncate(keep)
	s.setPosition(ancestor, confirmed)
	for _, rec := range records {
		s.record(rec, head)
	}
	s.record(blockRecord{ref: end}, head)

	s.recorder.Reorg(depth)
	s.observer.OnCommit(Batch{Reverted: reverted, Applied: applied, Snapshot: snap, Block: end})

	if end.Number == head.Number {
		s.setState(Live)
	} else {
		s.setState(CatchingUp)
	}
	return true, nil
}

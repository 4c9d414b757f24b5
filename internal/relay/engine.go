package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LeJamon/trustrelay/internal/applier"
	"github.com/LeJamon/trustrelay/internal/core/graph"
	"github.com/LeJamon/trustrelay/internal/ledger"
	"github.com/LeJamon/trustrelay/internal/ledgersync"
	"github.com/LeJamon/trustrelay/internal/metrics"
	"github.com/LeJamon/trustrelay/internal/normalizer"
	"github.com/LeJamon/trustrelay/internal/notify"
	"github.com/LeJamon/trustrelay/internal/pathfind"
	"github.com/LeJamon/trustrelay/internal/storage/snapshot"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// EngineConfig configures the pipeline of one currency network.
type EngineConfig struct {
	Network    common.Address
	Sync       ledgersync.Config
	Strictness applier.Strictness
	Pathfind   pathfind.Config
	// NotifyBuffer is the per-subscriber notification buffer.
	NotifyBuffer int
	// CheckpointInterval is how often the confirmed graph is stored. Zero
	// disables periodic checkpoints.
	CheckpointInterval time.Duration
	// CheckpointKeep is how many checkpoints survive pruning. Zero keeps all.
	CheckpointKeep int
}

// Engine runs the sync pipeline of one network and answers queries on its
// graph.
type Engine struct {
	cfg         EngineConfig
	client      ledger.Client
	store       *graph.Store
	decoder     *normalizer.Decoder
	applier     *applier.Applier
	syncer      *ledgersync.Syncer
	finder      *pathfind.Finder
	notifier    *notify.Notifier
	checkpoints snapshot.Store
	recorder    *metrics.Recorder
	logger      *zap.Logger

	resync chan struct{}

	mu             sync.Mutex
	lastCheckpoint ledger.BlockRef
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithCheckpoints stores checkpoints in s and restores from it on start.
// The engine does not close s.
func WithCheckpoints(s snapshot.Store) EngineOption {
	return func(e *Engine) {
		e.checkpoints = s
	}
}

// WithMetrics records the engine's measurements under its network label.
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) {
		if m != nil {
			e.recorder = m.Network(e.cfg.Network)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// NewEngine wires the pipeline of one network on top of client.
func NewEngine(cfg EngineConfig, client ledger.Client, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		cfg:    cfg,
		client: client,
		store:  graph.NewStore(),
		logger: zap.NewNop(),
		resync: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.Stringer("network", cfg.Network))

	var err error
	if e.decoder, err = normalizer.NewDecoder(); err != nil {
		return nil, err
	}
	e.applier = applier.New(
		applier.WithStrictness(cfg.Strictness),
		applier.WithLogger(e.logger.Named("applier")))

	notifyOpts := []notify.Option{notify.WithBuffer(cfg.NotifyBuffer)}
	finderOpts := []pathfind.Option{pathfind.WithLogger(e.logger.Named("pathfind"))}
	syncOpts := []ledgersync.Option{
		ledgersync.WithObserver(ledgersync.ObserverFunc(e.onCommit)),
		ledgersync.WithLogger(e.logger.Named("sync")),
	}
	if e.recorder != nil {
		notifyOpts = append(notifyOpts, notify.WithRecorder(e.recorder))
		finderOpts = append(finderOpts, pathfind.WithRecorder(e.recorder))
		syncOpts = append(syncOpts, ledgersync.WithRecorder(e.recorder))
	}
	e.notifier = notify.New(notifyOpts...)

	if e.finder, err = pathfind.New(cfg.Pathfind, finderOpts...); err != nil {
		return nil, fmt.Errorf("network %s: %w", cfg.Network, err)
	}
	if e.syncer, err = ledgersync.New(cfg.Sync, client, e.decoder, e.applier, e.store, syncOpts...); err != nil {
		return nil, fmt.Errorf("network %s: %w", cfg.Network, err)
	}
	return e, nil
}

// Network returns the network address.
func (e *Engine) Network() common.Address {
	return e.cfg.Network
}

// Syncer returns the engine's cursor.
func (e *Engine) Syncer() *ledgersync.Syncer {
	return e.syncer
}

// Snapshot returns the current graph.
func (e *Engine) Snapshot() *graph.Snapshot {
	return e.store.Snapshot()
}

// onCommit turns a committed batch into notifications: the changes a reorg
// undid first, in undo order, then the applied ones.
func (e *Engine) onCommit(b ledgersync.Batch) {
	version := b.Snapshot.Version()
	for _, c := range b.Reverted {
		e.notifier.Publish(notify.FromChange(e.cfg.Network, c, true, version))
	}
	for _, c := range b.Applied {
		e.notifier.Publish(notify.FromChange(e.cfg.Network, c, false, version))
	}
}

// snapshot returns the graph for a query, or ErrResyncRequired when the
// graph can no longer be trusted.
func (e *Engine) snapshot() (*graph.Snapshot, error) {
	if err := e.syncer.Fault(); err != nil {
		return nil, fmt.Errorf("%w: network %s: %v", ErrResyncRequired, e.cfg.Network.Hex(), err)
	}
	return e.store.Snapshot(), nil
}

// FindPath searches payment paths on the current graph.
func (e *Engine) FindPath(ctx context.Context, q pathfind.Query) (pathfind.Result, error) {
	snap, err := e.snapshot()
	if err != nil {
		return pathfind.Result{}, err
	}
	return e.finder.Find(ctx, snap, q)
}

// Capacity returns what from may still pay to over their direct trustline,
// zero without one.
func (e *Engine) Capacity(from, to common.Address) (int64, error) {
	snap, err := e.snapshot()
	if err != nil {
		return 0, err
	}
	return snap.Capacity(from, to), nil
}

// Edge returns the directed edge from→to.
func (e *Engine) Edge(from, to common.Address) (graph.EdgeView, bool, error) {
	snap, err := e.snapshot()
	if err != nil {
		return graph.EdgeView{}, false, err
	}
	edge, ok := snap.GetEdge(from, to)
	return edge, ok, nil
}

// AccountSummary aggregates all trustlines of a.
func (e *Engine) AccountSummary(a common.Address) (graph.Summary, error) {
	snap, err := e.snapshot()
	if err != nil {
		return graph.Summary{}, err
	}
	return snap.AccountSummary(a), nil
}

// PairSummary describes the trustline between a and b from a's side.
func (e *Engine) PairSummary(a, b common.Address) (graph.Summary, bool, error) {
	snap, err := e.snapshot()
	if err != nil {
		return graph.Summary{}, false, err
	}
	s, ok := snap.PairSummary(a, b)
	return s, ok, nil
}

// Subscribe streams change notifications matching f.
func (e *Engine) Subscribe(f notify.Filter) *notify.Subscription {
	return e.notifier.Subscribe(f)
}

// EngineStatus describes one network.
type EngineStatus struct {
	Network        common.Address    `json:"network"`
	Sync           ledgersync.Status `json:"sync"`
	Trustlines     int               `json:"trustlines"`
	GraphVersion   uint64            `json:"graph_version"`
	Subscribers    int               `json:"subscribers"`
	LastCheckpoint uint64            `json:"last_checkpoint"`
}

// Status returns the network's current status.
func (e *Engine) Status() EngineStatus {
	snap := e.store.Snapshot()
	e.mu.Lock()
	last := e.lastCheckpoint.Number
	e.mu.Unlock()
	return EngineStatus{
		Network:        e.cfg.Network,
		Sync:           e.syncer.Status(),
		Trustlines:     snap.Len(),
		GraphVersion:   snap.Version(),
		Subscribers:    e.notifier.Len(),
		LastCheckpoint: last,
	}
}

// Restore seeds the engine from the newest stored checkpoint. It reports
// whether one was found.
func (e *Engine) Restore(ctx context.Context) (bool, error) {
	if e.checkpoints == nil {
		return false, nil
	}
	ckpt, err := e.checkpoints.Latest(ctx, e.cfg.Network)
	if errors.Is(err, snapshot.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load checkpoint: %w", err)
	}
	g, err := ckpt.Graph()
	if err != nil {
		return false, fmt.Errorf("checkpoint %d: %w", ckpt.Block, err)
	}
	e.syncer.Reset(ckpt.Ref(), g)
	e.finder.Purge()
	e.mu.Lock()
	e.lastCheckpoint = ckpt.Ref()
	e.mu.Unlock()
	e.logger.Info("restored from checkpoint",
		zap.Uint64("block", ckpt.Block),
		zap.Int("trustlines", g.Len()))
	return true, nil
}

// Resync discards the graph and restarts synchronization from the newest
// checkpoint, or from the configured start block without one. A run loop
// stopped by a fault resumes.
func (e *Engine) Resync(ctx context.Context) error {
	restored, err := e.Restore(ctx)
	if err != nil {
		return err
	}
	if !restored {
		start := e.cfg.Sync.StartBlock - 1
		var ref ledger.BlockRef
		err := e.retry(ctx, "block_ref", func(ctx context.Context) error {
			var err error
			ref, err = e.client.BlockRef(ctx, start)
			return err
		})
		if err != nil {
			return fmt.Errorf("resync from block %d: %w", start, err)
		}
		e.syncer.Reset(ref, nil)
		e.finder.Purge()
		e.logger.Info("resynchronizing from start block", zap.Uint64("block", e.cfg.Sync.StartBlock))
	}
	select {
	case e.resync <- struct{}{}:
	default:
	}
	return nil
}

// Checkpoint stores the confirmed graph if it moved since the last
// checkpoint. It reports whether a checkpoint was written.
func (e *Engine) Checkpoint(ctx context.Context) (bool, error) {
	if e.checkpoints == nil || e.syncer.Fault() != nil {
		return false, nil
	}
	start := time.Now()
	ref, g, err := e.syncer.ConfirmedState()
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	unchanged := ref == e.lastCheckpoint || ref.Hash == (common.Hash{})
	e.mu.Unlock()
	if unchanged {
		return false, nil
	}

	if err := e.checkpoints.Save(ctx, snapshot.New(e.cfg.Network, ref, g)); err != nil {
		if e.recorder != nil {
			e.recorder.CheckpointFailed()
		}
		return false, fmt.Errorf("save checkpoint %d: %w", ref.Number, err)
	}
	e.mu.Lock()
	e.lastCheckpoint = ref
	e.mu.Unlock()
	if e.recorder != nil {
		e.recorder.CheckpointWritten(time.Since(start))
	}
	e.logger.Debug("checkpoint written", zap.Uint64("block", ref.Number), zap.Int("trustlines", g.Len()))

	if e.cfg.CheckpointKeep > 0 {
		removed, err := e.checkpoints.Prune(ctx, e.cfg.Network, e.cfg.CheckpointKeep)
		if err != nil {
			return true, fmt.Errorf("prune checkpoints: %w", err)
		}
		if removed > 0 {
			e.logger.Debug("pruned checkpoints", zap.Int("removed", removed))
		}
	}
	return true, nil
}

// Run synchronizes until ctx is done. A fatal fault does not end Run: the
// network stays faulted until Resync is called.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.syncLoop(ctx)
	})
	if e.checkpoints != nil && e.cfg.CheckpointInterval > 0 {
		g.Go(func() error {
			return e.checkpointLoop(ctx)
		})
	}
	return g.Wait()
}

func (e *Engine) syncLoop(ctx context.Context) error {
	for {
		err := e.syncer.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		e.logger.Error("network faulted, waiting for resync", zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-e.resync:
		}
	}
}

func (e *Engine) checkpointLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.CheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := e.Checkpoint(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("checkpoint failed", zap.Error(err))
			}
		}
	}
}

// Close ends every subscription.
func (e *Engine) Close() {
	e.notifier.Close()
}

// Package relay runs one sync pipeline per currency network and answers the
// outward queries: path finding, capacities, account summaries and change
// subscriptions.
package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/LeJamon/trustrelay/internal/core/graph"
	"github.com/LeJamon/trustrelay/internal/ledgersync"
	"github.com/LeJamon/trustrelay/internal/notify"
	"github.com/LeJamon/trustrelay/internal/pathfind"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrResyncRequired is returned by queries on a network whose cursor hit a
	// fatal fault. Its graph stays stale until the network is resynchronized.
	ErrResyncRequired = errors.New("network requires resynchronization")

	// ErrUnknownNetwork is returned for networks the relay does not follow.
	ErrUnknownNetwork = errors.New("unknown network")

	// ErrDuplicateNetwork is returned when two engines follow one network.
	ErrDuplicateNetwork = errors.New("duplicate network")
)

// Relay serves several currency networks. It is safe for concurrent use.
type Relay struct {
	engines  map[common.Address]*Engine
	networks []common.Address
	logger   *zap.Logger
}

// New creates a relay over engines.
func New(logger *zap.Logger, engines ...*Engine) (*Relay, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Relay{engines: make(map[common.Address]*Engine, len(engines)), logger: logger}
	for _, e := range engines {
		if _, ok := r.engines[e.Network()]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateNetwork, e.Network().Hex())
		}
		r.engines[e.Network()] = e
		r.networks = append(r.networks, e.Network())
	}
	sort.Slice(r.networks, func(i, j int) bool {
		return bytes.Compare(r.networks[i][:], r.networks[j][:]) < 0
	})
	return r, nil
}

// Engine returns the engine of network.
func (r *Relay) Engine(network common.Address) (*Engine, error) {
	e, ok := r.engines[network]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNetwork, network.Hex())
	}
	return e, nil
}

// Networks returns the followed networks in address order.
func (r *Relay) Networks() []common.Address {
	out := make([]common.Address, len(r.networks))
	copy(out, r.networks)
	return out
}

// NetworksOfUser returns the networks in which a has at least one trustline.
// Faulted networks are skipped.
func (r *Relay) NetworksOfUser(a common.Address) []common.Address {
	var out []common.Address
	for _, n := range r.networks {
		snap, err := r.engines[n].snapshot()
		if err != nil {
			continue
		}
		if snap.HasAccount(a) {
			out = append(out, n)
		}
	}
	return out
}

// FindPath searches payment paths in network.
func (r *Relay) FindPath(ctx context.Context, network common.Address, q pathfind.Query) (pathfind.Result, error) {
	e, err := r.Engine(network)
	if err != nil {
		return pathfind.Result{}, err
	}
	return e.FindPath(ctx, q)
}

// GetCapacity returns what from may still pay to directly in network.
func (r *Relay) GetCapacity(network, from, to common.Address) (int64, error) {
	e, err := r.Engine(network)
	if err != nil {
		return 0, err
	}
	return e.Capacity(from, to)
}

// GetEdge returns the directed edge from→to in network.
func (r *Relay) GetEdge(network, from, to common.Address) (graph.EdgeView, bool, error) {
	e, err := r.Engine(network)
	if err != nil {
		return graph.EdgeView{}, false, err
	}
	return e.Edge(from, to)
}

// AccountSummary aggregates a's trustlines in network.
func (r *Relay) AccountSummary(network, a common.Address) (graph.Summary, error) {
	e, err := r.Engine(network)
	if err != nil {
		return graph.Summary{}, err
	}
	return e.AccountSummary(a)
}

// PairSummary describes the trustline between a and b in network from a's side.
func (r *Relay) PairSummary(network, a, b common.Address) (graph.Summary, bool, error) {
	e, err := r.Engine(network)
	if err != nil {
		return graph.Summary{}, false, err
	}
	return e.PairSummary(a, b)
}

// SubscribeChanges streams the changes of network matching f. Subscribing
// to a faulted network is allowed: notifications resume after a resync.
func (r *Relay) SubscribeChanges(network common.Address, f notify.Filter) (*notify.Subscription, error) {
	e, err := r.Engine(network)
	if err != nil {
		return nil, err
	}
	return e.Subscribe(f), nil
}

// Status returns the status of every network in address order.
func (r *Relay) Status() []EngineStatus {
	out := make([]EngineStatus, 0, len(r.networks))
	for _, n := range r.networks {
		out = append(out, r.engines[n].Status())
	}
	return out
}

// Healthy reports whether no network is faulted.
func (r *Relay) Healthy() bool {
	for _, n := range r.networks {
		if r.engines[n].Syncer().Status().State == ledgersync.Faulted {
			return false
		}
	}
	return true
}

// Restore seeds every engine from its newest checkpoint.
func (r *Relay) Restore(ctx context.Context) error {
	for _, n := range r.networks {
		if _, err := r.engines[n].Restore(ctx); err != nil {
			return fmt.Errorf("network %s: %w", n.Hex(), err)
		}
	}
	return nil
}

// Checkpoint stores the confirmed graph of every network.
func (r *Relay) Checkpoint(ctx context.Context) error {
	var errs []error
	for _, n := range r.networks {
		if _, err := r.engines[n].Checkpoint(ctx); err != nil {
			errs = append(errs, fmt.Errorf("network %s: %w", n.Hex(), err))
		}
	}
	return errors.Join(errs...)
}

// Run runs every engine until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, n := range r.networks {
		e := r.engines[n]
		g.Go(func() error {
			return e.Run(ctx)
		})
	}
	r.logger.Info("relay running", zap.Int("networks", len(r.networks)))
	return g.Wait()
}

// Close ends all subscriptions.
func (r *Relay) Close() {
	for _, e := range r.engines {
		e.Close()
	}
}

package cli

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/LeJamon/trustrelay/internal/config"
	"github.com/LeJamon/trustrelay/internal/core/events"
	"github.com/LeJamon/trustrelay/internal/core/trustline"
	"github.com/LeJamon/trustrelay/internal/ledger/simchain"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

const (
	demoAccounts      = 6
	demoLimit         = 1000
	demoFinalityDepth = 3
	// every reorgEvery blocks the newest block is replaced
	reorgEvery = 25
)

var demoNetwork = common.HexToAddress("0x00000000000000000000000000000000000de1a0")

// demoActivity mines trustline activity on a simulated chain: a ring of
// trustlines, then random transfers and limit changes, with an occasional
// one-block reorg.
type demoActivity struct {
	chain    *simchain.Chain
	accounts []common.Address
	rng      *rand.Rand
	blocks   int
}

func newDemoActivity(chain *simchain.Chain, seed int64) *demoActivity {
	d := &demoActivity{chain: chain, rng: rand.New(rand.NewSource(seed))}
	for i := 0; i < demoAccounts; i++ {
		d.accounts = append(d.accounts, common.HexToAddress(fmt.Sprintf("0x%040x", 0xa1+i)))
	}
	return d
}

// applyStandalone points cfg at the demo network and keeps checkpoints in
// memory, since the simulated chain starts over on every run.
func applyStandalone(cfg *config.Config) {
	cfg.Networks = []config.NetworkConfig{{
		Name:          "demo",
		Address:       demoNetwork.Hex(),
		FinalityDepth: demoFinalityDepth,
	}}
	cfg.Storage.Backend = config.BackendMemory
}

// neighbors returns the accounts of the i-th ring trustline.
func (d *demoActivity) neighbors(i int) (common.Address, common.Address) {
	return d.accounts[i], d.accounts[(i+1)%len(d.accounts)]
}

func (d *demoActivity) event(p events.Payload) events.Event {
	return events.Event{Network: demoNetwork, Payload: p}
}

// genesis opens the ring of trustlines.
func (d *demoActivity) genesis() []events.Event {
	evs := make([]events.Event, 0, len(d.accounts))
	for i := range d.accounts {
		a, b := d.neighbors(i)
		evs = append(evs, d.event(events.TrustlineOpened{
			A: a, B: b,
			LimitAB: demoLimit, LimitBA: demoLimit,
			Fee: trustline.FeePolicy{RatePPM: uint32(1000 * (i % 3))},
		}))
	}
	return evs
}

// next returns the events of the next block.
func (d *demoActivity) next() []events.Event {
	n := d.rng.Intn(3)
	evs := make([]events.Event, 0, n)
	for j := 0; j < n; j++ {
		a, b := d.neighbors(d.rng.Intn(len(d.accounts)))
		if d.rng.Intn(2) == 0 {
			a, b = b, a
		}
		if d.rng.Intn(10) == 0 {
			evs = append(evs, d.event(events.CreditLimitUpdated{
				Creditor: a, Debtor: b,
				Limit: demoLimit/2 + d.rng.Int63n(demoLimit),
			}))
			continue
		}
		evs = append(evs, d.event(events.BalanceTransferred{
			From: a, To: b,
			Amount: 1 + d.rng.Int63n(50),
		}))
	}
	return evs
}

// Run mines one block every interval until ctx is done.
func (d *demoActivity) Run(ctx context.Context, interval time.Duration, logger *zap.Logger) error {
	ref, err := d.chain.Mine(d.genesis()...)
	if err != nil {
		return err
	}
	logger.Info("demo network opened",
		zap.Stringer("network", demoNetwork),
		zap.Int("accounts", len(d.accounts)),
		zap.Uint64("block", ref.Number))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		d.blocks++
		if d.blocks%reorgEvery == 0 {
			ref, err = d.chain.Reorg(1, d.next())
			if err == nil {
				logger.Debug("demo reorg", zap.Uint64("head", ref.Number))
			}
		} else {
			ref, err = d.chain.Mine(d.next()...)
		}
		if err != nil {
			return fmt.Errorf("mine demo block: %w", err)
		}
	}
}

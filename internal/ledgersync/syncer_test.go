package ledgersync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LeJamon/trustrelay/internal/applier"
	"github.com/LeJamon/trustrelay/internal/core/events"
	"github.com/LeJamon/trustrelay/internal/core/graph"
	"github.com/LeJamon/trustrelay/internal/core/trustline"
	"github.com/LeJamon/trustrelay/internal/ledger"
	"github.com/LeJamon/trustrelay/internal/ledger/mocks"
	"github.com/LeJamon/trustrelay/internal/ledger/simchain"
	"github.com/LeJamon/trustrelay/internal/normalizer"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	network = common.HexToAddress("0x000000000000000000000000000000000000beef")
	alice   = common.HexToAddress("0x01")
	bob     = common.HexToAddress("0x02")
	carol   = common.HexToAddress("0x03")
)

func open(a, b common.Address, limit int64) events.Event {
	return events.Event{Network: network, Payload: events.TrustlineOpened{A: a, B: b, LimitAB: limit, LimitBA: limit}}
}

func pay(from, to common.Address, amount int64) events.Event {
	return events.Event{Network: network, Payload: events.BalanceTransferred{From: from, To: to, Amount: amount}}
}

type commitLog struct {
	mu      sync.Mutex
	batches []Batch
}

func (c *commitLog) OnCommit(b Batch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, b)
}

func (c *commitLog) last() Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batches[len(c.batches)-1]
}

type countingRecorder struct {
	nopRecorder
	retries atomic.Int32
	reorgs  atomic.Int32
	faults  atomic.Int32
}

func (r *countingRecorder) Retry()                    { r.retries.Add(1) }
func (r *countingRecorder) Reorg(uint64)              { r.reorgs.Add(1) }
func (r *countingRecorder) InconsistencyFault(string) { r.faults.Add(1) }

func testConfig(depth uint64) Config {
	cfg := DefaultConfig()
	cfg.FinalityDepth = depth
	cfg.MaxBatchBlocks = 2
	cfg.PollInterval = 5 * time.Millisecond
	cfg.Backoff = ledger.Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond, MaxAttempts: 5}
	return cfg
}

func newSyncer(t *testing.T, client ledger.Client, cfg Config, opts ...Option) (*Syncer, *graph.Store) {
	t.Helper()
	store := graph.NewStore()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	s, err := New(cfg, client, normalizer.MustDecoder(), applier.New(), store, opts...)
	require.NoError(t, err)
	return s, store
}

func syncToHead(t *testing.T, s *Syncer) {
	t.Helper()
	for i := 0; i < 100; i++ {
		progressed, err := s.Step(context.Background())
		require.NoError(t, err)
		if !progressed {
			return
		}
	}
	t.Fatal("syncer did not reach the head")
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.FinalityDepth = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.StartBlock = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MaxBatchBlocks = 0
	_, err := New(cfg, nil, normalizer.MustDecoder(), applier.New(), graph.NewStore())
	assert.Error(t, err)
}

func TestCatchUpAndFollow(t *testing.T) {
	chain := simchain.New()
	_, err := chain.Mine(open(alice, bob, 100))
	require.NoError(t, err)
	_, err = chain.Mine(pay(alice, bob, 30))
	require.NoError(t, err)
	chain.MineEmpty(3)

	commits := &commitLog{}
	s, store := newSyncer(t, chain.Client(network), testConfig(3), WithObserver(commits))

	progressed, err := s.Step(context.Background())
	require.NoError(t, err)
	assert.True(t, progressed)
	assert.Equal(t, CatchingUp, s.Status().State)

	syncToHead(t, s)
	st := s.Status()
	assert.Equal(t, Live, st.State)
	assert.Equal(t, "LIVE", st.StateName)
	assert.Equal(t, uint64(5), st.Processed.Number)
	assert.Equal(t, uint64(2), st.Confirmed.Number)
	assert.Equal(t, chain.Head(), st.Head)
	assert.Empty(t, st.Fault)

	assert.Equal(t, int64(70), store.Snapshot().Capacity(alice, bob))
	tl, ok := store.Snapshot().Trustline(alice, bob)
	require.True(t, ok)
	assert.Equal(t, int64(-30), tl.NetFor(alice))

	// one commit per applied event
	require.Len(t, commits.batches, 2)
	assert.Equal(t, events.KindBalanceTransferred, commits.last().Applied[0].Event.Kind())
	assert.Equal(t, uint64(2), commits.last().Block.Number)

	chain.MineEmpty(1)
	progressed, err = s.Step(context.Background())
	require.NoError(t, err)
	assert.True(t, progressed)
	assert.Equal(t, uint64(6), s.Status().Processed.Number)
}

func TestInconsistentEventsAreSkipped(t *testing.T) {
	chain := simchain.New()
	_, err := chain.Mine(pay(alice, bob, 10), open(alice, bob, 100), open(alice, bob, 5))
	require.NoError(t, err)

	rec := &countingRecorder{}
	s, store := newSyncer(t, chain.Client(network), testConfig(3), WithRecorder(rec))
	syncToHead(t, s)

	assert.Equal(t, int32(2), rec.faults.Load())
	assert.Equal(t, int64(100), store.Snapshot().Capacity(alice, bob))
}

func TestReorgRestoresBalance(t *testing.T) {
	chain := simchain.New()
	_, err := chain.Mine(open(alice, bob, 100))
	require.NoError(t, err)

	commits := &commitLog{}
	rec := &countingRecorder{}
	s, store := newSyncer(t, chain.Client(network), testConfig(5), WithObserver(commits), WithRecorder(rec))
	syncToHead(t, s)
	beforeTransfer := store.Snapshot().StateHash()

	_, err = chain.Mine(pay(alice, bob, 30))
	require.NoError(t, err)
	syncToHead(t, s)
	require.Equal(t, int64(70), store.Snapshot().Capacity(alice, bob))

	// the transfer's block is abandoned for two empty blocks
	_, err = chain.Reorg(1, nil, nil)
	require.NoError(t, err)
	progressed, err := s.Step(context.Background())
	require.NoError(t, err)
	assert.True(t, progressed)

	snap := store.Snapshot()
	assert.Equal(t, int64(100), snap.Capacity(alice, bob))
	tl, ok := snap.Trustline(alice, bob)
	require.True(t, ok)
	assert.Equal(t, int64(0), tl.Balance)
	assert.Equal(t, beforeTransfer, snap.StateHash())

	batch := commits.last()
	require.Len(t, batch.Reverted, 1)
	assert.Equal(t, events.KindBalanceTransferred, batch.Reverted[0].Event.Kind())
	assert.Empty(t, batch.Applied)
	assert.Equal(t, chain.Head(), batch.Block)
	assert.Equal(t, int32(1), rec.reorgs.Load())

	st := s.Status()
	assert.Equal(t, Live, st.State)
	assert.Equal(t, chain.Head(), st.Processed)
}

func TestReorgAppliesReplacementChain(t *testing.T) {
	chain := simchain.New()
	_, err := chain.Mine(open(alice, bob, 100), open(bob, carol, 100))
	require.NoError(t, err)
	_, err = chain.Mine(pay(alice, bob, 30))
	require.NoError(t, err)
	_, err = chain.Mine(pay(bob, carol, 20))
	require.NoError(t, err)

	commits := &commitLog{}
	s, store := newSyncer(t, chain.Client(network), testConfig(5), WithObserver(commits))
	syncToHead(t, s)

	_, err = chain.Reorg(2, []events.Event{pay(alice, bob, 10)})
	require.NoError(t, err)
	syncToHead(t, s)

	snap := store.Snapshot()
	assert.Equal(t, int64(90), snap.Capacity(alice, bob))
	assert.Equal(t, int64(100), snap.Capacity(bob, carol))

	batch := commits.last()
	require.Len(t, batch.Reverted, 2)
	// newest first
	assert.Equal(t, uint64(3), batch.Reverted[0].Event.ID.Block)
	assert.Equal(t, uint64(2), batch.Reverted[1].Event.ID.Block)
	require.Len(t, batch.Applied, 1)
	assert.Equal(t, uint64(2), batch.Applied[0].Event.ID.Block)
	assert.Equal(t, uint64(2), s.Status().Processed.Number)
}

// forkingClient runs fork once, right after the first FetchEvents returns.
type forkingClient struct {
	ledger.Client
	once sync.Once
	fork func()
}

func (c *forkingClient) FetchEvents(ctx context.Context, from, to uint64) ([]types.Log, error) {
	logs, err := c.Client.FetchEvents(ctx, from, to)
	c.once.Do(c.fork)
	return logs, err
}

func TestForkDuringFetchIsRetried(t *testing.T) {
	chain := simchain.New()
	_, err := chain.Mine(open(alice, bob, 100))
	require.NoError(t, err)
	chain.MineEmpty(1)

	// the empty block 2 is replaced by one carrying a transfer
	client := &forkingClient{Client: chain.Client(network), fork: func() {
		_, err := chain.Reorg(1, []events.Event{pay(alice, bob, 30)})
		require.NoError(t, err)
	}}
	s, store := newSyncer(t, client, testConfig(5))

	_, err = s.Step(context.Background())
	require.ErrorIs(t, err, errChainMoved)
	assert.Equal(t, uint64(0), s.Status().Processed.Number)

	syncToHead(t, s)
	st := s.Status()
	assert.Equal(t, Live, st.State)
	assert.Equal(t, chain.Head(), st.Processed)
	tl, ok := store.Snapshot().Trustline(alice, bob)
	require.True(t, ok)
	assert.Equal(t, int64(30), tl.NetFor(bob))
	assert.Equal(t, int64(70), store.Snapshot().Capacity(alice, bob))
}

func TestDeepReorgFaults(t *testing.T) {
	chain := simchain.New()
	_, err := chain.Mine(open(alice, bob, 100))
	require.NoError(t, err)
	chain.MineEmpty(3)

	s, _ := newSyncer(t, chain.Client(network), testConfig(2))
	syncToHead(t, s)
	require.Equal(t, uint64(2), s.Status().Confirmed.Number)

	_, err = chain.Reorg(4, nil, nil, nil, nil)
	require.NoError(t, err)
	_, err = s.Step(context.Background())
	assert.ErrorIs(t, err, ErrDeepReorg)

	st := s.Status()
	assert.Equal(t, Faulted, st.State)
	assert.NotEmpty(t, st.Fault)
	assert.ErrorIs(t, s.Fault(), ErrDeepReorg)

	_, err = s.Step(context.Background())
	assert.ErrorIs(t, err, ErrFaulted)

	// a reset clears the fault
	s.Reset(chain.Head(), nil)
	assert.Equal(t, CatchingUp, s.Status().State)
	assert.NoError(t, s.Fault())
}

func TestRunRetriesTransientFaults(t *testing.T) {
	chain := simchain.New()
	_, err := chain.Mine(open(alice, bob, 100))
	require.NoError(t, err)
	chain.FailNext(ledger.Transient("head", errors.New("connection reset")), ledger.Transient("head", errors.New("timeout")))

	rec := &countingRecorder{}
	s, store := newSyncer(t, chain.Client(network), testConfig(3), WithRecorder(rec))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		st := s.Status()
		return st.State == Live && st.Processed == chain.Head()
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), rec.retries.Load())
	assert.Equal(t, int64(100), store.Snapshot().Capacity(alice, bob))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRunFaultsOnPermanentError(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	genesis := ledger.BlockRef{Number: 0, Hash: common.HexToHash("0x01")}
	client.EXPECT().BlockRef(gomock.Any(), uint64(0)).Return(genesis, nil)
	client.EXPECT().CurrentHead(gomock.Any()).Return(ledger.BlockRef{}, errors.New("invalid params"))

	s, _ := newSyncer(t, client, testConfig(3))
	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, Faulted, s.Status().State)
}

func TestRunGivesUpAfterMaxAttempts(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	client.EXPECT().BlockRef(gomock.Any(), uint64(0)).
		Return(ledger.BlockRef{}, ledger.Transient("block_ref", errors.New("unavailable"))).
		Times(3)

	cfg := testConfig(3)
	cfg.Backoff.MaxAttempts = 2
	s, _ := newSyncer(t, client, cfg)
	err := s.Run(context.Background())
	assert.True(t, ledger.IsTransient(err))
	assert.Equal(t, Faulted, s.Status().State)
}

func TestConfirmedStateExcludesUnconfirmedBlocks(t *testing.T) {
	chain := simchain.New()
	_, err := chain.Mine(open(alice, bob, 100))
	require.NoError(t, err)
	chain.MineEmpty(2)
	_, err = chain.Mine(pay(alice, bob, 40))
	require.NoError(t, err)

	s, store := newSyncer(t, chain.Client(network), testConfig(2))
	syncToHead(t, s)
	live := store.Snapshot()

	at, snap, err := s.ConfirmedState()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), at.Number)
	assert.Equal(t, int64(100), snap.Capacity(alice, bob))

	// the live graph is untouched
	assert.Same(t, live, store.Snapshot())
	assert.Equal(t, int64(60), store.Snapshot().Capacity(alice, bob))
}

func TestRestoreThenReplayMatchesContinuousSync(t *testing.T) {
	chain := simchain.New()
	_, err := chain.Mine(open(alice, bob, 100), open(bob, carol, 50))
	require.NoError(t, err)
	_, err = chain.Mine(pay(alice, bob, 10))
	require.NoError(t, err)
	chain.MineEmpty(2)
	_, err = chain.Mine(pay(bob, carol, 25))
	require.NoError(t, err)

	first, _ := newSyncer(t, chain.Client(network), testConfig(2))
	syncToHead(t, first)
	at, checkpoint, err := first.ConfirmedState()
	require.NoError(t, err)

	_, err = chain.Mine(pay(carol, bob, 5), pay(bob, alice, 3))
	require.NoError(t, err)
	chain.MineEmpty(1)

	continuous, continuousStore := newSyncer(t, chain.Client(network), testConfig(2))
	syncToHead(t, continuous)

	restored, restoredStore := newSyncer(t, chain.Client(network), testConfig(2))
	restored.Reset(at, checkpoint)
	assert.Equal(t, at, restored.Status().Processed)
	syncToHead(t, restored)

	assert.Equal(t, continuousStore.Snapshot().StateHash(), restoredStore.Snapshot().StateHash())
	assert.Equal(t, continuous.Status().Processed, restored.Status().Processed)
}

func TestResetPublishesSnapshot(t *testing.T) {
	chain := simchain.New()
	commits := &commitLog{}
	s, store := newSyncer(t, chain.Client(network), testConfig(2), WithObserver(commits))

	tl, err := trustline.New(alice, bob)
	require.NoError(t, err)
	tl.Edges[trustline.LowToHigh].Limit = 10
	seed := graph.NewStore()
	snap, err := seed.Update(func(txn *graph.Txn) error { return txn.Put(tl) })
	require.NoError(t, err)

	s.Reset(chain.Head(), snap)
	assert.Equal(t, int64(10), store.Snapshot().Capacity(alice, bob))
	require.Len(t, commits.batches, 1)
	assert.Equal(t, chain.Head(), commits.last().Block)
}

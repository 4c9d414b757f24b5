package pathfind

import (
	"container/heap"
	"context"
	"errors"
	"time"

	"github.com/LeJamon/trustrelay/internal/core/graph"
	"github.com/LeJamon/trustrelay/internal/core/trustline"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Config holds the finder limits.
type Config struct {
	// MaxHops is the default and the ceiling of Query.MaxHops.
	MaxHops int
	// MaxResults is the default result count of Find.
	MaxResults int
	// MaxExpansions bounds the partial paths expanded by one search.
	MaxExpansions int
	// DefaultTimeout applies to queries without a timeout. Zero disables it.
	DefaultTimeout time.Duration
	// CacheSize is the number of results kept. Zero disables caching.
	CacheSize int
}

// DefaultConfig returns the limits used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxHops:        5,
		MaxResults:     10,
		MaxExpansions:  100_000,
		DefaultTimeout: 2 * time.Second,
		CacheSize:      1024,
	}
}

// Recorder receives query measurements.
type Recorder interface {
	QueryObserved(d time.Duration, paths int, truncated bool)
	CacheHit()
	CacheMiss()
}

type nopRecorder struct{}

func (nopRecorder) QueryObserved(time.Duration, int, bool) {}
func (nopRecorder) CacheHit()                              {}
func (nopRecorder) CacheMiss()                             {}

// Finder runs path searches. It is safe for concurrent use.
type Finder struct {
	cfg      Config
	cache    *Cache
	recorder Recorder
	logger   *zap.Logger
}

// Option configures a Finder.
type Option func(*Finder)

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(f *Finder) {
		f.recorder = r
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *Finder) {
		f.logger = l
	}
}

// New creates a Finder. Zero fields of cfg take their defaults.
func New(cfg Config, opts ...Option) (*Finder, error) {
	def := DefaultConfig()
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = def.MaxHops
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = def.MaxResults
	}
	if cfg.MaxExpansions <= 0 {
		cfg.MaxExpansions = def.MaxExpansions
	}
	f := &Finder{cfg: cfg, recorder: nopRecorder{}, logger: zap.NewNop()}
	if cfg.CacheSize > 0 {
		cache, err := NewCache(cfg.CacheSize)
		if err != nil {
			return nil, err
		}
		f.cache = cache
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Purge drops every cached result.
func (f *Finder) Purge() {
	if f.cache != nil {
		f.cache.Purge()
	}
}

// Config returns the effective limits.
func (f *Finder) Config() Config {
	return f.cfg
}

func (f *Finder) normalize(q Query) Query {
	if q.MaxHops == 0 {
		q.MaxHops = f.cfg.MaxHops
	}
	if q.MaxResults <= 0 {
		q.MaxResults = f.cfg.MaxResults
	}
	if q.Timeout <= 0 {
		q.Timeout = f.cfg.DefaultTimeout
	}
	return q
}

// Search starts a lazy search on snap. Invalid queries are rejected before
// any work is done. The caller should Close the search if it stops calling
// Next before it returns false.
func (f *Finder) Search(ctx context.Context, snap *graph.Snapshot, q Query) (*Search, error) {
	if err := q.validate(f.cfg.MaxHops); err != nil {
		return nil, err
	}
	q = f.normalize(q)

	cancel := context.CancelFunc(func() {})
	if q.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, q.Timeout)
	}
	s := &Search{
		ctx:           ctx,
		cancel:        cancel,
		snap:          snap,
		q:             q,
		maxExpansions: f.cfg.MaxExpansions,
	}
	s.frontier.arena = &s.arena
	s.frontier.reverse = q.Direction == Reverse
	root := q.Target
	if q.Direction == Reverse {
		root = q.Source
	}
	s.arena = append(s.arena, node{account: root, next: noNode, required: q.Amount})
	heap.Push(&s.frontier, entry{idx: 0, minHops: 1})
	return s, nil
}

// Find collects up to MaxResults paths in order. Paths found before a
// deadline or the expansion budget ran out are returned with Truncated set.
// Cancellation by the caller also returns context.Canceled.
func (f *Finder) Find(ctx context.Context, snap *graph.Snapshot, q Query) (Result, error) {
	if err := q.validate(f.cfg.MaxHops); err != nil {
		return Result{}, err
	}
	q = f.normalize(q)

	var key cacheKey
	if f.cache != nil {
		key = newCacheKey(snap.Version(), q)
		if res, ok := f.cache.get(key); ok {
			f.recorder.CacheHit()
			return res, nil
		}
		f.recorder.CacheMiss()
	}

	start := time.Now()
	s, err := f.Search(ctx, snap, q)
	if err != nil {
		return Result{}, err
	}
	defer s.Close()

	var res Result
	for len(res.Paths) < q.MaxResults && s.Next() {
		res.Paths = append(res.Paths, s.Path())
	}
	res.Truncated = s.Truncated()
	elapsed := time.Since(start)
	f.recorder.QueryObserved(elapsed, len(res.Paths), res.Truncated)
	if res.Truncated {
		f.logger.Debug("path search truncated",
			zap.Stringer("source", q.Source),
			zap.Stringer("target", q.Target),
			zap.Int64("amount", q.Amount),
			zap.Int("expansions", s.Expansions()),
			zap.Int("paths", len(res.Paths)),
			zap.Duration("elapsed", elapsed))
	}
	if err := s.Err(); err != nil {
		return res, err
	}
	if f.cache != nil && !res.Truncated {
		f.cache.add(key, res)
	}
	return res, nil
}

// Search is a lazy best-first path search. Paths come out ordered by fee,
// then hop count, then account sequence from source to target. A Search is
// not safe for concurrent use.
type Search struct {
	ctx    context.Context
	cancel context.CancelFunc
	snap   *graph.Snapshot
	q      Query

	arena    []node
	frontier frontier

	maxExpansions int
	expansions    int
	path          Path
	truncated     bool
	err           error
	done          bool
}

// Next advances to the next path. It returns false when the search is
// exhausted or stopped.
func (s *Search) Next() bool {
	if s.done {
		return false
	}
	for s.frontier.Len() > 0 {
		if err := s.ctx.Err(); err != nil {
			s.stop(err)
			return false
		}
		e := heap.Pop(&s.frontier).(entry)
		if e.complete {
			s.path = s.build(e.idx)
			return true
		}
		if s.expansions >= s.maxExpansions {
			s.stop(nil)
			return false
		}
		s.expansions++
		if s.q.Direction == Reverse {
			s.expandReverse(e.idx)
		} else {
			s.expand(e.idx)
		}
	}
	s.finish()
	return false
}

// Path returns the path found by the last successful Next.
func (s *Search) Path() Path {
	return s.path
}

// Truncated reports whether the search stopped before exhausting the graph.
func (s *Search) Truncated() bool {
	return s.truncated
}

// Err returns context.Canceled if the caller cancelled the search. Running
// out of time or budget only truncates.
func (s *Search) Err() error {
	return s.err
}

// Expansions returns the number of partial paths expanded so far.
func (s *Search) Expansions() int {
	return s.expansions
}

// Close releases the search.
func (s *Search) Close() {
	s.finish()
}

func (s *Search) stop(err error) {
	s.truncated = true
	if errors.Is(err, context.Canceled) {
		s.err = err
	}
	s.finish()
}

func (s *Search) finish() {
	if s.done {
		return
	}
	s.done = true
	s.cancel()
	s.frontier.entries = nil
}

// expand extends the partial path at idx by every trustline that can carry
// what the path requires at its head.
func (s *Search) expand(idx int32) {
	head := s.arena[idx]
	for _, nb := range s.snap.ListEdges(head.account) {
		payer := nb.Account
		// nb.Incoming is payer -> head
		if nb.Incoming.Available < head.required || s.onPath(idx, payer) {
			continue
		}
		hops := head.hops + 1

		if payer == s.q.Source {
			fee := head.required - s.q.Amount
			if s.overBudget(fee) {
				continue
			}
			s.push(node{account: payer, next: idx, required: head.required, hops: hops}, fee, hops, true)
			continue
		}

		if hops >= s.q.MaxHops {
			continue
		}
		fee, err := nb.Incoming.Fee.Fee(head.required)
		if err != nil {
			continue
		}
		required, err := trustline.Add(head.required, fee)
		if err != nil {
			continue
		}
		total := required - s.q.Amount
		if s.overBudget(total) {
			continue
		}
		s.push(node{account: payer, next: idx, required: required, hops: hops}, total, hops+1, false)
	}
}

// expandReverse extends the partial path at idx toward the target. The
// source forwards all it sends; an intermediary forwards the most it can
// after its fee on the outgoing trustline.
func (s *Search) expandReverse(idx int32) {
	head := s.arena[idx]
	for _, nb := range s.snap.ListEdges(head.account) {
		next := nb.Account
		if s.onPath(idx, next) {
			continue
		}
		carried := head.required
		if head.next != noNode {
			carried = forwardable(head.required, nb.Outgoing.Fee)
		}
		// nb.Outgoing is head -> next
		if carried <= 0 || nb.Outgoing.Available < carried {
			continue
		}
		hops := head.hops + 1
		fee := s.q.Amount - carried
		if s.overBudget(fee) {
			continue
		}
		if next == s.q.Target {
			s.push(node{account: next, next: idx, required: carried, hops: hops}, fee, hops, true)
			continue
		}
		if hops >= s.q.MaxHops {
			continue
		}
		s.push(node{account: next, next: idx, required: carried, hops: hops}, fee, hops+1, false)
	}
}

// forwardable returns the largest x with x + fee(x) <= in.
func forwardable(in int64, fee trustline.FeePolicy) int64 {
	if fee.IsZero() {
		return in
	}
	lo, hi := int64(0), in
	for lo < hi {
		mid := lo + (hi-lo+1)/2
		if fits(mid, in, fee) {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo
}

func fits(x, in int64, fee trustline.FeePolicy) bool {
	f, err := fee.Fee(x)
	if err != nil {
		return false
	}
	total, err := trustline.Add(x, f)
	return err == nil && total <= in
}

func (s *Search) overBudget(fee int64) bool {
	return s.q.MaxFee != nil && fee > *s.q.MaxFee
}

func (s *Search) push(n node, fee int64, minHops int, complete bool) {
	s.arena = append(s.arena, n)
	heap.Push(&s.frontier, entry{idx: int32(len(s.arena) - 1), fee: fee, minHops: minHops, complete: complete})
}

func (s *Search) onPath(idx int32, a common.Address) bool {
	for i := idx; i != noNode; i = s.arena[i].next {
		if s.arena[i].account == a {
			return true
		}
	}
	return false
}

// build materializes the complete path ending at node idx, the source node
// of a forward search or the target node of a reverse one.
func (s *Search) build(idx int32) Path {
	n := s.arena[idx]
	if s.q.Direction == Reverse {
		p := Path{
			Accounts: make([]common.Address, n.hops+1),
			Amounts:  make([]int64, n.hops),
			Fee:      s.q.Amount - n.required,
		}
		for i := idx; i != noNode; i = s.arena[i].next {
			k := s.arena[i].hops
			p.Accounts[k] = s.arena[i].account
			if k > 0 {
				p.Amounts[k-1] = s.arena[i].required
			}
		}
		return p
	}
	p := Path{
		Accounts: make([]common.Address, 0, n.hops+1),
		Amounts:  make([]int64, 0, n.hops),
		Fee:      n.required - s.q.Amount,
	}
	p.Accounts = append(p.Accounts, n.account)
	for i := n.next; i != noNode; i = s.arena[i].next {
		p.Accounts = append(p.Accounts, s.arena[i].account)
		p.Amounts = append(p.Amounts, s.arena[i].required)
	}
	return p
}

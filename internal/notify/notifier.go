// Package notify fans trustline change notifications out to subscribers.
// Delivery is best effort: each subscriber has a bounded buffer and a
// subscriber that falls behind loses notifications rather than stalling the
// writer.
package notify

import (
	"sync"
	"sync/atomic"

	"github.com/LeJamon/trustrelay/internal/applier"
	"github.com/LeJamon/trustrelay/internal/core/events"
	"github.com/LeJamon/trustrelay/internal/core/trustline"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// DefaultBuffer is the per-subscriber buffer used when none is configured.
const DefaultBuffer = 256

// Notification describes the state of one trustline after a change.
type Notification struct {
	Network common.Address `json:"network"`
	// Seq increases by one per published notification on a notifier.
	Seq      uint64    `json:"seq"`
	Event    events.ID `json:"event"`
	Kind     string    `json:"kind"`
	Rollback bool      `json:"rollback"`

	Low  common.Address `json:"low"`
	High common.Address `json:"high"`
	// Exists is false once the trustline is closed or rolled back out of existence.
	Exists bool `json:"exists"`
	// CapacityLowHigh is what Low may still pay High.
	CapacityLowHigh int64  `json:"capacity_low_high"`
	CapacityHighLow int64  `json:"capacity_high_low"`
	Balance         int64  `json:"balance"`
	GraphVersion    uint64 `json:"graph_version"`
}

// Involves reports whether a is an endpoint of the trustline.
func (n Notification) Involves(a common.Address) bool {
	return n.Low == a || n.High == a
}

// FromChange builds the notification for change. A rolled back change
// reports the state it restored, an applied one the state it produced.
func FromChange(network common.Address, change applier.Change, rollback bool, version uint64) Notification {
	n := Notification{
		Network:      network,
		Event:        change.Event.ID,
		Kind:         change.Event.Kind().String(),
		Rollback:     rollback,
		Low:          change.Pair.Low,
		High:         change.Pair.High,
		GraphVersion: version,
	}
	state := change.After
	if rollback {
		state = change.Before
	}
	if state != nil {
		n.Exists = true
		n.CapacityLowHigh = state.Available(trustline.LowToHigh)
		n.CapacityHighLow = state.Available(trustline.HighToLow)
		n.Balance = state.Balance
	}
	return n
}

// Filter selects notifications. An empty filter matches everything.
type Filter struct {
	Accounts []common.Address
}

func (f Filter) matcher() func(Notification) bool {
	if len(f.Accounts) == 0 {
		return func(Notification) bool { return true }
	}
	set := make(map[common.Address]struct{}, len(f.Accounts))
	for _, a := range f.Accounts {
		set[a] = struct{}{}
	}
	return func(n Notification) bool {
		_, low := set[n.Low]
		_, high := set[n.High]
		return low || high
	}
}

// Recorder receives delivery measurements.
type Recorder interface {
	Delivered()
	Dropped()
}

type nopRecorder struct{}

func (nopRecorder) Delivered() {}
func (nopRecorder) Dropped()   {}

// Notifier is safe for concurrent use. Publish is meant to be called from a
// single writer so that every subscriber sees notifications in commit order.
type Notifier struct {
	mu       sync.RWMutex
	subs     map[string]*Subscription
	buffer   int
	seq      atomic.Uint64
	recorder Recorder
	closed   bool
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithBuffer sets the per-subscriber buffer size.
func WithBuffer(n int) Option {
	return func(nt *Notifier) {
		if n > 0 {
			nt.buffer = n
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(nt *Notifier) {
		nt.recorder = r
	}
}

// New creates a Notifier.
func New(opts ...Option) *Notifier {
	n := &Notifier{
		subs:     make(map[string]*Subscription),
		buffer:   DefaultBuffer,
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Subscribe registers a subscriber. It only sees notifications published
// after this call. A closed notifier returns an already closed subscription.
func (n *Notifier) Subscribe(f Filter) *Subscription {
	s := &Subscription{
		id:       uuid.NewString(),
		ch:       make(chan Notification, n.buffer),
		match:    f.matcher(),
		notifier: n,
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		s.closed = true
		close(s.ch)
		return s
	}
	n.subs[s.id] = s
	return s
}

// Publish stamps note with the next sequence number and offers it to every
// matching subscriber without blocking.
func (n *Notifier) Publish(note Notification) Notification {
	note.Seq = n.seq.Add(1)
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, s := range n.subs {
		if !s.match(note) {
			continue
		}
		select {
		case s.ch <- note:
			n.recorder.Delivered()
		default:
			s.dropped.Add(1)
			n.recorder.Dropped()
		}
	}
	return note
}

// Len returns the number of active subscriptions.
func (n *Notifier) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs)
}

// Close ends every subscription. Later subscriptions start closed.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	for id, s := range n.subs {
		delete(n.subs, id)
		s.closed = true
		close(s.ch)
	}
}

func (n *Notifier) remove(s *Subscription) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if s.closed {
		return
	}
	delete(n.subs, s.id)
	s.closed = true
	close(s.ch)
}

// Subscription is one subscriber's stream.
type Subscription struct {
	id       string
	ch       chan Notification
	match    func(Notification) bool
	notifier *Notifier
	dropped  atomic.Uint64
	// closed is guarded by notifier.mu
	closed bool
}

// ID returns the subscription's unique id.
func (s *Subscription) ID() string {
	return s.id
}

// C returns the notification channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Notification {
	return s.ch
}

// Dropped returns how many notifications were lost because the buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.notifier.remove(s)
}

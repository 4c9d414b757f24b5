package ledgersync

import (
	"github.com/LeJamon/trustrelay/internal/applier"
	"github.com/LeJamon/trustrelay/internal/core/graph"
	"github.com/LeJamon/trustrelay/internal/ledger"
)

// State is the cursor's position relative to the ledger head.
type State int32

const (
	// CatchingUp processes historical ranges as fast as the node serves them.
	CatchingUp State = iota
	// Live follows the head, one poll at a time.
	Live
	// Reorging is rolling back blocks that left the canonical chain.
	Reorging
	// Faulted stops synchronization until the store is reset from a checkpoint.
	Faulted
)

func (s State) String() string {
	switch s {
	case CatchingUp:
		return "CATCHING_UP"
	case Live:
		return "LIVE"
	case Reorging:
		return "REORGING"
	case Faulted:
		return "FAULTED"
	default:
		return "UNKNOWN"
	}
}

// Status is a point-in-time view of the cursor.
type Status struct {
	State     State           `json:"-"`
	StateName string          `json:"state"`
	Head      ledger.BlockRef `json:"head"`
	Processed ledger.BlockRef `json:"processed"`
	Confirmed ledger.BlockRef `json:"confirmed"`
	Buffered  int             `json:"buffered_blocks"`
	Fault     string          `json:"fault,omitempty"`
}

// blockRecord is one unconfirmed block and the changes its events made.
type blockRecord struct {
	ref     ledger.BlockRef
	changes []applier.Change
}

// Batch is what one commit did to the graph. Reverted changes are listed in
// the order they were undone.
type Batch struct {
	Reverted []applier.Change
	Applied  []applier.Change
	Snapshot *graph.Snapshot
	Block    ledger.BlockRef
}

// Observer is told about every commit, in commit order, from the writer goroutine.
type Observer interface {
	OnCommit(Batch)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Batch)

func (f ObserverFunc) OnCommit(b Batch) { f(b) }

// Recorder receives sync measurements.
type Recorder interface {
	EventApplied(kind string)
	DecodeFault()
	InconsistencyFault(kind string)
	Reorg(depth uint64)
	Retry()
	SetState(state State)
	SetHeights(head, processed, confirmed uint64)
}

type nopRecorder struct{}

func (nopRecorder) EventApplied(string)               {}
func (nopRecorder) DecodeFault()                      {}
func (nopRecorder) InconsistencyFault(string)         {}
func (nopRecorder) Reorg(uint64)                      {}
func (nopRecorder) Retry()                            {}
func (nopRecorder) SetState(State)                    {}
func (nopRecorder) SetHeights(uint64, uint64, uint64) {}

// Package metrics exposes relay measurements to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/LeJamon/trustrelay/internal/ledgersync"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "trustrelay"

// Metrics holds every relay metric in its own registry.
type Metrics struct {
	// Counters
	EventsApplied       *prometheus.CounterVec
	DecodeFaults        *prometheus.CounterVec
	InconsistencyFaults *prometheus.CounterVec
	Reorgs              *prometheus.CounterVec
	RolledBackBlocks    *prometheus.CounterVec
	Retries             *prometheus.CounterVec
	PathQueries         *prometheus.CounterVec
	PathCache           *prometheus.CounterVec
	Notifications       *prometheus.CounterVec
	Checkpoints         *prometheus.CounterVec

	// Gauges
	SyncState   *prometheus.GaugeVec
	BlockHeight *prometheus.GaugeVec
	HeadLag     *prometheus.GaugeVec

	// Histograms
	QueryDuration      *prometheus.HistogramVec
	CheckpointDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates the metrics and registers them, together with the Go runtime
// and process collectors.
func New() *Metrics {
	net := []string{"network"}
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.EventsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_applied_total",
		Help:      "Ledger events applied to the graph",
	}, []string{"network", "kind"})
	m.DecodeFaults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decode_faults_total",
		Help:      "Ledger records that could not be decoded",
	}, net)
	m.InconsistencyFaults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "inconsistency_faults_total",
		Help:      "Events rejected because they contradict the graph",
	}, []string{"network", "kind"})
	m.Reorgs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reorgs_total",
		Help:      "Chain reorganizations handled",
	}, net)
	m.RolledBackBlocks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rolled_back_blocks_total",
		Help:      "Blocks undone by reorganizations",
	}, net)
	m.Retries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_retries_total",
		Help:      "Transient ledger client faults retried",
	}, net)
	m.PathQueries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "path_queries_total",
		Help:      "Path searches run, by outcome",
	}, []string{"network", "outcome"}) // "found", "empty", "truncated"
	m.PathCache = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "path_cache_total",
		Help:      "Path cache lookups, by result",
	}, []string{"network", "result"})
	m.Notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Change notifications offered to subscribers",
	}, []string{"network", "result"}) // "delivered", "dropped"
	m.Checkpoints = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "checkpoints_total",
		Help:      "Checkpoints written, by status",
	}, []string{"network", "status"})

	m.SyncState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sync_state",
		Help:      "Cursor state: 0 catching up, 1 live, 2 reorging, 3 faulted",
	}, net)
	m.BlockHeight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "block_height",
		Help:      "Block numbers of the ledger head and the cursor",
	}, []string{"network", "position"}) // "head", "processed", "confirmed"
	m.HeadLag = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "head_lag_blocks",
		Help:      "Blocks between the ledger head and the last processed block",
	}, net)

	m.QueryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "path_query_duration_seconds",
		Help:      "Time spent searching for paths",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5},
	}, net)
	m.CheckpointDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "checkpoint_duration_seconds",
		Help:      "Time to capture and store a checkpoint",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	}, net)

	m.registry.MustRegister(
		m.EventsApplied,
		m.DecodeFaults,
		m.InconsistencyFaults,
		m.Reorgs,
		m.RolledBackBlocks,
		m.Retries,
		m.PathQueries,
		m.PathCache,
		m.Notifications,
		m.Checkpoints,
		m.SyncState,
		m.BlockHeight,
		m.HeadLag,
		m.QueryDuration,
		m.CheckpointDuration,
	)
	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

// Registry returns the registry the metrics live in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Network returns the recorder for one currency network.
func (m *Metrics) Network(network common.Address) *Recorder {
	return &Recorder{m: m, network: network.Hex()}
}

// Recorder records the measurements of one network. It satisfies the
// recorder interfaces of the syncer, the path finder and the notifier.
type Recorder struct {
	m       *Metrics
	network string
}

func (r *Recorder) EventApplied(kind string) {
	r.m.EventsApplied.WithLabelValues(r.network, kind).Inc()
}

func (r *Recorder) DecodeFault() {
	r.m.DecodeFaults.WithLabelValues(r.network).Inc()
}

func (r *Recorder) InconsistencyFault(kind string) {
	r.m.InconsistencyFaults.WithLabelValues(r.network, kind).Inc()
}

func (r *Recorder) Reorg(depth uint64) {
	r.m.Reorgs.WithLabelValues(r.network).Inc()
	r.m.RolledBackBlocks.WithLabelValues(r.network).Add(float64(depth))
}

func (r *Recorder) Retry() {
	r.m.Retries.WithLabelValues(r.network).Inc()
}

func (r *Recorder) SetState(state ledgersync.State) {
	r.m.SyncState.WithLabelValues(r.network).Set(float64(state))
}

func (r *Recorder) SetHeights(head, processed, confirmed uint64) {
	r.m.BlockHeight.WithLabelValues(r.network, "head").Set(float64(head))
	r.m.BlockHeight.WithLabelValues(r.network, "processed").Set(float64(processed))
	r.m.BlockHeight.WithLabelValues(r.network, "confirmed").Set(float64(confirmed))
	lag := 0.0
	if head > processed {
		lag = float64(head - processed)
	}
	r.m.HeadLag.WithLabelValues(r.network).Set(lag)
}

func (r *Recorder) QueryObserved(d time.Duration, paths int, truncated bool) {
	outcome := "found"
	switch {
	case truncated:
		outcome = "truncated"
	case paths == 0:
		outcome = "empty"
	}
	r.m.PathQueries.WithLabelValues(r.network, outcome).Inc()
	r.m.QueryDuration.WithLabelValues(r.network).Observe(d.Seconds())
}

func (r *Recorder) CacheHit() {
	r.m.PathCache.WithLabelValues(r.network, "hit").Inc()
}

func (r *Recorder) CacheMiss() {
	r.m.PathCache.WithLabelValues(r.network, "miss").Inc()
}

func (r *Recorder) Delivered() {
	r.m.Notifications.WithLabelValues(r.network, "delivered").Inc()
}

func (r *Recorder) Dropped() {
	r.m.Notifications.WithLabelValues(r.network, "dropped").Inc()
}

// CheckpointWritten records a stored checkpoint.
func (r *Recorder) CheckpointWritten(d time.Duration) {
	r.m.Checkpoints.WithLabelValues(r.network, "ok").Inc()
	r.m.CheckpointDuration.WithLabelValues(r.network).Observe(d.Seconds())
}

// CheckpointFailed records a checkpoint that could not be stored.
func (r *Recorder) CheckpointFailed() {
	r.m.Checkpoints.WithLabelValues(r.network, "error").Inc()
}

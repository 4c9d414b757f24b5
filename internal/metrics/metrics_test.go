package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/LeJamon/trustrelay/internal/ledgersync"
	"github.com/LeJamon/trustrelay/internal/notify"
	"github.com/LeJamon/trustrelay/internal/pathfind"
	"github.com/ethereum/go-ethereum/common"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ ledgersync.Recorder = (*Recorder)(nil)
	_ pathfind.Recorder   = (*Recorder)(nil)
	_ notify.Recorder     = (*Recorder)(nil)
)

// value returns the value of the series of name whose labels include want.
func value(t *testing.T, m *Metrics, name string, want map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			if matches(metric, want) {
				switch {
				case metric.Counter != nil:
					return metric.GetCounter().GetValue()
				case metric.Gauge != nil:
					return metric.GetGauge().GetValue()
				case metric.Histogram != nil:
					return float64(metric.GetHistogram().GetSampleCount())
				}
			}
		}
	}
	t.Fatalf("no series %s%v", name, want)
	return 0
}

func matches(metric *dto.Metric, want map[string]string) bool {
	found := 0
	for _, l := range metric.GetLabel() {
		if v, ok := want[l.GetName()]; ok && v == l.GetValue() {
			found++
		}
	}
	return found == len(want)
}

func TestRecorderPerNetwork(t *testing.T) {
	m := New()
	a := common.HexToAddress("0xaa")
	b := common.HexToAddress("0xbb")
	ra, rb := m.Network(a), m.Network(b)

	ra.EventApplied("BalanceTransfer")
	ra.EventApplied("BalanceTransfer")
	rb.EventApplied("BalanceTransfer")
	ra.Reorg(3)
	ra.DecodeFault()
	ra.InconsistencyFault("TrustlineClose")
	ra.Retry()

	netA := map[string]string{"network": a.Hex()}
	assert.Equal(t, 2.0, value(t, m, "trustrelay_events_applied_total", map[string]string{"network": a.Hex(), "kind": "BalanceTransfer"}))
	assert.Equal(t, 1.0, value(t, m, "trustrelay_events_applied_total", map[string]string{"network": b.Hex()}))
	assert.Equal(t, 1.0, value(t, m, "trustrelay_reorgs_total", netA))
	assert.Equal(t, 3.0, value(t, m, "trustrelay_rolled_back_blocks_total", netA))
	assert.Equal(t, 1.0, value(t, m, "trustrelay_decode_faults_total", netA))
	assert.Equal(t, 1.0, value(t, m, "trustrelay_inconsistency_faults_total", netA))
	assert.Equal(t, 1.0, value(t, m, "trustrelay_ledger_retries_total", netA))
}

func TestSyncGauges(t *testing.T) {
	m := New()
	a := common.HexToAddress("0xaa")
	r := m.Network(a)

	r.SetState(ledgersync.Faulted)
	r.SetHeights(120, 100, 88)
	netA := map[string]string{"network": a.Hex()}
	assert.Equal(t, 3.0, value(t, m, "trustrelay_sync_state", netA))
	assert.Equal(t, 20.0, value(t, m, "trustrelay_head_lag_blocks", netA))
	assert.Equal(t, 88.0, value(t, m, "trustrelay_block_height", map[string]string{"network": a.Hex(), "position": "confirmed"}))

	r.SetHeights(90, 100, 88)
	assert.Equal(t, 0.0, value(t, m, "trustrelay_head_lag_blocks", netA))
}

func TestQueryAndDeliveryCounters(t *testing.T) {
	m := New()
	a := common.HexToAddress("0xaa")
	r := m.Network(a)

	r.QueryObserved(time.Millisecond, 2, false)
	r.QueryObserved(time.Millisecond, 0, false)
	r.QueryObserved(time.Second, 1, true)
	r.CacheHit()
	r.CacheMiss()
	r.CacheMiss()
	r.Delivered()
	r.Dropped()
	r.CheckpointWritten(time.Second)
	r.CheckpointFailed()

	outcome := func(o string) map[string]string { return map[string]string{"network": a.Hex(), "outcome": o} }
	assert.Equal(t, 1.0, value(t, m, "trustrelay_path_queries_total", outcome("found")))
	assert.Equal(t, 1.0, value(t, m, "trustrelay_path_queries_total", outcome("empty")))
	assert.Equal(t, 1.0, value(t, m, "trustrelay_path_queries_total", outcome("truncated")))
	assert.Equal(t, 3.0, value(t, m, "trustrelay_path_query_duration_seconds", map[string]string{"network": a.Hex()}))
	assert.Equal(t, 2.0, value(t, m, "trustrelay_path_cache_total", map[string]string{"network": a.Hex(), "result": "miss"}))
	assert.Equal(t, 1.0, value(t, m, "trustrelay_notifications_total", map[string]string{"network": a.Hex(), "result": "dropped"}))
	assert.Equal(t, 1.0, value(t, m, "trustrelay_checkpoints_total", map[string]string{"network": a.Hex(), "status": "error"}))
}

func TestHandlerServesMetrics(t *testing.T) {
	m := New()
	m.Network(common.HexToAddress("0xaa")).Retry()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "trustrelay_ledger_retries_total")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

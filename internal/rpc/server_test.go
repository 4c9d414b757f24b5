package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/LeJamon/trustrelay/internal/core/events"
	"github.com/LeJamon/trustrelay/internal/core/trustline"
	"github.com/LeJamon/trustrelay/internal/ledger"
	"github.com/LeJamon/trustrelay/internal/ledger/simchain"
	"github.com/LeJamon/trustrelay/internal/ledgersync"
	"github.com/LeJamon/trustrelay/internal/metrics"
	"github.com/LeJamon/trustrelay/internal/pathfind"
	"github.com/LeJamon/trustrelay/internal/relay"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	netX = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	netY = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	A    = common.HexToAddress("0x0a")
	B    = common.HexToAddress("0x0b")
	C    = common.HexToAddress("0x0c")
	D    = common.HexToAddress("0x0d")
)

func open(network, a, b common.Address, limit int64) events.Event {
	return events.Event{Network: network, Payload: events.TrustlineOpened{A: a, B: b, LimitAB: limit, LimitBA: limit, Fee: trustline.FeePolicy{}}}
}

func pay(network, from, to common.Address, amount int64) events.Event {
	return events.Event{Network: network, Payload: events.BalanceTransferred{From: from, To: to, Amount: amount}}
}

type fixture struct {
	chain   *simchain.Chain
	relay   *relay.Relay
	engines []*relay.Engine
	metrics *metrics.Metrics
	server  *httptest.Server
}

// newFixture serves two networks: A-B-C on netX with A owing B 30, and A-D on netY.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{chain: simchain.New(), metrics: metrics.New()}
	_, err := f.chain.Mine(open(netX, A, B, 100), open(netX, B, C, 50), open(netY, A, D, 10))
	require.NoError(t, err)
	_, err = f.chain.Mine(pay(netX, A, B, 30))
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	for _, network := range []common.Address{netX, netY} {
		sync := ledgersync.DefaultConfig()
		sync.FinalityDepth = 2
		sync.Backoff = ledger.Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond, MaxAttempts: 3}
		e, err := relay.NewEngine(relay.EngineConfig{
			Network:  network,
			Sync:     sync,
			Pathfind: pathfind.DefaultConfig(),
		}, f.chain.Client(network), relay.WithLogger(logger), relay.WithMetrics(f.metrics))
		require.NoError(t, err)
		t.Cleanup(e.Close)
		f.engines = append(f.engines, e)
	}
	f.relay, err = relay.New(logger, f.engines...)
	require.NoError(t, err)
	f.sync(t)

	h := NewHandler(f.relay, HandlerConfig{Timeout: 5 * time.Second, Metrics: f.metrics.Handler(), WebSocket: true}, logger)
	f.server = httptest.NewServer(h)
	t.Cleanup(f.server.Close)
	t.Cleanup(h.Close)
	return f
}

func (f *fixture) sync(t *testing.T) {
	t.Helper()
	for _, e := range f.engines {
		for i := 0; ; i++ {
			require.Less(t, i, 100, "engine did not reach the head")
			progressed, err := e.Syncer().Step(context.Background())
			require.NoError(t, err)
			if !progressed {
				break
			}
		}
	}
}

func (f *fixture) call(t *testing.T, method string, params interface{}) map[string]interface{} {
	t.Helper()
	var result map[string]interface{}
	f.callInto(t, method, params, &result)
	return result
}

func (f *fixture) callInto(t *testing.T, method string, params interface{}, v interface{}) {
	t.Helper()
	req := map[string]interface{}{"method": method}
	if params != nil {
		req["params"] = []interface{}{params}
	}
	body, err := json.Marshal(req)
	require.NoError(t, err)
	resp, err := http.Post(f.server.URL, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.NoError(t, json.Unmarshal(envelope.Result, v))
}

func TestFindPath(t *testing.T) {
	f := newFixture(t)

	var res struct {
		Status    string       `json:"status"`
		Paths     []pathResult `json:"paths"`
		Truncated bool         `json:"truncated"`
	}
	f.callInto(t, MethodFindPath, map[string]interface{}{
		"network": netX.Hex(),
		"source":  A.Hex(),
		"target":  C.Hex(),
		"amount":  "40",
	}, &res)
	assert.Equal(t, "success", res.Status)
	require.Len(t, res.Paths, 1)
	assert.Equal(t, []common.Address{A, B, C}, res.Paths[0].Accounts)
	assert.Equal(t, []int64{40, 40}, res.Paths[0].Amounts)
	assert.Equal(t, 2, res.Paths[0].Hops)
	assert.Equal(t, int64(40), res.Paths[0].SourceAmount)
	assert.False(t, res.Truncated)

	res.Paths = nil
	f.callInto(t, MethodFindPath, map[string]interface{}{
		"network": netX.Hex(),
		"source":  A.Hex(),
		"target":  C.Hex(),
		"amount":  60,
	}, &res)
	assert.Equal(t, "success", res.Status)
	assert.Empty(t, res.Paths)
}

func TestFindPathDirectionAndFeeBudget(t *testing.T) {
	f := newFixture(t)

	var res struct {
		Status    string       `json:"status"`
		Direction string       `json:"direction"`
		Paths     []pathResult `json:"paths"`
	}
	f.callInto(t, MethodFindPath, map[string]interface{}{
		"network":   netX.Hex(),
		"source":    A.Hex(),
		"target":    C.Hex(),
		"amount":    40,
		"direction": "reverse",
		"max_fee":   0,
	}, &res)
	assert.Equal(t, "success", res.Status)
	assert.Equal(t, "reverse", res.Direction)
	require.Len(t, res.Paths, 1)
	assert.Equal(t, []int64{40, 40}, res.Paths[0].Amounts)
	assert.Equal(t, int64(40), res.Paths[0].SourceAmount)
	assert.Equal(t, int64(40), res.Paths[0].TargetAmount)
	assert.Equal(t, int64(0), res.Paths[0].Fee)
}

func TestEventHistoryMethods(t *testing.T) {
	f := newFixture(t)

	result := f.call(t, MethodNetworkEvents, map[string]interface{}{"network": netX.Hex()})
	assert.Equal(t, "success", result["status"])
	assert.Equal(t, float64(2), result["head"])
	assert.Equal(t, false, result["truncated"])
	evs, ok := result["events"].([]interface{})
	require.True(t, ok)
	require.Len(t, evs, 3)
	first := evs[0].(map[string]interface{})
	assert.Equal(t, "TrustlineOpened", first["type"])
	assert.Equal(t, float64(1), first["block"])
	// head 2 with finality depth 2 confirms nothing yet
	assert.Equal(t, "pending", first["status"])

	result = f.call(t, MethodNetworkEvents, map[string]interface{}{"network": netX.Hex(), "type": "BalanceTransfer"})
	evs = result["events"].([]interface{})
	require.Len(t, evs, 1)
	payload := evs[0].(map[string]interface{})["payload"].(map[string]interface{})
	assert.Equal(t, float64(30), payload["amount"])

	result = f.call(t, MethodNetworkEvents, map[string]interface{}{"network": netX.Hex(), "account": C.Hex()})
	assert.Len(t, result["events"], 1)

	result = f.call(t, MethodUserEvents, map[string]interface{}{"account": A.Hex()})
	evs = result["events"].([]interface{})
	require.Len(t, evs, 3)
	var networks []string
	for _, ev := range evs {
		networks = append(networks, ev.(map[string]interface{})["network"].(string))
	}
	assert.Equal(t, []string{netX.Hex(), netY.Hex(), netX.Hex()}, networks)

	result = f.call(t, MethodUserEvents, map[string]interface{}{"account": A.Hex(), "type": "Transfer"})
	assert.Equal(t, "invalidParams", result["error"])
	result = f.call(t, MethodUserEvents, map[string]interface{}{"account": A.Hex(), "limit": -1})
	assert.Equal(t, "invalidQuery", result["error"])
}

func TestCapacityAndEdge(t *testing.T) {
	f := newFixture(t)

	result := f.call(t, MethodGetCapacity, map[string]interface{}{"network": netX.Hex(), "from": A.Hex(), "to": B.Hex()})
	assert.Equal(t, "success", result["status"])
	assert.Equal(t, float64(70), result["capacity"])

	result = f.call(t, MethodGetCapacity, map[string]interface{}{"network": netX.Hex(), "from": B.Hex(), "to": A.Hex()})
	assert.Equal(t, float64(100), result["capacity"])

	result = f.call(t, MethodGetEdge, map[string]interface{}{"network": netX.Hex(), "from": A.Hex(), "to": B.Hex()})
	assert.Equal(t, true, result["exists"])
	edge, ok := result["edge"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(30), edge["debt"])

	result = f.call(t, MethodGetEdge, map[string]interface{}{"network": netX.Hex(), "from": A.Hex(), "to": C.Hex()})
	assert.Equal(t, false, result["exists"])
	assert.NotContains(t, result, "edge")
}

func TestAccountSummary(t *testing.T) {
	f := newFixture(t)

	result := f.call(t, MethodAccountSummary, map[string]interface{}{"network": netX.Hex(), "account": B.Hex()})
	summary, ok := result["summary"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(30), summary["balance"])

	result = f.call(t, MethodAccountSummary, map[string]interface{}{"network": netX.Hex(), "account": A.Hex(), "counterparty": B.Hex()})
	assert.Equal(t, true, result["exists"])
	summary = result["summary"].(map[string]interface{})
	assert.Equal(t, float64(-30), summary["balance"])

	result = f.call(t, MethodAccountSummary, map[string]interface{}{"network": netX.Hex(), "account": A.Hex(), "counterparty": C.Hex()})
	assert.Equal(t, false, result["exists"])
}

func TestNetworks(t *testing.T) {
	f := newFixture(t)

	var res struct {
		Networks []common.Address `json:"networks"`
	}
	f.callInto(t, MethodNetworks, nil, &res)
	assert.Equal(t, []common.Address{netX, netY}, res.Networks)

	f.callInto(t, MethodNetworksOfUser, map[string]interface{}{"account": A.Hex()}, &res)
	assert.Equal(t, []common.Address{netX, netY}, res.Networks)

	f.callInto(t, MethodNetworksOfUser, map[string]interface{}{"account": C.Hex()}, &res)
	assert.Equal(t, []common.Address{netX}, res.Networks)
}

func TestSyncStatus(t *testing.T) {
	f := newFixture(t)

	var res struct {
		Healthy  bool                 `json:"healthy"`
		Networks []relay.EngineStatus `json:"networks"`
	}
	f.callInto(t, MethodSyncStatus, map[string]interface{}{"network": netY.Hex()}, &res)
	assert.True(t, res.Healthy)
	require.Len(t, res.Networks, 1)
	assert.Equal(t, netY, res.Networks[0].Network)
	assert.Equal(t, 1, res.Networks[0].Trustlines)

	// GET defaults to sync_status
	resp, err := http.Get(f.server.URL + "/rpc")
	require.NoError(t, err)
	defer resp.Body.Close()
	var envelope struct {
		Result struct {
			Status   string               `json:"status"`
			Networks []relay.EngineStatus `json:"networks"`
		} `json:"result"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, "success", envelope.Result.Status)
	assert.Len(t, envelope.Result.Networks, 2)
}

func TestErrors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		method string
		params map[string]interface{}
		error  string
		code   int
	}{
		{
			name:   "unknown method",
			method: "ledger_closed",
			error:  "unknownCmd",
			code:   RpcMETHOD_NOT_FOUND,
		},
		{
			name:   "unknown network",
			method: MethodGetCapacity,
			params: map[string]interface{}{"network": common.HexToAddress("0xcc").Hex(), "from": A.Hex(), "to": B.Hex()},
			error:  "unknownNetwork",
			code:   RpcUNKNOWN_NETWORK,
		},
		{
			name:   "malformed address",
			method: MethodGetCapacity,
			params: map[string]interface{}{"network": netX.Hex(), "from": "0x123", "to": B.Hex()},
			error:  "invalidParams",
			code:   RpcINVALID_PARAMS,
		},
		{
			name:   "missing field",
			method: MethodNetworksOfUser,
			params: map[string]interface{}{},
			error:  "invalidParams",
			code:   RpcINVALID_PARAMS,
		},
		{
			name:   "non-positive amount",
			method: MethodFindPath,
			params: map[string]interface{}{"network": netX.Hex(), "source": A.Hex(), "target": C.Hex(), "amount": 0},
			error:  "invalidQuery",
			code:   RpcINVALID_QUERY,
		},
		{
			name:   "same source and target",
			method: MethodFindPath,
			params: map[string]interface{}{"network": netX.Hex(), "source": A.Hex(), "target": A.Hex(), "amount": 5},
			error:  "invalidQuery",
			code:   RpcINVALID_QUERY,
		},
		{
			name:   "unknown direction",
			method: MethodFindPath,
			params: map[string]interface{}{"network": netX.Hex(), "source": A.Hex(), "target": C.Hex(), "amount": 5, "direction": "sideways"},
			error:  "invalidQuery",
			code:   RpcINVALID_QUERY,
		},
		{
			name:   "negative fee budget",
			method: MethodFindPath,
			params: map[string]interface{}{"network": netX.Hex(), "source": A.Hex(), "target": C.Hex(), "amount": 5, "max_fee": -1},
			error:  "invalidQuery",
			code:   RpcINVALID_QUERY,
		},
		{
			name:   "malformed amount",
			method: MethodFindPath,
			params: map[string]interface{}{"network": netX.Hex(), "source": A.Hex(), "target": C.Hex(), "amount": "ten"},
			error:  "invalidParams",
			code:   RpcINVALID_PARAMS,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var params interface{}
			if tt.params != nil {
				params = tt.params
			}
			result := f.call(t, tt.method, params)
			assert.Equal(t, "error", result["status"])
			assert.Equal(t, tt.error, result["error"])
			assert.Equal(t, float64(tt.code), result["error_code"])
			request, ok := result["request"].(map[string]interface{})
			require.True(t, ok)
			assert.Equal(t, tt.method, request["command"])
		})
	}
}

func TestMalformedRequests(t *testing.T) {
	f := newFixture(t)

	post := func(body string) map[string]interface{} {
		resp, err := http.Post(f.server.URL, "application/json", bytes.NewBufferString(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		var envelope struct {
			Result map[string]interface{} `json:"result"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
		return envelope.Result
	}
	assert.Equal(t, "jsonInvalid", post("{")["error"])
	assert.Equal(t, "missingCommand", post(`{"params":[{}]}`)["error"])

	req, err := http.NewRequest(http.MethodDelete, f.server.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

type faultedBackend struct {
	Backend
}

func (faultedBackend) Healthy() bool { return false }

func TestHealth(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.server.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	h := NewHandler(faultedBackend{f.relay}, HandlerConfig{}, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "faulted")

	// without websocket support /ws falls through to the RPC endpoint
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Contains(t, rec.Body.String(), "success")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "trustrelay_events_applied_total")
}

func TestServeListenerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		done <- ServeListener(ctx, lis, http.NotFoundHandler(), zaptest.NewLogger(t))
	}()

	resp, err := http.Get("http://" + lis.Addr().String() + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

package rpc

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/LeJamon/trustrelay/internal/core/trustline"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, cmd map[string]interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(cmd))
}

func receive(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

type wsResponse struct {
	Type   string          `json:"type"`
	ID     int             `json:"id"`
	Status string          `json:"status"`
	Error  string          `json:"error"`
	Result json.RawMessage `json:"result"`
}

func TestWebSocketMethods(t *testing.T) {
	f := newFixture(t)
	conn := dial(t, f)

	send(t, conn, map[string]interface{}{
		"command": MethodGetCapacity,
		"id":      7,
		"network": netX.Hex(),
		"from":    A.Hex(),
		"to":      B.Hex(),
	})
	var resp wsResponse
	receive(t, conn, &resp)
	assert.Equal(t, "response", resp.Type)
	assert.Equal(t, 7, resp.ID)
	assert.Equal(t, "success", resp.Status)
	var result struct {
		Capacity int64 `json:"capacity"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, int64(70), result.Capacity)

	send(t, conn, map[string]interface{}{"command": "ledger", "id": 8})
	resp = wsResponse{}
	receive(t, conn, &resp)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "unknownCmd", resp.Error)
	assert.Equal(t, 8, resp.ID)

	send(t, conn, map[string]interface{}{"id": 9})
	resp = wsResponse{}
	receive(t, conn, &resp)
	assert.Equal(t, "missingCommand", resp.Error)
}

func TestWebSocketSubscription(t *testing.T) {
	f := newFixture(t)
	conn := dial(t, f)

	send(t, conn, map[string]interface{}{
		"command":  "subscribe",
		"id":       1,
		"network":  netX.Hex(),
		"accounts": []string{C.Hex()},
	})
	var resp wsResponse
	receive(t, conn, &resp)
	require.Equal(t, "success", resp.Status)
	var subscribed struct {
		Subscription string           `json:"subscription"`
		Accounts     []common.Address `json:"accounts"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &subscribed))
	require.NotEmpty(t, subscribed.Subscription)
	assert.Equal(t, []common.Address{C}, subscribed.Accounts)

	// only the B-C change involves C
	_, err := f.chain.Mine(pay(netX, A, B, 5), pay(netX, B, C, 20))
	require.NoError(t, err)
	f.sync(t)

	var msg StreamMessage
	receive(t, conn, &msg)
	assert.Equal(t, StreamTrustlineChange, msg.Type)
	assert.Equal(t, subscribed.Subscription, msg.Subscription)
	assert.Zero(t, msg.Dropped)
	n := msg.Notification
	assert.Equal(t, netX, n.Network)
	assert.Equal(t, "BalanceTransfer", n.Kind)
	assert.False(t, n.Rollback)
	assert.True(t, n.Involves(B))
	assert.True(t, n.Involves(C))
	pair, _, err := trustline.NewPair(B, C)
	require.NoError(t, err)
	assert.Equal(t, pair.Low, n.Low)
	// B now owes C 20 and may still pay it 30
	capacity, err := f.relay.GetCapacity(netX, B, C)
	require.NoError(t, err)
	assert.Equal(t, int64(30), capacity)

	send(t, conn, map[string]interface{}{"command": "unsubscribe", "id": 2})
	resp = wsResponse{}
	receive(t, conn, &resp)
	require.Equal(t, "success", resp.Status)
	var unsubscribed struct {
		Unsubscribed []string `json:"unsubscribed"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &unsubscribed))
	assert.Equal(t, []string{subscribed.Subscription}, unsubscribed.Unsubscribed)

	status := f.relay.Status()
	assert.Zero(t, status[0].Subscribers)
}

func TestWebSocketSubscribeErrors(t *testing.T) {
	f := newFixture(t)
	conn := dial(t, f)

	send(t, conn, map[string]interface{}{"command": "subscribe", "id": 1, "network": common.HexToAddress("0xcc").Hex()})
	var resp wsResponse
	receive(t, conn, &resp)
	assert.Equal(t, "unknownNetwork", resp.Error)

	send(t, conn, map[string]interface{}{"command": "subscribe", "id": 2, "network": netX.Hex(), "accounts": []string{"nope"}})
	resp = wsResponse{}
	receive(t, conn, &resp)
	assert.Equal(t, "invalidParams", resp.Error)

	send(t, conn, map[string]interface{}{"command": "unsubscribe", "id": 3, "subscription": "missing"})
	resp = wsResponse{}
	receive(t, conn, &resp)
	assert.Equal(t, "invalidParams", resp.Error)
}

func TestWebSocketCloseEndsSubscriptions(t *testing.T) {
	f := newFixture(t)
	conn := dial(t, f)

	send(t, conn, map[string]interface{}{"command": "subscribe", "id": 1, "network": netY.Hex()})
	var resp wsResponse
	receive(t, conn, &resp)
	require.Equal(t, "success", resp.Status)
	require.Equal(t, 1, f.relay.Status()[1].Subscribers)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return f.relay.Status()[1].Subscribers == 0
	}, 5*time.Second, 10*time.Millisecond)
}

package rpc

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/LeJamon/trustrelay/internal/notify"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsReadLimit    = 512 * 1024
	wsPongWait     = 60 * time.Second
	wsPingInterval = 54 * time.Second
	wsWriteWait    = 10 * time.Second
	wsSendBuffer   = 256
)

// WebSocketServer answers RPC commands over websocket and streams trustline
// changes to subscribed connections.
type WebSocketServer struct {
	upgrader         websocket.Upgrader
	backend          Backend
	methodRegistry   *MethodRegistry
	connections      map[string]*WebSocketConnection
	connectionsMutex sync.RWMutex
	timeout          time.Duration
	logger           *zap.Logger
}

// WebSocketConnection represents a single WebSocket connection
type WebSocketConnection struct {
	ID          string
	conn        *websocket.Conn
	sendChannel chan []byte
	ctx         context.Context
	cancel      context.CancelFunc
	closeOnce   sync.Once

	mutex         sync.Mutex
	subscriptions map[string]*notify.Subscription
}

// NewWebSocketServer creates a websocket server over backend. Commands other
// than subscribe and unsubscribe are bounded by timeout unless it is zero.
func NewWebSocketServer(backend Backend, timeout time.Duration, logger *zap.Logger) *WebSocketServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	ws := &WebSocketServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		backend:        backend,
		methodRegistry: NewMethodRegistry(),
		connections:    make(map[string]*WebSocketConnection),
		timeout:        timeout,
		logger:         logger,
	}
	RegisterMethods(ws.methodRegistry, backend)
	return ws
}

// ServeHTTP handles WebSocket upgrade requests
func (ws *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	// the connection outlives the upgrade request
	ctx, cancel := context.WithCancel(context.Background())
	wsConn := &WebSocketConnection{
		ID:            uuid.NewString(),
		conn:          conn,
		sendChannel:   make(chan []byte, wsSendBuffer),
		ctx:           ctx,
		cancel:        cancel,
		subscriptions: make(map[string]*notify.Subscription),
	}

	ws.connectionsMutex.Lock()
	ws.connections[wsConn.ID] = wsConn
	ws.connectionsMutex.Unlock()
	ws.logger.Debug("websocket connection opened",
		zap.String("connection", wsConn.ID),
		zap.String("client", clientIP(conn.RemoteAddr())))

	go ws.handleConnection(wsConn)
	go ws.handleSend(wsConn)
}

// Len returns the number of open connections.
func (ws *WebSocketServer) Len() int {
	ws.connectionsMutex.RLock()
	defer ws.connectionsMutex.RUnlock()
	return len(ws.connections)
}

// Close closes every connection.
func (ws *WebSocketServer) Close() {
	ws.connectionsMutex.RLock()
	conns := make([]*WebSocketConnection, 0, len(ws.connections))
	for _, c := range ws.connections {
		conns = append(conns, c)
	}
	ws.connectionsMutex.RUnlock()
	for _, c := range conns {
		ws.closeConnection(c)
	}
}

// handleConnection reads commands until the connection fails or closes.
func (ws *WebSocketServer) handleConnection(wsConn *WebSocketConnection) {
	defer ws.closeConnection(wsConn)

	wsConn.conn.SetReadLimit(wsReadLimit)
	_ = wsConn.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	wsConn.conn.SetPongHandler(func(string) error {
		return wsConn.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, message, err := wsConn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.logger.Debug("websocket read failed", zap.String("connection", wsConn.ID), zap.Error(err))
			}
			return
		}
		ws.handleMessage(wsConn, message)
	}
}

// handleSend is the connection's only writer. It also keeps the connection
// alive with pings.
func (ws *WebSocketServer) handleSend(wsConn *WebSocketConnection) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	defer wsConn.conn.Close()
	defer ws.closeConnection(wsConn)

	for {
		select {
		case <-wsConn.ctx.Done():
			_ = wsConn.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait))
			return
		case <-ticker.C:
			_ = wsConn.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := wsConn.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case message := <-wsConn.sendChannel:
			_ = wsConn.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := wsConn.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				ws.logger.Debug("websocket send failed", zap.String("connection", wsConn.ID), zap.Error(err))
				return
			}
		}
	}
}

// handleMessage processes one command. Commands carry their parameters at
// the top level next to "command" and the optional "id".
func (ws *WebSocketServer) handleMessage(wsConn *WebSocketConnection, message []byte) {
	var cmdMap map[string]json.RawMessage
	if err := json.Unmarshal(message, &cmdMap); err != nil {
		ws.sendError(wsConn, RpcErrorInvalidParams("Invalid JSON: "+err.Error()), nil)
		return
	}

	var id interface{}
	if raw, ok := cmdMap["id"]; ok {
		_ = json.Unmarshal(raw, &id)
	}
	var command string
	if raw, ok := cmdMap["command"]; ok {
		_ = json.Unmarshal(raw, &command)
	}
	if command == "" {
		ws.sendError(wsConn, NewRpcError(RpcMISSING_COMMAND, "missingCommand", "Missing command field"), id)
		return
	}
	delete(cmdMap, "command")
	delete(cmdMap, "id")
	params, _ := json.Marshal(cmdMap)

	switch command {
	case "subscribe":
		ws.handleSubscribe(wsConn, params, id)
	case "unsubscribe":
		ws.handleUnsubscribe(wsConn, params, id)
	default:
		ws.handleRPCMethod(wsConn, command, params, id)
	}
}

func (ws *WebSocketServer) handleSubscribe(wsConn *WebSocketConnection, params json.RawMessage, id interface{}) {
	var request SubscribeRequest
	if err := parseParams(params, &request); err != nil {
		ws.sendError(wsConn, err, id)
		return
	}
	network, rpcErr := parseAddress("network", request.Network)
	if rpcErr != nil {
		ws.sendError(wsConn, rpcErr, id)
		return
	}
	var filter notify.Filter
	for _, a := range request.Accounts {
		account, rpcErr := parseAddress("accounts", a)
		if rpcErr != nil {
			ws.sendError(wsConn, rpcErr, id)
			return
		}
		filter.Accounts = append(filter.Accounts, account)
	}

	sub, err := ws.backend.SubscribeChanges(network, filter)
	if err != nil {
		ws.sendError(wsConn, RpcErrorFrom(err), id)
		return
	}
	wsConn.mutex.Lock()
	if wsConn.ctx.Err() != nil {
		wsConn.mutex.Unlock()
		sub.Close()
		return
	}
	wsConn.subscriptions[sub.ID()] = sub
	wsConn.mutex.Unlock()

	// the response goes out before the first notification
	ws.sendResponse(wsConn, WebSocketResponse{
		Type:   "response",
		ID:     id,
		Status: "success",
		Result: map[string]interface{}{
			"subscription": sub.ID(),
			"network":      network,
			"accounts":     filter.Accounts,
		},
	})
	go ws.forward(wsConn, sub)
}

// forward streams sub to the connection until one of them ends. A full send
// buffer loses the notification; the stream's dropped count tells the client.
func (ws *WebSocketServer) forward(wsConn *WebSocketConnection, sub *notify.Subscription) {
	for {
		select {
		case <-wsConn.ctx.Done():
			return
		case n, ok := <-sub.C():
			if !ok {
				// ended by the relay rather than by unsubscribe
				if ws.removeSubscription(wsConn, sub.ID()) {
					ws.offer(wsConn, StreamMessage{Type: StreamSubscriptionClosed, Subscription: sub.ID(), Dropped: sub.Dropped()})
				}
				return
			}
			ws.offer(wsConn, StreamMessage{
				Type:         StreamTrustlineChange,
				Subscription: sub.ID(),
				Dropped:      sub.Dropped(),
				Notification: n,
			})
		}
	}
}

func (ws *WebSocketServer) handleUnsubscribe(wsConn *WebSocketConnection, params json.RawMessage, id interface{}) {
	var request UnsubscribeRequest
	if err := parseParams(params, &request); err != nil {
		ws.sendError(wsConn, err, id)
		return
	}

	var ended []*notify.Subscription
	wsConn.mutex.Lock()
	if request.Subscription == "" {
		for sid, sub := range wsConn.subscriptions {
			ended = append(ended, sub)
			delete(wsConn.subscriptions, sid)
		}
	} else if sub, ok := wsConn.subscriptions[request.Subscription]; ok {
		ended = append(ended, sub)
		delete(wsConn.subscriptions, request.Subscription)
	}
	wsConn.mutex.Unlock()

	if request.Subscription != "" && len(ended) == 0 {
		ws.sendError(wsConn, RpcErrorInvalidParams("Unknown subscription: "+request.Subscription), id)
		return
	}
	ids := make([]string, 0, len(ended))
	for _, sub := range ended {
		ids = append(ids, sub.ID())
		sub.Close()
	}
	ws.sendResponse(wsConn, WebSocketResponse{
		Type:   "response",
		ID:     id,
		Status: "success",
		Result: map[string]interface{}{"unsubscribed": ids},
	})
}

func (ws *WebSocketServer) handleRPCMethod(wsConn *WebSocketConnection, command string, params json.RawMessage, id interface{}) {
	handler, exists := ws.methodRegistry.Get(command)
	if !exists {
		ws.sendError(wsConn, RpcErrorMethodNotFound(command), id)
		return
	}

	ctx, cancel := wsConn.ctx, context.CancelFunc(func() {})
	if ws.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, ws.timeout)
	}
	defer cancel()
	result, rpcErr := handler.Handle(&RpcContext{Context: ctx, ClientIP: clientIP(wsConn.conn.RemoteAddr())}, params)
	if rpcErr != nil {
		ws.sendError(wsConn, rpcErr, id)
		return
	}
	ws.sendResponse(wsConn, WebSocketResponse{
		Type:   "response",
		ID:     id,
		Status: "success",
		Result: result,
	})
}

// sendResponse queues a command response. A client that does not keep up
// with its responses is disconnected.
func (ws *WebSocketServer) sendResponse(wsConn *WebSocketConnection, response interface{}) {
	data, err := json.Marshal(response)
	if err != nil {
		ws.logger.Error("failed to marshal websocket response", zap.Error(err))
		return
	}
	select {
	case wsConn.sendChannel <- data:
	case <-wsConn.ctx.Done():
	default:
		ws.logger.Warn("websocket send channel full, closing connection", zap.String("connection", wsConn.ID))
		ws.closeConnection(wsConn)
	}
}

// sendError sends an error response with flat error fields.
func (ws *WebSocketServer) sendError(wsConn *WebSocketConnection, rpcErr *RpcError, id interface{}) {
	response := map[string]interface{}{
		"type":          "response",
		"status":        "error",
		"error":         rpcErr.ErrorString,
		"error_code":    rpcErr.Code,
		"error_message": rpcErr.Message,
	}
	if id != nil {
		response["id"] = id
	}
	ws.sendResponse(wsConn, response)
}

// offer queues a stream message without blocking.
func (ws *WebSocketServer) offer(wsConn *WebSocketConnection, msg StreamMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		ws.logger.Error("failed to marshal stream message", zap.Error(err))
		return
	}
	select {
	case wsConn.sendChannel <- data:
	case <-wsConn.ctx.Done():
	default:
		ws.logger.Debug("skipping slow websocket connection", zap.String("connection", wsConn.ID))
	}
}

func (ws *WebSocketServer) removeSubscription(wsConn *WebSocketConnection, id string) bool {
	wsConn.mutex.Lock()
	defer wsConn.mutex.Unlock()
	_, ok := wsConn.subscriptions[id]
	delete(wsConn.subscriptions, id)
	return ok
}

// closeConnection ends the connection's subscriptions and stops its writer,
// which closes the socket. It is safe to call more than once.
func (ws *WebSocketServer) closeConnection(wsConn *WebSocketConnection) {
	wsConn.closeOnce.Do(func() {
		wsConn.cancel()

		ws.connectionsMutex.Lock()
		delete(ws.connections, wsConn.ID)
		ws.connectionsMutex.Unlock()

		wsConn.mutex.Lock()
		for id, sub := range wsConn.subscriptions {
			sub.Close()
			delete(wsConn.subscriptions, id)
		}
		wsConn.mutex.Unlock()

		ws.logger.Debug("websocket connection closed", zap.String("connection", wsConn.ID))
	})
}

func clientIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

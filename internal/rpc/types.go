package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/LeJamon/trustrelay/internal/core/graph"
	"github.com/LeJamon/trustrelay/internal/notify"
	"github.com/LeJamon/trustrelay/internal/pathfind"
	"github.com/LeJamon/trustrelay/internal/relay"
	"github.com/ethereum/go-ethereum/common"
)

// Backend answers the queries served over RPC. *relay.Relay implements it.
type Backend interface {
	Networks() []common.Address
	NetworksOfUser(a common.Address) []common.Address
	FindPath(ctx context.Context, network common.Address, q pathfind.Query) (pathfind.Result, error)
	GetCapacity(network, from, to common.Address) (int64, error)
	GetEdge(network, from, to common.Address) (graph.EdgeView, bool, error)
	AccountSummary(network, a common.Address) (graph.Summary, error)
	PairSummary(network, a, b common.Address) (graph.Summary, bool, error)
	SubscribeChanges(network common.Address, f notify.Filter) (*notify.Subscription, error)
	NetworkEvents(ctx context.Context, network common.Address, q relay.EventQuery) (relay.EventPage, error)
	UserEvents(ctx context.Context, user common.Address, q relay.EventQuery) (relay.EventPage, error)
	Status() []relay.EngineStatus
	Healthy() bool
}

var _ Backend = (*relay.Relay)(nil)

// RpcError is an error returned to RPC clients.
type RpcError struct {
	Code        int    `json:"error_code"`
	ErrorString string `json:"error"`
	Message     string `json:"error_message,omitempty"`
}

func (e RpcError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.ErrorString
}

// Error codes. The negative ones follow JSON-RPC 2.0.
const (
	RpcINVALID_REQUEST  = -32600
	RpcMETHOD_NOT_FOUND = -32601
	RpcINVALID_PARAMS   = -32602
	RpcINTERNAL         = -32603

	RpcINVALID_QUERY   = 30
	RpcUNKNOWN_NETWORK = 31
	RpcRESYNC_REQUIRED = 32
	RpcTIMEOUT         = 33
	RpcMISSING_COMMAND = 34
)

func NewRpcError(code int, errorString, message string) *RpcError {
	return &RpcError{Code: code, ErrorString: errorString, Message: message}
}

func RpcErrorInvalidParams(message string) *RpcError {
	return NewRpcError(RpcINVALID_PARAMS, "invalidParams", message)
}

func RpcErrorMethodNotFound(method string) *RpcError {
	return NewRpcError(RpcMETHOD_NOT_FOUND, "unknownCmd", "Unknown method: "+method)
}

func RpcErrorInternal(message string) *RpcError {
	return NewRpcError(RpcINTERNAL, "internal", message)
}

// RpcErrorFrom maps a backend error onto its client-facing code.
func RpcErrorFrom(err error) *RpcError {
	switch {
	case err == nil:
		return nil
	case pathfind.IsInvalidQuery(err):
		return NewRpcError(RpcINVALID_QUERY, "invalidQuery", err.Error())
	case errors.Is(err, relay.ErrInvalidEventQuery):
		return NewRpcError(RpcINVALID_QUERY, "invalidQuery", err.Error())
	case errors.Is(err, relay.ErrUnknownNetwork):
		return NewRpcError(RpcUNKNOWN_NETWORK, "unknownNetwork", err.Error())
	case errors.Is(err, relay.ErrResyncRequired):
		return NewRpcError(RpcRESYNC_REQUIRED, "resyncRequired", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return NewRpcError(RpcTIMEOUT, "timeout", "request timed out")
	case errors.Is(err, context.Canceled):
		return NewRpcError(RpcTIMEOUT, "canceled", "request canceled")
	default:
		return RpcErrorInternal(err.Error())
	}
}

// RpcContext contains request-specific information.
type RpcContext struct {
	Context  context.Context
	ClientIP string
}

// MethodHandler is implemented by every RPC method.
type MethodHandler interface {
	Handle(ctx *RpcContext, params json.RawMessage) (interface{}, *RpcError)
}

// MethodFunc adapts a function to MethodHandler.
type MethodFunc func(ctx *RpcContext, params json.RawMessage) (interface{}, *RpcError)

func (f MethodFunc) Handle(ctx *RpcContext, params json.RawMessage) (interface{}, *RpcError) {
	return f(ctx, params)
}

// MethodRegistry maps method names to handlers.
type MethodRegistry struct {
	methods map[string]MethodHandler
}

func NewMethodRegistry() *MethodRegistry {
	return &MethodRegistry{
		methods: make(map[string]MethodHandler),
	}
}

func (r *MethodRegistry) Register(name string, handler MethodHandler) {
	r.methods[name] = handler
}

func (r *MethodRegistry) Get(name string) (MethodHandler, bool) {
	handler, exists := r.methods[name]
	return handler, exists
}

// List returns the registered method names in order.
func (r *MethodRegistry) List() []string {
	methods := make([]string, 0, len(r.methods))
	for name := range r.methods {
		methods = append(methods, name)
	}
	sort.Strings(methods)
	return methods
}

// WebSocketResponse answers one websocket command.
type WebSocketResponse struct {
	Type   string      `json:"type"`
	ID     interface{} `json:"id,omitempty"`
	Status string      `json:"status,omitempty"`
	Result interface{} `json:"result,omitempty"`
}

// StreamMessage carries one trustline change to a websocket subscriber.
type StreamMessage struct {
	Type         string              `json:"type"`
	Subscription string              `json:"subscription"`
	Dropped      uint64              `json:"dropped"`
	Notification notify.Notification `json:"notification"`
}

// SubscribeRequest selects the changes a websocket client receives. An
// empty account list receives every change of the network.
type SubscribeRequest struct {
	Network  string   `json:"network"`
	Accounts []string `json:"accounts,omitempty"`
}

// UnsubscribeRequest ends one subscription, or all of the connection's
// subscriptions when Subscription is empty.
type UnsubscribeRequest struct {
	Subscription string `json:"subscription,omitempty"`
}

// Stream message types.
const (
	StreamTrustlineChange    = "trustline_change"
	StreamSubscriptionClosed = "subscription_closed"
)

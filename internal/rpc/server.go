// Package rpc serves the relay's queries as JSON-RPC over HTTP and streams
// trustline changes to websocket subscribers.
package rpc

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// maxBodySize bounds a JSON-RPC request body.
const maxBodySize = 1 << 20

// Server handles HTTP JSON-RPC requests.
type Server struct {
	registry *MethodRegistry
	timeout  time.Duration
	logger   *zap.Logger
}

// NewServer creates an RPC server answering from backend. Each request is
// bounded by timeout unless it is zero.
func NewServer(backend Backend, timeout time.Duration, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &Server{
		registry: NewMethodRegistry(),
		timeout:  timeout,
		logger:   logger,
	}
	RegisterMethods(server.registry, backend)
	return server
}

// Registry returns the server's method registry.
func (s *Server) Registry() *MethodRegistry {
	return s.registry
}

// Request is a JSON-RPC request.
// Format: {"method": "method_name", "params": [{...}]}
type Request struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params,omitempty"`
}

// ServeHTTP implements http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Content-Type", "application/json")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.Method == http.MethodGet {
		s.handleGetRequest(w, r)
		return
	}
	s.handlePostRequest(w, r)
}

// handleGetRequest runs parameterless methods named by the command query
// parameter, sync_status by default.
func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Query().Get("command")
	if method == "" {
		method = MethodSyncStatus
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()

	result, rpcErr := s.executeMethod(method, nil, ctx)
	s.writeResponse(w, map[string]interface{}{"command": method}, result, rpcErr)
}

func (s *Server) handlePostRequest(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.writeResponse(w, nil, nil, RpcErrorInternal("Failed to read request body"))
		return
	}

	var request Request
	if err := json.Unmarshal(body, &request); err != nil {
		s.writeResponse(w, nil, nil, NewRpcError(RpcINVALID_REQUEST, "jsonInvalid", "Invalid JSON: "+err.Error()))
		return
	}
	if request.Method == "" {
		s.writeResponse(w, nil, nil, NewRpcError(RpcMISSING_COMMAND, "missingCommand", "Missing method field"))
		return
	}

	// params is an array holding one object
	var params json.RawMessage
	if len(request.Params) > 0 {
		params = request.Params[0]
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()
	result, rpcErr := s.executeMethod(request.Method, params, ctx)

	var requestObj interface{}
	if rpcErr != nil {
		reqMap := map[string]interface{}{}
		if params != nil {
			_ = json.Unmarshal(params, &reqMap)
		}
		reqMap["command"] = request.Method
		requestObj = reqMap
	}
	s.writeResponse(w, requestObj, result, rpcErr)
}

// requestContext returns the per-request RPC context and its cancel func.
func (s *Server) requestContext(r *http.Request) (*RpcContext, context.CancelFunc) {
	ctx, cancel := r.Context(), context.CancelFunc(func() {})
	if s.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
	}
	return &RpcContext{Context: ctx, ClientIP: getClientIP(r)}, cancel
}

func (s *Server) executeMethod(method string, params json.RawMessage, ctx *RpcContext) (interface{}, *RpcError) {
	handler, exists := s.registry.Get(method)
	if !exists {
		return nil, RpcErrorMethodNotFound(method)
	}
	start := time.Now()
	result, rpcErr := handler.Handle(ctx, params)
	if rpcErr != nil && rpcErr.Code == RpcINTERNAL {
		s.logger.Warn("rpc method failed",
			zap.String("method", method),
			zap.String("client", ctx.ClientIP),
			zap.String("error", rpcErr.Message))
	} else {
		s.logger.Debug("rpc method",
			zap.String("method", method),
			zap.Duration("elapsed", time.Since(start)))
	}
	return result, rpcErr
}

// writeResponse writes the result object with status "success" or
// "error". Error fields sit inside result next to the failed request.
func (s *Server) writeResponse(w http.ResponseWriter, request interface{}, result interface{}, rpcErr *RpcError) {
	var resultObj map[string]interface{}
	switch {
	case rpcErr != nil:
		resultObj = map[string]interface{}{
			"status":        "error",
			"error":         rpcErr.ErrorString,
			"error_code":    rpcErr.Code,
			"error_message": rpcErr.Message,
		}
		if request != nil {
			resultObj["request"] = request
		}
	default:
		if m, ok := result.(map[string]interface{}); ok {
			resultObj = m
		} else {
			resultObj = map[string]interface{}{"data": result}
		}
		resultObj["status"] = "success"
	}

	data, err := json.Marshal(map[string]interface{}{"result": resultObj})
	if err != nil {
		s.logger.Error("failed to marshal response", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}

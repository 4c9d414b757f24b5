package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HandlerConfig configures NewHandler.
type HandlerConfig struct {
	// Timeout bounds each RPC call. Zero disables it.
	Timeout time.Duration
	// Metrics is served on /metrics when set.
	Metrics http.Handler
	// WebSocket enables the /ws endpoint.
	WebSocket bool
}

// Handler routes the relay's HTTP endpoints.
type Handler struct {
	mux *http.ServeMux
	rpc *Server
	ws  *WebSocketServer
}

// NewHandler builds the HTTP surface over backend:
//
//	/, /rpc   JSON-RPC
//	/ws       websocket commands and change streams
//	/health   200 while no network is faulted, 503 otherwise
//	/metrics  Prometheus exposition
func NewHandler(backend Backend, cfg HandlerConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		mux: http.NewServeMux(),
		rpc: NewServer(backend, cfg.Timeout, logger.Named("rpc")),
	}
	h.mux.Handle("/", h.rpc)
	h.mux.Handle("/rpc", h.rpc)
	if cfg.WebSocket {
		h.ws = NewWebSocketServer(backend, cfg.Timeout, logger.Named("ws"))
		h.mux.Handle("/ws", h.ws)
	}
	if cfg.Metrics != nil {
		h.mux.Handle("/metrics", cfg.Metrics)
	}
	h.mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		status, code := "ok", http.StatusOK
		if !backend.Healthy() {
			status, code = "faulted", http.StatusServiceUnavailable
		}
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": status, "service": "relayd"})
	})
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Close drops every websocket connection.
func (h *Handler) Close() {
	if h.ws != nil {
		h.ws.Close()
	}
}

// Serve serves h on addr until ctx is done, then shuts it down gracefully.
func Serve(ctx context.Context, addr string, h http.Handler, logger *zap.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ServeListener(ctx, lis, h, logger)
}

// ServeListener is Serve on an open listener.
func ServeListener(ctx context.Context, lis net.Listener, h http.Handler, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", lis.Addr().String()))
		errCh <- srv.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if closer, ok := h.(interface{ Close() }); ok {
		closer.Close()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("http server stopped")
	return nil
}

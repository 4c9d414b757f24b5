package grpc

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/LeJamon/trustrelay/internal/ledgersync"
	"github.com/LeJamon/trustrelay/internal/relay"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// NetworkServicePrefix prefixes the per-network health service names. The
// empty service name reports the relay as a whole.
const NetworkServicePrefix = "trustrelay.network."

const stopGrace = 5 * time.Second

// StatusSource reports the state of every followed network. *relay.Relay
// implements it.
type StatusSource interface {
	Status() []relay.EngineStatus
}

// ServiceName returns the health service name of network.
func ServiceName(network common.Address) string {
	return NetworkServicePrefix + strings.ToLower(network.Hex())
}

// Server represents the gRPC health server.
type Server struct {
	mu sync.RWMutex

	grpcServer *grpc.Server
	health     *health.Server
	source     StatusSource
	config     *ServerConfig
	logger     *zap.Logger

	listener net.Listener
	running  bool
}

// NewServer creates a gRPC server reporting the health of source. The relay
// is SERVING while no network is faulted; each network is also reported
// under its own service name.
func NewServer(cfg *ServerConfig, source StatusSource, logger *zap.Logger) (*Server, error) {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(cfg.MaxRecvMsgSize),
		grpc.MaxSendMsgSize(cfg.MaxSendMsgSize),
		grpc.UnaryInterceptor(UnaryServerInterceptor(logger)),
		grpc.StreamInterceptor(StreamServerInterceptor(logger)),
	}
	server := &Server{
		grpcServer: grpc.NewServer(opts...),
		health:     health.NewServer(),
		source:     source,
		config:     cfg,
		logger:     logger,
	}
	healthpb.RegisterHealthServer(server.grpcServer, server.health)
	server.Refresh()
	return server, nil
}

// Refresh re-evaluates the health of every network.
func (s *Server) Refresh() {
	overall := healthpb.HealthCheckResponse_SERVING
	for _, st := range s.source.Status() {
		serving := healthpb.HealthCheckResponse_SERVING
		if st.Sync.State == ledgersync.Faulted {
			serving = healthpb.HealthCheckResponse_NOT_SERVING
			overall = healthpb.HealthCheckResponse_NOT_SERVING
		}
		s.health.SetServingStatus(ServiceName(st.Network), serving)
	}
	s.health.SetServingStatus("", overall)
}

// Serve serves on lis and refreshes health until ctx is done, then stops
// gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server is already running")
	}
	s.listener = lis
	s.running = true
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("grpc server listening", zap.String("addr", lis.Addr().String()))
		errCh <- s.grpcServer.Serve(lis)
	}()

	ticker := time.NewTicker(s.config.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-errCh:
			s.markStopped()
			return err
		case <-ticker.C:
			s.Refresh()
		case <-ctx.Done():
			s.Stop()
			<-errCh
			return nil
		}
	}
}

// ListenAndServe listens on the configured address and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, lis)
}

// Stop reports NOT_SERVING for everything and stops the server gracefully.
// Health watch streams that are still open after the grace period are cut.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopGrace):
		s.grpcServer.Stop()
		<-done
	}
	s.running = false
}

func (s *Server) markStopped() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// IsRunning returns true if the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Address returns the address the server is listening on, or "" before Serve.
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// UnaryServerInterceptor logs failed unary calls.
func UnaryServerInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			logger.Debug("grpc call failed",
				zap.String("method", info.FullMethod),
				zap.Stringer("code", status.Code(err)),
				zap.Duration("elapsed", time.Since(start)))
		}
		return resp, err
	}
}

// StreamServerInterceptor logs failed streams.
func StreamServerInterceptor(logger *zap.Logger) grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		err := handler(srv, ss)
		if err != nil && status.Code(err) != codes.Canceled {
			logger.Debug("grpc stream ended",
				zap.String("method", info.FullMethod),
				zap.Stringer("code", status.Code(err)))
		}
		return err
	}
}

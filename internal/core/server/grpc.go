// Package server provides gRPC server lifecycle management.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/solatis/rulekeeper/internal/core/api"
	"github.com/solatis/rulekeeper/internal/core/auth"
	"github.com/solatis/rulekeeper/internal/core/config"
	"github.com/solatis/rulekeeper/internal/metric"
	"github.com/solatis/rulekeeper/internal/protocol"
)

const shutdownTimeout = 30 * time.Second

// healthPrefix is exempt from authentication so probes need no key.
const healthPrefix = "/grpc.health.v1.Health/"

// GRPCServer manages gRPC server lifecycle.
type GRPCServer struct {
	server *grpc.Server
	health *health.Server
	config *config.RuleStoreConfig
	logger *slog.Logger
}

// NewGRPCServer creates the gRPC server with interceptors and service registration.
// authenticator may be nil only when cfg.RequireAuth is false; every call is
// then bound to cfg.DefaultProject.
func NewGRPCServer(cfg *config.RuleStoreConfig, service *api.RuleStoreService, authenticator *auth.Authenticator, m *metric.Metrics, logger *slog.Logger) (*GRPCServer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("cfg cannot be nil")
	}
	if service == nil {
		return nil, fmt.Errorf("service cannot be nil")
	}
	if cfg.RequireAuth && authenticator == nil {
		return nil, fmt.Errorf("authenticator cannot be nil when auth is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	project := auth.StaticProject(cfg.DefaultProject)
	if cfg.RequireAuth {
		project = authenticator.UnaryInterceptor(healthPrefix)
	}

	server := grpc.NewServer(grpc.ChainUnaryInterceptor(
		observe(m, logger),
		project,
	))
	protocol.RegisterRuleStoreServer(server, service)

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(protocol.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	return &GRPCServer{
		server: server,
		health: healthServer,
		config: cfg,
		logger: logger,
	}, nil
}

// observe records per-method metrics and logs every call at debug.
// It runs outside authentication so rejected calls are counted too.
func observe(m *metric.Metrics, logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		m.ObserveStore(info.FullMethod, code.String(), time.Since(start))
		logger.DebugContext(ctx, "rpc", "method", info.FullMethod, "code", code.String(), "elapsed", time.Since(start))
		return resp, err
	}
}

// Start binds listener and serves gRPC requests.
// Serve blocks until Shutdown is called.
func (s *GRPCServer) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}
	return s.Serve(listener)
}

// Serve serves on an existing listener.
func (s *GRPCServer) Serve(listener net.Listener) error {
	s.logger.Info("rule store listening", "addr", listener.Addr().String(), "auth", s.config.RequireAuth)
	return s.server.Serve(listener)
}

// Shutdown gracefully stops server, forcing a stop after 30 seconds.
func (s *GRPCServer) Shutdown(ctx context.Context) error {
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		s.logger.Info("rule store stopped")
		return nil
	case <-ctx.Done():
		s.server.Stop()
		return fmt.Errorf("shutdown cancelled by context: %w", ctx.Err())
	case <-time.After(shutdownTimeout):
		s.server.Stop()
		return fmt.Errorf("graceful shutdown timeout, forced stop")
	}
}

// Package healthserver publishes grpc.health.v1 status backed by a storage ping.
package healthserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	// ServiceName is the health service name reported next to the overall status.
	ServiceName = "storyunlock.Unlock"

	defaultCheckInterval = 10 * time.Second
	defaultPingTimeout   = 2 * time.Second
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server tracks store health and serves it over gRPC.
type Server struct {
	pinger      Pinger
	logger      *zap.Logger
	health      *health.Server
	interval    time.Duration
	pingTimeout time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithCheckInterval sets how often the store is pinged.
func WithCheckInterval(interval time.Duration) Option {
	return func(server *Server) {
		if interval > 0 {
			server.interval = interval
		}
	}
}

// WithLogger reports status transitions.
func WithLogger(logger *zap.Logger) Option {
	return func(server *Server) {
		if logger != nil {
			server.logger = logger
		}
	}
}

// New builds a health server; status stays NOT_SERVING until the first check.
func New(pinger Pinger, options ...Option) (*Server, error) {
	if pinger == nil {
		return nil, fmt.Errorf("health server: pinger is required")
	}
	server := &Server{
		pinger:      pinger,
		logger:      zap.NewNop(),
		health:      health.NewServer(),
		interval:    defaultCheckInterval,
		pingTimeout: defaultPingTimeout,
	}
	for _, option := range options {
		if option != nil {
			option(server)
		}
	}
	server.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return server, nil
}

// Register attaches the health service to grpcServer.
func (server *Server) Register(grpcServer *grpc.Server) {
	healthpb.RegisterHealthServer(grpcServer, server.health)
}

// Check pings the store once and publishes the result.
func (server *Server) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	pingCtx, cancel := context.WithTimeout(ctx, server.pingTimeout)
	defer cancel()
	if err := server.pinger.Ping(pingCtx); err != nil {
		server.logger.Warn("store ping failed", zap.Error(err))
		server.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	server.setStatus(healthpb.HealthCheckResponse_SERVING)
	return healthpb.HealthCheckResponse_SERVING
}

// Watch re-checks the store every interval until ctx ends, then reports NOT_SERVING for good.
func (server *Server) Watch(ctx context.Context) {
	server.Check(ctx)
	ticker := time.NewTicker(server.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			server.health.Shutdown()
			return
		case <-ticker.C:
			server.Check(ctx)
		}
	}
}

// Serve runs the gRPC health endpoint on listener until ctx is cancelled.
func (server *Server) Serve(ctx context.Context, listener net.Listener) error {
	grpcServer := grpc.NewServer()
	server.Register(grpcServer)

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go server.Watch(watchCtx)

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("gRPC health server starting", zap.String("listen_addr", listener.Addr().String()))
		errCh <- grpcServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		grpcServer.GracefulStop()
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	}
}

// ListenAndServe listens on listenAddr and calls Serve.
func (server *Server) ListenAndServe(ctx context.Context, listenAddr string) error {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return server.Serve(ctx, listener)
}

func (server *Server) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	server.health.SetServingStatus("", status)
	server.health.SetServingStatus(ServiceName, status)
}

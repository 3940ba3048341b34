package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// RerankHealthService is the service name reported by the gRPC health server
// in addition to the overall "" status.
const RerankHealthService = "rerank"

// GRPCServer wraps a gRPC server exposing grpc.health.v1 for orchestrators
// that probe over gRPC
type GRPCServer struct {
	server   *grpc.Server
	health   *health.Server
	listener net.Listener
	logger   *slog.Logger
	port     int
}

// GRPCServerConfig holds configuration for the gRPC server
type GRPCServerConfig struct {
	Port   int
	Logger *slog.Logger
}

// NewGRPCServer creates a new gRPC server with interceptors. Both health
// entries start as NOT_SERVING until SetServing is called.
func NewGRPCServer(cfg GRPCServerConfig) (*GRPCServer, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	server := grpc.NewServer(
		grpc.UnaryInterceptor(unaryInterceptor(logger)),
		grpc.StreamInterceptor(streamInterceptor(logger)),
	)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(RerankHealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)
	logger.Info("registered gRPC health service")

	// Enable reflection for development/debugging
	reflection.Register(server)

	return &GRPCServer{
		server: server,
		health: healthServer,
		logger: logger,
		port:   cfg.Port,
	}, nil
}

// SetServing updates the health status of the service
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(RerankHealthService, st)
}

// Listen binds the configured port without serving.
func (s *GRPCServer) Listen() (net.Listener, error) {
	addr := fmt.Sprintf(":%d", s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return listener, nil
}

// Serve accepts connections on an existing listener
func (s *GRPCServer) Serve(listener net.Listener) error {
	s.listener = listener

	s.logger.Info("starting gRPC server", "address", listener.Addr().String())

	if err := s.server.Serve(listener); err != nil {
		return fmt.Errorf("gRPC server error: %w", err)
	}

	return nil
}

// Shutdown flips health to NOT_SERVING so probes drain traffic, then stops
// the server, forcing it if ctx expires first.
func (s *GRPCServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down gRPC server")
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		s.server.GracefulStop()
	}()

	select {
	case <-stopped:
		s.logger.Info("gRPC server stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("gRPC graceful stop timed out, forcing stop", "error", ctx.Err())
		s.server.Stop()
		<-stopped
		return ctx.Err()
	}
}

// logRPC logs one finished call. Health probes arrive every few seconds and
// stay at debug; failures other than NotFound are raised to warn.
func logRPC(ctx context.Context, logger *slog.Logger, method string, start time.Time, err error) {
	code := status.Code(err)
	level := slog.LevelInfo
	switch {
	case strings.HasPrefix(method, "/grpc.health.v1.") || strings.HasPrefix(method, "/grpc.reflection."):
		level = slog.LevelDebug
	case err != nil && code != codes.NotFound:
		level = slog.LevelWarn
	}
	logger.Log(ctx, level, "gRPC call",
		"method", method,
		"code", code.String(),
		"duration", time.Since(start),
		"error", err,
	)
}

// recoverRPC turns a handler panic into codes.Internal.
func recoverRPC(logger *slog.Logger, method string, err *error) {
	if r := recover(); r != nil {
		logger.Error("panic recovered in gRPC handler",
			"method", method,
			"panic", r,
			"stack", string(debug.Stack()),
		)
		*err = status.Errorf(codes.Internal, "internal server error")
	}
}

func unaryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		start := time.Now()
		defer func() { logRPC(ctx, logger, info.FullMethod, start, err) }()
		defer recoverRPC(logger, info.FullMethod, &err)
		return handler(ctx, req)
	}
}

// Watch streams on the health service are long-lived; they are logged when
// the client goes away.
func streamInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		start := time.Now()
		defer func() { logRPC(ss.Context(), logger, info.FullMethod, start, err) }()
		defer recoverRPC(logger, info.FullMethod, &err)
		return handler(srv, ss)
	}
}

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// healthServiceName is the identifier the standard health service
// reports for the daemon.
const healthServiceName = "valet.gateway"

// startGRPC serves the control socket: the standard health service for
// probes plus reflection so grpcurl works against a running daemon. An
// empty address disables it.
func (s *Server) startGRPC() error {
	addr := s.cfg.Gateway.GRPCAddr
	if addr == "" {
		return nil
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc listen on %s: %w", addr, err)
	}

	s.grpcServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			loggingInterceptor(s.logger),
		),
		grpc.ChainStreamInterceptor(
			streamLoggingInterceptor(s.logger),
		),
	)

	s.healthServer = health.NewServer()
	grpc_health_v1.RegisterHealthServer(s.grpcServer, s.healthServer)
	s.healthServer.SetServingStatus(healthServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	reflection.Register(s.grpcServer)

	s.logger.Info("grpc server listening", "addr", listener.Addr().String())
	go func() {
		if err := s.grpcServer.Serve(listener); err != nil {
			s.logger.Error("grpc server error", "error", err)
		}
	}()
	return nil
}

// stopGRPC drains open calls, falling back to a hard stop when they
// take too long.
func (s *Server) stopGRPC() {
	if s.grpcServer == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.grpcServer.Stop()
	}
}

// loggingInterceptor logs unary RPC calls.
func loggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		logger.Debug("rpc call", "method", info.FullMethod)
		resp, err := handler(ctx, req)
		if err != nil {
			logger.Error("rpc error", "method", info.FullMethod, "error", err)
		}
		return resp, err
	}
}

// streamLoggingInterceptor logs streaming RPC calls.
func streamLoggingInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		logger.Debug("stream started", "method", info.FullMethod)
		err := handler(srv, ss)
		if err != nil {
			logger.Error("stream error", "method", info.FullMethod, "error", err)
		}
		logger.Debug("stream ended", "method", info.FullMethod)
		return err
	}
}

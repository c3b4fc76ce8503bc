package health

import (
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"signal-core/pkg/logger"
)

// Server serves the gRPC health service.
type Server struct {
	grpc *grpc.Server
	log  *zap.Logger
}

// NewServer registers state's health service on a new gRPC server.
func NewServer(state *State, log *zap.Logger) *Server {
	s := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			Time:              20 * time.Second,
			Timeout:           10 * time.Second,
		}),
	)
	healthpb.RegisterHealthServer(s, state.grpc)
	return &Server{grpc: s, log: logger.OrNop(log)}
}

// Serve accepts connections on lis until Stop. It runs in the background.
func (s *Server) Serve(lis net.Listener) {
	s.log.Info("health: grpc listening", zap.String("addr", lis.Addr().String()))
	go func() {
		if err := s.grpc.Serve(lis); err != nil {
			s.log.Error("health: grpc serve failed", zap.Error(err))
		}
	}()
}

// Listen opens addr and serves on it.
func (s *Server) Listen(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.Serve(lis)
	return nil
}

// Stop finishes in-flight RPCs and closes the listener.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

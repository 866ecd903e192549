// Package server exposes a broker over gRPC.
package server

import (
	"context"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/gezibash/arc-session/internal/broker"
	"github.com/gezibash/arc-session/internal/observability"
	"github.com/gezibash/arc-session/pkg/transport"
)

type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
	health     *health.Server
	conns      *connTracker
	logger     *slog.Logger
}

// New listens on addr and serves b.
func New(addr string, obs *observability.Observability, b *broker.Broker, opts ...grpc.ServerOption) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewWithListener(lis, obs, b, opts...), nil
}

// NewWithListener serves b on an existing listener.
func NewWithListener(lis net.Listener, obs *observability.Observability, b *broker.Broker, opts ...grpc.ServerOption) *Server {
	logger := slog.Default()
	var metrics *observability.Metrics
	if obs != nil {
		logger = obs.Logger
		metrics = obs.Metrics
	}

	conns := newConnTracker(b, logger)
	serverOpts := []grpc.ServerOption{
		grpc.StatsHandler(conns),
		grpc.ChainUnaryInterceptor(observability.UnaryServerInterceptor(metrics)),
	}
	serverOpts = append(serverOpts, opts...)
	grpcServer := grpc.NewServer(serverOpts...)

	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, hs)
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	transport.RegisterBrokerServer(grpcServer, &brokerService{broker: b, conns: conns})

	return &Server{
		grpcServer: grpcServer,
		listener:   lis,
		health:     hs,
		conns:      conns,
		logger:     logger,
	}
}

func (s *Server) SetServingStatus(status grpc_health_v1.HealthCheckResponse_ServingStatus) {
	if s.health != nil {
		s.health.SetServingStatus("", status)
	}
}

// Serve accepts connections until Stop. The server reports SERVING once
// it is called.
func (s *Server) Serve() error {
	s.SetServingStatus(grpc_health_v1.HealthCheckResponse_SERVING)
	return s.grpcServer.Serve(s.listener)
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Stop drains in-flight calls, forcing the stop once ctx is done.
func (s *Server) Stop(ctx context.Context) {
	s.SetServingStatus(grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("graceful stop timed out, forcing")
		s.grpcServer.Stop()
		<-done
	}
}

func (s *Server) GRPCServer() *grpc.Server {
	return s.grpcServer
}

// brokerService records which connection created each session so the
// sessions can be closed when the connection goes away.
type brokerService struct {
	broker *broker.Broker
	conns  *connTracker
}

func (h *brokerService) Handle(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	resp, err := h.broker.Handle(ctx, req)
	if err != nil {
		return nil, err
	}
	switch req.Op {
	case transport.OpSessionCreate:
		h.conns.add(ctx, resp.SessionID)
	case transport.OpSessionClose:
		h.conns.remove(ctx, req.SessionID)
	}
	return resp, nil
}

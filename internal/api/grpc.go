package api

import (
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name that mirrors book health.
const ServiceName = "l2book.Book"

// HealthServer exposes the standard gRPC health service on a TCP listener.
type HealthServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
}

// NewHealthServer listens on addr and registers the health service. Both
// the overall and the ServiceName status start NOT_SERVING.
func NewHealthServer(addr string) (*HealthServer, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	s := &HealthServer{
		grpcServer: gs,
		health:     hs,
		listener:   lis,
	}
	s.Set(false, "starting")
	return s, nil
}

// Addr returns the address the server is listening on.
func (s *HealthServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Set mirrors the breaker state. Its signature matches
// CircuitBreaker.OnTransition.
func (s *HealthServer) Set(healthy bool, _ string) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if healthy {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Serve starts accepting gRPC connections. It blocks until the server
// is stopped or an error occurs.
func (s *HealthServer) Serve() error {
	return s.grpcServer.Serve(s.listener)
}

// GracefulStop marks every service NOT_SERVING and drains in-flight RPCs.
func (s *HealthServer) GracefulStop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}

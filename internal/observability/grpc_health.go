package observability

import (
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCHealth serves the standard grpc.health.v1 protocol so orchestrators that
// check over gRPC see the same readiness as /ready.
type GRPCHealth struct {
	server *grpc.Server
	health *health.Server
}

// NewGRPCHealth creates a health server that reports NOT_SERVING until
// SetServing is called.
func NewGRPCHealth() *GRPCHealth {
	srv := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return &GRPCHealth{server: srv, health: hs}
}

// SetServing flips the overall service status
func (g *GRPCHealth) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus("", status)
}

// Serve listens on addr and blocks until Stop is called
func (g *GRPCHealth) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return g.ServeListener(lis)
}

// ServeListener serves on an existing listener
func (g *GRPCHealth) ServeListener(lis net.Listener) error {
	return g.server.Serve(lis)
}

// Stop marks the service as shutting down and stops the server
func (g *GRPCHealth) Stop() {
	g.health.Shutdown()
	g.server.GracefulStop()
}

// Package health exposes controller readiness over the standard gRPC health
// protocol.
package health

import (
	"context"
	"net"
	"time"

	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service reported alongside the overall "" entry.
const ServiceName = "subspace.Controller"

type Readiness interface {
	Ready() bool
}

type Server struct {
	grpc   *gogrpc.Server
	health *health.Server
	src    Readiness
	poll   time.Duration
}

func NewServer(src Readiness) *Server {
	s := &Server{
		grpc:   gogrpc.NewServer(),
		health: health.NewServer(),
		src:    src,
		poll:   250 * time.Millisecond,
	}
	grpc_health_v1.RegisterHealthServer(s.grpc, s.health)
	s.set(grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	return s
}

func (s *Server) set(st grpc_health_v1.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Sync mirrors the readiness source into the health status once.
func (s *Server) Sync() {
	if s.src.Ready() {
		s.set(grpc_health_v1.HealthCheckResponse_SERVING)
	} else {
		s.set(grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}
}

// Serve answers health checks on lis until ctx ends, then reports
// NOT_SERVING and stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errc := make(chan error, 1)
	go func() { errc <- s.grpc.Serve(lis) }()

	t := time.NewTicker(s.poll)
	defer t.Stop()
	s.Sync()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			s.grpc.GracefulStop()
			<-errc
			return nil
		case err := <-errc:
			return err
		case <-t.C:
			s.Sync()
		}
	}
}

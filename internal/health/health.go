// Package health publishes the sprayer's serving state over the standard
// gRPC health checking protocol.
package health

import (
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/spotspray/internal/monitoring"
)

// Service is the service name reported alongside the overall ("") status.
const Service = "spotspray.Sprayer"

// Reporter owns a gRPC server exposing grpc.health.v1.Health.
type Reporter struct {
	health *health.Server
	server *grpc.Server

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
}

// NewReporter creates a Reporter. Both statuses start NOT_SERVING.
func NewReporter() *Reporter {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(Service, healthpb.HealthCheckResponse_NOT_SERVING)
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return &Reporter{health: hs, server: srv}
}

// SetServing flips both statuses.
func (r *Reporter) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	r.health.SetServingStatus("", status)
	r.health.SetServingStatus(Service, status)
}

// Listen binds addr and serves in the background.
func (r *Reporter) Listen(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("health: listen %s: %w", addr, err)
	}
	r.Serve(lis)
	return nil
}

// Serve serves on lis in the background until Stop.
func (r *Reporter) Serve(lis net.Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return
	}
	r.listener = lis
	r.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		monitoring.Logf("[health] gRPC health service listening on %s", lis.Addr())
		if err := r.server.Serve(lis); err != nil {
			monitoring.Logf("[health] serve: %v", err)
		}
	}(r.done)
}

// Stop marks everything NOT_SERVING and stops the server.
func (r *Reporter) Stop() {
	r.health.Shutdown()
	r.server.GracefulStop()
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done != nil {
		<-done
	}
}

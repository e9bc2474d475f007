package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"meshgate.org/internal/obs"
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

// GRPCServer is the grpc.health.v1.Health service for "" and "meshgate".
// Serving status follows readiness: Check re-evaluates on every call, Watch
// streams the status kept current by Run.
type GRPCServer struct {
	*health.Server

	readiness readinessChecker
}

// NewGRPCServer creates the gRPC service wrapper.
func NewGRPCServer(r readinessChecker) *GRPCServer {
	return &GRPCServer{Server: health.NewServer(), readiness: r}
}

// Register attaches the health service to srv.
func (s *GRPCServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s)
}

// Sync evaluates readiness and publishes the result. It reports whether the
// gateway is ready.
func (s *GRPCServer) Sync(ctx context.Context) bool {
	st := healthpb.HealthCheckResponse_SERVING
	if err := s.readiness.Check(ctx); err != nil {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	ready := st == healthpb.HealthCheckResponse_SERVING
	obs.SetReady(ready)
	s.SetServingStatus("", st)
	s.SetServingStatus(serviceName, st)
	return ready
}

// Check refreshes the status before answering. Unknown services get NotFound.
func (s *GRPCServer) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	s.Sync(ctx)
	return s.Server.Check(ctx, req)
}

// Run re-evaluates readiness every interval until ctx ends, then marks every
// service NOT_SERVING.
func (s *GRPCServer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.Sync(ctx)
		select {
		case <-ctx.Done():
			s.Shutdown()
			return
		case <-ticker.C:
		}
	}
}

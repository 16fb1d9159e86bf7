package httpapi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"bastion.dev/internal/obs"
)

// HealthServer publishes store readiness over the standard grpc.health.v1
// service, both for the empty service name and for serviceName.
type HealthServer struct {
	health    *health.Server
	readiness readinessChecker
}

func NewHealthServer(rc readinessChecker) *HealthServer {
	h := &HealthServer{health: health.NewServer(), readiness: rc}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// NewGRPCServer returns a server with the health service registered.
func NewGRPCServer(h *HealthServer, opts ...grpc.ServerOption) *grpc.Server {
	s := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s, h.health)
	return s
}

// Refresh runs the readiness probe once and publishes the result.
func (h *HealthServer) Refresh(ctx context.Context) bool {
	if h.readiness != nil {
		if err := h.readiness.Check(ctx); err != nil {
			obs.Logger().Warn("readiness probe failed", zap.Error(err))
			obs.SetReady(false)
			h.set(healthpb.HealthCheckResponse_NOT_SERVING)
			return false
		}
	}
	obs.SetReady(true)
	h.set(healthpb.HealthCheckResponse_SERVING)
	return true
}

// Run refreshes every interval until ctx ends, then marks the server as
// shutting down so clients drain before the listener closes.
func (h *HealthServer) Run(ctx context.Context, interval time.Duration) {
	h.Refresh(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			h.health.Shutdown()
			return
		case <-t.C:
			probeCtx, cancel := context.WithTimeout(ctx, interval)
			h.Refresh(probeCtx)
			cancel()
		}
	}
}

func (h *HealthServer) set(st healthpb.HealthCheckResponse_ServingStatus) {
	h.health.SetServingStatus("", st)
	h.health.SetServingStatus(serviceName, st)
}

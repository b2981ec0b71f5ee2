package httpapi

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"

	"panelsync.org/internal/obs"
)

// ServiceName is the name reported to gRPC health checks.
const ServiceName = "panelsync"

// GRPCHealth implements grpc.health.v1.Health on top of the ledger ping.
type GRPCHealth struct {
	grpc_health_v1.UnimplementedHealthServer

	ready Pinger
	log   zerolog.Logger
}

func NewGRPCHealth(ready Pinger) *GRPCHealth {
	return &GRPCHealth{ready: ready, log: obs.Component("grpc")}
}

// Check reports SERVING when the ledger answers a ping. The empty service
// name and ServiceName are known; anything else is SERVICE_UNKNOWN.
func (h *GRPCHealth) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	if s := req.GetService(); s != "" && s != ServiceName {
		return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.ready.Ping(ctx); err != nil {
		h.log.Warn().Err(err).Msg("health check: ledger not reachable")
		return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_NOT_SERVING}, nil
	}
	return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_SERVING}, nil
}

// NewGRPCServer returns a server with the health service registered.
func NewGRPCServer(ready Pinger, opts ...grpc.ServerOption) *grpc.Server {
	s := grpc.NewServer(opts...)
	grpc_health_v1.RegisterHealthServer(s, NewGRPCHealth(ready))
	return s
}

package handler

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-expenses/internal/logger"
)

// ServiceName is the gRPC health service name reported for this service.
const ServiceName = "expenses.v1.Expenses"

// GRPCHandler serves the standard gRPC health protocol, tracking record
// store reachability so orchestrators can probe the service over gRPC.
type GRPCHandler struct {
	health   *health.Server
	store    Pinger
	interval time.Duration
	logger   *logger.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(store Pinger, interval time.Duration, log *logger.Logger) *GRPCHandler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	h := &GRPCHandler{
		health:   health.NewServer(),
		store:    store,
		interval: interval,
		logger:   log.Component("grpc_health"),
	}
	h.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// NewServer builds a gRPC server with the health service and reflection
// registered.
func (h *GRPCHandler) NewServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(
		unaryRecovery(h.logger),
		unaryLogger(h.logger),
	))
	srv := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(srv, h.health)
	reflection.Register(srv)
	return srv
}

// Check pings the store once and publishes the resulting status.
func (h *GRPCHandler) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, h.interval)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("Store ping failed")
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.health.SetServingStatus(ServiceName, status)
	h.health.SetServingStatus("", status)
	return status
}

// Run re-checks the store every interval until ctx ends, then marks the
// service as shutting down.
func (h *GRPCHandler) Run(ctx context.Context) error {
	h.Check(ctx)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.health.Shutdown()
			return nil
		case <-ticker.C:
			h.Check(ctx)
		}
	}
}

// Package server exposes the control plane's gRPC health endpoint. Each
// registered connector is reported as its own health service so load
// balancers and operators can watch external systems without staff tokens.
package server

import (
	"context"
	"net"
	"time"

	"github.com/monsoonfire/studio-os/internal/connector"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service name of the control plane itself.
const ServiceName = "studio_os.v1.ControlPlane"

const DefaultProbeInterval = 30 * time.Second

// ConnectorService is the health service name for one connector.
func ConnectorService(id string) string {
	return "studio_os.connector." + id
}

// Prober probes every registered connector. *connector.Registry
// implements it.
type Prober interface {
	HealthAll(ctx context.Context) []connector.HealthResult
}

type HealthConfig struct {
	Connectors    Prober
	ProbeInterval time.Duration // Default: 30s
	Logger        *zap.Logger
}

// HealthServer serves grpc.health.v1 and reflection.
type HealthServer struct {
	grpc     *grpc.Server
	health   *health.Server
	prober   Prober
	interval time.Duration
	logger   *zap.Logger
}

func NewHealthServer(cfg HealthConfig) *HealthServer {
	s := &HealthServer{
		grpc: grpc.NewServer(
			grpc.KeepaliveParams(keepalive.ServerParameters{
				MaxConnectionIdle:     5 * time.Minute,
				MaxConnectionAge:      30 * time.Minute,
				MaxConnectionAgeGrace: 10 * time.Second,
				Time:                  30 * time.Second,
				Timeout:               5 * time.Second,
			}),
			grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
				MinTime:             10 * time.Second,
				PermitWithoutStream: true,
			}),
		),
		health:   health.NewServer(),
		prober:   cfg.Connectors,
		interval: cfg.ProbeInterval,
		logger:   cfg.Logger,
	}
	if s.interval <= 0 {
		s.interval = DefaultProbeInterval
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Refresh probes the connectors once and publishes their status. A
// degraded connector (breaker open) is reported NOT_SERVING.
func (s *HealthServer) Refresh(ctx context.Context) {
	if s.prober == nil {
		return
	}
	for _, res := range s.prober.HealthAll(ctx) {
		st := healthpb.HealthCheckResponse_SERVING
		if !res.OK {
			st = healthpb.HealthCheckResponse_NOT_SERVING
			s.logger.Warn("connector unhealthy",
				zap.String("connector", res.ConnectorID),
				zap.String("availability", res.Availability),
				zap.String("code", string(res.Code)),
			)
		}
		s.health.SetServingStatus(ConnectorService(res.ConnectorID), st)
	}
}

// Serve blocks until ctx is cancelled or the listener fails. On
// cancellation every service is marked NOT_SERVING before a graceful stop.
func (s *HealthServer) Serve(ctx context.Context, lis net.Listener) error {
	s.Refresh(ctx)

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.health.Shutdown()
				s.grpc.GracefulStop()
				return
			case <-ticker.C:
				s.Refresh(ctx)
			}
		}
	}()

	s.logger.Info("grpc health server listening", zap.String("addr", lis.Addr().String()))
	if err := s.grpc.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}

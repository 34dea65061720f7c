// ABOUTME: gRPC server construction and the standard health service
// ABOUTME: Serving status follows whether the message store answers pings

package gateway

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// HealthService is the service name reported alongside the overall status.
const HealthService = "parley.Gateway"

// createGRPCServer builds the gRPC server with keepalive settings and
// registers grpc.health.v1 on it.
func createGRPCServer(logger *slog.Logger) (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, hs)

	logger.Debug("registered gRPC health service", "service", HealthService)
	return server, hs
}

// monitorStoreHealth pings the store every interval and flips the health
// status when the result changes.
func (g *Gateway) monitorStoreHealth(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	serving := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok := g.checkStore(ctx)
			if ok == serving {
				continue
			}
			serving = ok
			g.setServing(ok)
		}
	}
}

func (g *Gateway) checkStore(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := g.store.Ping(pingCtx); err != nil {
		g.logger.Warn("store ping failed", "error", err)
		return false
	}
	return true
}

func (g *Gateway) setServing(ok bool) {
	status := healthpb.HealthCheckResponse_SERVING
	if !ok {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	g.logger.Info("health status changed", "status", status.String())
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(HealthService, status)
}

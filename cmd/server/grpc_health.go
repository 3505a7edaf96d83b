package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ComUnity/abuse-gateway/internal/handler"
	"github.com/ComUnity/abuse-gateway/internal/util/logger"
)

const grpcServiceName = "abuse-gateway"

// startGRPCHealth serves grpc.health.v1 for mesh probes. The status follows
// the critical HTTP readiness checks. Port 0 disables it.
func startGRPCHealth(ctx context.Context, port int, checks []handler.HealthCheck) (*grpc.Server, error) {
	if port <= 0 {
		return nil, nil
	}
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus(grpcServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			status := healthpb.HealthCheckResponse_SERVING
			for _, c := range checks {
				if !c.Critical {
					continue
				}
				cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
				err := c.Check(cctx)
				cancel()
				if err != nil {
					status = healthpb.HealthCheckResponse_NOT_SERVING
					logger.Warnw("grpc health check failed", "check", c.Name, "error", err)
					break
				}
			}
			hs.SetServingStatus("", status)
			hs.SetServingStatus(grpcServiceName, status)

			select {
			case <-ctx.Done():
				hs.Shutdown()
				return
			case <-ticker.C:
			}
		}
	}()

	go func() {
		logger.Infof("gRPC health server listening on %s", lis.Addr())
		if err := srv.Serve(lis); err != nil {
			logger.Errorf("gRPC health server stopped: %v", err)
		}
	}()
	return srv, nil
}

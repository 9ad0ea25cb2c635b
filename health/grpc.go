package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCServer exposes the standard grpc.health.v1 service for the worker.
// Serving status follows the same checkers as the HTTP endpoints.
type GRPCServer struct {
	port     int
	service  string
	checks   *Server
	health   *grpchealth.Server
	server   *grpc.Server
	interval time.Duration
	logger   *slog.Logger
}

func NewGRPCServer(port int, service string, checks *Server, logger *slog.Logger) *GRPCServer {
	if logger == nil {
		logger = slog.Default()
	}
	hs := grpchealth.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return &GRPCServer{
		port:     port,
		service:  service,
		checks:   checks,
		health:   hs,
		server:   srv,
		interval: 10 * time.Second,
		logger:   logger.With("module", "health", "transport", "grpc"),
	}
}

// Refresh evaluates the checkers once and publishes the result under both
// the overall ("") and the named service.
func (g *GRPCServer) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if g.checks.Evaluate(ctx).Status == StatusUnhealthy {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(g.service, status)
	return status
}

// Start listens on the configured port and refreshes the status until ctx ends
func (g *GRPCServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", g.port))
	if err != nil {
		return fmt.Errorf("failed to listen on grpc port %d: %w", g.port, err)
	}

	g.Refresh(ctx)
	go func() {
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				g.Refresh(checkCtx)
				cancel()
			}
		}
	}()

	go func() {
		if err := g.server.Serve(lis); err != nil {
			g.logger.Error("grpc health server error", "error", err)
		}
	}()

	g.logger.Info("grpc health server started", "port", g.port)
	return nil
}

// Shutdown marks every service NOT_SERVING and stops the server
func (g *GRPCServer) Shutdown() {
	g.health.Shutdown()
	g.server.GracefulStop()
}

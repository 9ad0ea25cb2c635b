package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.temporal.io/sdk/worker"

	"github.com/aswathylr-builds/secure-delivery/activities"
	"github.com/aswathylr-builds/secure-delivery/bootstrap"
	"github.com/aswathylr-builds/secure-delivery/config"
	"github.com/aswathylr-builds/secure-delivery/health"
	"github.com/aswathylr-builds/secure-delivery/logging"
	"github.com/aswathylr-builds/secure-delivery/workflows"
)

func main() {
	configPath := flag.String("config", os.Getenv("SD_CONFIG"), "Path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.New("secure-delivery-worker", "info", "json").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.ServiceName+"-worker", cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("unable to assemble service", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	c, err := bootstrap.DialTemporal(cfg, logger)
	if err != nil {
		logger.Error("unable to create Temporal client", "error", err)
		os.Exit(1)
	}
	defer c.Close()

	w := worker.New(c, cfg.TaskQueue, worker.Options{})

	w.RegisterWorkflow(workflows.FulfillmentWorkflow)
	w.RegisterWorkflow(workflows.SweepWorkflow)

	fulfillmentActivities := activities.NewFulfillmentActivities(app.Service, cfg.NotifyURL)
	w.RegisterActivity(fulfillmentActivities.ConfirmPayment)
	w.RegisterActivity(fulfillmentActivities.EnsureToken)
	w.RegisterActivity(fulfillmentActivities.NotifyLinkReady)
	w.RegisterActivity(fulfillmentActivities.SweepTokens)

	healthServer := app.Health(cfg.HealthPort, c)
	if err := healthServer.Start(); err != nil {
		logger.Error("failed to start health check server", "error", err)
		os.Exit(1)
	}
	grpcHealth := health.NewGRPCServer(cfg.GRPCPort, cfg.ServiceName+"-worker", healthServer, logger)
	if err := grpcHealth.Start(ctx); err != nil {
		logger.Error("failed to start grpc health server", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("worker started",
			"task_queue", cfg.TaskQueue,
			"temporal_host", cfg.TemporalHost,
			"namespace", cfg.TemporalNamespace,
			"notifications", cfg.NotifyURL != "",
		)
		if err := w.Run(worker.InterruptCh()); err != nil {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal, gracefully stopping", "signal", sig.String())
	case err := <-errCh:
		logger.Error("worker error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	w.Stop()
	cancel()
	grpcHealth.Shutdown()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("health server shutdown error", "error", err)
	}
	logger.Info("worker shutdown complete")
}

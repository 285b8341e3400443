// Command supervisor runs the cluster supervision control loop: it
// campaigns for agency leadership, and while leading, ticks the shard
// repair job framework and serves the read-only ambient status surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/soltixdb/agencyd/internal/agency"
	"github.com/soltixdb/agencyd/internal/config"
	"github.com/soltixdb/agencyd/internal/events"
	"github.com/soltixdb/agencyd/internal/httpstatus"
	"github.com/soltixdb/agencyd/internal/logging"
	"github.com/soltixdb/agencyd/internal/queue"
	"github.com/soltixdb/agencyd/internal/supervisor"
)

var (
	Version   = "dev"     // Injected via ldflags during build
	GitCommit = "unknown" // Injected via ldflags during build
	BuildTime = "unknown" // Injected via ldflags during build
)

func main() {
	// 1. Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	// 2. Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 3. Initialize logger
	logger, err := logging.NewFromConfig(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)
	logger.Info("Supervisor starting...",
		"version", Version, "commit", GitCommit, "build time", BuildTime)

	// 4. Connect to the agency (etcd-backed)
	ag, err := agency.NewEtcdAgency(
		cfg.Etcd.Endpoints,
		cfg.Etcd.DialTimeout,
		cfg.Etcd.Username,
		cfg.Etcd.Password,
		cfg.Supervisor.AgencyPrefix,
		cfg.Storage.NodeID,
		cfg.Etcd.LeaseTTL,
	)
	if err != nil {
		logger.Fatal("Failed to connect to agency", "error", err)
	}
	defer func() { _ = ag.Close() }()
	logger.Info("Connected to agency", "endpoints", cfg.Etcd.Endpoints, "prefix", cfg.Supervisor.AgencyPrefix)

	// 5. Connect to the event bus (job lifecycle notifications)
	publisher, err := queue.NewPublisher(cfg.Queue)
	if err != nil {
		logger.Fatal("Failed to connect to event queue", "error", err)
	}
	defer func() { _ = publisher.Close() }()
	bus := events.NewBus(publisher)

	// 6. Build the supervisor loop
	loopCfg := supervisor.Config{
		AgencyPrefix:            cfg.Supervisor.AgencyPrefix,
		Frequency:               cfg.Supervisor.Frequency,
		GracePeriod:             cfg.Supervisor.GracePeriod,
		InitPollDelay:           cfg.Supervisor.InitPollDelay,
		JobIDBatchSize:          cfg.Supervisor.JobIDBatchSize,
		MaxReplicationFactor:    cfg.Coordinator.MaxReplicationFactor,
		ShrinkAllowRemoveServer: cfg.Coordinator.ShrinkAllowRemoveServer,
	}
	loop := supervisor.New(ag, loopCfg, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 7. Campaign for leadership; Run is a no-op tick loop for a follower and
	// takes over enforcement the moment this process wins the campaign.
	go func() {
		if err := ag.Campaign(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Leadership campaign ended", "error", err)
		}
	}()

	go func() {
		if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Supervisor loop exited", "error", err)
		}
	}()

	// 8. Serve the ambient status surface
	app := httpstatus.NewApp(logger, loop, nil)
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
		logger.Info("Status server listening", "address", addr)
		if err := app.Listen(addr); err != nil {
			logger.Error("Status server error", "error", err)
		}
	}()

	// 9. Wait for interrupt, then shut down in dependency order
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down supervisor...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("Status server forced to shutdown", "error", err)
	}

	loop.BeginShutdown()
	cancel()
	_ = ag.Resign(context.Background())

	logger.Info("Supervisor stopped")
}

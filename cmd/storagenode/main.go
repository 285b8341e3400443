// Command storagenode runs the append-only local storage engine: it
// reopens and recovers every collection resident under its data directory,
// then serves the read-only ambient status surface reporting per-datafile
// live/dead/deletion counts. Writes reach a LogicalCollection through
// whatever transport a caller embeds this package behind; that transport is
// outside this repository's scope.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/soltixdb/agencyd/internal/config"
	"github.com/soltixdb/agencyd/internal/httpstatus"
	"github.com/soltixdb/agencyd/internal/logging"
	"github.com/soltixdb/agencyd/internal/storage"
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
	logger.Info("Storage node starting...",
		"version", Version, "commit", GitCommit, "build time", BuildTime, "node_id", cfg.Storage.NodeID)

	// 4. Reopen and recover every collection already on disk
	collections, err := storage.OpenAll(cfg.Storage.DataDir, cfg.Storage.LockTimeout, cfg.Storage.JournalCompression)
	if err != nil {
		logger.Fatal("Failed to open collection set", "error", err)
	}
	logger.Info("Collections recovered", "count", len(collections.Collections()), "data_dir", cfg.Storage.DataDir)

	// 5. Serve the ambient status surface
	app := httpstatus.NewApp(logger, nil, collections)

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
		logger.Info("Status server listening", "address", addr)
		if err := app.Listen(addr); err != nil {
			logger.Error("Status server error", "error", err)
		}
	}()

	// 6. Wait for interrupt, then shut down
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down storage node...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("Status server forced to shutdown", "error", err)
	}

	logger.Info("Storage node stopped")
}

// Package main provides the sync worker entry point for the marketplace sync engine.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/market-sync/internal/app"
	"github.com/market-sync/internal/config"
	"github.com/market-sync/internal/logging"
	"github.com/market-sync/internal/ratelimit"
)

func main() {
	once := flag.Bool("once", false, "Run a single sync cycle and exit")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithField("component", "worker")

	ctx, cancel := context.WithCancel(logging.WithLogger(context.Background(), logger))
	defer cancel()

	engine, err := app.Build(ctx, cfg, ratelimit.PriorityBackground)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize sync engine")
	}
	defer engine.Close()

	if *once {
		result, err := engine.Runner.RunOnce(ctx)
		if err != nil {
			logger.WithError(err).Error("Sync cycle failed")
			engine.Close()
			os.Exit(1)
		}
		logger.WithFields(map[string]interface{}{
			"contracts": len(result.Events),
			"duration":  result.Duration.String(),
		}).Info("Sync cycle complete")
		return
	}

	if err := engine.Runner.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start sync runner")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down worker...")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer stopCancel()
	if err := engine.Runner.Stop(stopCtx); err != nil {
		logger.WithError(err).Warn("Sync runner did not stop cleanly")
	}

	status := engine.Runner.GetStatus()
	for job, stats := range status.Jobs {
		logger.WithFields(map[string]interface{}{
			"job":      job,
			"runs":     stats.Runs,
			"failures": stats.Failures,
			"p95_ms":   stats.P95Ms,
		}).Info("Job summary")
	}
	logger.WithField("cycles", status.Cycles).Info("Worker exited")
}

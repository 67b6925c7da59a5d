package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/halcyon-dev/parley/internal/config"
	"github.com/halcyon-dev/parley/internal/dispatch"
	"github.com/halcyon-dev/parley/internal/httpapi"
	"github.com/halcyon-dev/parley/internal/logging"
	"github.com/halcyon-dev/parley/internal/orchestrator"
	"github.com/halcyon-dev/parley/internal/planner"
	"github.com/halcyon-dev/parley/internal/store"
	"github.com/halcyon-dev/parley/internal/worker"
)

const version = "0.0.0-dev"

func main() {
	var (
		showVersion bool
		configPath  string
		listenAddr  string
		logPath     string
		verbose     bool
	)

	flag.BoolVar(&showVersion, "version", false, "Print version")
	flag.StringVar(&configPath, "config", "", "Path to config YAML")
	flag.StringVar(&listenAddr, "listen", "", "Listen address (overrides config)")
	flag.StringVar(&logPath, "log", "parleyd.log", "Path to the daemon log file")
	flag.BoolVar(&verbose, "verbose", false, "Mirror log lines to stderr")
	flag.Parse()

	if showVersion {
		fmt.Printf("parleyd %s\n", version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Config load failed: %v", err)
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}

	logger, err := logging.New(logPath, verbose)
	if err != nil {
		log.Fatalf("Log setup failed: %v", err)
	}
	defer logger.Close()

	if err := run(cfg, logger); err != nil {
		logger.Printf("parleyd: %v", err)
		log.Fatalf("parleyd: %v", err)
	}
}

func run(cfg config.Config, logger *logging.Logger) error {
	db, err := store.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	plannerClient := planner.New(cfg.Planner.BaseURL, cfg.Planner.Model,
		planner.WithTimeout(cfg.PlannerTimeout()),
		planner.WithAPIKey(cfg.Planner.APIKey),
	)
	workerClient := worker.New(cfg.Worker.BaseURL,
		worker.WithTimeout(cfg.WorkerTimeout()),
		worker.WithFetchRetries(cfg.Worker.FetchRetries),
	)

	tuning := orchestrator.Tuning{
		FirstCheckDelay: time.Duration(cfg.Orchestrator.FirstCheckDelaySeconds) * time.Second,
		IdlePoll:        time.Duration(cfg.Orchestrator.IdlePollSeconds) * time.Second,
		ActivePoll:      time.Duration(cfg.Orchestrator.ActivePollSeconds) * time.Second,
		Cooldown:        time.Duration(cfg.Orchestrator.CooldownSeconds) * time.Second,
		MaxCooldownWait: time.Duration(cfg.Orchestrator.MaxCooldownWaitSeconds) * time.Second,
	}
	monitor, err := orchestrator.NewMonitor(db, plannerClient, workerClient, tuning, logger)
	if err != nil {
		return fmt.Errorf("build monitor: %w", err)
	}
	monitor.SetDirectiveSink(dispatch.NewSink(workerClient, logger))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	runner := orchestrator.NewRunner(db, monitor, logger, 500*time.Millisecond)
	runner.Start(ctx)

	api := httpapi.NewServer(db, runner, store.NewID, logger)
	api.SetDefaultMaxIterations(cfg.Orchestrator.DefaultMaxIterations)
	if err := api.Start(ctx, cfg.Listen); err != nil {
		runner.Stop()
		return fmt.Errorf("start http server: %w", err)
	}
	logger.Printf("parleyd %s ready on %s (db %s)", version, cfg.Listen, cfg.Database)

	<-ctx.Done()
	logger.Printf("parleyd: shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Printf("parleyd: http shutdown: %v", err)
	}
	runner.Stop()
	return nil
}

// loadctl runs the direct load control override service: the subscriber
// HTTP API, the throttle dispatcher, and the workflow worker pool, all
// against PostgreSQL.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/cresconet/loadctl/pkg/api"
	"github.com/cresconet/loadctl/pkg/cleanup"
	"github.com/cresconet/loadctl/pkg/config"
	"github.com/cresconet/loadctl/pkg/database"
	"github.com/cresconet/loadctl/pkg/dispatch"
	"github.com/cresconet/loadctl/pkg/events"
	"github.com/cresconet/loadctl/pkg/policynet"
	"github.com/cresconet/loadctl/pkg/services"
	"github.com/cresconet/loadctl/pkg/tracker"
	"github.com/cresconet/loadctl/pkg/version"
	"github.com/cresconet/loadctl/pkg/workflow"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica
// coordination. Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	podID := resolvePodID()

	slog.Info("Starting loadctl",
		"version", version.Full(), "http_port", httpPort, "pod_id", podID)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Database (runs embedded migrations)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	logger := slog.Default()

	// 3. Stores and adapters
	trackerStore := tracker.NewPostgresStore(dbClient.DBX())
	executionStore := workflow.NewPostgresStore(dbClient.DBX())
	ingressQueue := dispatch.NewPostgresSource(dbClient.DBX())
	eventSink := events.NewPublisher(dbClient.DB())
	provider := policynet.NewClient(cfg.PolicyNet, logger)

	// 4. Workflow engine and worker pool
	engine := workflow.NewEngine(executionStore, logger)
	executors := map[string]workflow.Executor{
		workflow.KindOverride: workflow.NewOverrideExecutor(trackerStore, provider, eventSink, cfg.Override, logger),
		workflow.KindCancel:   workflow.NewCancelExecutor(trackerStore, provider, eventSink, engine, logger),
	}
	workerPool := workflow.NewWorkerPool(podID, executionStore, cfg.Workflow, executors)
	if err := workerPool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// 5. Throttle dispatcher
	dispatcher := dispatch.NewDispatcher(podID, ingressQueue, trackerStore, engine, eventSink,
		cfg.Dispatch, cfg.Override, logger)
	dispatcher.Start(ctx)

	// 6. Retention
	cleanupService := cleanup.NewService(cfg.Retention, eventSink, executionStore)
	cleanupService.Start(ctx)
	defer cleanupService.Stop()

	// 7. Services and HTTP server
	registry := services.NewPostgresSubscriptionRegistry(dbClient.DBX())
	server := api.NewServer(
		services.NewOverrideService(trackerStore, registry, ingressQueue, eventSink, cfg.Override, logger),
		services.NewCancelService(trackerStore, registry, engine, logger),
		services.NewStatusService(trackerStore),
		services.NewHeadEndService(trackerStore, eventSink, logger),
		dbClient.DB(), logger)
	server.RegisterComponent("dispatcher", func() any { return dispatcher.Health() })
	server.RegisterComponent("workflow", func() any { return workerPool.Health() })

	httpServer := &http.Server{
		Addr:              ":" + httpPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("loadctl started successfully",
		"pod_id", podID, "workers", cfg.Workflow.WorkerCount)

	// 8. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 9. Graceful shutdown: dispatcher first (stops new submissions),
	// then the workers (finish their current step), then HTTP.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Workflow.GracefulShutdownTimeout)
	defer cancel()

	dispatcherDone := make(chan struct{})
	go func() {
		dispatcher.Stop()
		close(dispatcherDone)
	}()
	select {
	case <-dispatcherDone:
		slog.Info("Dispatcher stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Dispatcher shutdown timeout exceeded")
	}

	workersDone := make(chan struct{})
	go func() {
		workerPool.Stop()
		close(workersDone)
	}()
	select {
	case <-workersDone:
		slog.Info("Worker pool stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded — in-flight executions resume from their last barrier")
	}

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}

// Pulsera coordination server — ingests wearable vitals, scores them
// against the inference service, and drives alerts, episodes, and
// conversational sessions over one realtime plane.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/pulsera-health/pulsera/pkg/agent"
	"github.com/pulsera-health/pulsera/pkg/aggregate"
	"github.com/pulsera-health/pulsera/pkg/alerts"
	"github.com/pulsera-health/pulsera/pkg/api"
	"github.com/pulsera-health/pulsera/pkg/config"
	"github.com/pulsera-health/pulsera/pkg/database"
	"github.com/pulsera-health/pulsera/pkg/episode"
	"github.com/pulsera-health/pulsera/pkg/escalation"
	"github.com/pulsera-health/pulsera/pkg/eventlog"
	"github.com/pulsera-health/pulsera/pkg/fusionai"
	"github.com/pulsera-health/pulsera/pkg/health"
	"github.com/pulsera-health/pulsera/pkg/inference"
	"github.com/pulsera-health/pulsera/pkg/version"
	"github.com/pulsera-health/pulsera/pkg/ws"
)

func main() {
	configPath := flag.String("config", "pulsera.yaml", "Path to the YAML configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "error", err)
	}

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Initialize(*configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Persistence: Postgres when configured, in-memory otherwise
	var store database.Store
	if cfg.DatabaseURL != "" {
		pg, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		store = pg
		slog.Info("Connected to PostgreSQL")
	} else {
		store = database.NewMemoryStore()
		slog.Warn("No DATABASE_URL set, using in-memory store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Error closing store", "error", err)
		}
	}()

	events := eventlog.NewService(store)

	// 3. Connection plane
	manager := ws.NewManager(cfg.WS.WriteTimeout, cfg.WS.AuthTimeout)

	// 4. Health scoring pipeline
	buffer := health.NewBuffer()
	registry := health.NewRegistry()
	inferClient := inference.NewClient(cfg.Inference)
	agg := aggregate.NewEngine(registry, cfg.Detection)
	alertSvc := alerts.NewService(manager)

	// 5. Episode lifecycle + escalation ladder
	fusion := fusionai.NewClient(cfg.Fusion)
	episodes := episode.NewEngine(manager, fusion)
	ladder := escalation.NewLadder(episodes)
	episodes.AttachEscalator(ladder)

	// 6. Per-device session engine
	sessions := agent.NewManager(cfg, manager, store, events)

	// 7. Message router + HTTP server
	router := ws.NewRouter(manager, buffer, registry, inferClient, agg, alertSvc, episodes, sessions, events, cfg)
	httpServer := api.NewServer(cfg, manager, router, alertSvc, episodes, agg)

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	slog.Info("Pulsera started",
		"version", version.Full(),
		"port", cfg.HTTPPort,
		"inference_url", cfg.Inference.ServiceURL,
		"agent_enabled", cfg.AgentEnabled(),
		"fusion_enabled", cfg.FusionEnabled())

	// 8. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 9. Graceful shutdown: stop accepting traffic, then tear down
	// timers and sessions so no goroutine outlives the process
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	ladder.CancelAll()
	sessions.Shutdown()

	slog.Info("Shutdown complete")
}

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jcmexdev/diagnosis-sagas/internal/capability"
	"github.com/jcmexdev/diagnosis-sagas/internal/coordinator"
	"github.com/jcmexdev/diagnosis-sagas/internal/coordinator/checkpoint/sqlite"
	"github.com/jcmexdev/diagnosis-sagas/internal/diagnosis-service/httpx"
	"github.com/jcmexdev/diagnosis-sagas/internal/pkg/cache"
	"github.com/jcmexdev/diagnosis-sagas/internal/pkg/config"
	"github.com/jcmexdev/diagnosis-sagas/internal/pkg/telemetry"
	"github.com/jcmexdev/diagnosis-sagas/internal/provider"
	"github.com/jcmexdev/diagnosis-sagas/internal/sink"
)

func main() {
	telemetry.InitLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.SetupTracer(ctx, getEnv("OTEL_SERVICE_NAME", "diagnosis-service"))
	if err != nil {
		slog.Error("failed to initialise tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			slog.Error("tracer shutdown error", "error", err)
		}
	}()

	cfg, err := config.Load(getEnv("CONFIG_PATH", ""))
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	store, err := sqlite.Open(getEnv("CHECKPOINT_DB_PATH", "./data/diagnosis.db"))
	if err != nil {
		slog.Error("failed to open checkpoint store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	redisAddr := getEnv("REDIS_ADDR", "localhost:6379")
	contextCache := cache.NewRedisCache(redisAddr, "diagnosis")
	contextProvider := provider.NewHTTP(getEnv("CONTEXT_SERVICE_URL", "http://localhost:8081"), contextCache, time.Hour)

	resultSink := sink.NewRedis(redisAddr, cfg.CheckpointRetention())
	defer resultSink.Close()

	registry, err := buildRegistry(cfg)
	if err != nil {
		slog.Error("failed to build capability registry", "error", err)
		os.Exit(1)
	}

	orch := coordinator.NewOrchestrator(store, registry, contextProvider, resultSink, cfg)

	// Recover sagas that were in flight when the previous process died.
	go func() {
		if err := orch.ResumeAll(ctx); err != nil {
			slog.Error("resume scan failed", "error", err)
		}
	}()

	// Periodic checkpoint garbage collection for terminal sagas past the
	// retention window.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-cfg.CheckpointRetention())
				purged, err := store.PurgeTerminal(ctx, cutoff)
				if err != nil {
					slog.Error("checkpoint GC failed", "error", err)
					continue
				}
				if purged > 0 {
					slog.Info("purged expired sagas", "count", purged)
				}
			}
		}
	}()

	handler := httpx.NewHandler(orch, store)
	server := &http.Server{
		Addr:    ":" + getEnv("PORT", "8080"),
		Handler: httpx.NewRouter(handler),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	slog.Info("diagnosis service running", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server failed", "error", err)
		os.Exit(1)
	}
}

// buildRegistry registers the triage classifier and the specialist
// analyzers, each exposed by its model service as a JSON-over-HTTP
// endpoint. Analyzer endpoints are overridable per environment.
func buildRegistry(cfg config.Config) (*capability.Registry, error) {
	registry := capability.NewRegistry()

	entries := []capability.Entry{
		{
			Name:       cfg.ClassifierName,
			Capability: capability.NewHTTPClient(getEnv("CLASSIFIER_URL", "http://localhost:9100/classify")),
		},
		{
			Name:       "disease",
			Capability: capability.NewHTTPClient(getEnv("DISEASE_ANALYZER_URL", "http://localhost:9101/analyze")),
		},
		{
			Name:       "pest",
			Capability: capability.NewHTTPClient(getEnv("PEST_ANALYZER_URL", "http://localhost:9102/analyze")),
		},
		{
			Name:       "weather",
			Capability: capability.NewHTTPClient(getEnv("WEATHER_ANALYZER_URL", "http://localhost:9103/analyze")),
		},
		{
			Name:       "technique",
			Capability: capability.NewHTTPClient(getEnv("TECHNIQUE_ANALYZER_URL", "http://localhost:9104/analyze")),
		},
	}

	for _, e := range entries {
		if err := registry.Register(e); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

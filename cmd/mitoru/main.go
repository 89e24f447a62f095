package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mitoru-ai/mitoru/api"
	"github.com/mitoru-ai/mitoru/internal/agent"
	"github.com/mitoru-ai/mitoru/internal/bus"
	"github.com/mitoru-ai/mitoru/internal/config"
	"github.com/mitoru-ai/mitoru/internal/coordinator"
	"github.com/mitoru-ai/mitoru/internal/mcp"
	"github.com/mitoru-ai/mitoru/internal/ratelimit"
	"github.com/mitoru-ai/mitoru/internal/server"
	"github.com/mitoru-ai/mitoru/internal/storage"
	"github.com/mitoru-ai/mitoru/internal/telemetry"
	"github.com/mitoru-ai/mitoru/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("MITORU_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("mitoru starting", "version", version, "port", cfg.Port, "store", cfg.StoreBackend)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// The bus fans events out to live subscribers; the store publishes onto
	// it after every successful write.
	b := bus.New(logger, cfg.SubscriberBuffer)

	store, err := newStore(ctx, cfg, b, logger)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	// Coordinator owns the agent registry, the per-call executions and the
	// single ingestion worker.
	coord := coordinator.New(store, logger, cfg.IngestQueueSize)

	if err := coord.Register(agent.NewScripted("demo", cfg.DemoAgentIterations, cfg.DemoAgentStepDelay)); err != nil {
		return fmt.Errorf("register agent: %w", err)
	}

	// MCP tool surface, mounted at /mcp by the HTTP server.
	mcpSrv := mcp.New(store, coord, logger, version)

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer func() { _ = limiter.Close() }()
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	}

	srv := server.New(server.Config{
		Store:        store,
		Coordinator:  coord,
		Logger:       logger,
		MCPServer:    mcpSrv.MCPServer(),
		RateLimiter:  limiter,
		OpenAPISpec:  api.OpenAPISpec,
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Version:      version,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Order: (1) stop accepting new HTTP requests and
	// drain in-flight ones, (2) cancel running executions and drain the
	// ingestion queue so final status changes land in the store, (3) close
	// the store.
	slog.Info("mitoru shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	coordCtx, coordCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	if err := coord.Shutdown(coordCtx); err != nil {
		slog.Error("coordinator shutdown error", "error", err)
	}
	coordCancel()

	slog.Info("mitoru stopped")
	return nil
}

// newStore builds the configured storage backend. The postgres backend runs
// embedded migrations at startup; schema_migrations tracking makes reruns
// cheap no-ops.
func newStore(ctx context.Context, cfg config.Config, b *bus.Bus, logger *slog.Logger) (storage.Store, error) {
	switch cfg.StoreBackend {
	case config.StorePostgres:
		pg, err := storage.NewPostgres(ctx, cfg.DatabaseURL, b, logger)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		migCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := pg.RunMigrations(migCtx, migrations.FS); err != nil {
			pg.Close(context.Background())
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return pg, nil
	default:
		return storage.NewMemoryStore(b, logger), nil
	}
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agent-warden/agent-warden/internal/access"
	"github.com/agent-warden/agent-warden/internal/api"
	"github.com/agent-warden/agent-warden/internal/audit"
	"github.com/agent-warden/agent-warden/internal/budget"
	"github.com/agent-warden/agent-warden/internal/config"
	"github.com/agent-warden/agent-warden/internal/gateway"
	"github.com/agent-warden/agent-warden/internal/logging"
	"github.com/agent-warden/agent-warden/internal/monitor"
	"github.com/agent-warden/agent-warden/internal/ratelimit"
	"github.com/agent-warden/agent-warden/internal/sandbox"
	"github.com/agent-warden/agent-warden/internal/storage"
	"github.com/agent-warden/agent-warden/internal/threat"
	"github.com/agent-warden/agent-warden/pkg/models"
)

func main() {
	// Load configuration
	cfg, err := config.Load(os.Getenv("WARDEN_CONFIG"))
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize logging
	logger := logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	logger.Info("starting agent-warden server",
		slog.String("version", "0.1.0"),
		slog.Int("port", cfg.Server.Port))

	// Initialize database
	db, err := storage.New(cfg.Database.Path)
	if err != nil {
		logger.Error("failed to initialize database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		logger.Error("failed to run migrations", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize stores
	keyStore := storage.NewKeyStore(db)
	auditStore := storage.NewAuditStore(db)

	// Initialize governance components
	auditOpts := []audit.Option{audit.WithLogger(logger)}
	if cfg.Audit.Durable {
		auditOpts = append(auditOpts, audit.WithStore(auditStore))
	}
	auditLog := audit.NewLog(cfg.Audit.BufferSize, auditOpts...)

	registry := access.NewRegistry(cfg.Access,
		access.WithLogger(logger),
		access.WithKeyStore(keyStore))
	if err := registry.LoadKeys(ctx); err != nil {
		logger.Error("failed to load API keys", slog.String("error", err.Error()))
		os.Exit(1)
	}

	sb, err := sandbox.New(cfg.Sandbox, sandbox.WithLogger(logger))
	if err != nil {
		logger.Error("failed to initialize sandbox", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer sb.Close()

	ledger := budget.NewLedger(cfg.Budget, budget.WithLogger(logger))
	scanner := threat.NewScanner(cfg.Validation, threat.WithLogger(logger))
	mon := monitor.NewMonitor(cfg.Monitor, monitor.WithLogger(logger))
	limiter := ratelimit.New(cfg.RateLimit.CallsPerMinute, cfg.RateLimit.BurstSize)

	gw := gateway.New(gateway.Components{
		Limiter:  limiter,
		Ledger:   ledger,
		Scanner:  scanner,
		Registry: registry,
		Sandbox:  sb,
		Monitor:  mon,
		Audit:    auditLog,
	}, cfg.RateLimit.AcquireTimeout, gateway.WithLogger(logger))

	auditLog.Record(ctx, models.AuditEvent{
		Type:   models.AuditSystemStart,
		Actor:  "system",
		Action: "start",
		Details: map[string]any{
			"sandbox_mode": cfg.Sandbox.Mode,
			"strict_mode":  cfg.Validation.StrictMode,
		},
	})

	// Initialize API server (not ready yet)
	server := api.New(gw, registry, mon, ledger, auditLog,
		api.WithLogger(logger),
		api.WithHost(cfg.Server.Host),
		api.WithPort(cfg.Server.Port))

	// Mark server as ready
	server.SetReady(true)

	// Periodically evict expired sessions
	sessionSweep := time.NewTicker(time.Minute)
	sweepDone := make(chan struct{})
	go func() {
		for {
			select {
			case <-sessionSweep.C:
				if n := registry.CleanupExpiredSessions(); n > 0 {
					logger.Debug("evicted expired sessions", slog.Int("count", n))
				}
			case <-sweepDone:
				return
			}
		}
	}()

	// Handle shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logger.Info("shutting down...")

		// Stop accepting new requests first
		server.SetReady(false)

		sessionSweep.Stop()
		close(sweepDone)

		auditLog.Record(ctx, models.AuditEvent{
			Type:   models.AuditSystemStop,
			Actor:  "system",
			Action: "stop",
		})

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", slog.String("error", err.Error()))
		}
	}()

	// Start server
	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("server stopped")
}

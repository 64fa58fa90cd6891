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
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/spotherd/spotherd/internal/auth"
	"github.com/spotherd/spotherd/internal/clock"
	"github.com/spotherd/spotherd/internal/config"
	"github.com/spotherd/spotherd/internal/failover"
	"github.com/spotherd/spotherd/internal/fleet"
	"github.com/spotherd/spotherd/internal/pricing"
	"github.com/spotherd/spotherd/internal/ratelimit"
	"github.com/spotherd/spotherd/internal/recommend"
	"github.com/spotherd/spotherd/internal/reconcile"
	"github.com/spotherd/spotherd/internal/server"
	"github.com/spotherd/spotherd/internal/storage"
	"github.com/spotherd/spotherd/internal/sweep"
	"github.com/spotherd/spotherd/internal/telemetry"
	"github.com/spotherd/spotherd/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("SPOTHERD_LOG_LEVEL") == "debug" {
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

	slog.Info("spotherd starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database and apply migrations. RunMigrations tracks applied
	// files in schema_migrations and skips duplicates, so errors here indicate
	// real failures.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	clk := clock.Real{}
	prices := pricing.NewPostgresProvider(db)

	rec, err := newRecommender(cfg, prices, logger)
	if err != nil {
		return fmt.Errorf("recommend: %w", err)
	}

	fleetSvc := fleet.New(db, prices, clk, logger, cfg.CommandTTL, cfg.SavingsHorizon)
	failoverSvc := failover.New(db, fleetSvc, prices, clk, logger)

	reconciler := reconcile.New(db, fleetSvc, prices, rec, clk, logger, cfg.ReconcileInterval)
	reconciler.Start(ctx)

	sweeper := sweep.New(db, clk, logger, cfg.SweepInterval, cfg.HeartbeatTimeout, cfg.MemoTTL)
	sweeper.Start(ctx)

	// Rate limiters: token issuance keyed by client IP, the transport surface
	// by agent identity.
	var authLimiter, transportLimiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		al := ratelimit.NewMemoryLimiter(1, 10, clk)
		tl := ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, clk)
		defer func() { _ = al.Close(); _ = tl.Close() }()
		authLimiter, transportLimiter = al, tl
		logger.Info("rate limiting: memory (in-process token bucket)",
			"transport_rps", cfg.RateLimitRPS, "transport_burst", cfg.RateLimitBurst)
	} else {
		logger.Info("rate limiting: disabled")
	}

	srv, err := server.New(server.ServerConfig{
		DB:                  db,
		JWTMgr:              jwtMgr,
		Fleet:               fleetSvc,
		Failover:            failoverSvc,
		Logger:              logger,
		AuthLimiter:         authLimiter,
		TransportLimiter:    transportLimiter,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OperatorAPIKey:      cfg.OperatorAPIKey,
	})
	if err != nil {
		return err
	}

	// The server and the shutdown watcher run under one group: a serve error
	// cancels the group context and triggers the same staged shutdown that a
	// SIGTERM does.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		// Graceful shutdown. Each phase gets its own timeout so early
		// completion doesn't steal budget from later phases. Order: (1) stop
		// accepting HTTP requests and drain in-flight ones, (2) run the
		// reconciler's final pass so notices observed during shutdown still
		// get replicas queued, (3) stop the sweeper.
		slog.Info("spotherd shutting down")

		httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := srv.Shutdown(httpCtx); err != nil {
			slog.Error("http shutdown error", "error", err)
		}
		httpCancel()

		recCtx, recCancel := context.WithTimeout(context.Background(), 10*time.Second)
		reconciler.Drain(recCtx)
		recCancel()

		sweepCtx, sweepCancel := context.WithTimeout(context.Background(), 5*time.Second)
		sweeper.Drain(sweepCtx)
		sweepCancel()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("spotherd stopped")
	return nil
}

// newRecommender builds the configured recommender. The static recommender
// compares live pool prices against a savings threshold; "none" never
// proposes.
func newRecommender(cfg config.Config, prices pricing.Provider, logger *slog.Logger) (recommend.Recommender, error) {
	switch cfg.Recommender {
	case "static":
		minSavings, err := decimal.NewFromString(cfg.MinSavings)
		if err != nil {
			return nil, fmt.Errorf("parse SPOTHERD_MIN_SAVINGS: %w", err)
		}
		logger.Info("recommender: static", "min_savings_per_hour", minSavings.String())
		return recommend.NewStatic(prices, minSavings), nil
	default:
		logger.Info("recommender: none (automatic switch proposals disabled)")
		return recommend.New(cfg.Recommender)
	}
}

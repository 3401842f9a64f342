// Package main is the entry point for the recipegate server binary. It
// dispatches three subcommands — serve, token, and version — via a simple
// switch on os.Args so the binary's full CLI surface is readable in one
// place without requiring a cobra dependency.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/recipegate/recipegate/internal/api"
	"github.com/recipegate/recipegate/internal/auth"
	"github.com/recipegate/recipegate/internal/config"
	"github.com/recipegate/recipegate/internal/gating"
	"github.com/recipegate/recipegate/internal/jobs"
	"github.com/recipegate/recipegate/internal/middleware"
	"github.com/recipegate/recipegate/internal/payments"
	"github.com/recipegate/recipegate/internal/safego"
	"github.com/recipegate/recipegate/internal/store"
	"github.com/recipegate/recipegate/internal/telemetry"

	// Import store backends to register them via init()
	_ "github.com/recipegate/recipegate/internal/store/file"
	"github.com/recipegate/recipegate/internal/store/postgres"
	"github.com/recipegate/recipegate/internal/store/redis"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch command {
	case "serve":
		return serve(cfg)
	case "token":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s token <identity>", os.Args[0])
		}
		return mintToken(cfg, os.Args[2])
	case "version":
		fmt.Printf("recipegate v%s\n", version)
		return nil
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, token, version", command)
	}
}

// mintToken prints a signed bearer token for an identity. Intended for
// development and for operators scripting against the API.
func mintToken(cfg *config.Config, identity string) error {
	tokens, err := auth.NewManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}
	token, err := tokens.Mint(identity)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func serve(cfg *config.Config) error {
	// Structured logger first so everything below logs in the configured
	// format and level.
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	tokens, err := auth.NewManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		return fmt.Errorf("security configuration error: %w", err)
	}

	st, err := store.NewStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store backend: %w", err)
	}
	slog.Info("store backend initialized", "backend", cfg.Store.Backend)

	// Export pool statistics when the store runs on Postgres.
	if pg, ok := st.(*postgres.PostgresStore); ok {
		telemetry.StartDBStatsCollector(pg.DB())
	}

	issuer := payments.NewHTTPIssuer(cfg.Payments.RequestTimeout)
	svc := gating.NewService(st, issuer, slog.Default(),
		gating.WithProfiles(gating.NewStoreProfiles(st)),
		gating.WithLegacyPriceMigrated(cfg.Gating.LegacyPriceMigrated),
	)

	// Repair index drift in the background; creation only appends to the
	// index best effort.
	reconciler := jobs.NewIndexReconciler(svc, 10*time.Minute, slog.Default())
	reconciler.Start(context.Background())

	// The Redis-backed limiter shares the store's client so limits hold
	// across replicas; other backends get a per-process token bucket.
	var limiter middleware.Limiter
	var memLimiter *middleware.MemoryLimiter
	if cfg.Security.RateLimiting.Enabled {
		rl := cfg.Security.RateLimiting
		if rs, ok := st.(*redis.RedisStore); ok {
			limiter = middleware.NewRedisLimiter(rs.Client(), rl.RequestsPerMinute, rl.Burst)
			slog.Info("rate limiting via shared redis", "requests_per_minute", rl.RequestsPerMinute)
		} else {
			memLimiter = middleware.NewMemoryLimiter(rl.RequestsPerMinute, rl.Burst)
			limiter = memLimiter
			slog.Info("rate limiting in process", "requests_per_minute", rl.RequestsPerMinute)
		}
	}

	// Prometheus metrics live on a dedicated port so the scrape path stays
	// off the public ingress and outside the rate limiter.
	if cfg.Telemetry.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort)
		safego.Go(func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("starting Prometheus metrics server", "addr", metricsAddr)
			srv := &http.Server{
				Addr:         metricsAddr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "error", err)
			}
		})
	}

	router := api.NewRouter(cfg, svc, tokens, limiter, slog.Default())

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("starting server",
			"addr", cfg.Server.GetAddress(),
			"base_url", cfg.Server.BaseURL,
			"store_backend", cfg.Store.Backend,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	reconciler.Stop()
	if memLimiter != nil {
		memLimiter.Stop()
	}

	slog.Info("server stopped gracefully")
	return nil
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/claimbridge/claimbridge/internal/config"
	"github.com/claimbridge/claimbridge/internal/domain/claims"
	"github.com/claimbridge/claimbridge/internal/platform/auth"
	"github.com/claimbridge/claimbridge/internal/platform/configcache"
	"github.com/claimbridge/claimbridge/internal/platform/db"
	"github.com/claimbridge/claimbridge/internal/platform/middleware"
	"github.com/claimbridge/claimbridge/internal/platform/payor"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "claimbridge-server",
		Short: "Claims intermediary API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(syncCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the claims API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, poolConfig(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, poolConfig(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

// syncCmd runs a single reconciliation sweep and exits. Useful from cron when
// the in-process reconciler is disabled, or to force a sweep after a payor
// outage.
func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Reconcile local claims against the payor once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, poolConfig(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			repo := claims.NewRepoPG(pool)
			links := claims.NewLinkRepoPG(pool)
			client := payor.NewClient(payorClientConfig(cfg), logger)
			cache := newConfigCache(cfg.RedisURL, logger)
			svc := claims.NewService(repo, links, client,
				claims.StateMachine{AllowTerminalOverride: cfg.AllowTerminalOverride},
				payor.RetryPolicy{MaxRetries: cfg.SubmitMaxRetries, BaseDelay: time.Second},
				cache, logger)
			svc.RestoreConfig(ctx)

			reconciler := claims.NewReconciler(svc, repo, cfg.SyncInterval, logger)
			report, err := reconciler.SyncAll(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("Synced %d claim(s), %d updated, %d error(s).\n", report.Synced, report.Updated, len(report.Errors))
			for _, e := range report.Errors {
				fmt.Println("  " + e)
			}
			if len(report.Errors) > 0 {
				return fmt.Errorf("%d claim(s) failed to sync", len(report.Errors))
			}
			return nil
		},
	}
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, poolConfig(cfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Config cache: Redis when configured, in-memory otherwise. The cache
	// only holds restorable payor settings, so falling back is safe.
	cache := newConfigCache(cfg.RedisURL, logger)

	// Payor client
	client := payor.NewClient(payorClientConfig(cfg), logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M", "5M"))
	e.Use(middleware.RequestTimeout(30 * time.Second))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Webhook-Signature"},
	}))

	// API groups. Webhooks stay outside the auth chain; the payor signs
	// deliveries instead of carrying bearer tokens.
	apiV1 := e.Group("/api/v1")
	public := e.Group("/api/v1")

	// Auth middleware
	switch cfg.ResolvedAuthMode() {
	case "development":
		apiV1.Use(auth.DevAuthMiddleware())
	default:
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			SigningKey: []byte(cfg.JWTSecret),
		}))
	}

	// Audit middleware
	apiV1.Use(middleware.Audit(logger))

	// Rate limiting middleware
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	// Claims domain wiring
	repo := claims.NewRepoPG(pool)
	links := claims.NewLinkRepoPG(pool)
	svc := claims.NewService(repo, links, client,
		claims.StateMachine{AllowTerminalOverride: cfg.AllowTerminalOverride},
		payor.RetryPolicy{MaxRetries: cfg.SubmitMaxRetries, BaseDelay: time.Second},
		cache, logger)
	svc.RestoreConfig(ctx)

	processor := claims.NewWebhookProcessor(svc, repo, cfg.WebhookSecret, cfg.WebhookSignaturePolicy == "reject", logger)
	reconciler := claims.NewReconciler(svc, repo, cfg.SyncInterval, logger)

	handler := claims.NewHandler(svc, processor, reconciler, logger)
	handler.RegisterRoutes(apiV1, public)

	// Background reconciliation sweep
	reconCtx, reconCancel := context.WithCancel(ctx)
	defer reconCancel()
	go reconciler.Start(reconCtx)

	// Health check endpoints
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	reconCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// poolConfig maps environment configuration onto the database pool, leaving
// connection lifetimes to the pool defaults.
func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	}
}

// payorClientConfig maps environment configuration onto the payor client.
func payorClientConfig(cfg *config.Config) payor.Config {
	return payor.Config{
		BaseURL:      cfg.PayorBaseURL,
		Email:        cfg.PayorEmail,
		Password:     cfg.PayorPassword,
		APIKey:       cfg.PayorAPIKey,
		ProviderID:   cfg.ProviderID,
		ProviderName: cfg.ProviderName,
	}
}

// newConfigCache connects to Redis when REDIS_URL is set, falling back to an
// in-memory cache when the URL is empty or the connection fails.
func newConfigCache(redisURL string, logger zerolog.Logger) configcache.Cache {
	if redisURL == "" {
		return configcache.NewMemoryCache()
	}
	rc, err := configcache.NewRedisCache(redisURL)
	if err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, using in-memory config cache")
		return configcache.NewMemoryCache()
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rc.Ping(pingCtx); err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, using in-memory config cache")
		return configcache.NewMemoryCache()
	}
	logger.Info().Msg("using redis config cache")
	return rc
}

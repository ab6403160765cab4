package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/careerlink/backend/internal/api"
	"github.com/careerlink/backend/internal/auth"
	"github.com/careerlink/backend/internal/config"
	"github.com/careerlink/backend/internal/domain"
	"github.com/careerlink/backend/internal/middleware"
	"github.com/careerlink/backend/internal/repository"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	logger, err := initLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	logger.Info("Starting CareerLink API",
		zap.String("env", cfg.Server.Env),
		zap.String("port", cfg.Server.Port),
	)

	ctx := context.Background()
	db, err := initDatabase(ctx, cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	logger.Info("Connected to database")

	// Store and auth
	store := repository.NewPostgresStore(db)
	jwtManager := auth.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessExpiry)

	// WebSocket manager for live activity events
	wsManager := api.NewWebSocketManager(logger)
	go wsManager.Run()

	// Core services. The reconciler shares the graph service's pair locks so
	// a repair never races a live accept or reject.
	locks := domain.NewPairLocks(cfg.Network.PairLockWait)
	activityService := domain.NewActivityService(store, wsManager, logger)
	networkService := domain.NewNetworkService(store, activityService, locks, logger, cfg.Network.StoreRetries)
	reconciler := domain.NewReconciler(store, store, locks, logger, cfg.Network.StoreRetries)
	networkService.SetRepairer(reconciler)
	networkView := domain.NewNetworkView(store, logger)

	// Handlers
	networkHandler := api.NewNetworkHandler(networkService, networkView, reconciler, logger)
	activityHandler := api.NewActivityHandler(activityService, wsManager, logger)
	healthHandler := api.NewHealthHandler(db)

	rateLimiter := middleware.NewCallerRateLimiter(
		cfg.RateLimit.Requests,
		cfg.RateLimit.Window,
		cfg.RateLimit.Burst,
		10*time.Minute,
	)

	router := api.NewRouter(networkHandler, activityHandler, healthHandler, jwtManager, rateLimiter, cfg.Server.AllowedOrigins, logger)
	r := router.Setup()

	// Background sweep for edges broken by partial writes
	sweepCtx, sweepCancel := context.WithCancel(ctx)
	if cfg.Network.SweepEnabled {
		reconciler.StartSweeper(sweepCtx, cfg.Network.SweepInterval)
		logger.Info("Reconciler sweep enabled", zap.Duration("interval", cfg.Network.SweepInterval))
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	sweepCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", zap.Error(err))
	}

	logger.Info("Server stopped")
}

func initLogger() (*zap.Logger, error) {
	if os.Getenv("ENV") == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func initDatabase(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

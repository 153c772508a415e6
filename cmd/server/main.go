package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/quartzerp/identity-core/internal/api"
	"github.com/quartzerp/identity-core/internal/audit"
	"github.com/quartzerp/identity-core/internal/authflow"
	"github.com/quartzerp/identity-core/internal/config"
	"github.com/quartzerp/identity-core/internal/credential"
	"github.com/quartzerp/identity-core/internal/health"
	"github.com/quartzerp/identity-core/internal/lockout"
	"github.com/quartzerp/identity-core/internal/logger"
	"github.com/quartzerp/identity-core/internal/metrics"
	"github.com/quartzerp/identity-core/internal/mfa"
	appmw "github.com/quartzerp/identity-core/internal/middleware"
	"github.com/quartzerp/identity-core/internal/repository"
	"github.com/quartzerp/identity-core/internal/session"
)

// Version is set at build time
var Version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	appLogger := logger.New(logger.DefaultConfig())

	// Database pools: pgx native pool for the hot-path repositories,
	// sqlx over pgx stdlib for the filter-built audit queries.
	dbPool, err := setupDatabase(cfg)
	if err != nil {
		appLogger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	auditDB, err := sqlx.Connect("pgx", cfg.Database.DSN())
	if err != nil {
		appLogger.Error("Failed to open audit database connection", "error", err)
		os.Exit(1)
	}
	defer auditDB.Close()
	auditDB.SetMaxOpenConns(10)
	auditDB.SetMaxIdleConns(5)
	auditDB.SetConnMaxLifetime(5 * time.Minute)

	// Repositories
	credentialRepo := repository.NewCredentialRepository(dbPool)
	stateRepo := repository.NewSecurityStateRepository(dbPool)
	sessionRepo := repository.NewSessionRepository(dbPool)
	auditRepo := repository.NewAuditRepo(auditDB)

	// Audit trail: synchronous recorder plus the async retry writer for
	// post-commit appends.
	recorder := audit.NewRecorder(auditRepo, appLogger)
	writer := audit.NewWriter(auditRepo, appLogger, audit.DefaultWriterConfig())
	writer.Start()
	defer writer.Stop()

	// Core services
	verifier := credential.NewVerifier(cfg.Auth.BcryptWorkers)
	codec := session.NewTokenCodec(session.TokenCodecConfig{
		AccessSecret:  cfg.JWT.AccessSecret,
		RefreshSecret: cfg.JWT.RefreshSecret,
		AccessTTL:     cfg.JWT.AccessTokenExpiry,
		RefreshTTL:    cfg.JWT.RefreshTokenExpiry,
		Issuer:        cfg.JWT.Issuer,
	})
	lockoutEngine := lockout.NewEngine(stateRepo, recorder, lockout.Config{
		Threshold:       cfg.Lockout.Threshold,
		BaseDuration:    cfg.Lockout.BaseDuration,
		MaxBackoffShift: cfg.Lockout.MaxBackoffShift,
		MFAFailureLimit: cfg.Lockout.MFAFailureLimit,
	}, appLogger)
	sessionManager := session.NewManager(sessionRepo, codec, recorder, writer, lockoutEngine, appLogger)
	totp := mfa.NewTOTP(cfg.MFA.Issuer)

	flow := authflow.NewOrchestrator(
		credentialRepo,
		verifier,
		lockoutEngine,
		sessionManager,
		totp,
		recorder,
		writer,
		appLogger,
	)

	// Background workers
	sessionManager.StartSweeper(cfg.Auth.SessionSweepInterval)
	defer sessionManager.StopSweeper()

	dbStats := metrics.NewDBStatsCollector(dbPool, auditDB.DB, appLogger)
	dbStats.Start(15 * time.Second)
	defer dbStats.Stop()

	// Handlers and middleware
	authHandler := api.NewAuthHandler(flow, cfg.Auth.ExposeLockout, appLogger)
	auditHandler := api.NewAuditHandler(auditRepo, appLogger)
	healthHandler := health.NewHandler(health.Config{
		DBPool:  dbPool,
		Version: Version,
	})
	authMiddleware := appmw.NewAuthMiddleware(codec)
	loginLimiter := appmw.NewLoginRateLimiter(cfg.Auth.LoginRateLimit, cfg.Auth.LoginRateWindow)

	// Router
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(appmw.StructuredLogger(appLogger))
	r.Use(metrics.Middleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://erp.quartzerp.internal", "http://localhost:3000"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler.Health)
	r.Get("/health/ready", healthHandler.Ready)
	r.Get("/health/live", healthHandler.Live)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		api.RegisterAuthRoutes(r, authHandler, authMiddleware.Authenticate, loginLimiter.Limit)
		api.RegisterAdminRoutes(r, authHandler, auditHandler, authMiddleware.Authenticate)
	})

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		appLogger.Info("Starting identity server", "addr", addr, "version", Version)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server")
	healthHandler.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	appLogger.Info("Server exited")
}

// setupDatabase creates and configures the pgx connection pool
func setupDatabase(cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 5 * time.Minute
	poolConfig.MaxConnIdleTime = 1 * time.Minute
	poolConfig.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ComUnity/abuse-gateway/internal/client"
	"github.com/ComUnity/abuse-gateway/internal/config"
	"github.com/ComUnity/abuse-gateway/internal/handler"
	"github.com/ComUnity/abuse-gateway/internal/loader"
	"github.com/ComUnity/abuse-gateway/internal/middleware"
	"github.com/ComUnity/abuse-gateway/internal/repository"
	"github.com/ComUnity/abuse-gateway/internal/service"
	"github.com/ComUnity/abuse-gateway/internal/util"
	"github.com/ComUnity/abuse-gateway/internal/util/logger"
)

var version = "development"

func main() {
	configPath := flag.String("config", "config/app-config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		panic(fmt.Errorf("failed to load config: %w", err))
	}

	logger.Configure(logger.Config{
		Level:  cfg.Logger.Level,
		Format: cfg.Logger.Encoding,
	})
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatalf("Invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis backs the aggregate cache and, optionally, the shared limiter.
	var rcli *client.RedisClient
	if cfg.RedisURL != "" {
		rcli, err = client.NewRedisClient(ctx, client.RedisConfig{
			URL: cfg.RedisURL,
			CircuitBreaker: client.CircuitBreakerConfig{
				Enabled:      true,
				FailureRatio: 0.5,
				RecoveryTime: 30 * time.Second,
				MinRequests:  20,
			},
		})
		if err != nil {
			logger.Fatalf("Redis init failed: %v", err)
		}
		defer rcli.Close()
	}

	pool := repository.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}
	db, err := repository.OpenPostgres(ctx, cfg.Database.URL, pool)
	if err != nil {
		logger.Fatalf("DB open error: %v", err)
	}
	defer db.Close()

	// Role lookups read through the elevated connection so row-level
	// policies on user_roles do not hide rows from the check.
	elevated := db
	if cfg.Database.ElevatedURL != "" {
		elevated, err = repository.OpenPostgres(ctx, cfg.Database.ElevatedURL, pool)
		if err != nil {
			logger.Fatalf("Elevated DB open error: %v", err)
		}
		defer elevated.Close()
	} else {
		logger.Warnf("database.elevated_url not set; role lookups use the primary connection")
	}

	tel, err := loader.BuildTelemetry(*cfg)
	if err != nil {
		logger.Fatalf("Telemetry init failed: %v", err)
	}
	tel.Start(ctx)

	fraudRepo := repository.NewFraudLogRepository(db)
	adminRepo := repository.NewAdminAuditRepository(db)
	accounts := repository.NewCachedAccountAggregateRepository(
		repository.NewAccountAggregateRepository(db), rcli, repository.AggregateCacheConfig{
			TTL:       cfg.Eligibility.AggregateTTL,
			DeviceCap: cfg.Eligibility.DeviceCap,
			IPCap:     cfg.Eligibility.IPCap,
		})
	roles := repository.NewRoleRepository(elevated)

	recorder := service.NewAuditRecorder(fraudRepo, adminRepo, tel.Publisher, service.RecorderConfig{
		QueueSize:    cfg.Eligibility.LogQueueSize,
		WriteTimeout: cfg.Eligibility.LogWriteTimeout,
	})
	recorder.Start()

	attempts := service.CountWithPending(fraudRepo, recorder)
	evaluator := service.NewEligibilityEvaluator(accounts, attempts, recorder, service.EligibilityPolicy{
		DeviceCap:        cfg.Eligibility.DeviceCap,
		IPCap:            cfg.Eligibility.IPCap,
		BurstThreshold:   cfg.Eligibility.BurstThreshold,
		WarningThreshold: cfg.Eligibility.WarningThreshold,
		RecentWindow:     cfg.Eligibility.RecentWindow,
		Timeout:          cfg.Eligibility.Timeout,
	})

	var sources config.SecretSources
	if cfg.Session.NeedsAWS() {
		if sources, err = config.NewAWSSecretSources(ctx); err != nil {
			logger.Fatalf("AWS config load failed: %v", err)
		}
	}
	signingKey, err := config.ResolveSigningKey(ctx, cfg.Session, sources)
	if err != nil {
		logger.Fatalf("Session signing key: %v", err)
	}
	sessions := util.NewSessionManager(util.SessionConfig{
		Issuer:   cfg.Session.Issuer,
		Audience: cfg.Session.Audience,
	}, signingKey)

	verifier := service.NewRoleVerifier(sessions, roles, recorder, service.RoleVerifierConfig{
		AdminRole: cfg.Admin.Role,
		Timeout:   cfg.Admin.Timeout,
	})

	limiterCfg := middleware.LimiterConfig{
		Capacity: cfg.AdminRateLimit.Capacity,
		Window:   cfg.AdminRateLimit.Window,
		MaxKeys:  cfg.AdminRateLimit.MaxKeys,
	}
	var adminLimiter middleware.WindowLimiter
	switch {
	case cfg.AdminRateLimit.Backend == "redis" && rcli != nil:
		adminLimiter = middleware.NewRedisWindowLimiter(rcli, limiterCfg, cfg.AdminRateLimit.KeyPrefix)
	default:
		state := middleware.NewRateLimiterState(limiterCfg)
		state.StartSweeper(ctx, cfg.AdminRateLimit.SweepInterval)
		adminLimiter = state
	}
	logger.Infof("Admin rate limit: backend=%s capacity=%d window=%s",
		cfg.AdminRateLimit.Backend, limiterCfg.Capacity, limiterCfg.Window)

	ids := middleware.NewIdentityExtractor(middleware.IdentityConfig{
		EdgeIPHeader:      cfg.Identity.EdgeIPHeader,
		DeviceIDMaxLength: cfg.Identity.DeviceIDMaxLength,
	})

	checks := []handler.HealthCheck{
		{Name: "database", Critical: true, Check: db.PingContext},
	}
	if elevated != db {
		checks = append(checks, handler.HealthCheck{Name: "database_elevated", Critical: true, Check: elevated.PingContext})
	}
	if rcli != nil {
		checks = append(checks, handler.HealthCheck{Name: "redis", Check: rcli.HealthCheck})
	}
	health := handler.NewHealthHandler(cfg.Env, version, checks...)

	tlsCfg := middleware.DefaultTLSConfig()
	if cfg.TLS.HSTSMaxAge > 0 {
		tlsCfg.HSTSMaxAge = cfg.TLS.HSTSMaxAge
	}
	tlsCfg.Preload = cfg.TLS.Preload
	tlsCfg.ForceRedirect = cfg.TLS.ForceRedirect
	if cfg.TLS.CSP != "" {
		tlsCfg.ContentSecurityPolicy = cfg.TLS.CSP
	}
	if len(cfg.TLS.ExcludedPaths) > 0 {
		tlsCfg.ExcludedPaths = cfg.TLS.ExcludedPaths
	}

	router := handler.NewRouter(handler.RouterDeps{
		Identity:       ids,
		Eligibility:    handler.NewEligibilityHandler(evaluator, ids, handler.NewLocalizer("pt-BR")),
		Admin:          handler.NewAdminHandler(verifier, ids, adminLimiter, recorder),
		Health:         health,
		AdminLimiter:   adminLimiter,
		Verifier:       verifier,
		Publisher:      tel.Publisher,
		TLS:            tlsCfg,
		RequestTimeout: cfg.Server.RequestTimeout,
	})

	grpcHealth, err := startGRPCHealth(ctx, cfg.GRPCHealthPort, checks)
	if err != nil {
		logger.Fatalf("gRPC health server: %v", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Infof("Abuse gateway %s listening on %s", version, srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Infof("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if grpcHealth != nil {
		grpcHealth.Stop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server shutdown error: %v", err)
	}
	// In-flight requests are done; flush what they recorded.
	recorder.Stop(shutdownCtx)
	tel.Stop(shutdownCtx)

	st := recorder.Stats()
	logger.Infow("Shutdown complete", "audit_written", st.Written, "audit_dropped", st.Dropped, "audit_failed", st.Failed)
}

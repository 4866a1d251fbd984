package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/changerawr/domains/internal/config"
	internaldns "github.com/changerawr/domains/internal/dns"
	"github.com/changerawr/domains/internal/lock"
	"github.com/changerawr/domains/internal/migrations"
	"github.com/changerawr/domains/internal/notify"
	"github.com/changerawr/domains/internal/recheck"
	"github.com/changerawr/domains/internal/registry/handler"
	"github.com/changerawr/domains/internal/registry/repository"
	"github.com/changerawr/domains/internal/registry/service"
	"github.com/changerawr/domains/internal/rescache"
	"github.com/changerawr/domains/internal/verifierrpc"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("domains-api exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	cfg, err := config.Load(logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Database ─────────────────────────────────────────────────────────────
	db, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer db.Close()

	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("connected to postgres")

	if cfg.Database.AutoMigrate {
		if err := migrations.Migrate(ctx, db, logger); err != nil {
			return err
		}
	}

	// ── Redis (optional) ─────────────────────────────────────────────────────
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		logger.Info("connected to redis")
	} else {
		logger.Info("redis disabled: using in-process lock and cache")
	}

	// ── Verification engine (local or remote) ────────────────────────────────
	var verifier service.Verifier
	if addr := cfg.Verifier.Addr; addr != "" {
		client, err := verifierrpc.Dial(addr, logger)
		if err != nil {
			return err
		}
		defer client.Close() //nolint:errcheck
		verifier = client
		logger.Info("using remote verifier", zap.String("addr", addr))
	} else {
		resolver, err := internaldns.NewResolver(cfg.DNS.Nameservers, cfg.DNS.Timeout)
		if err != nil {
			return fmt.Errorf("dns resolver: %w", err)
		}
		prober := internaldns.NewHTTPProber(cfg.Probe.Timeout)

		if cfg.Domains.SkipTXTVerify {
			logger.Warn("TXT verification disabled; do not use in production")
		}
		engine := internaldns.NewVerifier(resolver, prober, logger, internaldns.WithTXTBypass(cfg.Domains.SkipTXTVerify))
		engine.SetCheckRecorder(handler.RecordDomainCheck)
		verifier = engine
	}

	// ── Wire up layers ────────────────────────────────────────────────────────
	repo := repository.NewDomainRepository(db)
	svc := service.NewDomainService(repo, verifier, cfg.Domains.CNAMETarget, logger)
	svc.SetOutcomeRecorder(handler.RecordVerification)

	cache := rescache.New(rdb, cfg.ResolutionCache.TTL)
	if mem, ok := cache.(*rescache.Memory); ok {
		go mem.Run(ctx, cfg.ResolutionCache.TTL)
	}
	svc.SetResolutionCache(cache)

	notifier := notify.New(cfg.Notify.URLs, cfg.Notify.Secret, logger)
	notifier.SetMetricsRecorder(handler.RecordNotification)
	svc.SetEventDispatcher(notifier)

	domainHandler := handler.NewDomainHandler(svc, logger)
	verifyHandler := handler.NewVerifyEndpointHandler(svc, logger)

	// ── Background: recheck PENDING domains ──────────────────────────────────
	recheckDone := make(chan struct{})
	if cfg.Recheck.Enabled {
		jobCfg := recheck.Config{
			Schedule:    cfg.Recheck.Schedule,
			Concurrency: cfg.Recheck.Concurrency,
			BatchSize:   cfg.Recheck.BatchSize,
			SweepTTL:    cfg.Recheck.SweepTTL,
		}
		job, err := recheck.New(svc, lock.New(rdb, "domains:recheck", jobCfg.SweepTTL), jobCfg, logger)
		if err != nil {
			return fmt.Errorf("recheck job: %w", err)
		}
		job.SetGaugeRecorder(handler.SetDomainsGauge)
		go func() {
			defer close(recheckDone)
			job.Start(ctx)
		}()
	} else {
		close(recheckDone)
	}

	// ── HTTP Router ───────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	// CORS
	corsOrigins := cfg.Server.CORSOrigins
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))

	// Security headers
	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	// Request body size limit (1 MB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	// Per-IP rate limiting
	if rps := cfg.Server.RateLimitRPS; rps > 0 {
		limiter := handler.NewIPRateLimiter(rps, int(rps*2))
		go limiter.Run(ctx)
		router.Use(limiter.Middleware())
	}

	router.Use(handler.PrometheusMiddleware())
	router.Use(requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", handler.MetricsHandler())

	// Ownership challenge (public, reached through customer domains)
	verifyHandler.Register(router)

	// API v1
	v1 := router.Group("/api/v1")
	domainHandler.Register(v1)

	httpPort := cfg.Server.Port
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", httpPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("domains API listening",
			zap.Int("port", httpPort),
			zap.String("cname_target", svc.CNAMETarget()),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	<-quit
	logger.Info("shutting down domains API...")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()

	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	cancel()
	<-recheckDone
	notifier.Wait()

	logger.Info("domains API stopped")
	return nil
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Tesseract-Nexus/go-shared/metrics"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/StudioEly/koomy-saas2-sub001/internal/background"
	"github.com/StudioEly/koomy-saas2-sub001/internal/config"
	"github.com/StudioEly/koomy-saas2-sub001/internal/handlers"
	appMetrics "github.com/StudioEly/koomy-saas2-sub001/internal/metrics"
	"github.com/StudioEly/koomy-saas2-sub001/internal/middleware"
	"github.com/StudioEly/koomy-saas2-sub001/internal/models"
	natsClient "github.com/StudioEly/koomy-saas2-sub001/internal/nats"
	"github.com/StudioEly/koomy-saas2-sub001/internal/redis"
	"github.com/StudioEly/koomy-saas2-sub001/internal/repository"
	"github.com/StudioEly/koomy-saas2-sub001/internal/services"
)

func main() {
	// Load .env if present (local development)
	_ = godotenv.Load()

	cfg := config.New()
	logger := newLogger(cfg.App.LogLevel)

	db, err := initDatabase(cfg.Database, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize database")
	}

	if err := autoMigrate(db); err != nil {
		logger.WithError(err).Fatal("Failed to migrate database")
	}

	communityRepo := repository.NewCommunityRepository(db)
	membershipRepo := repository.NewMembershipRepository(db)

	seedCtx, seedCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := communityRepo.SeedPlans(seedCtx, models.DefaultPlans()); err != nil {
		logger.WithError(err).Fatal("Failed to seed plan catalog")
	}
	seedCancel()

	// Redis backs the claim rate limiter; memory counters are used without it
	var (
		redisClient  *redis.Client
		counterStore middleware.CounterStore
		redisPinger  handlers.Pinger
	)
	if cfg.Redis.Enabled {
		redisClient, err = redis.NewClient(cfg.Redis)
		if err != nil {
			logger.WithError(err).Warn("Failed to connect to Redis, rate limiting will use local counters")
		} else {
			logger.Info("Connected to Redis successfully")
			counterStore = redisClient
			redisPinger = redisClient
		}
	}

	// NATS is optional, events are dropped when it is unavailable
	var (
		nc          *natsClient.Client
		publisher   services.EventPublisher
		natsChecker handlers.ConnectionChecker
	)
	if cfg.NATS.Enabled {
		nc, err = natsClient.NewClient(natsClient.DefaultConfig(cfg.NATS.URL), logger)
		if err != nil {
			logger.WithError(err).Warn("Failed to connect to NATS, event publishing will be disabled")
		} else {
			logger.Info("Connected to NATS successfully")
			publisher = nc
			natsChecker = nc
		}
	}

	httpMetrics := metrics.New(metrics.Config{
		ServiceName: "community-service",
		Namespace:   "koomy",
		Subsystem:   "community_http",
	})
	domainMetrics := appMetrics.New(prometheus.DefaultRegisterer)

	claimSvc := services.NewClaimService(membershipRepo, communityRepo, logger,
		services.WithClock(services.SystemClock{}),
		services.WithMaxCodeAttempts(cfg.Claim.MaxGenerationAttempts),
		services.WithEventPublisher(publisher),
		services.WithMetrics(domainMetrics),
	)
	quotaSvc := services.NewQuotaService(membershipRepo, communityRepo, publisher, domainMetrics, logger)
	membershipSvc := services.NewMembershipService(claimSvc, quotaSvc, membershipRepo, domainMetrics, logger)

	rateLimiter := middleware.NewRateLimiter(counterStore, middleware.RateLimitConfig{
		Limit:  cfg.Claim.RateLimitPerMinute,
		Window: time.Minute,
	}, domainMetrics, logger)

	healthHandler := handlers.NewHealthHandler(db, natsChecker, redisPinger)
	membershipHandler := handlers.NewMembershipHandler(claimSvc, membershipSvc)
	communityHandler := handlers.NewCommunityHandler(quotaSvc)

	bgRunner := background.NewRunner(quotaSvc, db, domainMetrics, cfg.Usage.SnapshotIntervalMins, logger)
	bgRunner.Start()

	router := setupRouter(cfg, logger, healthHandler, membershipHandler, communityHandler, rateLimiter, httpMetrics)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithField("port", cfg.Server.Port).Info("Starting community-service")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	bgRunner.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	claimSvc.WaitForEvents()
	if nc != nil {
		nc.Close()
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.WithError(err).Warn("Error closing Redis connection")
		}
	}

	logger.Info("Server exited")
}

func setupRouter(
	cfg *config.Config,
	logger *logrus.Logger,
	healthHandler *handlers.HealthHandler,
	membershipHandler *handlers.MembershipHandler,
	communityHandler *handlers.CommunityHandler,
	rateLimiter *middleware.RateLimiter,
	metricsCollector *metrics.Metrics,
) *gin.Engine {
	if cfg.Server.GinMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	corsConfig := cors.DefaultConfig()
	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.Server.CORSAllowedOrigins
		corsConfig.AllowCredentials = true
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID", "X-Membership-ID"}

	router.Use(cors.New(corsConfig))
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.StructuredLogger(logger))
	router.Use(metricsCollector.Middleware())
	router.Use(middleware.ActorExtraction())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)

	api := router.Group("/api")
	{
		memberships := api.Group("/memberships")
		{
			memberships.GET("/verify/:code", rateLimiter.Middleware("verify"), membershipHandler.VerifyCode)
			memberships.POST("/claim", rateLimiter.Middleware("claim"), membershipHandler.ClaimCode)
			memberships.POST("", membershipHandler.CreateMembership)
			memberships.GET("/:id", membershipHandler.GetMembership)
			memberships.POST("/:id/regenerate-code", membershipHandler.RegenerateCode)
			memberships.PATCH("/:id/status", membershipHandler.UpdateStatus)
		}

		communities := api.Group("/communities/:id")
		{
			communities.GET("/memberships", membershipHandler.ListCommunityMemberships)
			communities.GET("/quota", communityHandler.GetQuota)
			communities.PATCH("/plan", communityHandler.ChangePlan)
		}

		api.GET("/plans", communityHandler.ListPlans)
	}

	return router
}

func newLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)
	if parsed, err := logrus.ParseLevel(level); err == nil {
		logger.SetLevel(parsed)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
	return logger
}

func initDatabase(cfg config.DatabaseConfig, logger *logrus.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Connected to database successfully")
	return db, nil
}

func autoMigrate(db *gorm.DB) error {
	// Plans first, communities reference them and memberships reference communities
	for _, model := range []interface{}{
		&models.Plan{},
		&models.Community{},
		&models.Membership{},
	} {
		if err := db.AutoMigrate(model); err != nil {
			return fmt.Errorf("failed to migrate %T: %w", model, err)
		}
	}
	return nil
}

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lza051119/chat8/internal/core/ports"
	"github.com/lza051119/chat8/internal/core/services"
	httphandlers "github.com/lza051119/chat8/internal/handlers/http"
	"github.com/lza051119/chat8/internal/infrastructure/distributed"
	"github.com/lza051119/chat8/internal/infrastructure/middleware"
	"github.com/lza051119/chat8/internal/infrastructure/monitoring"
	"github.com/lza051119/chat8/internal/infrastructure/repositories"
	signalhub "github.com/lza051119/chat8/internal/infrastructure/signal"
	"github.com/lza051119/chat8/pkg/config"
	locks "github.com/lza051119/chat8/pkg/distributed"
	"github.com/lza051119/chat8/pkg/logger"
	"github.com/lza051119/chat8/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const purgeInterval = 30 * time.Second

func main() {
	startTime := time.Now()

	cfg, err := config.LoadFirst(
		"configs/relay.yaml",
		"configs/config.yaml",
		"config.yaml",
	)

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if err != nil {
		log.Warnw("could not load config, using defaults", "error", err)
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName + "-relay",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	messages, err := repoFactory.CreateMessageRepository()
	if err != nil {
		log.Fatalw("failed to open message store", "error", err)
	}
	presence := repoFactory.CreatePresenceRepository(cfg.Server.PresenceTTL)

	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)
	relayService := services.NewRelayService(messages, presence, log.Named("relay"))

	hubCfg := signalhub.DefaultHubConfig()
	hubCfg.PingInterval = cfg.Server.PingInterval
	hubCfg.PongTimeout = cfg.Server.PongTimeout
	hubCfg.MaxMessageBytes = cfg.Signaling.MaxMessageBytes
	hubCfg.AllowedOrigins = cfg.Auth.AllowedOrigins
	if cfg.RateLimiting.Enabled {
		hubCfg.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		hubCfg.Burst = cfg.RateLimiting.WebSocket.Burst
	}
	hub := signalhub.NewHub(authService, relayService, collector, hubCfg, log.Named("hub"))
	relayService.SetPusher(hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var lockManager *locks.LockManager
	if client := repoFactory.RedisClient(); client != nil {
		instanceID := uuid.NewString()
		registry := distributed.NewSessionRegistry(client, instanceID, cfg.Server.PresenceTTL, log.Named("sessions"))
		bus := distributed.NewEventBus(client, registry, log.Named("event_bus"))
		hub.SetForwarder(bus, registry)
		lockManager = locks.NewLockManager(client, "chat8:lock:")

		go registry.KeepAlive(ctx)
		go func() {
			if err := bus.Subscribe(ctx, hub.DeliverLocal); err != nil && ctx.Err() == nil {
				log.Errorw("event bus subscription ended", "error", err)
			}
		}()
		log.Infow("cross-instance signaling enabled", "instance_id", instanceID)
	}

	if purger, ok := messages.(ports.ExpiredMessagePurger); ok {
		go purgeExpired(ctx, purger, lockManager, log.Named("purge"))
	}

	checker := monitoring.NewHealthChecker()
	checker.AddStoreCheck(messages, cfg.Health.Interval, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		checker.AddRedisCheck(client, cfg.Health.Interval, 2*time.Second)
	}
	checker.StartBackgroundChecks(ctx)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(log),
	)

	router.GET("/ws/:user_id", hub.HandleWebSocket)

	relayHandler := httphandlers.NewRelayHandler(relayService, authService, cfg.Server.PresenceTTL/3)
	relayHandler.SetupRoutes(router, middleware.NewHTTPRateLimitMiddleware(cfg))
	if cfg.Auth.DevTokens {
		httphandlers.NewAuthHandler(authService, cfg.Auth.AccessTokenTTL).SetupRoutes(router)
		log.Warn("development token endpoint enabled")
	}

	router.GET("/health", func(c *gin.Context) {
		reqCtx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		status := checker.CheckAll(reqCtx)
		code := http.StatusOK
		if status.Status != monitoring.StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":      status.Status,
			"timestamp":   status.Timestamp,
			"checks":      status.Checks,
			"connections": hub.ConnectionCount(),
			"uptime":      time.Since(startTime).String(),
		})
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// Websocket connections outlive any write timeout; the hub sets
		// its own deadlines per frame.
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting relay server", "address", cfg.Server.Address, "store", cfg.Store.Backend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("error shutting down tracing", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}

	log.Info("relay server stopped")
}

// purgeExpired deletes burn-after messages past their destroy time. With
// Redis, only the instance holding the purge lock runs each round.
func purgeExpired(ctx context.Context, purger ports.ExpiredMessagePurger, lockManager *locks.LockManager, log *zap.SugaredLogger) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	purge := func(ctx context.Context) error {
		n, err := purger.PurgeExpired(ctx, time.Now())
		if n > 0 {
			log.Infow("purged expired messages", "count", n)
		}
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var err error
		if lockManager != nil {
			_, err = lockManager.RunExclusive(ctx, "purge", purgeInterval, purge)
		} else {
			err = purge(ctx)
		}
		if err != nil {
			log.Warnw("purge failed", "error", err)
		}
	}
}

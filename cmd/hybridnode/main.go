// Command hybridnode runs one chat8 endpoint headless: it keeps the
// signaling connection, direct links and calls alive, and takes commands
// on stdin.
package main

import (
	"bufio"
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lza051119/chat8/internal/core/domain"
	"github.com/lza051119/chat8/internal/core/services"
	"github.com/lza051119/chat8/internal/infrastructure/middleware"
	"github.com/lza051119/chat8/internal/infrastructure/monitoring"
	"github.com/lza051119/chat8/internal/infrastructure/relay"
	"github.com/lza051119/chat8/internal/infrastructure/repositories"
	signalchan "github.com/lza051119/chat8/internal/infrastructure/signal"
	webrtcinfra "github.com/lza051119/chat8/internal/infrastructure/webrtc"
	"github.com/lza051119/chat8/pkg/circuitbreaker"
	"github.com/lza051119/chat8/pkg/config"
	"github.com/lza051119/chat8/pkg/logger"
	"github.com/lza051119/chat8/pkg/retry"
	"github.com/lza051119/chat8/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.LoadFirst(
		"configs/node.yaml",
		"configs/config.yaml",
		"config.yaml",
	)

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if err != nil {
		log.Warnw("could not load config, using defaults", "error", err)
	}

	self := domain.PeerID(cfg.Node.UserID)
	if self == "" {
		self, err = services.PeerFromToken(cfg.Node.Token)
		if err != nil {
			log.Fatalw("node.user_id is not set and the token carries no user", "error", err)
		}
	}
	log = log.With("user_id", self)

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName + "-node",
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
	store, err := repoFactory.CreateMessageRepository()
	if err != nil {
		log.Fatalw("failed to open message store", "error", err)
	}

	relayClient, err := relay.NewClient(relay.ClientConfig{
		BaseURL:     cfg.Relay.BaseURL,
		Token:       cfg.Node.Token,
		Timeout:     cfg.Relay.Timeout,
		ReadRetries: cfg.Relay.ReadRetries,
		Breaker: circuitbreaker.Config{
			FailureThreshold: cfg.Relay.Breaker.FailureThreshold,
			OpenTimeout:      cfg.Relay.Breaker.OpenTimeout,
		},
	}, log)
	if err != nil {
		log.Fatalw("invalid relay configuration", "error", err)
	}

	channel := signalchan.NewWebSocketChannel(signalchan.ChannelConfig{
		URL:              cfg.Signaling.URL,
		UserID:           self,
		Token:            cfg.Node.Token,
		Status:           cfg.Node.Status,
		Capabilities:     cfg.Node.Capabilities,
		PingInterval:     cfg.Signaling.PingInterval,
		ReadTimeout:      cfg.Signaling.ReadTimeout,
		WriteTimeout:     cfg.Signaling.WriteTimeout,
		HandshakeTimeout: cfg.Signaling.HandshakeTimeout,
		MaxMessageBytes:  cfg.Signaling.MaxMessageBytes,
		Backoff: retry.Backoff{
			InitialDelay: cfg.Signaling.Reconnect.InitialDelay,
			MaxDelay:     cfg.Signaling.Reconnect.MaxDelay,
			Multiplier:   cfg.Signaling.Reconnect.Multiplier,
			MaxAttempts:  cfg.Signaling.Reconnect.MaxAttempts,
		},
	}, collector, log.Named("signaling"))

	rtc := webrtcinfra.Config{DataChannelLabel: cfg.Links.DataChannelLabel}
	for _, s := range cfg.Links.ICEServers {
		rtc.ICEServers = append(rtc.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	rtc.PortRange.Min = cfg.Links.PortRange.Min
	rtc.PortRange.Max = cfg.Links.PortRange.Max

	links, err := webrtcinfra.NewLinkManager(webrtcinfra.LinkManagerConfig{
		Self:               self,
		NegotiationTimeout: cfg.Links.NegotiationTimeout,
	}, rtc, channel, collector, log.Named("links"))
	if err != nil {
		log.Fatalw("failed to create link manager", "error", err)
	}

	media, err := webrtcinfra.NewCallMediaFactory(webrtcinfra.CallMediaConfig{
		RTC:           rtc,
		Self:          self,
		FrameInterval: cfg.Calls.FrameInterval,
		EncryptAudio:  cfg.Calls.EncryptAudio,
		NewSource:     func() webrtcinfra.AudioSource { return webrtcinfra.SilenceSource{} },
		Sink:          webrtcinfra.DiscardSink{},
	}, collector, log.Named("media"))
	if err != nil {
		log.Fatalw("failed to create call media factory", "error", err)
	}

	messenger := services.NewMessenger(services.MessengerConfig{
		Self:          self,
		Status:        cfg.Node.Status,
		Capabilities:  cfg.Node.Capabilities,
		MaxAttempts:   cfg.DirectAttempts.MaxAttempts,
		AttemptWindow: cfg.DirectAttempts.Window,
		AttemptTTL:    cfg.DirectAttempts.RecordTTL,
		Calls: services.CallControllerConfig{
			SetupTimeout: cfg.Calls.SetupTimeout,
			KeySize:      cfg.Calls.KeySize,
			EncryptAudio: cfg.Calls.EncryptAudio,
		},
		HealthInterval: cfg.Health.Interval,
		QueueSize:      cfg.Persistence.QueueSize,
		WriteTimeout:   cfg.Persistence.WriteTimeout,
		StatusCacheTTL: cfg.Relay.StatusCacheTTL,
	}, services.MessengerDeps{
		Signaling: channel,
		Links:     links,
		Relay:     relayClient,
		Store:     store,
		Media:     media,
		Metrics:   collector,
		Logger:    zapLogger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notifications, unsubscribe := messenger.Subscribe()
	defer unsubscribe()
	go logNotifications(ctx, notifications, log.Named("host"))

	startCtx, startCancel := context.WithTimeout(ctx, cfg.Signaling.HandshakeTimeout+cfg.Relay.Timeout)
	if err := messenger.Start(startCtx); err != nil {
		log.Fatalw("failed to start messenger", "error", err)
	}
	startCancel()

	checker := monitoring.NewHealthChecker()
	checker.AddSignalingCheck(channel, cfg.Health.Interval)
	checker.AddStoreCheck(store, cfg.Health.Interval, 2*time.Second)
	checker.StartBackgroundChecks(ctx)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log), middleware.ErrorHandlerMiddleware(log))

	router.GET("/healthz", func(c *gin.Context) {
		status := checker.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status != monitoring.StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		body := gin.H{
			"status": status.Status,
			"checks": status.Checks,
		}
		if ack := messenger.LastHeartbeatAck(); !ack.IsZero() {
			body["last_heartbeat_ack"] = ack
		}
		if call, ok := messenger.CurrentCall(); ok {
			body["call"] = gin.H{"id": call.ID, "peer": call.Peer, "state": call.State}
		}
		c.JSON(code, body)
	})

	router.GET("/presence/:peer", func(c *gin.Context) {
		rec, err := messenger.RefreshPresence(c.Request.Context(), domain.PeerID(c.Param("peer")))
		if err != nil {
			c.Error(err)
			return
		}
		c.JSON(http.StatusOK, relay.UserStatusFromRecord(&rec))
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	srv := &http.Server{
		Addr:         cfg.Node.HTTPAddress,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		log.Infow("starting node http server", "address", cfg.Node.HTTPAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("node http server failed", "error", err)
		}
	}()

	// A closed stdin leaves the node running until it is signalled.
	go runCommands(ctx, bufio.NewScanner(os.Stdin), messenger, os.Stdout, log.Named("cli"))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Infow("received shutdown signal", "signal", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during http shutdown", "error", err)
	}
	if err := messenger.Close(shutdownCtx); err != nil {
		log.Errorw("error closing messenger", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("error shutting down tracing", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}
	log.Info("node stopped")
}

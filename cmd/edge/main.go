package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"livefabric/internal/cascade"
	"livefabric/internal/cluster"
	"livefabric/internal/core/domain"
	"livefabric/internal/core/ports"
	"livefabric/internal/forward"
	httphandlers "livefabric/internal/handlers/http"
	"livefabric/internal/hook"
	"livefabric/internal/infrastructure/middleware"
	"livefabric/internal/infrastructure/monitoring"
	"livefabric/internal/manager"
	"livefabric/pkg/config"
	"livefabric/pkg/logger"
	"livefabric/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPaths := []string{
		"configs/edge.yaml",
		"./edge.yaml",
		"config.yaml",
	}
	if env := os.Getenv("LIVEFABRIC_CONFIG"); env != "" {
		configPaths = append([]string{env}, configPaths...)
	}

	var cfg *config.Config
	var err error
	for _, path := range configPaths {
		if cfg, err = config.Load(path); err == nil {
			break
		}
	}
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		SampleRate:  1.0,
	})
	if err != nil {
		log.Fatalw("failed to init tracing", "error", err)
	}

	var metrics ports.MetricsObserver = ports.NopMetrics{}
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewCollector()
	}

	var iceServers []webrtc.ICEServer
	var iceLinks []string
	for _, s := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
		iceLinks = append(iceLinks, s.URLs...)
	}

	engineCfg := forward.EngineConfig{ICEServers: iceServers}
	engineCfg.PortRange.Min = cfg.WebRTC.PortRange.Min
	engineCfg.PortRange.Max = cfg.WebRTC.PortRange.Max
	engine, err := forward.NewEngine(engineCfg)
	if err != nil {
		log.Fatalw("failed to create webrtc engine", "error", err)
	}

	streams := manager.New(engine, manager.Config{
		AutoCreateWhip: cfg.Stream.AutoCreateWhip,
		IdlePolicy: domain.IdlePolicy{
			PublishLeaveTimeout:   cfg.Stream.PublishLeaveTimeout,
			SubscribeLeaveTimeout: cfg.Stream.SubscribeLeaveTimeout,
			ReforwardIdleTimeout:  cfg.Cascade.MaximumIdleTime,
			CheckTickTime:         cfg.Cascade.CheckTickTime,
		},
	}, metrics, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Cluster registry: Redis when clustered, in-memory standalone.
	var registry ports.NodeRegistry
	if cfg.Cluster.Enabled {
		redisRegistry, err := cluster.NewRedisRegistry(
			cfg.Cluster.Redis.Address, cfg.Cluster.Redis.Password,
			cfg.Cluster.Redis.DB, cfg.Cluster.Redis.PoolSize, log)
		if err != nil {
			log.Fatalw("failed to connect cluster registry", "error", err)
		}
		registry = redisRegistry
		go redisRegistry.RunHeartbeat(ctx, cfg.Cluster.HeartbeatInterval, metrics.NodeMetrics)
	} else {
		registry = cluster.NewMemoryRegistry()
	}
	defer registry.Close()

	record := domain.NodeRecord{
		Alias: cfg.Node.Alias,
		URL:   cfg.Node.PublicURL,
		Metadata: domain.NodeMetadata{
			Auth: domain.NodeAuth{
				Authorization:      cfg.Auth.Authorization,
				AdminAuthorization: cfg.Auth.AdminAuthorization,
			},
			StreamInfo: domain.NodeStreamInfo{
				PubMax:               cfg.Stream.PubMax,
				SubMax:               cfg.Stream.SubMax,
				ReforwardIdleTimeout: uint64(cfg.Cascade.MaximumIdleTime.Milliseconds()),
				ReforwardCascade:     cfg.Cascade.Enabled,
			},
		},
	}
	if err := registry.Register(ctx, record); err != nil {
		log.Fatalw("failed to register node", "error", err)
	}

	// Mirror publisher ownership into the cluster registry.
	regEvents, cancelRegEvents := streams.SubscribeEvents(nil)
	defer cancelRegEvents()
	go func() {
		for e := range regEvents {
			switch e.Type {
			case domain.EventPublishUp:
				if err := registry.ClaimStream(ctx, e.StreamID); err != nil {
					log.Warnw("stream claim failed", "stream", e.StreamID, "error", err)
				}
			case domain.EventPublishDown, domain.EventStreamDown:
				if err := registry.ReleaseStream(ctx, e.StreamID); err != nil {
					log.Warnw("stream release failed", "stream", e.StreamID, "error", err)
				}
			}
		}
	}()

	var cascadeCtl *cascade.Controller
	if cfg.Cascade.Enabled {
		client := cascade.NewClient(cfg.Cascade.ConnectTimeout, cfg.Cascade.TotalTimeout, log)
		cascadeCtl = cascade.NewController(cascade.Config{
			PublicURL:            cfg.Node.PublicURL,
			Authorization:        cfg.Auth.Authorization,
			AdminAuthorization:   cfg.Auth.AdminAuthorization,
			CheckAttempts:        cfg.Cascade.CheckAttempts,
			CheckInterval:        cfg.Cascade.CheckInterval,
			CloseOtherSub:        cfg.Cascade.CloseOtherSub,
			CheckTickTime:        cfg.Cascade.CheckTickTime,
			MaximumIdleTime:      cfg.Cascade.MaximumIdleTime,
			ReforwardIdleTimeout: cfg.Cascade.MaximumIdleTime,
		}, registry, client, streams, tracing.Tracer(), log)
		streams.SetCascade(cascadeCtl)
		go cascadeCtl.RunMonitor(ctx)
	}

	go streams.RunReaper(ctx)

	// Outbound webhook fed by the manager event bus.
	if len(cfg.Webhook.URLs) > 0 {
		webhook := hook.NewWebhook(cfg.Webhook.URLs, cfg.Node.PublicURL, metrics, log)
		events, cancelEvents := streams.SubscribeEvents(nil)
		defer cancelEvents()
		go webhook.Hook(ctx, events)
		streams.Bus().Publish(domain.Event{Type: domain.EventNodeUp, Timestamp: time.Now()})

		go func() {
			interval := cfg.Cluster.HeartbeatInterval
			if interval <= 0 {
				interval = time.Second
			}
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					streams.Bus().Publish(domain.Event{Type: domain.EventNodeKeepAlive, Timestamp: time.Now()})
				}
			}
		}()
	}

	if cfg.Logging.Format != "console" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), middleware.Tracing())

	authCfg := middleware.AuthConfig{
		Authorization:      cfg.Auth.Authorization,
		AdminAuthorization: cfg.Auth.AdminAuthorization,
		JWTSecret:          cfg.Auth.JWTSecret,
	}
	authed := router.Group("", middleware.Auth(authCfg))
	admin := router.Group("", middleware.AdminAuth(authCfg))

	handler := httphandlers.NewHandler(streams, cascadeCtl, httphandlers.Config{
		ICEServers:     iceLinks,
		DisabledCodecs: cfg.Stream.DisabledCodecs,
	}, log)
	handler.Register(authed, admin)

	if cfg.Monitoring.PrometheusEnabled {
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Monitoring.PrometheusPort)
			if err := http.ListenAndServe(addr, promhttp.Handler()); err != nil && err != http.ErrServerClosed {
				log.Warnw("metrics listener stopped", "error", err)
			}
		}()
	}

	srv := &http.Server{Addr: cfg.Node.Address, Handler: router}
	go func() {
		log.Infow("edge node listening", "address", cfg.Node.Address, "public_url", cfg.Node.PublicURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Infow("shutting down")
	streams.Bus().Publish(domain.Event{Type: domain.EventNodeDown, Timestamp: time.Now()})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Node.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("server shutdown failed", "error", err)
	}
	streams.Close()
	_ = tp.Shutdown(shutdownCtx)
}

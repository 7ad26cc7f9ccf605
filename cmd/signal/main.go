package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/globalgrayhat/carcast/internal/core/ports"
	"github.com/globalgrayhat/carcast/internal/core/services"
	carcasthttp "github.com/globalgrayhat/carcast/internal/handlers/http"
	memoryengine "github.com/globalgrayhat/carcast/internal/infrastructure/media/memory"
	pionengine "github.com/globalgrayhat/carcast/internal/infrastructure/media/pion"
	"github.com/globalgrayhat/carcast/internal/infrastructure/middleware"
	"github.com/globalgrayhat/carcast/internal/infrastructure/monitoring"
	"github.com/globalgrayhat/carcast/internal/infrastructure/repositories"
	carcastsignal "github.com/globalgrayhat/carcast/internal/infrastructure/signal"
	"github.com/globalgrayhat/carcast/pkg/config"
	"github.com/globalgrayhat/carcast/pkg/logger"
	"github.com/globalgrayhat/carcast/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	sugar := zapLogger.Sugar()

	tracerProvider, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "carcast-signal",
		JaegerURL:   cfg.Tracing.JaegerURL,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		sugar.Fatalw("failed to initialize tracing", "error", err)
	}
	defer tracerProvider.Shutdown(context.Background())

	factory, err := repositories.NewRepositoryFactory(cfg, sugar)
	if err != nil {
		sugar.Fatalw("failed to create repository factory", "error", err)
	}
	defer factory.Close()

	collector := monitoring.NewPrometheusCollector()

	admission := services.NewAdmissionService(factory.CreateJoinRequestRepository(), collector, sugar)
	catalog := services.NewCatalogService(factory.CreateSourceRepository(), sugar)
	auth := services.NewAuthService(cfg.Auth.JWTSecret, factory.CreateDeviceRepository())

	engine, err := buildMediaEngine(cfg, sugar)
	if err != nil {
		sugar.Fatalw("failed to create media engine", "error", err)
	}
	defer engine.Close()

	registry := services.NewRegistry(engine, admission, catalog, collector, sugar)

	wsRate := 0.0
	if cfg.RateLimiting.Enabled {
		wsRate = cfg.RateLimiting.WebSocket.MessagesPerSecond
	}
	wsServer := carcastsignal.NewWebSocketServer(registry, admission, catalog, auth, carcastsignal.Options{
		PingInterval:      cfg.Signal.PingInterval,
		PongTimeout:       cfg.Signal.PongTimeout,
		WriteTimeout:      cfg.Signal.WriteTimeout,
		MessagesPerSecond: wsRate,
		Burst:             cfg.RateLimiting.WebSocket.Burst,
	}, sugar)
	registry.SetNotifier(wsServer)

	router := buildRouter(cfg, sugar, auth, admission, catalog, wsServer)

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		sugar.Infow("signal server listening", "address", cfg.Server.Address, "ws_path", cfg.Signal.Path)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalw("server failed", "error", err)
		}
	}()

	if cfg.Monitoring.PrometheusEnabled {
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Monitoring.PrometheusPort)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			sugar.Infow("metrics listening", "address", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				sugar.Errorw("metrics server failed", "error", err)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	sugar.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		sugar.Errorw("shutdown failed", "error", err)
	}
}

func buildMediaEngine(cfg *config.Config, sugar *zap.SugaredLogger) (ports.MediaEngine, error) {
	if cfg.WebRTC.Engine == "memory" {
		return memoryengine.NewEngine(), nil
	}

	engineCfg := pionengine.Config{KeyframeInterval: cfg.WebRTC.KeyframeInterval}
	engineCfg.PortRange.Min = cfg.WebRTC.PortRange.Min
	engineCfg.PortRange.Max = cfg.WebRTC.PortRange.Max
	for _, server := range cfg.WebRTC.ICEServers {
		engineCfg.ICEServers = append(engineCfg.ICEServers, webrtc.ICEServer{
			URLs:       server.URLs,
			Username:   server.Username,
			Credential: server.Credential,
		})
	}
	return pionengine.NewEngine(engineCfg, sugar)
}

func buildRouter(
	cfg *config.Config,
	sugar *zap.SugaredLogger,
	auth services.AuthService,
	admission ports.AdmissionService,
	catalog ports.CatalogService,
	wsServer *carcastsignal.WebSocketServer,
) *gin.Engine {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(sugar))
	router.Use(middleware.ErrorHandlerMiddleware(sugar))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}

	router.GET(cfg.Signal.Path, gin.WrapF(wsServer.HandleWebSocket))
	router.GET("/health", gin.WrapF(wsServer.HealthCheck))

	public := router.Group("/api")
	carcasthttp.NewAuthHandler(auth).SetupRoutes(public)
	carcasthttp.NewStreamHandler(catalog).SetupRoutes(public)

	authed := router.Group("/api")
	authed.Use(middleware.AuthMiddleware(auth))
	carcasthttp.NewJoinRequestHandler(admission, wsServer).SetupRoutes(authed)

	return router
}

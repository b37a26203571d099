package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stagewire/internal/infrastructure/directory"
	"stagewire/internal/infrastructure/middleware"
	"stagewire/internal/infrastructure/monitoring"
	signalserver "stagewire/internal/infrastructure/signal"
	"stagewire/pkg/auth"
	"stagewire/pkg/config"
	"stagewire/pkg/logger"
	"stagewire/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var configPaths = []string{
	"configs/config.yaml",
	"/etc/stagewire/config.yaml",
	"config.yaml",
}

func loadConfig(path string) (*config.Config, string, error) {
	if path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}
	for _, p := range configPaths {
		if _, err := os.Stat(p); err == nil {
			cfg, err := config.Load(p)
			return cfg, p, err
		}
	}
	cfg, err := config.Load("")
	return cfg, "", err
}

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	cfg, loadedFrom, err := loadConfig(*configPath)
	if err != nil {
		zap.NewExample().Sugar().Fatalw("Failed to load configuration", "error", err)
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		zap.NewExample().Sugar().Fatalw("Failed to build logger", "error", err)
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar().With("component", "signal")
	log.Infow("Configuration loaded", "path", loadedFrom)

	tp, err := tracing.Init(cfg.Tracing)
	if err != nil {
		log.Fatalw("Failed to initialize tracing", "error", err)
	}

	tokens := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The relay does not use the directory itself; it only reports whether
	// the shared backend the clients rely on is reachable.
	dirFactory, err := directory.NewFactory(ctx, cfg, tokens, log)
	if err != nil {
		log.Fatalw("Failed to create directory factory", "error", err)
	}

	server := signalserver.NewServer(signalserver.NewServerConfig(cfg), log)

	collector := monitoring.NewCollector(prometheus.DefaultRegisterer)
	server.SetRelayObserver(collector.ObserveRelay)
	collector.RegisterConnections(server.ConnectionCount)

	health := monitoring.NewHealthChecker(log)
	health.AddCheck("relay", server.Ready, 10*time.Second, time.Second)
	if dirFactory.Shared() {
		health.AddErrorCheck("directory", dirFactory.HealthCheck, 10*time.Second, 2*time.Second)
	}
	health.StartBackgroundChecks(ctx)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(log),
	)

	server.RegisterRoutes(router,
		middleware.NewConnectionRateLimitMiddleware(cfg.RateLimiting),
		middleware.AuthMiddleware(tokens),
	)
	router.GET("/health", health.Handler)
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:              cfg.Signal.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("Starting signaling server", "address", cfg.Signal.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
	defer shutdownCancel()

	// Hijacked WebSocket connections are not tracked by http.Server, so the
	// relay closes them before the listener drains.
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnw("Relay drain incomplete", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	}

	if err := dirFactory.Close(); err != nil {
		log.Errorw("Error closing directory factory", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("Error flushing traces", "error", err)
	}

	log.Info("Signaling server stopped")
}

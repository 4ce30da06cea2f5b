package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"peerlink/internal/app"
	"peerlink/internal/core/domain"
	"peerlink/internal/core/services"
	httphandlers "peerlink/internal/handlers/http"
	"peerlink/internal/infrastructure/middleware"
	"peerlink/internal/infrastructure/monitoring"
	"peerlink/internal/infrastructure/repositories"
	"peerlink/pkg/config"
	"peerlink/pkg/logger"
	"peerlink/pkg/tracing"
	"peerlink/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	mint := flag.String("mint", "", "print a token for <session_id>:<role> and exit")
	flag.Parse()

	cfg, err := app.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tokens := services.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	if *mint != "" {
		sessionID, role, _ := strings.Cut(*mint, ":")
		if err := validation.ValidateSessionID(sessionID); err != nil {
			log.Fatalw("invalid -mint session", "error", err)
		}
		if err := validation.ValidateSenderType(role); err != nil {
			log.Fatalw("invalid -mint role", "error", err)
		}
		token, err := tokens.GenerateToken(domain.SessionID(sessionID), domain.SenderRole(role))
		if err != nil {
			log.Fatalw("failed to mint token", "error", err)
		}
		fmt.Println(token)
		return
	}

	if cfg.Relay.Backend == config.BackendRemote {
		log.Fatalw("the relay gateway needs a local backend", "backend", cfg.Relay.Backend)
	}

	tp, err := tracing.Init(cfg.Tracing)
	if err != nil {
		log.Fatalw("failed to init tracing", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repoFactory, err := repositories.NewRepositoryFactory(ctx, cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	store, err := repoFactory.CreateSignalStore()
	if err != nil {
		log.Fatalw("failed to create signal store", "error", err)
	}

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	health := monitoring.NewHealthChecker()
	health.AddStoreCheck(store, cfg.Monitoring.HealthCheckInterval, 2*time.Second)
	health.StartBackgroundChecks(ctx)

	handler := httphandlers.NewRelayHandler(store, tokens, middleware.NewFeedLimiter(cfg), httphandlers.RelayHandlerOptions{
		ReplayLimit:     cfg.Relay.ReplayLimit,
		PingInterval:    cfg.Relay.PingInterval,
		PongTimeout:     cfg.Relay.PongTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		MaxMessageSize:  cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		AllowedOrigins:  cfg.Auth.AllowedOrigins,
		AllowTokenIssue: cfg.Auth.AllowTokenIssue,
		TokenTTL:        cfg.Auth.TokenTTL,
	}, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestLogMiddleware(logger.NewContextLogger(zapLogger)),
		collector.HTTPMiddleware(),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	var auth []gin.HandlerFunc
	if cfg.Auth.Enabled {
		auth = append(auth, middleware.AuthMiddleware(tokens))
	}
	handler.SetupRoutes(router, auth...)
	httphandlers.NewHealthHandler(health).SetupRoutes(router)

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	// The feed is long-lived, so only reads are bounded.
	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	log.Infow("starting relay gateway",
		"address", cfg.Server.Address,
		"backend", repoFactory.Backend(),
		"auth", cfg.Auth.Enabled,
	)
	if err := app.Serve(ctx, srv, cfg.Server.ShutdownTimeout, log); err != nil {
		log.Errorw("relay gateway stopped with error", "error", err)
	}

	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer", "error", err)
	}
	log.Info("relay gateway stopped")
}

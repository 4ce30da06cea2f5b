// Package app holds the wiring shared by the peerlink binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/internal/core/services"
	httphandlers "peerlink/internal/handlers/http"
	"peerlink/internal/infrastructure/middleware"
	"peerlink/internal/infrastructure/monitoring"
	webrtcinfra "peerlink/internal/infrastructure/webrtc"
	"peerlink/pkg/circuitbreaker"
	"peerlink/pkg/config"
	"peerlink/pkg/retry"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var defaultConfigPaths = []string{
	"configs/config.yaml",
	"/etc/peerlink/config.yaml",
	"config.yaml",
}

// LoadConfig reads path, or the first default location that exists. With
// no file at all the defaults plus env overrides are used.
func LoadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	for _, candidate := range defaultConfigPaths {
		if _, err := os.Stat(candidate); err == nil {
			return config.Load(candidate)
		}
	}
	return config.Load(defaultConfigPaths[0])
}

func RelayClientConfig(cfg *config.Config) services.RelayClientConfig {
	return services.RelayClientConfig{
		ResubscribeDelay: cfg.Relay.ResubscribeDelay,
		ReplayLimit:      cfg.Relay.ReplayLimit,
		DedupeTTL:        cfg.Relay.DedupeTTL,
		Retry: retry.Config{
			Enabled:      cfg.Relay.Retry.Enabled,
			MaxAttempts:  cfg.Relay.Retry.MaxAttempts,
			InitialDelay: cfg.Relay.Retry.InitialDelay,
			MaxDelay:     cfg.Relay.Retry.MaxDelay,
			Multiplier:   cfg.Relay.Retry.Multiplier,
			Jitter:       true,
		},
		Breaker: circuitbreaker.Config{
			FailureThreshold:    cfg.Relay.Breaker.FailureThreshold,
			SuccessThreshold:    cfg.Relay.Breaker.SuccessThreshold,
			Timeout:             cfg.Relay.Breaker.Timeout,
			MaxRequestsHalfOpen: cfg.Relay.Breaker.MaxRequestsHalfOpen,
		},
	}
}

func PeerConfig(cfg *config.Config) webrtcinfra.PeerConfig {
	var out webrtcinfra.PeerConfig
	for _, s := range cfg.WebRTC.ICEServers {
		out.ICEServers = append(out.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	out.PortRange.Min = cfg.WebRTC.PortRange.Min
	out.PortRange.Max = cfg.WebRTC.PortRange.Max
	return out
}

// StatusRouter builds the agent-side HTTP surface: /status, /health,
// /ready and optionally /metrics.
func StatusRouter(cfg *config.Config, source ports.StatusSource, health *monitoring.HealthChecker, collector *monitoring.PrometheusCollector, logger *zap.SugaredLogger) *gin.Engine {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(logger),
		middleware.TracingMiddleware(),
		collector.HTTPMiddleware(),
	)

	httphandlers.NewStatusHandler(source).SetupRoutes(router)
	httphandlers.NewHealthHandler(health).SetupRoutes(router)
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	return router
}

// Serve runs srv until ctx is cancelled, then shuts it down gracefully.
func Serve(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration, logger *zap.SugaredLogger) error {
	serverErr := make(chan error, 1)
	go func() {
		logger.Infow("http server listening", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err, ok := <-serverErr:
		if ok {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			logger.Errorw("error force closing server", "error", closeErr)
		}
		return err
	}
	logger.Info("http server shut down gracefully")
	return nil
}

// Supervise calls restart whenever source reports a failed negotiation,
// after delay. A failing restart is retried with the same delay since it
// may leave the reported status unchanged. It returns when ctx is done.
func Supervise(ctx context.Context, source ports.StatusSource, delay time.Duration, restart func(ctx context.Context) error, logger *zap.SugaredLogger) {
	updates, cancel := source.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case status := <-updates:
			if status.State != domain.StateFailed {
				continue
			}
			logger.Warnw("negotiation failed, restarting",
				"session_id", status.SessionID,
				"error", status.LastError,
				"delay", delay,
			)

			for {
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
				err := restart(ctx)
				if err == nil {
					break
				}
				logger.Errorw("restart failed", "session_id", status.SessionID, "error", err)
			}
		}
	}
}

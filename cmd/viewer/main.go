package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"peerlink/internal/app"
	"peerlink/internal/core/domain"
	"peerlink/internal/core/services"
	"peerlink/internal/infrastructure/media"
	"peerlink/internal/infrastructure/monitoring"
	"peerlink/internal/infrastructure/repositories"
	webrtcinfra "peerlink/internal/infrastructure/webrtc"
	"peerlink/pkg/logger"
	"peerlink/pkg/tracing"

	"github.com/prometheus/client_golang/prometheus"
)

const rewatchDelay = 2 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	session := flag.String("session", "", "session id (overrides relay.session_id)")
	flag.Parse()

	cfg, err := app.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *session != "" {
		cfg.Relay.SessionID = *session
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar().With("role", domain.RoleViewer)

	if cfg.Relay.SessionID == "" {
		log.Fatal("a session id is required (-session or relay.session_id)")
	}
	sessionID := domain.SessionID(cfg.Relay.SessionID)

	tp, err := tracing.Init(cfg.Tracing)
	if err != nil {
		log.Fatalw("failed to init tracing", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	repoFactory, err := repositories.NewRepositoryFactory(ctx, cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	store, err := repoFactory.CreateSignalStore()
	if err != nil {
		log.Fatalw("failed to create signal store", "error", err)
	}
	relay := services.NewRelayClient(store, app.RelayClientConfig(cfg), collector, log)

	peers, err := webrtcinfra.NewPeerFactory(app.PeerConfig(cfg), log)
	if err != nil {
		log.Fatalw("failed to create peer factory", "error", err)
	}

	sink, err := media.NewUDPSink(cfg.Media.ForwardAddress, cfg.Media.PLIInterval, collector, log)
	if err != nil {
		log.Fatalw("failed to open udp sink", "error", err)
	}

	agent := services.NewViewerAgent(relay, peers, sink, collector, log)

	// A failed attempt is replaced by the broadcaster's next offer; only a
	// failed Watch needs to be retried here.
	go func() {
		for {
			err := agent.Watch(ctx, sessionID)
			if err == nil {
				return
			}
			log.Errorw("watch failed, retrying", "session_id", sessionID, "error", err, "delay", rewatchDelay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(rewatchDelay):
			}
		}
	}()

	health := monitoring.NewHealthChecker()
	health.AddStoreCheck(store, cfg.Monitoring.HealthCheckInterval, 2*time.Second)
	health.StartBackgroundChecks(ctx)

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      app.StatusRouter(cfg, agent, health, collector, log),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	if err := app.Serve(ctx, srv, cfg.Server.ShutdownTimeout, log); err != nil {
		log.Errorw("status server stopped with error", "error", err)
	}

	if err := agent.Stop(); err != nil {
		log.Errorw("error stopping viewer", "error", err)
	}
	if err := relay.Close(); err != nil {
		log.Errorw("error closing relay client", "error", err)
	}
	if err := sink.Close(); err != nil {
		log.Errorw("error closing udp sink", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer", "error", err)
	}
	log.Info("viewer stopped")
}

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

const restartDelay = 2 * time.Second

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
	log := zapLogger.Sugar().With("role", domain.RoleBroadcaster)

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

	source, err := media.NewRTPSource(cfg.Media.RTPListenAddress, cfg.Media.VideoCodec, collector, log)
	if err != nil {
		log.Fatalw("failed to open rtp source", "error", err)
	}
	go func() {
		if err := source.Run(ctx); err != nil {
			log.Errorw("rtp source stopped", "error", err)
			stop()
		}
	}()

	agent := services.NewBroadcasterAgent(relay, peers, repoFactory.CreateSessionLock(), collector, log)
	start := func(ctx context.Context) error {
		return agent.Start(ctx, sessionID, source)
	}

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-source.Ready():
		}
		log.Infow("media ready, publishing offer", "session_id", sessionID)
		if err := start(ctx); err != nil {
			log.Errorw("initial offer failed", "session_id", sessionID, "error", err)
		}
		app.Supervise(ctx, agent, restartDelay, start, log)
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
		log.Errorw("error stopping broadcaster", "error", err)
	}
	if err := relay.Close(); err != nil {
		log.Errorw("error closing relay client", "error", err)
	}
	if err := source.Close(); err != nil {
		log.Errorw("error closing rtp source", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer", "error", err)
	}
	log.Info("broadcaster stopped")
}

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/avatarlink/internal/avatar"
	"github.com/ent0n29/avatarlink/internal/config"
	"github.com/ent0n29/avatarlink/internal/eventstream"
	"github.com/ent0n29/avatarlink/internal/httpapi"
	"github.com/ent0n29/avatarlink/internal/media"
	"github.com/ent0n29/avatarlink/internal/observability"
	"github.com/ent0n29/avatarlink/internal/policy"
	"github.com/ent0n29/avatarlink/internal/session"
	"github.com/ent0n29/avatarlink/internal/streamapi"
	"github.com/ent0n29/avatarlink/internal/transcript"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("dotenv error: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	// A bad key is reported per session and on /readyz; the server still starts.
	if err := cfg.ValidateAPIKey(); err != nil {
		logger.Warn("avatar API key is not usable", zap.Error(err))
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := transcript.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("transcript store init failed", zap.Error(err))
	}
	defer store.Close()
	storeMode := "in-memory"
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		storeMode = "postgres"
	}

	client, err := streamapi.NewClient(streamapi.ClientConfig{
		BaseURL:     cfg.APIBaseURL,
		APIKey:      cfg.APIKey,
		HTTPTimeout: cfg.HTTPTimeout,
		Session: streamapi.SessionDefaults{
			Quality:       cfg.Quality,
			AvatarName:    cfg.AvatarName,
			Version:       cfg.APIVersion,
			VideoEncoding: cfg.VideoEncoding,
			STTProvider:   cfg.STTProvider,
			STTConfidence: cfg.STTConfidence,
		},
	}, logger, metrics)
	if err != nil {
		logger.Fatal("streaming API client init failed", zap.Error(err))
	}

	streams := avatar.EventStreams(eventstream.NewDialer(logger, metrics))
	rooms := media.NewLiveKitDialer(logger)
	chat := streamapi.DefaultChatOptions(cfg.OpeningText, cfg.STTLanguage)
	mediaOpts := media.Options{
		AdaptiveStream:     cfg.AdaptiveStream,
		SelectiveSubscribe: cfg.SelectiveSubscribe,
	}

	factory := func(id string) (*avatar.Coordinator, error) {
		return avatar.NewCoordinator(avatar.Deps{
			API:      client,
			Streams:  streams,
			Media:    rooms,
			Recorder: store,
			Logger:   logger,
			Metrics:  metrics,
		}, avatar.Settings{
			ID:     id,
			APIKey: cfg.APIKey,
			Chat:   chat,
			Media:  mediaOpts,
		})
	}
	sessions := session.NewManager(cfg.SessionInactivityTimeout, factory, logger, metrics)

	api := httpapi.New(cfg, sessions, httpapi.Options{
		Transcripts: store,
		StoreMode:   storeMode,
		Metrics:     metrics,
		Logger:      logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 5*time.Second)

	go func() {
		logger.Info("server listening",
			zap.String("addr", cfg.BindAddr),
			zap.String("api_base_url", policy.RedactURLSecrets(cfg.APIBaseURL)),
			zap.String("api_key", policy.MaskSecret(cfg.APIKey)),
			zap.String("transcript_store", storeMode),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}
	ended := sessions.EndAll(shutdownCtx)
	logger.Info("shutdown complete", zap.Int("sessions_ended", ended))
}

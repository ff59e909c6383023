package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/livekit/protocol/auth"
	"github.com/rs/zerolog/log"

	"github.com/jacky-htg/voice-agent/backend/internal/agentmgr"
	"github.com/jacky-htg/voice-agent/backend/internal/api"
	"github.com/jacky-htg/voice-agent/libs/config"
	"github.com/jacky-htg/voice-agent/libs/logging"
	"github.com/jacky-htg/voice-agent/libs/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(nil)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.ValidateServer(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	mgr := agentmgr.New(agentmgr.Options{
		Binary:         cfg.AgentBinary,
		StopTimeout:    cfg.StopTimeout,
		HealthInterval: cfg.HealthInterval,
		HealthGrace:    cfg.HealthGrace,
		Membership:     agentmgr.NewRoomMembership(cfg.LiveKitURL, cfg.LiveKitAPIKey, cfg.LiveKitAPISecret),
		Logger:         logger,
	})
	mgrDone := make(chan struct{})
	go func() {
		mgr.Run(ctx)
		close(mgrDone)
	}()

	opts := api.Options{
		Mode:   cfg.GinMode,
		Keys:   auth.NewSimpleKeyProvider(cfg.LiveKitAPIKey, cfg.LiveKitAPISecret),
		Logger: logger,
	}
	if cfg.DatabasePath != "" {
		st, err := store.Open(cfg.DatabasePath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.DatabasePath).Msg("open transcript store")
		}
		defer st.Close()
		opts.Transcripts = st
	}

	srv := &http.Server{
		Addr:    cfg.HTTPAddress,
		Handler: api.SetupRouter(mgr, opts),
	}
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddress).Str("agent_binary", cfg.AgentBinary).Msg("supervisor started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	<-mgrDone
	logger.Info().Msg("server exited gracefully")
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/jacky-htg/voice-agent/agent/internal/factory"
	"github.com/jacky-htg/voice-agent/agent/internal/session"
	"github.com/jacky-htg/voice-agent/libs/config"
	"github.com/jacky-htg/voice-agent/libs/logging"
	"github.com/jacky-htg/voice-agent/libs/store"
	"github.com/jacky-htg/voice-agent/libs/vendors/livekit"
)

func main() {
	fs := pflag.NewFlagSet("voice-agent", pflag.ExitOnError)
	config.AgentFlags(fs)
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.ValidateAgent(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	logger = logger.With().Str("room", cfg.Room).Str("identity", cfg.Identity).Logger()

	llm, err := factory.NewLLM(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("new llm")
	}
	tts, err := factory.NewTTS(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("new tts")
	}
	announceTTS, err := factory.NewAnnounceTTS(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("new announce tts")
	}
	codec := factory.NewTranscoder(cfg)

	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		logger.Fatal().Err(err).Str("work_dir", cfg.WorkDir).Msg("create work dir")
	}

	var recorder session.Recorder
	if cfg.DatabasePath != "" {
		st, err := store.Open(cfg.DatabasePath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.DatabasePath).Msg("open transcript store")
		}
		defer st.Close()
		recorder = st
	}

	room, err := livekit.Connect(livekit.Options{
		URL:       cfg.LiveKitURL,
		APIKey:    cfg.LiveKitAPIKey,
		APISecret: cfg.LiveKitAPISecret,
		Room:      cfg.Room,
		Identity:  cfg.Identity,
		Announcer: livekit.NewAnnouncer(announceTTS, codec, cfg.WorkDir),
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("join room")
	}
	defer room.Close()

	ctrl := session.NewController(session.Deps{
		Room:      room,
		Responder: session.NewResponder(llm, cfg.SystemPrompt, cfg.Greetings, cfg.ResponderTimeout),
		Pipeline: &session.Pipeline{
			TTS:              tts,
			Codec:            codec,
			WorkDir:          cfg.WorkDir,
			SynthesisTimeout: cfg.SynthesisTimeout,
			CodecTimeout:     cfg.CodecTimeout,
		},
		Recorder:        recorder,
		Greetings:       cfg.Greetings,
		AnnounceTimeout: cfg.AnnounceTimeout,
		Logger:          logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("llm", cfg.LLMVendor).Str("tts", cfg.TTSVendor).Msg("agent ready")
	if err := ctrl.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("controller stopped")
	}
	logger.Info().Msg("agent stopped")
}

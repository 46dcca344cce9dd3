package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/valet-ai/valet/internal/bus"
	"github.com/valet-ai/valet/internal/config"
	"github.com/valet-ai/valet/internal/convcache"
	"github.com/valet-ai/valet/internal/domain"
	"github.com/valet-ai/valet/internal/facts"
	"github.com/valet-ai/valet/internal/heartbeat"
	"github.com/valet-ai/valet/internal/pipeline"
	"github.com/valet-ai/valet/internal/provider/openai"
	"github.com/valet-ai/valet/internal/provider/perplexity"
	"github.com/valet-ai/valet/internal/server"
	"github.com/valet-ai/valet/internal/strategy"
	"github.com/valet-ai/valet/internal/telemetry"
	"github.com/valet-ai/valet/internal/tokens"
	"github.com/valet-ai/valet/internal/transcript"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	configPath := os.Getenv("VALET_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	shutdownTracer, err := telemetry.InitTracer("valet", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	store := convcache.NewStore()
	counter := tokens.NewCounter()

	var openaiOpts []openai.ClientOption
	if cfg.OpenAI.BaseURL != "" {
		openaiOpts = append(openaiOpts, openai.WithBaseURL(cfg.OpenAI.BaseURL))
	}
	openaiClient := openai.NewClient(cfg.OpenAI.APIKey, openaiOpts...)

	var perplexityOpts []perplexity.ClientOption
	if cfg.Perplexity.BaseURL != "" {
		perplexityOpts = append(perplexityOpts, perplexity.WithBaseURL(cfg.Perplexity.BaseURL))
	}
	perplexityClient := perplexity.NewClient(cfg.Perplexity.APIKey, perplexityOpts...)

	var factsSource strategy.FactsSource
	if cfg.Facts.BaseURL != "" {
		factsSource = facts.NewClient(cfg.Facts.BaseURL, cfg.Facts.APIKey)
	}

	tools, err := strategy.ParseTools(cfg.OpenAI.Tools)
	if err != nil {
		log.Fatalf("Failed to parse openai tools config: %v", err)
	}

	assistant := strategy.NewOpenAI(strategy.OpenAIConfig{
		Model:        cfg.OpenAI.Model,
		SpeechModel:  cfg.OpenAI.SpeechModel,
		SpeechVoice:  cfg.OpenAI.SpeechVoice,
		SystemPrompt: cfg.OpenAI.SystemPrompt,
		SystemPrompts: map[domain.Source]string{
			domain.SourceVoice: cfg.OpenAI.VoiceSystemPrompt,
		},
		Cache: convcache.Config{
			BaseKey: cfg.Cache.BaseKey,
			TTL:     time.Duration(cfg.Cache.TTLSeconds) * time.Second,
		},
		Tools:              tools,
		FactsTTL:           time.Duration(cfg.Facts.TTLSeconds) * time.Second,
		HistoryTokenBudget: cfg.OpenAI.HistoryTokenBudget,
	}, openaiClient, store, factsSource, counter, logger)

	web := strategy.NewPerplexity(strategy.PerplexityConfig{
		Model:        cfg.Perplexity.Model,
		SystemPrompt: cfg.Perplexity.SystemPrompt,
		Cache: convcache.Config{
			BaseKey: cfg.Cache.BaseKey,
			TTL:     time.Duration(cfg.Cache.TTLSeconds) * time.Second,
		},
		HistoryTokenBudget: cfg.Perplexity.HistoryTokenBudget,
	}, perplexityClient, store, counter, logger)

	recorder := transcript.Disabled()
	if cfg.Transcript.Enabled {
		recorder, err = transcript.Open(cfg.Transcript.Path)
		if err != nil {
			log.Fatalf("Failed to open transcript store: %v", err)
		}
	}
	defer recorder.Close()

	frames := heartbeat.Dots
	if cfg.Heartbeat.Style == "braille" {
		frames = heartbeat.Braille
	}

	b := bus.New(logger)
	pipe := pipeline.New(b, strategy.NewFactory(assistant, web), recorder, pipeline.Config{
		HeartbeatInterval: time.Duration(cfg.Heartbeat.IntervalMillis) * time.Millisecond,
		HeartbeatFrames:   frames,
		ReplyChunkSize:    cfg.Pipeline.ReplyChunkSize,
	}, logger)
	pipe.Register()

	supervisor := pipeline.NewSupervisor(b, pipe.Handlers(), cfg.Server.MaxRestarts, logger)
	supervisor.Start()

	srv := server.New(server.Config{
		Port:              cfg.Server.Port,
		RequestTimeout:    time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second,
		VoiceCacheBaseKey: cfg.Cache.VoiceBaseKey,
		VoiceCacheTTL:     cfg.Cache.VoiceTTLSeconds,
	}, b, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	case <-sigChan:
		logger.Info("Shutdown signal received, stopping...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
	}

	// Let queued bus work finish before tearing down.
	b.Drain()
	b.Close()

	logger.Info("Shutdown complete")
}

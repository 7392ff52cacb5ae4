package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/callpersona/internal/config"
	"github.com/user/callpersona/internal/conversation"
	"github.com/user/callpersona/internal/scenario"
	"github.com/user/callpersona/internal/stt"
	"github.com/user/callpersona/internal/transcript"
	"github.com/user/callpersona/internal/tts"
	"github.com/user/callpersona/pkg/llm"
	"github.com/user/callpersona/pkg/llm/openai"
)

// Constructors shared by serve and the offline commands.

func newProvider(cfg *config.Config) llm.Provider {
	return openai.New(&llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout.D(),
	})
}

func newBudget(cfg *config.Config) (*conversation.Budget, error) {
	b, err := conversation.NewBudget(cfg.LLM.Model, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve)
	if err != nil {
		return nil, fmt.Errorf("create token budget: %w", err)
	}
	return b, nil
}

// loadScenarios opens the scenario file. A missing or unreadable file is
// logged and yields a nil store, which serves the generic prompt.
func loadScenarios(cfg *config.Config) *scenario.Store {
	store, err := scenario.LoadFile(cfg.Scenarios.Path)
	if err != nil {
		slog.Warn("scenario store unavailable, using generic prompt", "path", cfg.Scenarios.Path, "error", err)
		return nil
	}
	if cfg.Scenarios.TemplatePath != "" {
		if err := store.SetTemplateFile(cfg.Scenarios.TemplatePath); err != nil {
			slog.Warn("persona template not loaded, using built-in", "path", cfg.Scenarios.TemplatePath, "error", err)
		}
	}
	return store
}

func sttOptions(cfg *config.Config) stt.Options {
	opts := stt.TelephonyOptions()
	opts.Model = cfg.Deepgram.Model
	opts.Language = cfg.Deepgram.Language
	opts.Endpointing = time.Duration(cfg.Deepgram.EndpointMS) * time.Millisecond
	opts.SmartFormat = cfg.Deepgram.SmartFormat
	return opts
}

func newTranscriber(cfg *config.Config) *stt.Deepgram {
	d := stt.NewDeepgram(cfg.Deepgram.APIKey)
	if cfg.Deepgram.ListenURL != "" {
		d.URL = cfg.Deepgram.ListenURL
	}
	return d
}

func newSynthesizer(cfg *config.Config) *tts.Deepgram {
	return tts.NewDeepgram(tts.Config{
		APIKey:  cfg.Deepgram.APIKey,
		URL:     cfg.Deepgram.SpeakURL,
		Model:   cfg.Deepgram.TTSModel,
		Timeout: cfg.Session.SynthesisTimeout.D(),
	})
}

// transcriptSink builds the configured sink. The returned close function is
// never nil. The file store is returned separately for the read-only API and
// retention; it is nil for other backends.
func transcriptSink(ctx context.Context, cfg *config.Config) (transcript.Sink, *transcript.FileStore, func() error, error) {
	switch cfg.Transcripts.Backend {
	case "redis":
		store, err := transcript.OpenRedisStore(ctx, cfg.Transcripts.RedisURL, cfg.Transcripts.TTL.D())
		if err != nil {
			return nil, nil, nil, err
		}
		return store, nil, store.Close, nil
	default:
		store := transcript.NewFileStore(cfg.Transcripts.Dir)
		return store, store, func() error { return nil }, nil
	}
}

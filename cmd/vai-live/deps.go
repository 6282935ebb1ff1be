package main

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/vango-go/vai-live/pkg/config"
	"github.com/vango-go/vai-live/pkg/live/transport"
	"github.com/vango-go/vai-live/pkg/live/transport/claude"
	"github.com/vango-go/vai-live/pkg/live/transport/gemini"
	"github.com/vango-go/vai-live/pkg/live/transport/openai"
	"github.com/vango-go/vai-live/pkg/settings"
)

func buildRegistry(cfg config.Config, logger zerolog.Logger) *transport.Registry {
	reg := transport.NewRegistry()
	reg.Register(transport.ProviderGemini, gemini.Opener{BaseURL: cfg.GeminiBaseURL, Logger: logger})
	reg.Register(transport.ProviderOpenAI, openai.Opener{BaseURL: cfg.OpenAIBaseURL, Logger: logger})
	reg.Register(transport.ProviderClaude, claude.Opener{BaseURL: cfg.ClaudeBaseURL, Logger: logger})
	return reg
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openStore returns the configured settings store. The FileStore is returned
// separately so the caller can watch it.
func openStore(ctx context.Context, cfg config.Config, logger zerolog.Logger) (settings.Store, *settings.FileStore, io.Closer, error) {
	switch cfg.SettingsDriver {
	case "":
		fs := settings.NewFileStore(cfg.SettingsPath, logger)
		return fs, fs, nopCloser{}, nil
	case "sqlite", "postgres":
		store, err := settings.OpenSQL(ctx, cfg.SettingsDriver, cfg.SettingsDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		return store, nil, store, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported settings driver %q", cfg.SettingsDriver)
	}
}

// Package settings persists the user-facing session configuration.
package settings

import (
	"context"
	"fmt"
	"strings"

	"github.com/vango-go/vai-live/pkg/live/prompts"
	"github.com/vango-go/vai-live/pkg/live/session"
	"github.com/vango-go/vai-live/pkg/live/transport"
	"github.com/vango-go/vai-live/pkg/live/transport/gemini"
)

type Settings struct {
	Provider     string `yaml:"provider" json:"provider"`
	APIKey       string `yaml:"api_key" json:"api_key"`
	Model        string `yaml:"model" json:"model"`
	CustomPrompt string `yaml:"custom_prompt,omitempty" json:"custom_prompt,omitempty"`
	Language     string `yaml:"language" json:"language"`
	Verbosity    string `yaml:"verbosity" json:"verbosity"`
	Profile      string `yaml:"profile" json:"profile"`
	WebSearch    bool   `yaml:"web_search" json:"web_search"`
	SampleRate   int    `yaml:"sample_rate,omitempty" json:"sample_rate,omitempty"`
	BaseURL      string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
}

type Store interface {
	Load(ctx context.Context) (Settings, error)
	Save(ctx context.Context, s Settings) error
}

func Default() Settings {
	return Settings{
		Provider:  string(transport.ProviderGemini),
		Model:     gemini.DefaultModel,
		Language:  "en-US",
		Verbosity: string(prompts.VerbosityShort),
		Profile:   string(prompts.ProfileInterview),
	}
}

// Validate checks the fields that can be checked without a credential.
// A missing API key is allowed so settings can be written incrementally.
func (s Settings) Validate() error {
	if _, err := transport.ParseProviderKind(s.Provider); err != nil {
		return err
	}
	if _, err := prompts.ParseVerbosity(s.Verbosity); err != nil {
		return err
	}
	if _, err := prompts.ParseProfile(s.Profile); err != nil {
		return err
	}
	if s.SampleRate < 0 {
		return fmt.Errorf("sample_rate must be >= 0")
	}
	return nil
}

func (s Settings) Redacted() Settings {
	s.APIKey = redact(s.APIKey)
	return s
}

func redact(key string) string {
	key = strings.TrimSpace(key)
	switch {
	case key == "":
		return ""
	case len(key) <= 8:
		return "****"
	default:
		return key[:4] + "****" + key[len(key)-4:]
	}
}

func (s Settings) SessionConfig() (session.Config, error) {
	provider, err := transport.ParseProviderKind(s.Provider)
	if err != nil {
		return session.Config{}, err
	}
	verbosity, err := prompts.ParseVerbosity(s.Verbosity)
	if err != nil {
		return session.Config{}, err
	}
	profile, err := prompts.ParseProfile(s.Profile)
	if err != nil {
		return session.Config{}, err
	}
	return session.Config{
		Provider:     provider,
		APIKey:       strings.TrimSpace(s.APIKey),
		Model:        strings.TrimSpace(s.Model),
		CustomPrompt: s.CustomPrompt,
		Language:     strings.TrimSpace(s.Language),
		Verbosity:    verbosity,
		Profile:      profile,
		Tools:        session.Tools{WebSearch: s.WebSearch},
		SampleRate:   s.SampleRate,
		BaseURL:      strings.TrimSpace(s.BaseURL),
	}, nil
}

func FromSessionConfig(cfg session.Config) Settings {
	return Settings{
		Provider:     string(cfg.Provider),
		APIKey:       cfg.APIKey,
		Model:        cfg.Model,
		CustomPrompt: cfg.CustomPrompt,
		Language:     cfg.Language,
		Verbosity:    string(cfg.Verbosity),
		Profile:      string(cfg.Profile),
		WebSearch:    cfg.Tools.WebSearch,
		SampleRate:   cfg.SampleRate,
		BaseURL:      cfg.BaseURL,
	}
}

// Saver adapts a Store to session.ConfigSaver.
type Saver struct {
	Store Store
}

func (s Saver) SaveConfig(ctx context.Context, cfg session.Config) error {
	if s.Store == nil {
		return nil
	}
	return s.Store.Save(ctx, FromSessionConfig(cfg))
}

package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/vango-go/vai-live/pkg/live/prompts"
	"github.com/vango-go/vai-live/pkg/live/transport"
)

type Tools struct {
	WebSearch bool
}

// Config is the per-connection session setup. A value is immutable once handed
// to a connection; changes are staged for the next one.
type Config struct {
	Provider     transport.ProviderKind
	APIKey       string
	Model        string
	CustomPrompt string
	Language     string
	Verbosity    prompts.Verbosity
	Profile      prompts.Profile
	Tools        Tools

	SampleRate int
	BaseURL    string
}

func (c Config) Validate() error {
	if _, err := transport.ParseProviderKind(string(c.Provider)); err != nil {
		return err
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("api key is required")
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("model is required")
	}
	if _, err := prompts.ParseVerbosity(string(c.Verbosity)); err != nil {
		return err
	}
	if _, err := prompts.ParseProfile(string(c.Profile)); err != nil {
		return err
	}
	if c.SampleRate < 0 {
		return fmt.Errorf("sample rate must be >= 0")
	}
	return nil
}

func (c Config) transportConfig() transport.Config {
	rate := c.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	return transport.Config{
		Provider:     c.Provider,
		APIKey:       strings.TrimSpace(c.APIKey),
		Model:        strings.TrimSpace(c.Model),
		SystemPrompt: prompts.SystemPrompt(c.Profile, c.CustomPrompt, c.Verbosity, c.Language),
		Language:     strings.TrimSpace(c.Language),
		WebSearch:    c.Tools.WebSearch,
		SampleRate:   rate,
		BaseURL:      strings.TrimSpace(c.BaseURL),
	}
}

// Tuning holds the timing and capacity knobs of a session.
type Tuning struct {
	HeartbeatInterval    time.Duration
	ReconnectDelay       time.Duration
	ReconnectMaxAttempts int
	TurnWindow           time.Duration
	HistoryLimit         int
	OpenTimeout          time.Duration
}

func DefaultTuning() Tuning {
	return Tuning{
		HeartbeatInterval:    15 * time.Second,
		ReconnectDelay:       2 * time.Second,
		ReconnectMaxAttempts: 3,
		TurnWindow:           500 * time.Millisecond,
		HistoryLimit:         10,
		OpenTimeout:          15 * time.Second,
	}
}

func (t Tuning) withDefaults() Tuning {
	def := DefaultTuning()
	if t.HeartbeatInterval <= 0 {
		t.HeartbeatInterval = def.HeartbeatInterval
	}
	if t.ReconnectDelay < 0 {
		t.ReconnectDelay = def.ReconnectDelay
	}
	if t.ReconnectMaxAttempts <= 0 {
		t.ReconnectMaxAttempts = def.ReconnectMaxAttempts
	}
	if t.TurnWindow <= 0 {
		t.TurnWindow = def.TurnWindow
	}
	if t.HistoryLimit <= 0 {
		t.HistoryLimit = def.HistoryLimit
	}
	if t.OpenTimeout <= 0 {
		t.OpenTimeout = def.OpenTimeout
	}
	return t
}

// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/vai-live/pkg/live/session"
)

type Config struct {
	UIAddr string

	// Settings backend. An empty driver selects the YAML file store.
	SettingsPath   string
	SettingsDriver string
	SettingsDSN    string

	// Optional Redis fan-out of session events.
	RedisAddr    string
	RedisChannel string

	LogLevel   string
	LogConsole bool

	// Provider endpoint overrides, mostly for testing against local fakes.
	GeminiBaseURL string
	OpenAIBaseURL string
	ClaudeBaseURL string

	HeartbeatInterval    time.Duration
	ReconnectDelay       time.Duration
	ReconnectMaxAttempts int
	TurnWindow           time.Duration
	HistoryLimit         int
	OpenTimeout          time.Duration

	CommandRPS   float64
	CommandBurst int
	EventBuffer  int

	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		UIAddr:               envOr("VAI_LIVE_UI_ADDR", "127.0.0.1:8765"),
		SettingsPath:         envOr("VAI_LIVE_SETTINGS_PATH", defaultSettingsPath()),
		SettingsDriver:       strings.ToLower(envOr("VAI_LIVE_SETTINGS_DRIVER", "")),
		SettingsDSN:          envOr("VAI_LIVE_SETTINGS_DSN", ""),
		RedisAddr:            envOr("VAI_LIVE_REDIS_ADDR", ""),
		RedisChannel:         envOr("VAI_LIVE_REDIS_CHANNEL", "vai-live:events"),
		LogLevel:             envOr("VAI_LIVE_LOG_LEVEL", "info"),
		LogConsole:           envBoolOr("VAI_LIVE_LOG_CONSOLE", false),
		GeminiBaseURL:        envOr("VAI_LIVE_GEMINI_BASE_URL", ""),
		OpenAIBaseURL:        envOr("VAI_LIVE_OPENAI_BASE_URL", ""),
		ClaudeBaseURL:        envOr("VAI_LIVE_CLAUDE_BASE_URL", ""),
		HeartbeatInterval:    envDurationOr("VAI_LIVE_HEARTBEAT_INTERVAL", 15*time.Second),
		ReconnectDelay:       envDurationOr("VAI_LIVE_RECONNECT_DELAY", 2*time.Second),
		ReconnectMaxAttempts: envIntOr("VAI_LIVE_RECONNECT_MAX_ATTEMPTS", 3),
		TurnWindow:           envDurationOr("VAI_LIVE_TURN_WINDOW", 500*time.Millisecond),
		HistoryLimit:         envIntOr("VAI_LIVE_HISTORY_LIMIT", 10),
		OpenTimeout:          envDurationOr("VAI_LIVE_OPEN_TIMEOUT", 15*time.Second),
		CommandRPS:           envFloat64Or("VAI_LIVE_UI_COMMAND_RPS", 5),
		CommandBurst:         envIntOr("VAI_LIVE_UI_COMMAND_BURST", 10),
		EventBuffer:          envIntOr("VAI_LIVE_EVENT_BUFFER", 256),
		ShutdownGracePeriod:  envDurationOr("VAI_LIVE_SHUTDOWN_GRACE_PERIOD", 5*time.Second),
	}

	if strings.TrimSpace(cfg.UIAddr) == "" {
		return Config{}, fmt.Errorf("VAI_LIVE_UI_ADDR must not be empty")
	}
	switch cfg.SettingsDriver {
	case "":
		if strings.TrimSpace(cfg.SettingsPath) == "" {
			return Config{}, fmt.Errorf("VAI_LIVE_SETTINGS_PATH must not be empty")
		}
	case "sqlite", "postgres":
		if cfg.SettingsDSN == "" {
			return Config{}, fmt.Errorf("VAI_LIVE_SETTINGS_DSN must be set when VAI_LIVE_SETTINGS_DRIVER=%s", cfg.SettingsDriver)
		}
	default:
		return Config{}, fmt.Errorf("VAI_LIVE_SETTINGS_DRIVER must be sqlite or postgres")
	}
	if cfg.HeartbeatInterval <= 0 {
		return Config{}, fmt.Errorf("VAI_LIVE_HEARTBEAT_INTERVAL must be > 0")
	}
	if cfg.ReconnectDelay < 0 {
		return Config{}, fmt.Errorf("VAI_LIVE_RECONNECT_DELAY must be >= 0")
	}
	if cfg.ReconnectMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("VAI_LIVE_RECONNECT_MAX_ATTEMPTS must be > 0")
	}
	if cfg.TurnWindow <= 0 {
		return Config{}, fmt.Errorf("VAI_LIVE_TURN_WINDOW must be > 0")
	}
	if cfg.HistoryLimit <= 0 {
		return Config{}, fmt.Errorf("VAI_LIVE_HISTORY_LIMIT must be > 0")
	}
	if cfg.OpenTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_LIVE_OPEN_TIMEOUT must be > 0")
	}
	if cfg.CommandRPS <= 0 {
		return Config{}, fmt.Errorf("VAI_LIVE_UI_COMMAND_RPS must be > 0")
	}
	if cfg.CommandBurst <= 0 {
		return Config{}, fmt.Errorf("VAI_LIVE_UI_COMMAND_BURST must be > 0")
	}
	if cfg.EventBuffer <= 0 {
		return Config{}, fmt.Errorf("VAI_LIVE_EVENT_BUFFER must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VAI_LIVE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	return cfg, nil
}

func (c Config) Tuning() session.Tuning {
	return session.Tuning{
		HeartbeatInterval:    c.HeartbeatInterval,
		ReconnectDelay:       c.ReconnectDelay,
		ReconnectMaxAttempts: c.ReconnectMaxAttempts,
		TurnWindow:           c.TurnWindow,
		HistoryLimit:         c.HistoryLimit,
		OpenTimeout:          c.OpenTimeout,
	}
}

func defaultSettingsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return "vai-live-settings.yaml"
	}
	return filepath.Join(dir, "vai-live", "settings.yaml")
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	DefaultModel             = "gemini-2.0-flash"
	DefaultMaxTokens         = 8192
	DefaultTemperature       = 0.7
	DefaultMaxToolIterations = 10
	DefaultStepToolTurns     = 4
	DefaultFailureThreshold  = 5
	DefaultCallTimeoutSec    = 120
	DefaultResetTimeoutSec   = 300
	DefaultContextMaxAgeDays = 7
)

type Config struct {
	Agent       AgentConfig       `json:"agent"`
	Provider    ProviderConfig    `json:"provider"`
	Media       MediaConfig       `json:"media"`
	Fallback    FallbackConfig    `json:"fallback"`
	Breaker     BreakerConfig     `json:"breaker"`
	Channels    ChannelsConfig    `json:"channels"`
	Persistence PersistenceConfig `json:"persistence"`
	Cron        CronConfig        `json:"cron"`
}

type AgentConfig struct {
	Model             string  `json:"model"`
	SystemPrompt      string  `json:"systemPrompt,omitempty"`
	MaxTokens         int     `json:"maxTokens"`
	Temperature       float64 `json:"temperature"`
	MaxToolIterations int     `json:"maxToolIterations"`
	StepToolTurns     int     `json:"stepToolTurns"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty"` // "gemini" (default) or "openai"
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

// MediaConfig lists the media providers to try, per asset kind, in order.
type MediaConfig struct {
	ImageProviders []string `json:"imageProviders,omitempty"`
	VideoProviders []string `json:"videoProviders,omitempty"`
	AudioProviders []string `json:"audioProviders,omitempty"`
}

type FallbackConfig struct {
	// AutoProviderSwitch enables automatic cross-provider retry when a
	// creation step fails. False opts into the strict report-and-stop
	// policy where a different provider needs the user's say-so.
	AutoProviderSwitch *bool `json:"autoProviderSwitch,omitempty"`
}

func (f FallbackConfig) AutoSwitch() bool {
	if f.AutoProviderSwitch == nil {
		return true
	}
	return *f.AutoProviderSwitch
}

type BreakerConfig struct {
	FailureThreshold int `json:"failureThreshold"`
	CallTimeoutSec   int `json:"callTimeoutSec"`
	ResetTimeoutSec  int `json:"resetTimeoutSec"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

type WhatsAppConfig struct {
	Enabled   bool     `json:"enabled"`
	StorePath string   `json:"storePath,omitempty"`
	JID       string   `json:"jid,omitempty"`
	AllowFrom []string `json:"allowFrom"`
}

type PersistenceConfig struct {
	Enabled       bool   `json:"enabled"`
	DBPath        string `json:"dbPath,omitempty"`
	ContextMaxAge int    `json:"contextMaxAgeDays,omitempty"`
}

type CronConfig struct {
	Enabled bool      `json:"enabled"`
	Jobs    []CronJob `json:"jobs,omitempty"`
}

// CronJob triggers a scheduled agent prompt in a chat.
type CronJob struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Channel  string `json:"channel"`
	ChatID   string `json:"chatId"`
	Prompt   string `json:"prompt"`
}

func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Model:             DefaultModel,
			MaxTokens:         DefaultMaxTokens,
			Temperature:       DefaultTemperature,
			MaxToolIterations: DefaultMaxToolIterations,
			StepToolTurns:     DefaultStepToolTurns,
		},
		Breaker: BreakerConfig{
			FailureThreshold: DefaultFailureThreshold,
			CallTimeoutSec:   DefaultCallTimeoutSec,
			ResetTimeoutSec:  DefaultResetTimeoutSec,
		},
		Persistence: PersistenceConfig{
			Enabled:       true,
			ContextMaxAge: DefaultContextMaxAgeDays,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".mediaclaw")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	return LoadConfigFrom(ConfigPath())
}

func LoadConfigFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if key := os.Getenv("MEDIACLAW_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if url := os.Getenv("MEDIACLAW_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if token := os.Getenv("MEDIACLAW_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if dbPath := os.Getenv("MEDIACLAW_DB_PATH"); dbPath != "" {
		cfg.Persistence.DBPath = dbPath
	}
	if v := os.Getenv("MEDIACLAW_AUTO_PROVIDER_SWITCH"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.Fallback.AutoProviderSwitch = &parsed
		}
	}
	if v := os.Getenv("MEDIACLAW_MAX_ITERATIONS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			cfg.Agent.MaxToolIterations = parsed
		}
	}

	if cfg.Persistence.DBPath == "" {
		cfg.Persistence.DBPath = filepath.Join(ConfigDir(), "contexts.db")
	}
	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	return SaveConfigTo(ConfigPath(), cfg)
}

func SaveConfigTo(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// ProvidersForKind returns the configured provider order for an asset kind.
func (c *Config) ProvidersForKind(kind string) []string {
	switch kind {
	case "image":
		return c.Media.ImageProviders
	case "video":
		return c.Media.VideoProviders
	case "audio":
		return c.Media.AudioProviders
	default:
		return nil
	}
}

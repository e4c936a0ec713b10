package config

import (
	"os"
	"path/filepath"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"MEDIACLAW_API_KEY", "GEMINI_API_KEY", "OPENAI_API_KEY",
		"MEDIACLAW_BASE_URL", "MEDIACLAW_TELEGRAM_TOKEN", "MEDIACLAW_DB_PATH",
		"MEDIACLAW_AUTO_PROVIDER_SWITCH", "MEDIACLAW_MAX_ITERATIONS",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Agent.Model != DefaultModel {
		t.Errorf("model = %q, want %q", cfg.Agent.Model, DefaultModel)
	}
	if cfg.Agent.MaxToolIterations != DefaultMaxToolIterations {
		t.Errorf("maxToolIterations = %d", cfg.Agent.MaxToolIterations)
	}
	if cfg.Breaker.FailureThreshold != DefaultFailureThreshold {
		t.Errorf("failureThreshold = %d", cfg.Breaker.FailureThreshold)
	}
	if !cfg.Persistence.Enabled {
		t.Error("persistence should default on")
	}
	if !cfg.Fallback.AutoSwitch() {
		t.Error("auto provider switch should default on")
	}
}

func TestLoadConfigFrom_Missing(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfigFrom(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("LoadConfigFrom error: %v", err)
	}
	if cfg.Agent.Model != DefaultModel {
		t.Errorf("model = %q, want default", cfg.Agent.Model)
	}
	if cfg.Persistence.DBPath == "" {
		t.Error("db path should default under config dir")
	}
}

func TestLoadConfigFrom_File(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"agent": {"model": "gpt-4o", "maxToolIterations": 5},
		"provider": {"type": "openai", "apiKey": "sk-test"},
		"media": {"imageProviders": ["replicate", "fal"]},
		"fallback": {"autoProviderSwitch": false},
		"channels": {"telegram": {"enabled": true, "token": "tok"}}
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfigFrom(path)
	if err != nil {
		t.Fatalf("LoadConfigFrom error: %v", err)
	}
	if cfg.Agent.Model != "gpt-4o" {
		t.Errorf("model = %q", cfg.Agent.Model)
	}
	if cfg.Agent.MaxToolIterations != 5 {
		t.Errorf("maxToolIterations = %d", cfg.Agent.MaxToolIterations)
	}
	if cfg.Provider.Type != "openai" || cfg.Provider.APIKey != "sk-test" {
		t.Errorf("provider = %+v", cfg.Provider)
	}
	if cfg.Fallback.AutoSwitch() {
		t.Error("auto provider switch should be off")
	}
	if !cfg.Channels.Telegram.Enabled {
		t.Error("telegram should be enabled")
	}
	// Fields absent from the file keep their defaults
	if cfg.Agent.MaxTokens != DefaultMaxTokens {
		t.Errorf("maxTokens = %d, want default", cfg.Agent.MaxTokens)
	}
}

func TestLoadConfigFrom_Invalid(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadConfigFrom(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoadConfigFrom_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("MEDIACLAW_API_KEY", "env-key")
	t.Setenv("MEDIACLAW_BASE_URL", "https://proxy.example/v1")
	t.Setenv("MEDIACLAW_TELEGRAM_TOKEN", "env-token")
	t.Setenv("MEDIACLAW_DB_PATH", "/tmp/test.db")
	t.Setenv("MEDIACLAW_AUTO_PROVIDER_SWITCH", "false")
	t.Setenv("MEDIACLAW_MAX_ITERATIONS", "3")

	cfg, err := LoadConfigFrom(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("LoadConfigFrom error: %v", err)
	}
	if cfg.Provider.APIKey != "env-key" {
		t.Errorf("apiKey = %q", cfg.Provider.APIKey)
	}
	if cfg.Provider.BaseURL != "https://proxy.example/v1" {
		t.Errorf("baseUrl = %q", cfg.Provider.BaseURL)
	}
	if cfg.Channels.Telegram.Token != "env-token" {
		t.Errorf("telegram token = %q", cfg.Channels.Telegram.Token)
	}
	if cfg.Persistence.DBPath != "/tmp/test.db" {
		t.Errorf("dbPath = %q", cfg.Persistence.DBPath)
	}
	if cfg.Fallback.AutoSwitch() {
		t.Error("auto provider switch should be off")
	}
	if cfg.Agent.MaxToolIterations != 3 {
		t.Errorf("maxToolIterations = %d", cfg.Agent.MaxToolIterations)
	}
}

func TestLoadConfigFrom_OpenAIKeyImpliesType(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-openai")

	cfg, err := LoadConfigFrom(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("LoadConfigFrom error: %v", err)
	}
	if cfg.Provider.APIKey != "sk-openai" {
		t.Errorf("apiKey = %q", cfg.Provider.APIKey)
	}
	if cfg.Provider.Type != "openai" {
		t.Errorf("type = %q, want openai", cfg.Provider.Type)
	}
}

func TestLoadConfigFrom_PrimaryKeyWinsOverFallbackKeys(t *testing.T) {
	clearEnv(t)
	t.Setenv("MEDIACLAW_API_KEY", "primary")
	t.Setenv("GEMINI_API_KEY", "gemini")
	t.Setenv("OPENAI_API_KEY", "openai")

	cfg, err := LoadConfigFrom(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("LoadConfigFrom error: %v", err)
	}
	if cfg.Provider.APIKey != "primary" {
		t.Errorf("apiKey = %q, want primary", cfg.Provider.APIKey)
	}
	if cfg.Provider.Type != "" {
		t.Errorf("type = %q, want empty", cfg.Provider.Type)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "sub", "config.json")
	cfg := DefaultConfig()
	cfg.Agent.Model = "gemini-2.0-pro"
	cfg.Media.VideoProviders = []string{"runway"}

	if err := SaveConfigTo(path, cfg); err != nil {
		t.Fatalf("SaveConfigTo error: %v", err)
	}

	loaded, err := LoadConfigFrom(path)
	if err != nil {
		t.Fatalf("LoadConfigFrom error: %v", err)
	}
	if loaded.Agent.Model != "gemini-2.0-pro" {
		t.Errorf("model = %q", loaded.Agent.Model)
	}
	if len(loaded.Media.VideoProviders) != 1 || loaded.Media.VideoProviders[0] != "runway" {
		t.Errorf("videoProviders = %v", loaded.Media.VideoProviders)
	}
}

func TestProvidersForKind(t *testing.T) {
	cfg := &Config{Media: MediaConfig{
		ImageProviders: []string{"replicate", "fal"},
		VideoProviders: []string{"runway"},
	}}

	if got := cfg.ProvidersForKind("image"); len(got) != 2 || got[0] != "replicate" {
		t.Errorf("image providers = %v", got)
	}
	if got := cfg.ProvidersForKind("video"); len(got) != 1 || got[0] != "runway" {
		t.Errorf("video providers = %v", got)
	}
	if got := cfg.ProvidersForKind("audio"); got != nil {
		t.Errorf("audio providers = %v, want nil", got)
	}
	if got := cfg.ProvidersForKind("other"); got != nil {
		t.Errorf("unknown kind = %v, want nil", got)
	}
}

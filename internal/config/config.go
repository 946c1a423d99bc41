package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Telegram  TelegramConfig  `toml:"telegram"`
	LLM       LLMConfig       `toml:"llm"`
	Database  DatabaseConfig  `toml:"database"`
	Presets   PresetsConfig   `toml:"presets"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Apify     ApifyConfig     `toml:"apify"`
	Wolfram   WolframConfig   `toml:"wolfram"`
	Documents DocumentsConfig `toml:"documents"`
	Observer  ObserverConfig  `toml:"observer"`
}

type TelegramConfig struct {
	Token         string `toml:"token"`
	ChatID        string `toml:"chat_id"`
	AllowedUserID string `toml:"allowed_user_id"`
}

type LLMConfig struct {
	BaseURL string `toml:"base_url"`
	Model   string `toml:"model"`
	APIKey  string `toml:"api_key"`
	RPM     int    `toml:"rpm"`
	TPM     int    `toml:"tpm"`
}

type DatabaseConfig struct {
	Driver      string `toml:"driver"`
	Path        string `toml:"path"`
	PostgresURL string `toml:"postgres_url"`
}

type PresetsConfig struct {
	Dir string `toml:"dir"`
}

type SchedulerConfig struct {
	TickSeconds   int `toml:"tick_seconds"`
	MaxConcurrent int `toml:"max_concurrent"`
}

type ApifyConfig struct {
	Token   string `toml:"token"`
	ActorID string `toml:"actor_id"`
}

type WolframConfig struct {
	AppID string `toml:"app_id"`
}

type DocumentsConfig struct {
	Root string `toml:"root"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		LLM:       LLMConfig{BaseURL: "https://api.openai.com/v1", Model: "gpt-4o-mini"},
		Database:  DatabaseConfig{Driver: "sqlite", Path: "parley.db"},
		Presets:   PresetsConfig{Dir: "presets"},
		Scheduler: SchedulerConfig{TickSeconds: 60, MaxConcurrent: 4},
		Documents: DocumentsConfig{Root: "."},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "parley.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("PARLEY_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("PARLEY_TELEGRAM_CHAT_ID"); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := os.Getenv("PARLEY_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("PARLEY_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("PARLEY_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("PARLEY_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("PARLEY_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("PARLEY_POSTGRES_URL"); v != "" {
		cfg.Database.PostgresURL = v
	}
	if v := os.Getenv("PARLEY_PRESETS_DIR"); v != "" {
		cfg.Presets.Dir = v
	}
	if v := os.Getenv("PARLEY_APIFY_TOKEN"); v != "" {
		cfg.Apify.Token = v
	}
	if v := os.Getenv("PARLEY_WOLFRAM_APP_ID"); v != "" {
		cfg.Wolfram.AppID = v
	}
	if v := os.Getenv("PARLEY_SCHEDULER_TICK_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Scheduler.TickSeconds = n
		}
	}
	if v := os.Getenv("PARLEY_SCHEDULER_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Scheduler.MaxConcurrent = n
		}
	}
	if os.Getenv("PARLEY_OBSERVER_ENABLED") == "true" || os.Getenv("PARLEY_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Scheduler.TickSeconds <= 0 {
		cfg.Scheduler.TickSeconds = 60
	}
	if cfg.Scheduler.MaxConcurrent <= 0 {
		cfg.Scheduler.MaxConcurrent = 4
	}

	return cfg
}

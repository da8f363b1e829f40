// Package config loads PatchPilot configuration from a YAML file and the
// environment. Environment variables win over file values; secrets are read
// from the environment only.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Config holds all server and pipeline settings.
type Config struct {
	ServerAddr   string `mapstructure:"server_addr"`
	DataDir      string `mapstructure:"data_dir"`
	DatabasePath string `mapstructure:"database_path"`

	SandboxImage   string `mapstructure:"sandbox_image"`
	SandboxNetwork string `mapstructure:"sandbox_network"`

	LLMProvider     string        `mapstructure:"llm_provider"` // anthropic, openai, groq
	LLMModel        string        `mapstructure:"llm_model"`
	MaxContextFiles int           `mapstructure:"max_context_files"`
	MaxFileBytes    int           `mapstructure:"max_file_bytes"`
	ExecTimeout     time.Duration `mapstructure:"exec_timeout"`

	SlackChannel string `mapstructure:"slack_channel"`

	// Secrets, environment only.
	GitHubToken     string `mapstructure:"-"`
	AnthropicAPIKey string `mapstructure:"-"`
	OpenAIAPIKey    string `mapstructure:"-"`
	GroqAPIKey      string `mapstructure:"-"`
	SlackToken      string `mapstructure:"-"`
	TelegramToken   string `mapstructure:"-"`
	TelegramChatID  int64  `mapstructure:"-"`
}

// Load reads ~/.patchpilot/config.yaml (if present) merged with PATCHPILOT_*
// environment variables, then overlays secrets from the environment.
func Load() (*Config, error) {
	v := viper.New()

	home, _ := os.UserHomeDir()
	defaultDataDir := filepath.Join(home, ".patchpilot")

	v.SetDefault("server_addr", ":8080")
	v.SetDefault("data_dir", defaultDataDir)
	v.SetDefault("database_path", "")
	v.SetDefault("sandbox_image", "patchpilot-sandbox:latest")
	v.SetDefault("sandbox_network", "")
	v.SetDefault("llm_provider", "anthropic")
	v.SetDefault("llm_model", "")
	v.SetDefault("max_context_files", 30)
	v.SetDefault("max_file_bytes", 32*1024)
	v.SetDefault("exec_timeout", 30*time.Second)
	v.SetDefault("slack_channel", "")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(defaultDataDir)
	v.SetEnvPrefix("PATCHPILOT")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.DataDir, "patchpilot.db")
	}

	cfg.GitHubToken = os.Getenv("GITHUB_TOKEN")
	cfg.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	cfg.GroqAPIKey = os.Getenv("GROQ_API_KEY")
	cfg.SlackToken = os.Getenv("SLACK_BOT_TOKEN")
	cfg.TelegramToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	if raw := os.Getenv("TELEGRAM_CHAT_ID"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID %q: %w", raw, err)
		}
		cfg.TelegramChatID = id
	}

	return &cfg, nil
}

// Validate checks that the configuration can actually run a pipeline.
func (c *Config) Validate() error {
	if c.GitHubToken == "" {
		return errors.New("GITHUB_TOKEN is required")
	}
	if c.LLMAPIKey() == "" {
		return fmt.Errorf("no API key set for provider %q", c.LLMProvider)
	}
	switch c.LLMProvider {
	case "anthropic", "openai", "groq":
	default:
		return fmt.Errorf("unknown llm_provider %q", c.LLMProvider)
	}
	return nil
}

// LLMAPIKey returns the API key matching the configured provider.
func (c *Config) LLMAPIKey() string {
	switch c.LLMProvider {
	case "anthropic":
		return c.AnthropicAPIKey
	case "openai":
		return c.OpenAIAPIKey
	case "groq":
		return c.GroqAPIKey
	}
	return ""
}

// SandboxEnv returns environment variables passed into each sandbox.
func (c *Config) SandboxEnv() []string {
	return []string{
		"GIT_TERMINAL_PROMPT=0",
	}
}

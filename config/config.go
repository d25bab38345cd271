// Package config loads daemon configuration: defaults, then the user's
// YAML file merged on top, then environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/mstanton/engram/engine"
)

// AnthropicConfig represents configuration for the Anthropic provider.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key,omitempty"` // Anthropic API key
	Model  string `yaml:"model,omitempty"`   // Default model name
}

// OllamaConfig represents configuration for the Ollama provider.
type OllamaConfig struct {
	Host       string `yaml:"host,omitempty"`        // Ollama host (default: "http://localhost:11434")
	Model      string `yaml:"model,omitempty"`       // Default completion model
	EmbedModel string `yaml:"embed_model,omitempty"` // Embedding model name
}

// OpenAIConfig represents configuration for the OpenAI provider.
type OpenAIConfig struct {
	APIKey       string `yaml:"api_key,omitempty"`      // OpenAI API key
	Model        string `yaml:"model,omitempty"`        // Default completion model
	EmbedModel   string `yaml:"embed_model,omitempty"`  // Embedding model name
	Organization string `yaml:"organization,omitempty"` // Organization ID
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	Path string `yaml:"path,omitempty"` // SQLite file path
}

// LogConfig holds logging settings.
type LogConfig struct {
	File   string `yaml:"file,omitempty"`   // Log file path; empty logs to stdout
	Pretty bool   `yaml:"pretty,omitempty"` // Human-readable console output (stdout only)
}

// ScheduleConfig holds the cron expressions for background maintenance.
type ScheduleConfig struct {
	Maintenance string `yaml:"maintenance,omitempty"` // Cron spec for decay/consolidation/archival
}

// Config is the daemon's full configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database,omitempty"`
	Log      LogConfig      `yaml:"log,omitempty"`
	Schedule ScheduleConfig `yaml:"schedule,omitempty"`

	// LLM provider configurations. LLMProviders is the preference order
	// for completions; the first configured provider wins.
	LLMProviders      []string        `yaml:"llm_providers,omitempty"`
	EmbeddingProvider string          `yaml:"embedding_provider,omitempty"` // "openai" or "ollama"
	Anthropic         AnthropicConfig `yaml:"anthropic,omitempty"`
	Ollama            OllamaConfig    `yaml:"ollama,omitempty"`
	OpenAI            OpenAIConfig    `yaml:"openai,omitempty"`

	CacheSize int64         `yaml:"cache_size,omitempty"` // Entity description cache entries
	Engine    engine.Config `yaml:"engine,omitempty"`
}

// GetConfigPath returns the default config file path, expanding ~ to the
// home directory. Can be overridden via ENGRAM_CONFIG_PATH.
func GetConfigPath() string {
	if envPath := os.Getenv("ENGRAM_CONFIG_PATH"); envPath != "" {
		return expandPath(envPath)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./.engram/config.yaml"
	}
	return filepath.Join(homeDir, ".engram", "config.yaml")
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// Load reads configuration from path, merging file values over defaults and
// environment secrets over both. A missing file is not an error.
func Load(path string) (*Config, error) {
	defaults := Config{
		Database: DatabaseConfig{
			Path: "~/.engram/engram.db",
		},
		Log: LogConfig{
			File: "engram.log",
		},
		Schedule: ScheduleConfig{
			Maintenance: "0 3 * * *", // daily at 03:00
		},
		LLMProviders:      []string{"anthropic"},
		EmbeddingProvider: "ollama",
		Ollama: OllamaConfig{
			Host:       "http://localhost:11434",
			Model:      "llama3.2:3b",
			EmbedModel: "mxbai-embed-large",
		},
		OpenAI: OpenAIConfig{
			Model:      "gpt-4o-mini",
			EmbedModel: "text-embedding-3-small",
		},
		Anthropic: AnthropicConfig{
			Model: "claude-haiku-4-5",
		},
		CacheSize: 10_000,
		Engine:    engine.DefaultConfig(),
	}

	expandedPath := expandPath(path)
	if _, err := os.Stat(expandedPath); err == nil {
		configYAML, err := os.ReadFile(expandedPath) //#nosec 304 -- intentional file read for config
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", expandedPath, err)
		}
		var fileConfig Config
		if err := yaml.Unmarshal(configYAML, &fileConfig); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		if err := mergo.Merge(&defaults, fileConfig, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge config: %w", err)
		}
	}

	// Secrets come from the environment when the file omits them.
	if defaults.Anthropic.APIKey == "" {
		defaults.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if defaults.OpenAI.APIKey == "" {
		defaults.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if host := os.Getenv("OLLAMA_HOST"); host != "" {
		defaults.Ollama.Host = host
	}

	defaults.Database.Path = expandPath(defaults.Database.Path)
	return &defaults, nil
}

// Save writes the configuration to the specified path.
func Save(cfg *Config, path string) error {
	expandedPath := expandPath(path)

	dir := filepath.Dir(expandedPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(expandedPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

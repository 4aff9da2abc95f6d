package config

import (
	"os"
	"path/filepath"
)

// Config represents the main shopclerk configuration
type Config struct {
	// Gateway (HTTP/WebSocket) settings
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Model / completion provider settings
	Model ModelConfig `json:"model" mapstructure:"model"`

	// Commerce backend settings
	Backend BackendConfig `json:"backend" mapstructure:"backend"`

	// Agent loop settings
	Agent AgentConfig `json:"agent" mapstructure:"agent"`

	// Conversation store settings
	Session SessionConfig `json:"session" mapstructure:"session"`

	// Catalog cache settings
	Catalog CatalogConfig `json:"catalog" mapstructure:"catalog"`

	// Localization settings
	Locale LocaleConfig `json:"locale" mapstructure:"locale"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port         int    `json:"port" mapstructure:"port"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// ModelConfig holds completion provider configuration
type ModelConfig struct {
	Provider    string  `json:"provider" mapstructure:"provider"` // "openai", "anthropic"
	Name        string  `json:"name" mapstructure:"name"`
	APIKey      string  `json:"api_key" mapstructure:"api_key"`
	Temperature float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens   int     `json:"max_tokens" mapstructure:"max_tokens"`
}

// BackendConfig holds commerce backend configuration
type BackendConfig struct {
	BaseURL       string `json:"base_url" mapstructure:"base_url"`
	ApplicationID string `json:"application_id" mapstructure:"application_id"`
	TimeoutMs     int    `json:"timeout_ms" mapstructure:"timeout_ms"`
}

// AgentConfig holds agent loop configuration
type AgentConfig struct {
	MaxRounds            int    `json:"max_rounds" mapstructure:"max_rounds"`
	MaxToolCallsPerRound int    `json:"max_tool_calls_per_round" mapstructure:"max_tool_calls_per_round"`
	SystemPrompt         string `json:"system_prompt" mapstructure:"system_prompt"`
}

// SessionConfig holds conversation store configuration
type SessionConfig struct {
	Dir      string `json:"dir" mapstructure:"dir"`
	TTLHours int    `json:"ttl_hours" mapstructure:"ttl_hours"`
}

// CatalogConfig holds catalog cache configuration
type CatalogConfig struct {
	DBPath     string `json:"db_path" mapstructure:"db_path"`
	CacheSize  int    `json:"cache_size" mapstructure:"cache_size"`
	TTLMinutes int    `json:"ttl_minutes" mapstructure:"ttl_minutes"`
}

// LocaleConfig holds localization configuration
type LocaleConfig struct {
	Default      string `json:"default" mapstructure:"default"`
	OverridesDir string `json:"overrides_dir" mapstructure:"overrides_dir"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	dataDir := defaultDataDir()

	return &Config{
		Gateway: GatewayConfig{
			Port: 8321,
		},
		Model: ModelConfig{
			Provider:    "openai",
			Name:        "gpt-4o-mini",
			Temperature: 0.2,
			MaxTokens:   2048,
		},
		Backend: BackendConfig{
			TimeoutMs: 15000,
		},
		Agent: AgentConfig{
			MaxRounds:            4,
			MaxToolCallsPerRound: 4,
		},
		Session: SessionConfig{
			Dir:      filepath.Join(dataDir, "conversations"),
			TTLHours: 48,
		},
		Catalog: CatalogConfig{
			DBPath:     filepath.Join(dataDir, "catalog.db"),
			CacheSize:  512,
			TTLMinutes: 30,
		},
		Locale: LocaleConfig{
			Default: "en",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
		},
		DataDir: dataDir,
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".shopclerk"
	}
	return filepath.Join(home, ".shopclerk")
}

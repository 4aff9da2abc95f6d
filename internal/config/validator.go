package config

import (
	"encoding/json"
	"fmt"
)

// Validate checks a configuration for invalid values
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
		return fmt.Errorf("gateway port must be between 1 and 65535, got %d", cfg.Gateway.Port)
	}

	switch cfg.Model.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("unsupported model provider: %s", cfg.Model.Provider)
	}
	if cfg.Model.Name == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	if cfg.Model.Temperature < 0 || cfg.Model.Temperature > 1 {
		return fmt.Errorf("model temperature must be between 0 and 1")
	}
	if cfg.Model.MaxTokens < 0 {
		return fmt.Errorf("model max tokens cannot be negative")
	}

	if cfg.Agent.MaxRounds < 1 {
		return fmt.Errorf("agent max rounds must be at least 1")
	}
	if cfg.Agent.MaxToolCallsPerRound < 1 {
		return fmt.Errorf("agent max tool calls per round must be at least 1")
	}

	if cfg.Session.TTLHours < 1 {
		return fmt.Errorf("session TTL must be at least 1 hour")
	}
	if cfg.Catalog.TTLMinutes < 1 {
		return fmt.Errorf("catalog TTL must be at least 1 minute")
	}

	return nil
}

// marshalMap renders the config as a generic map for persistence
func (c *Config) marshalMap() (map[string]interface{}, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return out, nil
}

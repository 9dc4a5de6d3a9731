package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Webhooks:   map[string]string{},
		DMMappings: map[string]DMMapping{},
		Tokens:     map[string]TokenConfig{},
		Settings: Settings{
			MessageDelay:     0.75,
			MaxLoginAttempts: 5,
			QueueName:        "message_queue",
		},
		RedisURL: "redis://127.0.0.1:6379/0",
	}
}

// Load reads config from a JSON file (JSON5-tolerant: comments and trailing
// commas are fine), then overlays env vars.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("MIRROR_BOT_TOKEN", &c.BotToken)
	envStr("MIRROR_REDIS_URL", &c.RedisURL)
	envStr("MIRROR_DESTINATION_SERVER", &c.DestinationServer)
}

// Validate rejects configs the processes cannot run with. A failed validation
// during hot reload keeps the previous snapshot live.
func (c *Config) Validate() error {
	if c.BotToken == "" {
		return fmt.Errorf("config: bot_token is required")
	}
	if c.DestinationServer == "" {
		return fmt.Errorf("config: destination_server is required")
	}
	for token, tc := range c.Tokens {
		if token == "" {
			return fmt.Errorf("config: empty collector token key")
		}
		if tc.DMMirroring.Enabled && tc.DMMirroring.DestinationServerID == "" {
			return fmt.Errorf("config: dm_mirroring enabled without destination_server_id")
		}
	}
	return nil
}

// Save writes the config to a JSON file. Strict JSON on the way out; the
// loader stays tolerant on the way in.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	data, err := json.MarshalIndent(cfg, "", "  ")
	cfg.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Path returns the config file path, honoring the MIRROR_CONFIG override.
func Path(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv("MIRROR_CONFIG"); v != "" {
		return v
	}
	return "config.json"
}

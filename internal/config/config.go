// Package config loads and validates the chatd configuration from a YAML
// file with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Store backends selectable via configuration.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// RedisConfig holds shared-backend connection settings.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password,omitempty"`
	DB        int    `yaml:"db,omitempty"`
	KeyPrefix string `yaml:"key_prefix,omitempty"`
}

// SessionConfig controls session persistence.
type SessionConfig struct {
	// TTLMinutes is the sliding expiration window applied on every save.
	TTLMinutes int         `yaml:"ttl_minutes"`
	Backend    string      `yaml:"backend"`
	Redis      RedisConfig `yaml:"redis,omitempty"`
}

// AgentConfig controls the model behind the agent capability.
type AgentConfig struct {
	Model        string   `yaml:"model"`
	SystemPrompt string   `yaml:"system_prompt,omitempty"`
	MaxTokens    int      `yaml:"max_tokens,omitempty"`
	Temperature  *float64 `yaml:"temperature,omitempty"`
}

// Config is the complete chatd configuration.
type Config struct {
	ListenAddr string        `yaml:"listen_addr"`
	APIKey     string        `yaml:"api_key,omitempty"`
	LogLevel   string        `yaml:"log_level,omitempty"`
	Session    SessionConfig `yaml:"session"`
	Agent      AgentConfig   `yaml:"agent"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		Session: SessionConfig{
			TTLMinutes: 30,
			Backend:    BackendMemory,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "session:",
			},
		},
		Agent: AgentConfig{
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 4096,
		},
	}
}

// Load reads configuration from path, applies environment overrides and
// validates the result. An empty path skips the file and uses defaults
// plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CHATD_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("CHATD_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("CHATD_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("CHATD_SESSION_BACKEND"); v != "" {
		c.Session.Backend = v
	}
	if v := os.Getenv("CHATD_SESSION_TTL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Session.TTLMinutes = n
		}
	}
	if v := os.Getenv("CHATD_REDIS_ADDR"); v != "" {
		c.Session.Redis.Addr = v
	}
	if v := os.Getenv("CHATD_REDIS_PASSWORD"); v != "" {
		c.Session.Redis.Password = v
	}
	if v := os.Getenv("CHATD_MODEL"); v != "" {
		c.Agent.Model = v
	}
}

// Validate checks the configuration for usable values.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.Session.TTLMinutes <= 0 {
		return fmt.Errorf("session.ttl_minutes must be positive, got %d", c.Session.TTLMinutes)
	}
	switch c.Session.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Session.Redis.Addr == "" {
			return fmt.Errorf("session.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("session.backend must be %q or %q, got %q", BackendMemory, BackendRedis, c.Session.Backend)
	}
	if c.Agent.Model == "" {
		return fmt.Errorf("agent.model must not be empty")
	}
	if c.Agent.MaxTokens <= 0 {
		return fmt.Errorf("agent.max_tokens must be positive, got %d", c.Agent.MaxTokens)
	}
	return nil
}

// Package config loads and validates the service configuration from a YAML
// file, .env files, and environment variables. Values in the YAML file may
// reference environment variables with ${VAR}, $VAR, or ${VAR:-default}.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	LLM       LLMConfig       `yaml:"llm"`
	Embedder  EmbedderConfig  `yaml:"embedder"`
	Database  DatabaseConfig  `yaml:"database"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Session   SessionConfig   `yaml:"session"`
	Guardrail GuardrailConfig `yaml:"guardrail"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// ServerConfig holds the HTTP boundary settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// CORSOrigins is the allow-list for cross-origin requests.
	CORSOrigins []string `yaml:"cors_origins"`
}

// LLMConfig holds the chat completion provider settings.
type LLMConfig struct {
	APIKey            string  `yaml:"api_key"`
	BaseURL           string  `yaml:"base_url"`
	Model             string  `yaml:"model"`
	Temperature       float64 `yaml:"temperature"`
	MaxTokens         int     `yaml:"max_tokens"`
	TimeoutSeconds    int     `yaml:"timeout_seconds"`
	RequestsPerMinute int     `yaml:"requests_per_minute"`
}

// EmbedderConfig selects and tunes the embedding provider.
type EmbedderConfig struct {
	// Provider is "openai" or "hash". The hash provider is offline and
	// meant for development.
	Provider  string `yaml:"provider"`
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	Dimension int    `yaml:"dimension"`
}

// CatalogConfig points at the product data and tunes retrieval.
type CatalogConfig struct {
	// Path is the products JSONL file.
	Path string `yaml:"path"`

	// DefaultK is the result count when a query does not specify one.
	DefaultK int `yaml:"default_k"`
}

// SessionConfig tunes conversation memory.
type SessionConfig struct {
	// Window is the number of retained turns. Zero disables memory.
	Window *int `yaml:"window"`

	TTLMinutes  int `yaml:"ttl_minutes"`
	MaxSessions int `yaml:"max_sessions"`
}

// GuardrailConfig tunes the abuse screen.
type GuardrailConfig struct {
	Enabled *bool `yaml:"enabled"`

	Threshold float32 `yaml:"threshold"`

	// PatternsPath optionally overrides the built-in pattern set with a
	// JSONL file.
	PatternsPath string `yaml:"patterns_path"`
}

// SetDefaults applies defaults to all sections.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if len(c.Server.CORSOrigins) == 0 {
		c.Server.CORSOrigins = []string{"http://localhost:3000"}
	}

	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o-mini"
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = 0.3
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 1024
	}
	if c.LLM.TimeoutSeconds == 0 {
		c.LLM.TimeoutSeconds = 20
	}
	if c.LLM.RequestsPerMinute == 0 {
		c.LLM.RequestsPerMinute = 30
	}

	if c.Embedder.Provider == "" {
		c.Embedder.Provider = "openai"
	}
	if c.Embedder.APIKey == "" {
		c.Embedder.APIKey = c.LLM.APIKey
	}

	if c.Catalog.Path == "" {
		c.Catalog.Path = "data/products.jsonl"
	}
	if c.Catalog.DefaultK == 0 {
		c.Catalog.DefaultK = 5
	}

	if c.Session.Window == nil {
		w := 3
		c.Session.Window = &w
	}
	if c.Session.TTLMinutes == 0 {
		c.Session.TTLMinutes = 60
	}
	if c.Session.MaxSessions == 0 {
		c.Session.MaxSessions = 10000
	}

	if c.Guardrail.Enabled == nil {
		enabled := true
		c.Guardrail.Enabled = &enabled
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	c.Database.SetDefaults()
}

// Validate checks the configuration for hard errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.LLM.APIKey == "" {
		return fmt.Errorf("llm.api_key is required (set LLM_API_KEY)")
	}
	if c.Embedder.Provider != "openai" && c.Embedder.Provider != "hash" {
		return fmt.Errorf("embedder.provider must be %q or %q, got %q", "openai", "hash", c.Embedder.Provider)
	}
	if *c.Session.Window < 0 {
		return fmt.Errorf("session.window must be non-negative, got %d", *c.Session.Window)
	}
	if c.Session.TTLMinutes < 1 {
		return fmt.Errorf("session.ttl_minutes must be positive, got %d", c.Session.TTLMinutes)
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	return nil
}

// Load reads a YAML config file, expands environment references, applies
// environment overrides, sets defaults, and validates. An empty path loads
// from environment and defaults alone.
func Load(path string) (*Config, error) {
	if err := LoadEnvFiles(); err != nil {
		return nil, err
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		expanded := expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides maps the well-known environment variables onto the
// config. Environment wins over the file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("SQL_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("SQL_KEY"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		origins := strings.Split(v, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		c.Server.CORSOrigins = origins
	}
	if v := os.Getenv("SESSION_WINDOW"); v != "" {
		if w, err := strconv.Atoi(v); err == nil {
			c.Session.Window = &w
		}
	}
	if v := os.Getenv("SESSION_TTL_MIN"); v != "" {
		if ttl, err := strconv.Atoi(v); err == nil {
			c.Session.TTLMinutes = ttl
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

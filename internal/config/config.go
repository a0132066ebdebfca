// Package config loads mindloop configuration from YAML with environment
// overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all mindloop configuration.
type Config struct {
	// Server settings
	Server ServerConfig `yaml:"server"`

	// Store settings
	Store StoreConfig `yaml:"store"`

	// Insight provider (suggestions + embeddings)
	Insight InsightConfig `yaml:"insight"`

	// Reasoner cycle scheduling
	Cycle CycleConfig `yaml:"cycle"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the WebSocket endpoint.
type ServerConfig struct {
	Addr string `yaml:"addr"` // host:port to listen on
	Path string `yaml:"path"` // websocket path
}

// StoreConfig configures the SQLite record store.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
	// IndexDebounce coalesces bursty vector index writes.
	IndexDebounce time.Duration `yaml:"index_debounce"`
}

// InsightConfig configures the suggestion/embedding provider.
type InsightConfig struct {
	Provider string `yaml:"provider"` // genai, ollama, none

	// GenAI (Gemini)
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	EmbeddingModel string `yaml:"embedding_model"`

	// Ollama (embeddings only)
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`
}

// CycleConfig configures the periodic processing cycle.
type CycleConfig struct {
	Interval time.Duration `yaml:"interval"`
	Limit    int           `yaml:"limit"`
	// StartPaused leaves the scheduler stopped until a run command arrives.
	StartPaused bool `yaml:"start_paused"`
	// SuggestionProbability is the chance per selected Thought per cycle of
	// requesting insight suggestions.
	SuggestionProbability float64 `yaml:"suggestion_probability"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Verbose bool `yaml:"verbose"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: "localhost:8080",
			Path: "/ws",
		},
		Store: StoreConfig{
			DatabasePath:  "mindloop.db",
			IndexDebounce: 2 * time.Second,
		},
		Insight: InsightConfig{
			Provider:       "none",
			Model:          "gemini-2.0-flash",
			EmbeddingModel: "gemini-embedding-001",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
		},
		Cycle: CycleConfig{
			Interval:              30 * time.Second,
			Limit:                 10,
			SuggestionProbability: 0.1,
		},
	}
}

// Load reads the config file at path. A missing file yields defaults.
// Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnv(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file values with environment settings. The API key only
// ever comes from the environment in practice.
func applyEnv(cfg *Config) {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		cfg.Insight.APIKey = key
	}
	if db := os.Getenv("MINDLOOP_DB"); db != "" {
		cfg.Store.DatabasePath = db
	}
	if addr := os.Getenv("MINDLOOP_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}
}

func (c *Config) validate() error {
	switch c.Insight.Provider {
	case "genai", "ollama", "none", "":
	default:
		return fmt.Errorf("unsupported insight provider: %s (use 'genai', 'ollama' or 'none')", c.Insight.Provider)
	}
	if c.Cycle.Limit <= 0 {
		c.Cycle.Limit = Default().Cycle.Limit
	}
	if c.Cycle.Interval <= 0 {
		c.Cycle.Interval = Default().Cycle.Interval
	}
	if c.Cycle.SuggestionProbability < 0 || c.Cycle.SuggestionProbability > 1 {
		return fmt.Errorf("suggestion_probability must be in [0,1], got %g", c.Cycle.SuggestionProbability)
	}
	if c.Store.IndexDebounce <= 0 {
		c.Store.IndexDebounce = Default().Store.IndexDebounce
	}
	return nil
}

// Public returns the client-visible settings pushed to observers on a
// settings notification. The API key is withheld.
func (c *Config) Public() map[string]any {
	return map[string]any{
		"insightProvider":       c.Insight.Provider,
		"cycleInterval":         c.Cycle.Interval.String(),
		"cycleLimit":            c.Cycle.Limit,
		"suggestionProbability": c.Cycle.SuggestionProbability,
	}
}

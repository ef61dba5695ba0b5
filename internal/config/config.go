// Package config loads service configuration from an optional YAML file and
// the environment. Environment variables always win over the file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Qdrant    QdrantConfig    `yaml:"qdrant"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Rerank    RerankConfig    `yaml:"rerank"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Server    ServerConfig    `yaml:"server"`
	LogLevel  string          `yaml:"log_level"`
}

// DatabaseConfig selects the relational backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	URL    string `yaml:"url"`
}

// QdrantConfig contains vector index connection settings. An empty URL
// disables the whole vector subsystem.
type QdrantConfig struct {
	URL               string `yaml:"url"`
	APIKey            string `yaml:"api_key"`
	Collection        string `yaml:"collection"`
	IndexingThreshold uint64 `yaml:"indexing_threshold"`
}

// EmbeddingConfig contains embedding provider settings.
type EmbeddingConfig struct {
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
}

// RerankConfig contains reranker settings.
type RerankConfig struct {
	Model    string  `yaml:"model"`
	MinScore float64 `yaml:"min_score"`
}

// DiscoveryConfig tunes issue matching.
type DiscoveryConfig struct {
	Limit int `yaml:"limit"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port       string `yaml:"port"`
	ServerMode bool   `yaml:"server_mode"`
}

// Defaults
const (
	DefaultDatabaseDriver    = "sqlite"
	DefaultDatabaseURL       = "file:issues.db?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_time_format=sqlite"
	DefaultCollection        = "Issues"
	DefaultIndexingThreshold = 10000
	DefaultEmbeddingModel    = "text-embedding-3-large"
	DefaultDimensions        = 2048
	DefaultRerankModel       = "gpt-4o-mini"
	DefaultRerankMinScore    = 0.5
	DefaultDiscoveryLimit    = 10
	DefaultPort              = "8080"
)

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads the YAML file at path (skipped when path is empty), then applies
// environment overrides and defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	return &cfg, nil
}

// VectorStoreEnabled is the single feature gate for the vector subsystem.
func (c *Config) VectorStoreEnabled() bool {
	return c.Qdrant.URL != ""
}

// Validate reports every missing or invalid required setting.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver))
	}
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}

	if c.VectorStoreEnabled() {
		if c.Embedding.APIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required when the vector store is enabled"))
		}
		if c.Embedding.Dimensions <= 0 {
			errs = append(errs, fmt.Errorf("embedding.dimensions must be positive, got %d", c.Embedding.Dimensions))
		}
		if c.Rerank.MinScore < 0 || c.Rerank.MinScore > 1 {
			errs = append(errs, fmt.Errorf("rerank.min_score must be within [0,1], got %v", c.Rerank.MinScore))
		}
	}

	return errors.Join(errs...)
}

// SlogLevel maps LogLevel to a slog level, defaulting to Info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func applyEnv(cfg *Config) {
	setString(&cfg.Database.Driver, "DATABASE_DRIVER")
	setString(&cfg.Database.URL, "DATABASE_URL")

	setString(&cfg.Qdrant.URL, "QDRANT_URL")
	setString(&cfg.Qdrant.APIKey, "QDRANT_API_KEY")
	setString(&cfg.Qdrant.Collection, "QDRANT_COLLECTION")
	if v, ok := envInt("QDRANT_INDEXING_THRESHOLD"); ok && v > 0 {
		cfg.Qdrant.IndexingThreshold = uint64(v)
	}

	setString(&cfg.Embedding.APIKey, "OPENAI_API_KEY")
	setString(&cfg.Embedding.BaseURL, "OPENAI_BASE_URL")
	setString(&cfg.Embedding.Model, "EMBEDDING_MODEL")
	if v, ok := envInt("EMBEDDING_DIMENSIONS"); ok {
		cfg.Embedding.Dimensions = v
	}

	setString(&cfg.Rerank.Model, "RERANK_MODEL")
	if v := os.Getenv("RERANK_MIN_SCORE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Rerank.MinScore = f
		}
	}

	if v, ok := envInt("DISCOVERY_LIMIT"); ok {
		cfg.Discovery.Limit = v
	}

	setString(&cfg.Server.Port, "PORT")
	if v := os.Getenv("SERVER_MODE"); v != "" {
		cfg.Server.ServerMode = v == "true"
	}
	setString(&cfg.LogLevel, "LOG_LEVEL")
}

func applyDefaults(cfg *Config) {
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DefaultDatabaseDriver
	}
	if cfg.Database.URL == "" && cfg.Database.Driver == DefaultDatabaseDriver {
		cfg.Database.URL = DefaultDatabaseURL
	}
	if cfg.Qdrant.Collection == "" {
		cfg.Qdrant.Collection = DefaultCollection
	}
	if cfg.Qdrant.IndexingThreshold == 0 {
		cfg.Qdrant.IndexingThreshold = DefaultIndexingThreshold
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = DefaultEmbeddingModel
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = DefaultDimensions
	}
	if cfg.Rerank.Model == "" {
		cfg.Rerank.Model = DefaultRerankModel
	}
	if cfg.Rerank.MinScore == 0 {
		cfg.Rerank.MinScore = DefaultRerankMinScore
	}
	if cfg.Discovery.Limit <= 0 {
		cfg.Discovery.Limit = DefaultDiscoveryLimit
	}
	if cfg.Server.Port == "" {
		cfg.Server.Port = DefaultPort
	}
}

// expandEnvVars replaces ${VAR_NAME} patterns with environment variable values
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value := os.Getenv(varName); value != "" {
			return value
		}
		return match
	})
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return i, true
}

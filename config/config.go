// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads process configuration for passim from a YAML file,
// an optional .env file and PASSIM_* environment variables, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/poiesic/passim/ai"
	"github.com/poiesic/passim/retrieval"
	"github.com/poiesic/passim/storage"
)

// Store drivers.
const (
	DriverBadger   = "badger"
	DriverPostgres = "postgres"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the root configuration structure.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Store     StoreConfig     `yaml:"store"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Ingestion IngestionConfig `yaml:"ingestion"`
}

// StoreConfig selects the corpus store and the corpus within it.
type StoreConfig struct {
	Driver string `yaml:"driver"`

	// Path is the Badger data directory. Empty with InMemory set runs without disk.
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`

	// DSN is the Postgres connection string.
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`

	// Selector names the corpus and matching function, e.g. "main+distance".
	Selector string `yaml:"selector"`
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	Host       string        `yaml:"host"`
	Model      string        `yaml:"model"`
	APIToken   string        `yaml:"api_token"`
	Dimensions int           `yaml:"dimensions"`
	BatchSize  int           `yaml:"batch_size"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// RetrievalConfig holds query defaults.
type RetrievalConfig struct {
	TopK           int     `yaml:"top_k"`
	Threshold      float32 `yaml:"threshold"`
	MaxConcurrency int     `yaml:"max_concurrency"`
	EmptyTargets   string  `yaml:"empty_targets"`
}

// IngestionConfig tunes the ingestion pipeline.
type IngestionConfig struct {
	BatchSize int     `yaml:"batch_size"`
	PoolSize  int     `yaml:"pool_size"`
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// Default returns a configuration for a local Badger store and a local
// OpenAI-compatible embedding service.
func Default() *Config {
	aiDefaults := ai.DefaultConfig()
	return &Config{
		LogLevel: "info",
		Store: StoreConfig{
			Driver:          DriverBadger,
			Path:            "passim-data",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			Selector:        storage.DefaultCorpus + "+" + storage.MatchDistance.String(),
		},
		Embedding: EmbeddingConfig{
			Host:       aiDefaults.EmbeddingHost,
			Model:      aiDefaults.EmbeddingModel,
			APIToken:   aiDefaults.APIToken,
			BatchSize:  aiDefaults.BatchSize,
			MaxRetries: 3,
			RetryDelay: 500 * time.Millisecond,
		},
		Retrieval: RetrievalConfig{
			TopK:           retrieval.DefaultTopK,
			Threshold:      retrieval.DefaultThreshold,
			MaxConcurrency: retrieval.DefaultMaxConcurrency,
			EmptyTargets:   retrieval.KeepEmptyTargets.String(),
		},
		Ingestion: IngestionConfig{
			BatchSize: 100,
		},
	}
}

// Load builds a configuration from defaults, the YAML file at path (skipped when
// path is empty), a .env file in the working directory if present, and PASSIM_*
// environment variables. The result is validated.
func Load(path string) (*Config, error) {
	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}

	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads variables from a .env file without overriding the environment.
// A missing file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ApplyDefaults fills zero values that would otherwise fail validation.
func (c *Config) ApplyDefaults() {
	d := Default()
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.Store.Driver == "" {
		c.Store.Driver = d.Store.Driver
	}
	c.Store.Driver = strings.ToLower(c.Store.Driver)
	if c.Store.Selector == "" {
		c.Store.Selector = d.Store.Selector
	}
	if c.Store.MaxOpenConns <= 0 {
		c.Store.MaxOpenConns = d.Store.MaxOpenConns
	}
	if c.Store.MaxIdleConns <= 0 {
		c.Store.MaxIdleConns = d.Store.MaxIdleConns
	}
	if c.Store.ConnMaxLifetime <= 0 {
		c.Store.ConnMaxLifetime = d.Store.ConnMaxLifetime
	}
	if c.Embedding.BatchSize <= 0 {
		c.Embedding.BatchSize = d.Embedding.BatchSize
	}
	if c.Embedding.MaxRetries <= 0 {
		c.Embedding.MaxRetries = 1
	}
	if c.Retrieval.TopK <= 0 {
		c.Retrieval.TopK = d.Retrieval.TopK
	}
	if c.Retrieval.MaxConcurrency <= 0 {
		c.Retrieval.MaxConcurrency = d.Retrieval.MaxConcurrency
	}
	if c.Retrieval.EmptyTargets == "" {
		c.Retrieval.EmptyTargets = d.Retrieval.EmptyTargets
	}
	if c.Ingestion.BatchSize <= 0 {
		c.Ingestion.BatchSize = d.Ingestion.BatchSize
	}
}

// Validate checks that the configuration is complete and consistent.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverBadger:
		if c.Store.Path == "" && !c.Store.InMemory {
			return fmt.Errorf("%w: store.path is required for the badger driver", ErrInvalidConfig)
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("%w: store.dsn is required for the postgres driver", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store driver %q", ErrInvalidConfig, c.Store.Driver)
	}

	if _, err := c.Selector(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if err := c.AIConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if c.Retrieval.TopK < 1 || c.Retrieval.TopK > retrieval.MaxTopK {
		return fmt.Errorf("%w: retrieval.top_k must be between 1 and %d", ErrInvalidConfig, retrieval.MaxTopK)
	}
	if c.Retrieval.Threshold < -1 || c.Retrieval.Threshold > 1 {
		return fmt.Errorf("%w: retrieval.threshold must be between -1 and 1", ErrInvalidConfig)
	}
	if _, err := c.EmptyTargetPolicy(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.Ingestion.RateLimit < 0 {
		return fmt.Errorf("%w: ingestion.rate_limit cannot be negative", ErrInvalidConfig)
	}
	return nil
}

// Selector parses Store.Selector.
func (c *Config) Selector() (storage.Selector, error) {
	return storage.ParseSelector(c.Store.Selector)
}

// EmptyTargetPolicy parses Retrieval.EmptyTargets.
func (c *Config) EmptyTargetPolicy() (retrieval.EmptyTargetPolicy, error) {
	return retrieval.ParseEmptyTargetPolicy(c.Retrieval.EmptyTargets)
}

// AIConfig converts the embedding section to normalized provider configuration.
func (c *Config) AIConfig() *ai.Config {
	cfg := ai.NewConfig(
		ai.WithEmbeddingHost(c.Embedding.Host),
		ai.WithEmbeddingModel(c.Embedding.Model),
		ai.WithAPIToken(c.Embedding.APIToken),
		ai.WithDimensions(c.Embedding.Dimensions),
		ai.WithBatchSize(c.Embedding.BatchSize),
	)
	cfg.Normalize()
	return cfg
}

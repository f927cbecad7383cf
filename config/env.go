package config

import (
	"fmt"
	"strconv"
	"time"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "PASSIM_"

// LookupFunc reads one environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides fields from PASSIM_* variables. OPENAI_API_KEY is honored
// as the API token when PASSIM_API_TOKEN is unset.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	env := envReader{lookup: lookup}

	env.str("LOG_LEVEL", &c.LogLevel)

	env.str("STORE_DRIVER", &c.Store.Driver)
	env.str("STORE_PATH", &c.Store.Path)
	env.boolean("STORE_IN_MEMORY", &c.Store.InMemory)
	env.str("DATABASE_URL", &c.Store.DSN)
	env.str("SELECTOR", &c.Store.Selector)

	env.str("EMBEDDING_HOST", &c.Embedding.Host)
	env.str("EMBEDDING_MODEL", &c.Embedding.Model)
	if v, ok := lookup("OPENAI_API_KEY"); ok && v != "" {
		c.Embedding.APIToken = v
	}
	env.str("API_TOKEN", &c.Embedding.APIToken)
	env.integer("EMBEDDING_DIMENSIONS", &c.Embedding.Dimensions)
	env.integer("EMBEDDING_MAX_RETRIES", &c.Embedding.MaxRetries)
	env.duration("EMBEDDING_RETRY_DELAY", &c.Embedding.RetryDelay)

	env.integer("TOP_K", &c.Retrieval.TopK)
	env.float32("THRESHOLD", &c.Retrieval.Threshold)
	env.integer("MAX_CONCURRENCY", &c.Retrieval.MaxConcurrency)
	env.str("EMPTY_TARGETS", &c.Retrieval.EmptyTargets)

	env.integer("INGEST_BATCH_SIZE", &c.Ingestion.BatchSize)
	env.integer("INGEST_POOL_SIZE", &c.Ingestion.PoolSize)
	env.float64("INGEST_RATE_LIMIT", &c.Ingestion.RateLimit)

	return env.err
}

// envReader records the first parse failure and ignores later variables.
type envReader struct {
	lookup LookupFunc
	err    error
}

func (e *envReader) get(name string) (string, string, bool) {
	if e.err != nil {
		return "", "", false
	}
	key := EnvPrefix + name
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return key, "", false
	}
	return key, v, true
}

func (e *envReader) fail(key, value string, err error) {
	e.err = fmt.Errorf("%w: %s=%q: %w", ErrInvalidConfig, key, value, err)
}

func (e *envReader) str(name string, dst *string) {
	if _, v, ok := e.get(name); ok {
		*dst = v
	}
}

func (e *envReader) integer(name string, dst *int) {
	key, v, ok := e.get(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = n
}

func (e *envReader) float32(name string, dst *float32) {
	key, v, ok := e.get(name)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 32)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = float32(f)
}

func (e *envReader) float64(name string, dst *float64) {
	key, v, ok := e.get(name)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = f
}

func (e *envReader) boolean(name string, dst *bool) {
	key, v, ok := e.get(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = b
}

func (e *envReader) duration(name string, dst *time.Duration) {
	key, v, ok := e.get(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = d
}

package embedder

import (
	"strings"
	"time"

	"github.com/qbench/qbench/engine/core"
	"github.com/qbench/qbench/engine/testdoc"
)

// Provider enumerates supported embedding backends.
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderVertex Provider = "vertex"
	// ProviderLocal runs a cybertron model in-process; useful offline.
	ProviderLocal Provider = "local"
)

// RetryConfig tunes per-batch retry with exponential backoff.
type RetryConfig struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Jitter      time.Duration
}

func (r *RetryConfig) withDefaults() RetryConfig {
	cfg := RetryConfig{MaxAttempts: 3, BackoffBase: 200 * time.Millisecond, BackoffMax: 5 * time.Second}
	if r == nil {
		return cfg
	}
	if r.MaxAttempts > 0 {
		cfg.MaxAttempts = r.MaxAttempts
	}
	if r.BackoffBase > 0 {
		cfg.BackoffBase = r.BackoffBase
	}
	if r.BackoffMax > 0 {
		cfg.BackoffMax = r.BackoffMax
	}
	cfg.Jitter = r.Jitter
	return cfg
}

// Config selects and tunes an embedding provider.
type Config struct {
	Provider      Provider
	Model         string
	APIKey        string
	Dimension     int
	BatchSize     int
	Parallelism   int
	StripNewLines bool
	// CacheSize bounds the embedding LRU cache; zero disables caching.
	CacheSize int
	Retry     RetryConfig
	// Options carries provider-specific settings such as project_id or
	// models_dir.
	Options map[string]any
}

func (c *Config) validate() error {
	if strings.TrimSpace(string(c.Provider)) == "" {
		return core.NewErrorf(core.KindFatalConfig, "embedder provider is required")
	}
	if strings.TrimSpace(c.Model) == "" {
		return core.NewErrorf(core.KindFatalConfig, "embedder model is required")
	}
	if c.Dimension <= 0 {
		return core.NewErrorf(core.KindFatalConfig, "embedder dimension must be greater than zero")
	}
	if c.CacheSize < 0 {
		return core.NewErrorf(core.KindFatalConfig, "embedder cache size must not be negative")
	}
	return nil
}

func (c *Config) batchSize() int {
	if c.BatchSize > 0 {
		return c.BatchSize
	}
	return testdoc.DefaultEmbedBatchSize
}

func (c *Config) parallelism() int {
	if c.Parallelism > 0 {
		return c.Parallelism
	}
	return testdoc.DefaultEmbedParallelism
}

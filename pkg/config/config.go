// Package config loads service configuration from defaults and environment
// variables. Defaults come from the typed struct, the environment overrides
// them through explicit mappings, and the result is validated before any
// subsystem starts.
package config

import (
	"time"

	"github.com/qbench/qbench/engine/testdoc"
)

// Config is the root configuration for the service.
type Config struct {
	Embedder EmbedderConfig `koanf:"embedder" validate:"required"`
	Store    StoreConfig    `koanf:"store"    validate:"required"`
	Search   SearchConfig   `koanf:"search"   validate:"required"`
	Ingest   IngestConfig   `koanf:"ingest"   validate:"required"`
	Server   ServerConfig   `koanf:"server"`
	Log      LogConfig      `koanf:"log"`
}

// EmbedderConfig selects and tunes the embedding provider.
type EmbedderConfig struct {
	Provider    string `koanf:"provider"    validate:"required,oneof=openai vertex local" env:"EMBED_PROVIDER"`
	Model       string `koanf:"model"       validate:"required"                           env:"EMBED_MODEL"`
	APIKey      string `koanf:"api_key"                                                   env:"EMBED_API_KEY"`
	Dimension   int    `koanf:"dimension"   validate:"min=1,max=16384"                    env:"EMBED_DIM"`
	BatchSize   int    `koanf:"batch_size"  validate:"min=1,max=2048"                     env:"EMBED_BATCH_SIZE"`
	Parallelism int    `koanf:"parallelism" validate:"min=1,max=64"                       env:"EMBED_PARALLELISM"`
	// CacheSize bounds the embedding LRU cache; zero disables it.
	CacheSize int `koanf:"cache_size" validate:"min=0,max=1048576" env:"EMBED_CACHE_SIZE"`
}

// StoreConfig selects the vector database backend.
type StoreConfig struct {
	Provider    string        `koanf:"provider"     validate:"required,oneof=pgvector qdrant memory" env:"STORE_PROVIDER"`
	DSN         string        `koanf:"dsn"                                                           env:"STORE_DSN"`
	DocTable    string        `koanf:"doc_table"                                                     env:"STORE_DOC_TABLE"`
	StepTable   string        `koanf:"step_table"                                                    env:"STORE_STEP_TABLE"`
	EnsureIndex bool          `koanf:"ensure_index"                                                  env:"STORE_ENSURE_INDEX"`
	APIKey      string        `koanf:"api_key"                                                       env:"STORE_API_KEY"`
	HTTPTimeout time.Duration `koanf:"http_timeout"                                                  env:"STORE_HTTP_TIMEOUT"`
	MaxConns    int32         `koanf:"max_conns"    validate:"min=0,max=256"                         env:"STORE_MAX_CONNS"`
}

// SearchConfig tunes ranking and the per-call deadline.
type SearchConfig struct {
	DocWeight  float64       `koanf:"doc_weight"  validate:"min=0,max=1" env:"W_DOC"`
	StepWeight float64       `koanf:"step_weight" validate:"min=0,max=1" env:"W_STEP"`
	Overfetch  int           `koanf:"overfetch"   validate:"min=1,max=10" env:"OVERFETCH"`
	Timeout    time.Duration `koanf:"timeout"                             env:"SEARCH_TIMEOUT"`
}

// IngestConfig tunes the ingestion pipeline.
type IngestConfig struct {
	ChunkSize      int           `koanf:"chunk_size"      validate:"min=1,max=10000" env:"INGEST_CHUNK_SIZE"`
	Parallelism    int           `koanf:"parallelism"     validate:"min=1,max=64"    env:"INGEST_PARALLELISM"`
	ChunkTimeout   time.Duration `koanf:"chunk_timeout"                              env:"INGEST_CHUNK_TIMEOUT"`
	CheckpointPath string        `koanf:"checkpoint_path"                            env:"CHECKPOINT_PATH"`
}

// ServerConfig tunes the MCP surface.
type ServerConfig struct {
	ShutdownGrace    time.Duration `koanf:"shutdown_grace"      env:"SHUTDOWN_GRACE"`
	SearchRatePerMin int64         `koanf:"search_rate_per_min" validate:"min=1" env:"SEARCH_RATE_PER_MIN"`
	IngestRatePerMin int64         `koanf:"ingest_rate_per_min" validate:"min=1" env:"INGEST_RATE_PER_MIN"`
}

// LogConfig tunes logging output.
type LogConfig struct {
	Level string `koanf:"level" validate:"oneof=debug info warn error" env:"LOG_LEVEL"`
	JSON  bool   `koanf:"json"                                         env:"LOG_JSON"`
}

// Default returns the configuration used when nothing is overridden. The
// memory store and local embedder make a fresh checkout runnable without
// credentials.
func Default() *Config {
	return &Config{
		Embedder: EmbedderConfig{
			Provider:    "openai",
			Model:       "text-embedding-3-small",
			Dimension:   1536,
			BatchSize:   testdoc.DefaultEmbedBatchSize,
			Parallelism: testdoc.DefaultEmbedParallelism,
			CacheSize:   testdoc.DefaultEmbedCacheSize,
		},
		Store: StoreConfig{
			Provider:    "memory",
			EnsureIndex: true,
			HTTPTimeout: 30 * time.Second,
		},
		Search: SearchConfig{
			DocWeight:  testdoc.DefaultDocWeight,
			StepWeight: testdoc.DefaultStepWeight,
			Overfetch:  testdoc.DefaultOverfetch,
			Timeout:    testdoc.DefaultSearchTimeout,
		},
		Ingest: IngestConfig{
			ChunkSize:    testdoc.DefaultIngestChunkSize,
			Parallelism:  testdoc.DefaultIngestParallelism,
			ChunkTimeout: testdoc.DefaultIngestChunkTimeout,
		},
		Server: ServerConfig{
			ShutdownGrace:    testdoc.DefaultShutdownGrace,
			SearchRatePerMin: testdoc.DefaultSearchRatePerMin,
			IngestRatePerMin: testdoc.DefaultIngestRatePerMin,
		},
		Log: LogConfig{Level: "info"},
	}
}

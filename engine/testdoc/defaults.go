package testdoc

import "time"

// Engine-wide tunables. Values marked configurable are overridden through
// pkg/config; the rest are hard caps enforced regardless of configuration.
const (
	DefaultTopK      = 20
	MaxTopK          = 100
	DefaultOverfetch = 3
	// MaxStepFanout caps top_k * overfetch on the step tier.
	MaxStepFanout = 1000

	DefaultDocWeight  = 0.7
	DefaultStepWeight = 0.3

	DefaultEmbedBatchSize    = 25
	DefaultEmbedParallelism  = 4
	DefaultEmbedCacheSize    = 2048
	DefaultIngestChunkSize   = 500
	DefaultIngestParallelism = 2

	// MaxQueryBytes bounds query text length.
	MaxQueryBytes = 8 * 1024
	// MaxLookupMatches bounds direct external-key lookups.
	MaxLookupMatches = 16

	DefaultSearchTimeout      = 10 * time.Second
	DefaultIngestChunkTimeout = 2 * time.Minute
	DefaultShutdownGrace      = 30 * time.Second

	// Per-tool rate caps, requests per minute.
	DefaultSearchRatePerMin = 60
	DefaultIngestRatePerMin = 5
)

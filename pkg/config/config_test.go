package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qbench/qbench/engine/core"
)

func TestLoad_ShouldProduceValidDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Provider)
	assert.Equal(t, 0.7, cfg.Search.DocWeight)
	assert.Equal(t, 0.3, cfg.Search.StepWeight)
	assert.Equal(t, 500, cfg.Ingest.ChunkSize)
	assert.Equal(t, 2048, cfg.Embedder.CacheSize)
}

func TestLoad_ShouldApplyEnvironmentOverrides(t *testing.T) {
	t.Setenv("EMBED_DIM", "768")
	t.Setenv("W_DOC", "0.6")
	t.Setenv("W_STEP", "0.4")
	t.Setenv("STORE_PROVIDER", "pgvector")
	t.Setenv("STORE_DSN", "postgres://localhost/qbench")
	t.Setenv("LOG_LEVEL", "debug")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 768, cfg.Embedder.Dimension)
	assert.Equal(t, 0.6, cfg.Search.DocWeight)
	assert.Equal(t, "pgvector", cfg.Store.Provider)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_ShouldRejectWeightsNotSummingToOne(t *testing.T) {
	t.Setenv("W_DOC", "0.9")
	t.Setenv("W_STEP", "0.3")
	_, err := Load()
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindFatalConfig))
}

func TestLoad_ShouldRequireDSNForExternalStores(t *testing.T) {
	t.Setenv("STORE_PROVIDER", "qdrant")
	_, err := Load()
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindFatalConfig))
}

func TestValidate_ShouldRejectUnknownProviders(t *testing.T) {
	cfg := Default()
	cfg.Embedder.Provider = "quantum"
	err := Validate(cfg)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindFatalConfig))
}

func TestEnvMappings_ShouldCoverDeclaredKeys(t *testing.T) {
	mappings := envMappings()
	for env, path := range map[string]string{
		"EMBED_PROVIDER":    "embedder.provider",
		"EMBED_DIM":         "embedder.dimension",
		"EMBED_CACHE_SIZE":  "embedder.cache_size",
		"STORE_DSN":         "store.dsn",
		"W_DOC":             "search.doc_weight",
		"W_STEP":            "search.step_weight",
		"OVERFETCH":         "search.overfetch",
		"INGEST_CHUNK_SIZE": "ingest.chunk_size",
		"CHECKPOINT_PATH":   "ingest.checkpoint_path",
		"SHUTDOWN_GRACE":    "server.shutdown_grace",
		"LOG_LEVEL":         "log.level",
	} {
		assert.Equal(t, path, mappings[env], "env %s", env)
	}
}

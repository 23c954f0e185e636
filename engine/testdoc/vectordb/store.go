package vectordb

import (
	"context"
	"fmt"

	"github.com/qbench/qbench/engine/core"
)

// New constructs a Store for the configured provider.
func New(ctx context.Context, cfg *Config) (Store, error) {
	if cfg == nil {
		return nil, core.NewErrorf(core.KindFatalConfig, "vector store config is required")
	}
	if cfg.Dimension <= 0 {
		return nil, core.NewErrorf(core.KindFatalConfig, "vector store dimension must be positive, got %d", cfg.Dimension)
	}
	switch cfg.Provider {
	case ProviderPGVector:
		return newPGStore(ctx, cfg)
	case ProviderQdrant:
		return newQdrantStore(ctx, cfg)
	case ProviderMemory:
		return NewMemoryStore(cfg.Dimension), nil
	default:
		return nil, core.NewErrorf(core.KindFatalConfig, "vector store provider %q is not supported", cfg.Provider)
	}
}

// validateDimension rejects vectors whose length differs from the store's
// configured dimension. Mismatch is fatal: it means embedder and store were
// configured against different models.
func validateDimension(dimension int, vector []float32, label string) error {
	if len(vector) != dimension {
		return core.NewError(
			core.KindFatalConfig,
			fmt.Sprintf("%s dimension mismatch (got %d want %d)", label, len(vector), dimension),
			nil,
		)
	}
	return nil
}

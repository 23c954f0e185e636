package uc

import (
	"context"
	"time"

	"github.com/qbench/qbench/engine/testdoc/embedder"
	"github.com/qbench/qbench/engine/testdoc/vectordb"
	"github.com/qbench/qbench/pkg/logger"
	"github.com/qbench/qbench/pkg/version"
)

// StatsSource exposes embedding provider statistics for health reporting.
type StatsSource interface {
	Stats() embedder.Stats
}

type HealthOutput struct {
	Status          string           `json:"status"`
	StoreReachable  bool             `json:"store_reachable"`
	Counts          *vectordb.Counts `json:"counts,omitempty"`
	EmbedProviderOK bool             `json:"embed_provider_ok"`
	EmbedStats      embedder.Stats   `json:"embed_stats"`
	Version         string           `json:"version"`
	CheckedAt       time.Time        `json:"checked_at"`
}

type Health struct {
	store vectordb.Store
	stats StatsSource
}

func NewHealth(store vectordb.Store, stats StatsSource) *Health {
	return &Health{store: store, stats: stats}
}

// Execute never fails: degraded dependencies are reported in the payload so
// the health tool stays usable while the system is unhealthy.
func (uc *Health) Execute(ctx context.Context) *HealthOutput {
	log := logger.FromContext(ctx)
	out := &HealthOutput{
		Version:   version.Get(),
		CheckedAt: time.Now().UTC(),
	}
	if err := uc.store.Ping(ctx); err != nil {
		log.Warn("Vector store unreachable", "error", err)
	} else {
		out.StoreReachable = true
		counts, err := uc.store.Counts(ctx)
		if err != nil {
			log.Warn("Failed to collect corpus statistics", "error", err)
		} else {
			out.Counts = &counts
		}
	}
	stats := uc.stats.Stats()
	out.EmbedStats = stats
	out.EmbedProviderOK = stats.FailuresByClass["fatal_config"] == 0
	if out.StoreReachable && out.EmbedProviderOK {
		out.Status = "ok"
	} else {
		out.Status = "degraded"
	}
	return out
}

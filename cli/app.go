package cli

import (
	"context"
	"fmt"

	"github.com/qbench/qbench/engine/testdoc/embedder"
	"github.com/qbench/qbench/engine/testdoc/ingest"
	"github.com/qbench/qbench/engine/testdoc/normalize"
	"github.com/qbench/qbench/engine/testdoc/search"
	"github.com/qbench/qbench/engine/testdoc/uc"
	"github.com/qbench/qbench/engine/testdoc/vectordb"
	"github.com/qbench/qbench/pkg/config"
	"github.com/qbench/qbench/pkg/logger"
)

// app wires configuration into the running subsystems. Construction is
// fail-fast: any fatal configuration problem surfaces here, before a tool
// call or ingest run starts.
type app struct {
	cfg       *config.Config
	store     vectordb.Store
	adapter   *embedder.Adapter
	searchSvc *search.Service
	pipeline  *ingest.Pipeline
}

func buildApp(ctx context.Context, cfg *config.Config, resume bool) (*app, error) {
	adapter, err := embedder.New(ctx, &embedder.Config{
		Provider:    embedder.Provider(cfg.Embedder.Provider),
		Model:       cfg.Embedder.Model,
		APIKey:      cfg.Embedder.APIKey,
		Dimension:   cfg.Embedder.Dimension,
		BatchSize:   cfg.Embedder.BatchSize,
		Parallelism: cfg.Embedder.Parallelism,
		CacheSize:   cfg.Embedder.CacheSize,
	})
	if err != nil {
		return nil, fmt.Errorf("init embedder: %w", err)
	}
	store, err := vectordb.New(ctx, &vectordb.Config{
		Provider:    vectordb.Provider(cfg.Store.Provider),
		DSN:         cfg.Store.DSN,
		DocTable:    cfg.Store.DocTable,
		StepTable:   cfg.Store.StepTable,
		Dimension:   cfg.Embedder.Dimension,
		EnsureIndex: cfg.Store.EnsureIndex,
		Auth:        storeAuth(cfg),
		HTTPTimeout: cfg.Store.HTTPTimeout,
		MaxConns:    cfg.Store.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("init vector store: %w", err)
	}
	searchSvc, err := search.NewService(adapter, store, search.Config{
		DocWeight:  cfg.Search.DocWeight,
		StepWeight: cfg.Search.StepWeight,
		Overfetch:  cfg.Search.Overfetch,
	})
	if err != nil {
		return nil, err
	}
	pipeline, err := ingest.NewPipeline(normalize.NewService(), adapter, store, ingest.Config{
		ChunkSize:      cfg.Ingest.ChunkSize,
		ChunkTimeout:   cfg.Ingest.ChunkTimeout,
		Parallelism:    cfg.Ingest.Parallelism,
		CheckpointPath: cfg.Ingest.CheckpointPath,
		Resume:         resume,
	})
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:       cfg,
		store:     store,
		adapter:   adapter,
		searchSvc: searchSvc,
		pipeline:  pipeline,
	}, nil
}

func (a *app) Close(ctx context.Context) {
	if err := a.store.Close(ctx); err != nil {
		logger.FromContext(ctx).Warn("Failed to close vector store", "error", err)
	}
}

func (a *app) useCases() (*uc.Search, *uc.GetByKey, *uc.FindSimilar, *uc.Ingest, *uc.Delete, *uc.Health) {
	return uc.NewSearch(a.searchSvc),
		uc.NewGetByKey(a.searchSvc),
		uc.NewFindSimilar(a.searchSvc),
		uc.NewIngest(a.pipeline),
		uc.NewDelete(a.store),
		uc.NewHealth(a.store, a.adapter)
}

func storeAuth(cfg *config.Config) map[string]string {
	if cfg.Store.APIKey == "" {
		return nil
	}
	return map[string]string{"api_key": cfg.Store.APIKey}
}

package uc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qbench/qbench/engine/core"
	"github.com/qbench/qbench/engine/testdoc"
	"github.com/qbench/qbench/engine/testdoc/embedder"
	"github.com/qbench/qbench/engine/testdoc/search"
	"github.com/qbench/qbench/engine/testdoc/vectordb"
)

const testDimension = 4

type fixedEmbedder struct{}

func (f *fixedEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}

func (f *fixedEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := f.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (f *fixedEmbedder) Dimension() int { return testDimension }

type fixedStats struct {
	stats embedder.Stats
}

func (f *fixedStats) Stats() embedder.Stats { return f.stats }

func seedService(t *testing.T) (*search.Service, vectordb.Store) {
	t.Helper()
	store := vectordb.NewMemoryStore(testDimension)
	require.NoError(t, store.UpsertDocs(context.Background(), []vectordb.DocRecord{
		{
			UID:    "PROJ-1",
			Vector: []float32{1, 0, 0, 0},
			Doc:    &testdoc.TestDoc{UID: "PROJ-1", ExternalKey: "PROJ-1", Title: "Login works"},
		},
	}))
	svc, err := search.NewService(&fixedEmbedder{}, store, search.Config{})
	require.NoError(t, err)
	return svc, store
}

func TestSearchUC_ShouldApplyDefaults(t *testing.T) {
	svc, _ := seedService(t)
	out, err := NewSearch(svc).Execute(context.Background(), &SearchInput{Query: "login"})
	require.NoError(t, err)
	require.Len(t, out.Hits, 1)
	assert.Equal(t, "PROJ-1", out.Hits[0].UID)
}

func TestSearchUC_ShouldRejectTopKOutOfRange(t *testing.T) {
	svc, _ := seedService(t)
	uc := NewSearch(svc)
	_, err := uc.Execute(context.Background(), &SearchInput{Query: "login", TopK: testdoc.MaxTopK + 1})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInvalidInput))
	_, err = uc.Execute(context.Background(), &SearchInput{Query: "login", TopK: -1})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInvalidInput))
}

func TestSearchUC_ShouldRejectUnknownScope(t *testing.T) {
	svc, _ := seedService(t)
	_, err := NewSearch(svc).Execute(context.Background(), &SearchInput{Query: "login", Scope: "everything"})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInvalidInput))
}

func TestSearchUC_ShouldRejectUnknownFilterField(t *testing.T) {
	svc, _ := seedService(t)
	_, err := NewSearch(svc).Execute(context.Background(), &SearchInput{
		Query:   "login",
		Filters: map[string]any{"owner": "me"},
	})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInvalidInput))
}

func TestGetByKeyUC_ShouldValidateKeyFormat(t *testing.T) {
	svc, _ := seedService(t)
	uc := NewGetByKey(svc)
	for _, bad := range []string{"", "proj-1", "PROJ-0", "P", "PROJ_1", "PROJ-1; DROP TABLE"} {
		_, err := uc.Execute(context.Background(), &GetByKeyInput{Key: bad})
		require.Error(t, err, "key %q must be rejected", bad)
		assert.True(t, core.IsKind(err, core.KindInvalidInput), "key %q", bad)
	}
}

func TestGetByKeyUC_ShouldReturnDoc(t *testing.T) {
	svc, _ := seedService(t)
	out, err := NewGetByKey(svc).Execute(context.Background(), &GetByKeyInput{Key: " PROJ-1 "})
	require.NoError(t, err)
	require.Len(t, out.Docs, 1)
	assert.Equal(t, "Login works", out.Docs[0].Title)
}

func TestFindSimilarUC_ShouldRequireUID(t *testing.T) {
	svc, _ := seedService(t)
	_, err := NewFindSimilar(svc).Execute(context.Background(), &FindSimilarInput{})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInvalidInput))
}

func TestFindSimilarUC_ShouldRejectUnknownScope(t *testing.T) {
	svc, _ := seedService(t)
	_, err := NewFindSimilar(svc).Execute(context.Background(), &FindSimilarInput{UID: "PROJ-1", Scope: "everything"})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInvalidInput))
}

func TestFindSimilarUC_ShouldAcceptExplicitScope(t *testing.T) {
	svc, _ := seedService(t)
	out, err := NewFindSimilar(svc).Execute(context.Background(), &FindSimilarInput{UID: "PROJ-1", Scope: "steps"})
	require.NoError(t, err)
	assert.Empty(t, out.Hits)
}

func TestDeleteUC_ShouldRemoveDocAndReportMissing(t *testing.T) {
	_, store := seedService(t)
	uc := NewDelete(store)
	out, err := uc.Execute(context.Background(), &DeleteInput{UID: "PROJ-1"})
	require.NoError(t, err)
	assert.Equal(t, "PROJ-1", out.UID)

	_, err = uc.Execute(context.Background(), &DeleteInput{UID: "PROJ-1"})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindNotFound))
}

func TestHealthUC_ShouldReportOKWhenDependenciesHealthy(t *testing.T) {
	_, store := seedService(t)
	uc := NewHealth(store, &fixedStats{})
	out := uc.Execute(context.Background())
	assert.Equal(t, "ok", out.Status)
	assert.True(t, out.StoreReachable)
	assert.True(t, out.EmbedProviderOK)
	require.NotNil(t, out.Counts)
	assert.Equal(t, int64(1), out.Counts.Docs)
	assert.NotEmpty(t, out.Version)
}

func TestHealthUC_ShouldDegradeOnFatalEmbedFailures(t *testing.T) {
	_, store := seedService(t)
	uc := NewHealth(store, &fixedStats{stats: embedder.Stats{
		FailuresByClass: map[string]int64{"fatal_config": 2},
	}})
	out := uc.Execute(context.Background())
	assert.Equal(t, "degraded", out.Status)
	assert.False(t, out.EmbedProviderOK)
}

package search

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qbench/qbench/engine/core"
	"github.com/qbench/qbench/engine/testdoc"
	"github.com/qbench/qbench/engine/testdoc/vectordb"
)

const testDimension = 4

// axisEmbedder maps known texts to fixed unit vectors so similarity is fully
// controlled by the test.
type axisEmbedder struct {
	vectors map[string][]float32
}

func (a *axisEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if vec, ok := a.vectors[text]; ok {
			out[i] = vec
			continue
		}
		out[i] = []float32{0, 0, 0, 1}
	}
	return out, nil
}

func (a *axisEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := a.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (a *axisEmbedder) Dimension() int { return testDimension }

func vec(x, y, z, w float32) []float32 { return []float32{x, y, z, w} }

// seedStore loads three docs. LOGIN-1 matches the query at the doc tier,
// STEP-1 matches only through its second step, OTHER-1 matches nothing.
func seedStore(t *testing.T) vectordb.Store {
	t.Helper()
	store := vectordb.NewMemoryStore(testDimension)
	ctx := context.Background()
	docs := []vectordb.DocRecord{
		{
			UID:    "LOGIN-1",
			Vector: vec(1, 0, 0, 0),
			Doc: &testdoc.TestDoc{
				UID: "LOGIN-1", ExternalKey: "LOGIN-1", Title: "Login works",
				Priority: testdoc.PriorityHigh, Tags: []string{"auth"},
				Platforms: []string{"web"},
			},
		},
		{
			UID:    "STEP-1",
			Vector: vec(0, 1, 0, 0),
			Doc: &testdoc.TestDoc{
				UID: "STEP-1", ExternalKey: "STEP-1", Title: "Checkout flow",
				Priority: testdoc.PriorityMedium, Tags: []string{"checkout"},
				Steps: []testdoc.TestStep{
					{Index: 1, Action: "Add to cart", Expected: []string{"cart updated"}},
					{Index: 2, Action: "Enter credentials at checkout", Expected: []string{"logged in"}},
				},
			},
		},
		{
			UID:    "OTHER-1",
			Vector: vec(0, 0, 1, 0),
			Doc: &testdoc.TestDoc{
				UID: "OTHER-1", ExternalKey: "OTHER-1", Title: "Unrelated",
				Priority: testdoc.PriorityLow,
			},
		},
	}
	require.NoError(t, store.UpsertDocs(ctx, docs))
	steps := []vectordb.StepRecord{
		{ParentUID: "STEP-1", Vector: vec(0, 1, 0, 0), Step: testdoc.TestStep{Index: 1, Action: "Add to cart"}},
		{ParentUID: "STEP-1", Vector: vec(0.9, 0.435889894, 0, 0), Step: testdoc.TestStep{Index: 2, Action: "Enter credentials at checkout"}},
	}
	require.NoError(t, store.UpsertSteps(ctx, steps))
	return store
}

func newTestService(t *testing.T, store vectordb.Store) *Service {
	t.Helper()
	emb := &axisEmbedder{vectors: map[string][]float32{
		"login": vec(1, 0, 0, 0),
	}}
	svc, err := NewService(emb, store, Config{})
	require.NoError(t, err)
	return svc
}

func TestSearch_ShouldRankDocTierMatchFirst(t *testing.T) {
	svc := newTestService(t, seedStore(t))
	result, err := svc.Search(context.Background(), "login", 10, testdoc.ScopeAll, nil)
	require.NoError(t, err)
	require.NotEmpty(t, result.Hits)
	assert.Equal(t, "LOGIN-1", result.Hits[0].UID)
	assert.False(t, result.Partial)
	require.NotNil(t, result.Hits[0].Doc)
	assert.Equal(t, "Login works", result.Hits[0].Doc.Title)
}

func TestSearch_ShouldSurfaceStepOnlyMatches(t *testing.T) {
	svc := newTestService(t, seedStore(t))
	result, err := svc.Search(context.Background(), "login", 10, testdoc.ScopeAll, nil)
	require.NoError(t, err)
	var stepHit *testdoc.SearchHit
	for i := range result.Hits {
		if result.Hits[i].UID == "STEP-1" {
			stepHit = &result.Hits[i]
		}
	}
	require.NotNil(t, stepHit, "step-tier match must roll up to its parent")
	assert.Contains(t, stepHit.MatchedStepIndices, 2)
	assert.Greater(t, stepHit.StepScore, stepHit.DocScore)
	require.NotNil(t, stepHit.Doc)
	assert.Equal(t, "Checkout flow", stepHit.Doc.Title)
}

func TestSearch_ShouldFuseWeightedScores(t *testing.T) {
	svc := newTestService(t, seedStore(t))
	result, err := svc.Search(context.Background(), "login", 10, testdoc.ScopeAll, nil)
	require.NoError(t, err)
	for _, hit := range result.Hits {
		expected := testdoc.DefaultDocWeight*hit.DocScore + testdoc.DefaultStepWeight*hit.StepScore
		assert.InDelta(t, expected, hit.Score, 1e-9)
	}
}

func TestSearch_ShouldRespectScopeDocs(t *testing.T) {
	svc := newTestService(t, seedStore(t))
	result, err := svc.Search(context.Background(), "login", 10, testdoc.ScopeDocs, nil)
	require.NoError(t, err)
	for _, hit := range result.Hits {
		assert.Equal(t, hit.DocScore, hit.Score)
		assert.Empty(t, hit.MatchedStepIndices)
	}
}

func TestSearch_ShouldRespectScopeSteps(t *testing.T) {
	svc := newTestService(t, seedStore(t))
	result, err := svc.Search(context.Background(), "login", 10, testdoc.ScopeSteps, nil)
	require.NoError(t, err)
	require.Len(t, result.Hits, 1)
	assert.Equal(t, "STEP-1", result.Hits[0].UID)
	assert.Equal(t, result.Hits[0].StepScore, result.Hits[0].Score)
}

func TestSearch_ShouldApplyFilters(t *testing.T) {
	svc := newTestService(t, seedStore(t))
	result, err := svc.Search(context.Background(), "login", 10, testdoc.ScopeAll, &vectordb.Filter{
		TagsAll: []string{"auth"},
	})
	require.NoError(t, err)
	require.Len(t, result.Hits, 1)
	assert.Equal(t, "LOGIN-1", result.Hits[0].UID)
}

func TestSearch_ShouldRejectEmptyQuery(t *testing.T) {
	svc := newTestService(t, seedStore(t))
	_, err := svc.Search(context.Background(), "   ", 10, testdoc.ScopeAll, nil)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInvalidInput))
}

func TestSearch_ShouldRejectOversizedQuery(t *testing.T) {
	svc := newTestService(t, seedStore(t))
	_, err := svc.Search(context.Background(), strings.Repeat("q", testdoc.MaxQueryBytes+1), 10, testdoc.ScopeAll, nil)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInvalidInput))
}

func TestSearch_ShouldTruncateToTopK(t *testing.T) {
	svc := newTestService(t, seedStore(t))
	result, err := svc.Search(context.Background(), "login", 1, testdoc.ScopeAll, nil)
	require.NoError(t, err)
	assert.Len(t, result.Hits, 1)
	assert.Equal(t, "LOGIN-1", result.Hits[0].UID)
}

func TestSearch_ShouldBreakTiesByUID(t *testing.T) {
	store := vectordb.NewMemoryStore(testDimension)
	ctx := context.Background()
	same := vec(1, 0, 0, 0)
	require.NoError(t, store.UpsertDocs(ctx, []vectordb.DocRecord{
		{UID: "B-1", Vector: same, Doc: &testdoc.TestDoc{UID: "B-1", Title: "b"}},
		{UID: "A-1", Vector: same, Doc: &testdoc.TestDoc{UID: "A-1", Title: "a"}},
	}))
	svc := newTestService(t, store)
	result, err := svc.Search(ctx, "login", 10, testdoc.ScopeAll, nil)
	require.NoError(t, err)
	require.Len(t, result.Hits, 2)
	assert.Equal(t, "A-1", result.Hits[0].UID)
	assert.Equal(t, "B-1", result.Hits[1].UID)
}

func TestSimilarTo_ShouldExcludeAnchor(t *testing.T) {
	svc := newTestService(t, seedStore(t))
	result, err := svc.SimilarTo(context.Background(), "LOGIN-1", 10, testdoc.ScopeAll, nil)
	require.NoError(t, err)
	for _, hit := range result.Hits {
		assert.NotEqual(t, "LOGIN-1", hit.UID)
	}
	require.NotEmpty(t, result.Hits)
}

func TestSimilarTo_ShouldIncludeStepTierMatches(t *testing.T) {
	svc := newTestService(t, seedStore(t))
	result, err := svc.SimilarTo(context.Background(), "LOGIN-1", 10, testdoc.ScopeAll, nil)
	require.NoError(t, err)
	var hit *testdoc.SearchHit
	for i := range result.Hits {
		if result.Hits[i].UID == "STEP-1" {
			hit = &result.Hits[i]
		}
	}
	require.NotNil(t, hit, "step-tier neighbour must roll up to its parent")
	assert.Contains(t, hit.MatchedStepIndices, 2)
	assert.Greater(t, hit.StepScore, hit.DocScore)
}

func TestSimilarTo_ShouldRespectScopeDocs(t *testing.T) {
	svc := newTestService(t, seedStore(t))
	result, err := svc.SimilarTo(context.Background(), "LOGIN-1", 10, testdoc.ScopeDocs, nil)
	require.NoError(t, err)
	for _, hit := range result.Hits {
		assert.Equal(t, hit.DocScore, hit.Score)
		assert.Empty(t, hit.MatchedStepIndices)
	}
}

func TestSimilarTo_ShouldFailForUnknownUID(t *testing.T) {
	svc := newTestService(t, seedStore(t))
	_, err := svc.SimilarTo(context.Background(), "MISSING-1", 10, testdoc.ScopeAll, nil)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindNotFound))
}

func TestSearch_ShouldMatchDocScopeWhenStepWeightIsZero(t *testing.T) {
	store := seedStore(t)
	emb := &axisEmbedder{vectors: map[string][]float32{"login": vec(1, 0, 0, 0)}}
	svc, err := NewService(emb, store, Config{DocWeight: 1, StepWeight: 0})
	require.NoError(t, err)

	all, err := svc.Search(context.Background(), "login", 10, testdoc.ScopeAll, nil)
	require.NoError(t, err)
	docsOnly, err := svc.Search(context.Background(), "login", 10, testdoc.ScopeDocs, nil)
	require.NoError(t, err)

	require.Len(t, all.Hits, len(docsOnly.Hits))
	for i := range all.Hits {
		assert.Equal(t, docsOnly.Hits[i].UID, all.Hits[i].UID)
		assert.Equal(t, docsOnly.Hits[i].Score, all.Hits[i].Score)
		assert.Empty(t, all.Hits[i].MatchedStepIndices)
	}
}

func TestLookupByExternalKey_ShouldReturnDoc(t *testing.T) {
	svc := newTestService(t, seedStore(t))
	docs, err := svc.LookupByExternalKey(context.Background(), "LOGIN-1")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Login works", docs[0].Title)
}

func TestLookupByExternalKey_ShouldFailWhenAbsent(t *testing.T) {
	svc := newTestService(t, seedStore(t))
	_, err := svc.LookupByExternalKey(context.Background(), "NOPE-1")
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindNotFound))
}

// failingStepStore simulates a transiently unavailable step tier.
type failingStepStore struct {
	vectordb.Store
}

func (f *failingStepStore) KnnSteps(context.Context, []float32, int, *vectordb.Filter) ([]vectordb.StepHit, error) {
	return nil, core.NewErrorf(core.KindTransient, "step tier down")
}

func TestSearch_ShouldDegradeToPartialResultWhenStepTierFails(t *testing.T) {
	testdoc.ResetMetricsForTesting()
	svc := newTestService(t, &failingStepStore{Store: seedStore(t)})
	result, err := svc.Search(context.Background(), "login", 10, testdoc.ScopeAll, nil)
	require.NoError(t, err)
	assert.True(t, result.Partial)
	assert.Contains(t, result.Warning, "steps")
	require.NotEmpty(t, result.Hits)
	assert.Equal(t, "LOGIN-1", result.Hits[0].UID)
}

func TestSearch_ShouldFailWhenOnlyRequestedTierFails(t *testing.T) {
	svc := newTestService(t, &failingStepStore{Store: seedStore(t)})
	_, err := svc.Search(context.Background(), "login", 10, testdoc.ScopeSteps, nil)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindTransient))
}

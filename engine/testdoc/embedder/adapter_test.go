package embedder

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDimension = 4

// countingEmbedder records provider traffic so cache behaviour is observable.
type countingEmbedder struct {
	mu    sync.Mutex
	calls int
	texts int
}

func (c *countingEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	c.mu.Lock()
	c.calls++
	c.texts += len(texts)
	c.mu.Unlock()
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}

func (c *countingEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (c *countingEmbedder) snapshot() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls, c.texts
}

func newTestAdapter(t *testing.T, impl *countingEmbedder, cacheSize int) *Adapter {
	t.Helper()
	a, err := Wrap(&Config{
		Provider:  ProviderOpenAI,
		Model:     "stub",
		Dimension: testDimension,
		CacheSize: cacheSize,
	}, impl)
	require.NoError(t, err)
	return a
}

func TestAdapter_ShouldServeRepeatedTextsFromCache(t *testing.T) {
	impl := &countingEmbedder{}
	a := newTestAdapter(t, impl, 16)
	ctx := context.Background()

	first, err := a.EmbedDocuments(ctx, []string{"login works", "logout works"})
	require.NoError(t, err)
	require.Len(t, first, 2)

	second, err := a.EmbedDocuments(ctx, []string{"login works", "logout works"})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	calls, texts := impl.snapshot()
	assert.Equal(t, 1, calls, "second pass must be served from cache")
	assert.Equal(t, 2, texts)

	vector, err := a.EmbedQuery(ctx, "login works")
	require.NoError(t, err)
	assert.Equal(t, first[0], vector)
	calls, _ = impl.snapshot()
	assert.Equal(t, 1, calls)
}

func TestAdapter_ShouldHitProviderWhenCacheDisabled(t *testing.T) {
	impl := &countingEmbedder{}
	a := newTestAdapter(t, impl, 0)
	ctx := context.Background()

	_, err := a.EmbedDocuments(ctx, []string{"login works"})
	require.NoError(t, err)
	_, err = a.EmbedDocuments(ctx, []string{"login works"})
	require.NoError(t, err)

	calls, _ := impl.snapshot()
	assert.Equal(t, 2, calls)
}

func TestAdapter_ShouldReturnCachedCopiesNotAliases(t *testing.T) {
	impl := &countingEmbedder{}
	a := newTestAdapter(t, impl, 16)
	ctx := context.Background()

	first, err := a.EmbedDocuments(ctx, []string{"login works"})
	require.NoError(t, err)
	first[0][0] = -42

	second, err := a.EmbedDocuments(ctx, []string{"login works"})
	require.NoError(t, err)
	assert.NotEqual(t, float32(-42), second[0][0])
}

func TestEnableCache_ShouldRejectNonPositiveSize(t *testing.T) {
	a := newTestAdapter(t, &countingEmbedder{}, 0)
	require.Error(t, a.EnableCache(0))
	require.Error(t, a.EnableCache(-1))
}

func TestWrap_ShouldRejectNegativeCacheSize(t *testing.T) {
	_, err := Wrap(&Config{
		Provider:  ProviderOpenAI,
		Model:     "stub",
		Dimension: testDimension,
		CacheSize: -1,
	}, &countingEmbedder{})
	require.Error(t, err)
}

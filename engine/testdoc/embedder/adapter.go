package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sethvargo/go-retry"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/embeddings/cybertron"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/googleai/vertex"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/sync/errgroup"

	"github.com/qbench/qbench/engine/core"
)

// Embedder is the capability consumed by ingestion and retrieval: turn text
// into fixed-dimension unit vectors, order-preserving.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// Stats is a snapshot of provider counters for health reporting.
type Stats struct {
	Requests         int64            `json:"requests"`
	TokensConsumed   int64            `json:"tokens_consumed"`
	FailuresByClass  map[string]int64 `json:"failures_by_class"`
	LastSuccessfulAt time.Time        `json:"last_successful_embed_at"`
}

// Adapter wraps a langchaingo embedder, adding sub-batching with bounded
// parallelism, retry with backoff, error classification, dimension
// enforcement, and an optional LRU cache.
type Adapter struct {
	provider    Provider
	model       string
	dimension   int
	batchSize   int
	parallelism int
	retryCfg    RetryConfig
	impl        embeddings.Embedder

	cacheMu sync.Mutex
	cache   *lru.Cache[string, []float32]

	requests      atomic.Int64
	tokens        atomic.Int64
	lastSuccessNs atomic.Int64
	failuresMu    sync.Mutex
	failures      map[string]int64
}

// New constructs a provider-backed adapter.
func New(ctx context.Context, cfg *Config) (*Adapter, error) {
	if cfg == nil {
		return nil, core.NewErrorf(core.KindFatalConfig, "embedder config is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	impl, err := buildProviderEmbedder(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return Wrap(cfg, impl)
}

// Wrap constructs an adapter around an existing langchaingo embedder.
// Used by tests and by callers that manage their own clients.
func Wrap(cfg *Config, impl embeddings.Embedder) (*Adapter, error) {
	if cfg == nil {
		return nil, core.NewErrorf(core.KindFatalConfig, "embedder config is required")
	}
	if impl == nil {
		return nil, core.NewErrorf(core.KindFatalConfig, "embedder implementation is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	a := &Adapter{
		provider:    cfg.Provider,
		model:       cfg.Model,
		dimension:   cfg.Dimension,
		batchSize:   cfg.batchSize(),
		parallelism: cfg.parallelism(),
		retryCfg:    cfg.Retry.withDefaults(),
		impl:        impl,
		failures:    make(map[string]int64),
	}
	if cfg.CacheSize > 0 {
		if err := a.EnableCache(cfg.CacheSize); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Dimension returns the configured vector dimension.
func (a *Adapter) Dimension() int {
	return a.dimension
}

// EnableCache initializes an LRU cache keyed by text hash.
func (a *Adapter) EnableCache(size int) error {
	if size <= 0 {
		return fmt.Errorf("embedder cache size must be greater than zero")
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return fmt.Errorf("embedder: init cache: %w", err)
	}
	a.cacheMu.Lock()
	a.cache = cache
	a.cacheMu.Unlock()
	return nil
}

// EmbedDocuments embeds the texts in input order. The input is split into
// batches dispatched concurrently up to the configured parallelism, and
// results are reassembled in order. Empty strings never reach the provider:
// they embed as the zero vector, which is orthogonal-to-everything under dot
// product scoring.
func (a *Adapter) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	pending := make([]int, 0, len(texts))
	cache := a.getCache()
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			results[i] = make([]float32, a.dimension)
			continue
		}
		if cache != nil {
			if vector, ok := a.lookupCache(cache, text); ok {
				results[i] = vector
				continue
			}
		}
		pending = append(pending, i)
	}
	if len(pending) == 0 {
		return results, nil
	}
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(a.parallelism)
	for start := 0; start < len(pending); start += a.batchSize {
		end := start + a.batchSize
		if end > len(pending) {
			end = len(pending)
		}
		indices := pending[start:end]
		group.Go(func() error {
			batch := make([]string, len(indices))
			for i, idx := range indices {
				batch[i] = texts[idx]
			}
			vectors, err := a.embedBatch(groupCtx, batch)
			if err != nil {
				return err
			}
			for i, idx := range indices {
				results[idx] = vectors[i]
				if cache != nil {
					a.storeCache(cache, texts[idx], vectors[i])
				}
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// EmbedQuery embeds a single text.
func (a *Adapter) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := a.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// Stats returns a counter snapshot.
func (a *Adapter) Stats() Stats {
	a.failuresMu.Lock()
	failures := make(map[string]int64, len(a.failures))
	for class, n := range a.failures {
		failures[class] = n
	}
	a.failuresMu.Unlock()
	stats := Stats{
		Requests:        a.requests.Load(),
		TokensConsumed:  a.tokens.Load(),
		FailuresByClass: failures,
	}
	if ns := a.lastSuccessNs.Load(); ns > 0 {
		stats.LastSuccessfulAt = time.Unix(0, ns).UTC()
	}
	return stats
}

// embedBatch performs one provider call with retry. Only transient failures
// are retried; invalid input and auth/config failures surface immediately.
func (a *Adapter) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	backoff := retry.NewExponential(a.retryCfg.BackoffBase)
	backoff = retry.WithMaxDuration(a.retryCfg.BackoffMax, backoff)
	if a.retryCfg.Jitter > 0 {
		backoff = retry.WithJitter(a.retryCfg.Jitter, backoff)
	}
	backoff = retry.WithMaxRetries(uint64(a.retryCfg.MaxAttempts), backoff)
	var vectors [][]float32
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		a.requests.Add(1)
		out, callErr := a.impl.EmbedDocuments(ctx, batch)
		if callErr != nil {
			classified := a.classify(callErr)
			a.recordFailure(classified)
			if core.IsRetryable(classified) {
				return retry.RetryableError(classified)
			}
			return classified
		}
		vectors = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(batch) {
		return nil, core.NewErrorf(core.KindInternal,
			"embedder returned %d vectors for %d texts", len(vectors), len(batch))
	}
	for i := range vectors {
		if len(vectors[i]) != a.dimension {
			return nil, core.NewErrorf(core.KindFatalConfig,
				"embedder returned dimension %d, configured %d", len(vectors[i]), a.dimension)
		}
		normalize(vectors[i])
	}
	a.lastSuccessNs.Store(time.Now().UnixNano())
	for _, text := range batch {
		a.tokens.Add(estimateTokens(text))
	}
	RecordBatch(ctx, string(a.provider), a.model, len(batch))
	return vectors, nil
}

// classify buckets raw provider failures into engine error kinds.
// NOTE: relies on string matching; langchaingo does not expose typed errors.
func (a *Adapter) classify(err error) error {
	lower := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return core.NewError(core.KindTransient, "embedding call timed out", err)
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "429"),
		strings.Contains(lower, "timeout"), strings.Contains(lower, "503"),
		strings.Contains(lower, "502"), strings.Contains(lower, "500"),
		strings.Contains(lower, "connection"):
		return core.NewError(core.KindTransient, "embedding provider unavailable", err)
	case strings.Contains(lower, "unauthorized"), strings.Contains(lower, "forbidden"),
		strings.Contains(lower, "api key"), strings.Contains(lower, "401"),
		strings.Contains(lower, "403"):
		return core.NewError(core.KindFatalConfig, "embedding provider rejected credentials", err)
	case strings.Contains(lower, "too long"), strings.Contains(lower, "maximum context"),
		strings.Contains(lower, "invalid"), strings.Contains(lower, "400"),
		strings.Contains(lower, "422"):
		return core.NewError(core.KindInvalidInput, "embedding input rejected", err)
	default:
		return core.NewError(core.KindTransient, "embedding call failed", err)
	}
}

func (a *Adapter) recordFailure(err error) {
	class := string(core.KindOf(err))
	a.failuresMu.Lock()
	a.failures[class]++
	a.failuresMu.Unlock()
	RecordFailure(context.Background(), string(a.provider), a.model, class)
}

func (a *Adapter) getCache() *lru.Cache[string, []float32] {
	a.cacheMu.Lock()
	cache := a.cache
	a.cacheMu.Unlock()
	return cache
}

func (a *Adapter) lookupCache(cache *lru.Cache[string, []float32], text string) ([]float32, bool) {
	value, ok := cache.Get(cacheKey(text))
	if !ok {
		return nil, false
	}
	return core.CloneSlice(value), true
}

func (a *Adapter) storeCache(cache *lru.Cache[string, []float32], text string, vector []float32) {
	if len(vector) == 0 {
		return
	}
	cache.Add(cacheKey(text), core.CloneSlice(vector))
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// normalize scales the vector to unit length in place. The zero vector is
// left untouched.
func normalize(vector []float32) {
	var sum float64
	for _, v := range vector {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i := range vector {
		vector[i] = float32(float64(vector[i]) / norm)
	}
}

// estimateTokens approximates provider token consumption at 4 runes/token.
func estimateTokens(text string) int64 {
	count := len([]rune(text))
	if count == 0 {
		return 0
	}
	tokens := int64(count / 4)
	if tokens == 0 {
		return 1
	}
	return tokens
}

func buildProviderEmbedder(ctx context.Context, cfg *Config) (embeddings.Embedder, error) {
	options := []embeddings.Option{
		embeddings.WithBatchSize(cfg.batchSize()),
		embeddings.WithStripNewLines(cfg.StripNewLines),
	}
	switch cfg.Provider {
	case ProviderOpenAI:
		return buildOpenAIEmbedder(cfg, options...)
	case ProviderVertex:
		return buildVertexEmbedder(ctx, cfg, options...)
	case ProviderLocal:
		return buildLocalEmbedder(cfg, options...)
	default:
		return nil, core.NewErrorf(core.KindFatalConfig, "embedding provider %q is not supported", cfg.Provider)
	}
}

func buildOpenAIEmbedder(cfg *Config, opts ...embeddings.Option) (embeddings.Embedder, error) {
	openaiOpts := []openai.Option{
		openai.WithEmbeddingModel(cfg.Model),
	}
	if cfg.APIKey != "" {
		openaiOpts = append(openaiOpts, openai.WithToken(cfg.APIKey))
	}
	client, err := openai.New(openaiOpts...)
	if err != nil {
		return nil, core.NewError(core.KindFatalConfig, "failed to initialize openai client", err)
	}
	impl, err := embeddings.NewEmbedder(client, opts...)
	if err != nil {
		return nil, core.NewError(core.KindFatalConfig, "failed to construct openai embedder", err)
	}
	return impl, nil
}

func buildVertexEmbedder(ctx context.Context, cfg *Config, opts ...embeddings.Option) (embeddings.Embedder, error) {
	vertexOpts := []googleai.Option{
		googleai.WithDefaultEmbeddingModel(cfg.Model),
	}
	if cfg.APIKey != "" {
		vertexOpts = append(vertexOpts, googleai.WithAPIKey(cfg.APIKey))
	}
	if project := lookupString(cfg.Options, "project_id"); project != "" {
		vertexOpts = append(vertexOpts, googleai.WithCloudProject(project))
	}
	if location := lookupString(cfg.Options, "location"); location != "" {
		vertexOpts = append(vertexOpts, googleai.WithCloudLocation(location))
	}
	client, err := vertex.New(ctx, vertexOpts...)
	if err != nil {
		return nil, core.NewError(core.KindFatalConfig, "failed to initialize vertex client", err)
	}
	impl, err := embeddings.NewEmbedder(client, opts...)
	if err != nil {
		return nil, core.NewError(core.KindFatalConfig, "failed to construct vertex embedder", err)
	}
	return impl, nil
}

func buildLocalEmbedder(cfg *Config, opts ...embeddings.Option) (embeddings.Embedder, error) {
	cybertronOpts := make([]cybertron.Option, 0, 2)
	if model := strings.TrimSpace(cfg.Model); model != "" {
		cybertronOpts = append(cybertronOpts, cybertron.WithModel(model))
	}
	if dir := lookupString(cfg.Options, "models_dir"); dir != "" {
		cybertronOpts = append(cybertronOpts, cybertron.WithModelsDir(dir))
	}
	client, err := cybertron.NewCybertron(cybertronOpts...)
	if err != nil {
		return nil, core.NewError(core.KindFatalConfig, "failed to initialize local embedder", err)
	}
	impl, err := embeddings.NewEmbedder(client, opts...)
	if err != nil {
		return nil, core.NewError(core.KindFatalConfig, "failed to construct local embedder", err)
	}
	return impl, nil
}

func lookupString(options map[string]any, key string) string {
	if len(options) == 0 {
		return ""
	}
	if value, ok := options[key].(string); ok {
		return value
	}
	return ""
}

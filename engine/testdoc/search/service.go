// Package search implements two-tier retrieval: a document-level kNN pass
// and a step-level kNN pass run concurrently, and step hits roll up to their
// parent document before the tiers are fused into one ranking.
package search

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/qbench/qbench/engine/core"
	"github.com/qbench/qbench/engine/testdoc"
	"github.com/qbench/qbench/engine/testdoc/embedder"
	"github.com/qbench/qbench/engine/testdoc/vectordb"
	"github.com/qbench/qbench/pkg/logger"
)

// Config tunes ranking. Weights must be non-negative and sum to one; Validate
// enforces that at construction so a misconfigured service never starts.
type Config struct {
	DocWeight  float64
	StepWeight float64
	Overfetch  int
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.DocWeight == 0 && cfg.StepWeight == 0 {
		cfg.DocWeight = testdoc.DefaultDocWeight
		cfg.StepWeight = testdoc.DefaultStepWeight
	}
	if cfg.Overfetch <= 0 {
		cfg.Overfetch = testdoc.DefaultOverfetch
	}
	return cfg
}

func (c *Config) validate() error {
	if c.DocWeight < 0 || c.StepWeight < 0 {
		return core.NewErrorf(core.KindFatalConfig, "ranking weights must be non-negative")
	}
	sum := c.DocWeight + c.StepWeight
	if sum < 0.999 || sum > 1.001 {
		return core.NewErrorf(core.KindFatalConfig, "ranking weights must sum to 1, got %.3f", sum)
	}
	return nil
}

// Result is a ranked answer plus the partial-result marker set when one tier
// failed transiently and the ranking was computed from the surviving tier.
type Result struct {
	Hits    []testdoc.SearchHit
	Partial bool
	Warning string
}

// Service executes retrieval against one embedder and one store.
type Service struct {
	embedder embedder.Embedder
	store    vectordb.Store
	cfg      Config
}

func NewService(emb embedder.Embedder, store vectordb.Store, cfg Config) (*Service, error) {
	if emb == nil {
		return nil, errors.New("testdoc: embedder implementation is required")
	}
	if store == nil {
		return nil, errors.New("testdoc: vector store is required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Service{embedder: emb, store: store, cfg: cfg}, nil
}

// Search runs the hybrid query. Scope selects the participating tiers; topK
// bounds the final ranking, not the per-tier fan-out.
func (s *Service) Search(
	ctx context.Context,
	query string,
	topK int,
	scope testdoc.Scope,
	filter *vectordb.Filter,
) (*Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, core.NewErrorf(core.KindInvalidInput, "query must not be empty")
	}
	if len(query) > testdoc.MaxQueryBytes {
		return nil, core.NewErrorf(core.KindInvalidInput,
			"query exceeds %d bytes", testdoc.MaxQueryBytes)
	}
	if topK <= 0 {
		topK = testdoc.DefaultTopK
	}
	if !scope.IsValid() {
		return nil, core.NewErrorf(core.KindInvalidInput, "unknown scope %q", scope)
	}
	started := time.Now()
	vector, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	result, err := s.rank(ctx, vector, topK, scope, filter, "")
	if err != nil {
		return nil, err
	}
	testdoc.RecordSearchLatency(ctx, string(scope), time.Since(started))
	return result, nil
}

// SimilarTo ranks documents by proximity to an already ingested document,
// using its stored embedding. The anchor itself is excluded.
func (s *Service) SimilarTo(
	ctx context.Context,
	uid string,
	topK int,
	scope testdoc.Scope,
	filter *vectordb.Filter,
) (*Result, error) {
	if strings.TrimSpace(uid) == "" {
		return nil, core.NewErrorf(core.KindInvalidInput, "uid must not be empty")
	}
	if topK <= 0 {
		topK = testdoc.DefaultTopK
	}
	if !scope.IsValid() {
		return nil, core.NewErrorf(core.KindInvalidInput, "unknown scope %q", scope)
	}
	vector, err := s.store.FetchDocVector(ctx, uid)
	if err != nil {
		return nil, err
	}
	// One extra hit absorbs the anchor before exclusion.
	result, err := s.rank(ctx, vector, topK+1, scope, filter, uid)
	if err != nil {
		return nil, err
	}
	if len(result.Hits) > topK {
		result.Hits = result.Hits[:topK]
	}
	return result, nil
}

// LookupByExternalKey resolves an external tracker key to its documents.
// Keys are not unique across sources; more than MaxLookupMatches matches is
// reported as a conflict rather than silently truncated.
func (s *Service) LookupByExternalKey(ctx context.Context, key string) ([]*testdoc.TestDoc, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, core.NewErrorf(core.KindInvalidInput, "external key must not be empty")
	}
	docs, err := s.store.FetchDocsByExternalKey(ctx, key, testdoc.MaxLookupMatches+1)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, core.NewErrorf(core.KindNotFound, "no test found for external key %q", key).
			WithField("external_key", key)
	}
	if len(docs) > testdoc.MaxLookupMatches {
		return nil, core.NewErrorf(core.KindConflict,
			"external key %q matches more than %d tests", key, testdoc.MaxLookupMatches)
	}
	return docs, nil
}

// rollup is the per-document fusion accumulator.
type rollup struct {
	uid       string
	docScore  float64
	stepScore float64
	hasDoc    bool
	hasStep   bool
	indices   []int
	bestIndex int
	doc       *testdoc.TestDoc
}

func (s *Service) rank(
	ctx context.Context,
	vector []float32,
	topK int,
	scope testdoc.Scope,
	filter *vectordb.Filter,
	excludeUID string,
) (*Result, error) {
	docHits, stepHits, partialBranch, err := s.fanOut(ctx, vector, topK, scope, filter)
	if err != nil {
		return nil, err
	}
	merged := make(map[string]*rollup)
	for _, hit := range docHits {
		if hit.UID == excludeUID {
			continue
		}
		merged[hit.UID] = &rollup{
			uid:      hit.UID,
			docScore: hit.Score,
			hasDoc:   true,
			doc:      hit.Doc,
		}
	}
	for _, hit := range stepHits {
		if hit.ParentUID == excludeUID {
			continue
		}
		entry, ok := merged[hit.ParentUID]
		if !ok {
			entry = &rollup{uid: hit.ParentUID, bestIndex: hit.Index}
			merged[hit.ParentUID] = entry
		}
		if !entry.hasStep || hit.Score > entry.stepScore {
			entry.stepScore = hit.Score
		}
		if !entry.hasStep || hit.Index < entry.bestIndex {
			entry.bestIndex = hit.Index
		}
		entry.hasStep = true
		entry.indices = append(entry.indices, hit.Index)
	}
	hits, err := s.hydrate(ctx, s.fuse(merged, scope, topK))
	if err != nil {
		return nil, err
	}
	result := &Result{Hits: hits}
	if partialBranch != "" {
		result.Partial = true
		result.Warning = "results computed without the " + partialBranch + " tier"
		testdoc.RecordPartialResult(ctx, partialBranch)
	}
	return result, nil
}

// fanOut runs the tier queries concurrently. A transient failure of one
// branch degrades to a partial result; any other failure, or both branches
// failing, aborts the search.
func (s *Service) fanOut(
	ctx context.Context,
	vector []float32,
	topK int,
	scope testdoc.Scope,
	filter *vectordb.Filter,
) (docHits []vectordb.DocHit, stepHits []vectordb.StepHit, partialBranch string, err error) {
	// A zero-weight tier cannot move the fused ranking, so it is not
	// queried; the all-scope output then matches the single-tier scope.
	wantDocs := scope == testdoc.ScopeDocs || (scope == testdoc.ScopeAll && s.cfg.DocWeight > 0)
	wantSteps := scope == testdoc.ScopeSteps || (scope == testdoc.ScopeAll && s.cfg.StepWeight > 0)
	var docErr, stepErr error
	group, groupCtx := errgroup.WithContext(ctx)
	if wantDocs {
		group.Go(func() error {
			docHits, docErr = s.store.KnnDocs(groupCtx, vector, topK, filter)
			if docErr != nil && !core.IsRetryable(docErr) {
				return docErr
			}
			return nil
		})
	}
	if wantSteps {
		group.Go(func() error {
			stepHits, stepErr = s.store.KnnSteps(groupCtx, vector, s.stepFanout(topK), filter)
			if stepErr != nil && !core.IsRetryable(stepErr) {
				return stepErr
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, nil, "", err
	}
	log := logger.FromContext(ctx)
	switch {
	case docErr != nil && stepErr != nil:
		return nil, nil, "", docErr
	case docErr != nil && wantSteps:
		log.Warn("Document tier unavailable, degrading to step tier", "error", docErr)
		return nil, stepHits, "docs", nil
	case docErr != nil:
		return nil, nil, "", docErr
	case stepErr != nil && wantDocs:
		log.Warn("Step tier unavailable, degrading to document tier", "error", stepErr)
		return docHits, nil, "steps", nil
	case stepErr != nil:
		return nil, nil, "", stepErr
	}
	return docHits, stepHits, "", nil
}

// stepFanout widens the step tier so rollup has enough distinct parents to
// fill the final ranking.
func (s *Service) stepFanout(topK int) int {
	fanout := topK * s.cfg.Overfetch
	if fanout > testdoc.MaxStepFanout {
		fanout = testdoc.MaxStepFanout
	}
	return fanout
}

func (s *Service) fuse(merged map[string]*rollup, scope testdoc.Scope, topK int) []testdoc.SearchHit {
	hits := make([]testdoc.SearchHit, 0, len(merged))
	for _, entry := range merged {
		var final float64
		switch scope {
		case testdoc.ScopeDocs:
			final = entry.docScore
		case testdoc.ScopeSteps:
			final = entry.stepScore
		default:
			final = s.cfg.DocWeight*entry.docScore + s.cfg.StepWeight*entry.stepScore
		}
		sort.Ints(entry.indices)
		hits = append(hits, testdoc.SearchHit{
			UID:                entry.uid,
			Score:              final,
			DocScore:           entry.docScore,
			StepScore:          entry.stepScore,
			MatchedStepIndices: dedupeInts(entry.indices),
			Doc:                entry.doc,
		})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].UID != hits[j].UID {
			return hits[i].UID < hits[j].UID
		}
		return bestIndex(&hits[i]) < bestIndex(&hits[j])
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

// hydrate attaches full payloads to hits that arrived through the step tier
// only. A document deleted between the kNN pass and hydration is dropped
// rather than surfaced half-empty.
func (s *Service) hydrate(ctx context.Context, hits []testdoc.SearchHit) ([]testdoc.SearchHit, error) {
	out := hits[:0]
	for i := range hits {
		if hits[i].Doc == nil {
			doc, err := s.store.FetchDocByUID(ctx, hits[i].UID)
			if err != nil {
				if core.IsKind(err, core.KindNotFound) {
					continue
				}
				return nil, err
			}
			hits[i].Doc = doc
		}
		out = append(out, hits[i])
	}
	return out, nil
}

func bestIndex(hit *testdoc.SearchHit) int {
	if len(hit.MatchedStepIndices) == 0 {
		return 1<<31 - 1
	}
	return hit.MatchedStepIndices[0]
}

func dedupeInts(values []int) []int {
	if len(values) == 0 {
		return []int{}
	}
	out := values[:1]
	for _, v := range values[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}

package vectordb

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/qbench/qbench/engine/core"
	"github.com/qbench/qbench/engine/testdoc"
)

type memoryDoc struct {
	vector []float32
	doc    testdoc.TestDoc
}

type memoryStep struct {
	vector []float32
	step   testdoc.TestStep
}

// MemoryStore is an in-process two-tier store with exact (non-approximate)
// cosine search. Vectors are assumed unit-normalized, so similarity is the
// dot product mapped into [0, 1].
type MemoryStore struct {
	mu        sync.RWMutex
	dimension int
	docs      map[string]*memoryDoc
	steps     map[string]map[int]*memoryStep
}

func NewMemoryStore(dimension int) *MemoryStore {
	return &MemoryStore{
		dimension: dimension,
		docs:      make(map[string]*memoryDoc),
		steps:     make(map[string]map[int]*memoryStep),
	}
}

func (m *MemoryStore) UpsertDocs(_ context.Context, records []DocRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range records {
		rec := records[i]
		if err := validateDimension(m.dimension, rec.Vector, "doc "+rec.UID); err != nil {
			return err
		}
		if rec.Doc == nil {
			return core.NewErrorf(core.KindInvalidInput, "doc record %q has no payload", rec.UID)
		}
		doc := *rec.Doc
		m.docs[rec.UID] = &memoryDoc{vector: core.CloneSlice(rec.Vector), doc: doc}
	}
	return nil
}

func (m *MemoryStore) UpsertSteps(_ context.Context, records []StepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range records {
		rec := records[i]
		label := "step " + rec.ParentUID
		if err := validateDimension(m.dimension, rec.Vector, label); err != nil {
			return err
		}
		if _, ok := m.docs[rec.ParentUID]; !ok {
			return core.NewErrorf(core.KindConflict, "step references unknown parent %q", rec.ParentUID)
		}
		group := m.steps[rec.ParentUID]
		if group == nil {
			group = make(map[int]*memoryStep)
			m.steps[rec.ParentUID] = group
		}
		group[rec.Step.Index] = &memoryStep{vector: core.CloneSlice(rec.Vector), step: rec.Step}
	}
	return nil
}

func (m *MemoryStore) DeleteDocByUID(_ context.Context, uid string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[uid]; !ok {
		return 0, nil
	}
	delete(m.docs, uid)
	delete(m.steps, uid)
	return 1, nil
}

func (m *MemoryStore) DeleteStepsByParent(_ context.Context, uid string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := len(m.steps[uid])
	delete(m.steps, uid)
	return count, nil
}

func (m *MemoryStore) KnnDocs(_ context.Context, vector []float32, k int, filter *Filter) ([]DocHit, error) {
	if err := validateDimension(m.dimension, vector, "query"); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	hits := make([]DocHit, 0, k)
	for uid, entry := range m.docs {
		if !matchesFilter(&entry.doc, filter) {
			continue
		}
		doc := entry.doc
		hits = append(hits, DocHit{UID: uid, Score: similarity(vector, entry.vector), Doc: &doc})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score == hits[j].Score {
			return hits[i].UID < hits[j].UID
		}
		return hits[i].Score > hits[j].Score
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (m *MemoryStore) KnnSteps(_ context.Context, vector []float32, k int, filter *Filter) ([]StepHit, error) {
	if err := validateDimension(m.dimension, vector, "query"); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	hits := make([]StepHit, 0, k)
	for parentUID, group := range m.steps {
		parent, ok := m.docs[parentUID]
		if !ok || !matchesFilter(&parent.doc, filter) {
			continue
		}
		for index, entry := range group {
			hits = append(hits, StepHit{
				ParentUID: parentUID,
				Index:     index,
				Score:     similarity(vector, entry.vector),
			})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score == hits[j].Score {
			if hits[i].ParentUID == hits[j].ParentUID {
				return hits[i].Index < hits[j].Index
			}
			return hits[i].ParentUID < hits[j].ParentUID
		}
		return hits[i].Score > hits[j].Score
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (m *MemoryStore) FetchDocByUID(_ context.Context, uid string) (*testdoc.TestDoc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.docs[uid]
	if !ok {
		return nil, core.NewErrorf(core.KindNotFound, "doc %q not found", uid)
	}
	doc := entry.doc
	return &doc, nil
}

func (m *MemoryStore) FetchDocVector(_ context.Context, uid string) ([]float32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.docs[uid]
	if !ok {
		return nil, core.NewErrorf(core.KindNotFound, "doc %q not found", uid)
	}
	return core.CloneSlice(entry.vector), nil
}

func (m *MemoryStore) FetchStepsByParent(_ context.Context, uid string) ([]testdoc.TestStep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	group := m.steps[uid]
	steps := make([]testdoc.TestStep, 0, len(group))
	for _, entry := range group {
		steps = append(steps, entry.step)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Index < steps[j].Index })
	return steps, nil
}

func (m *MemoryStore) FetchDocsByExternalKey(_ context.Context, key string, limit int) ([]*testdoc.TestDoc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	docs := make([]*testdoc.TestDoc, 0, 4)
	for _, entry := range m.docs {
		if entry.doc.ExternalKey != key {
			continue
		}
		doc := entry.doc
		docs = append(docs, &doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].UID < docs[j].UID })
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

func (m *MemoryStore) Counts(_ context.Context) (Counts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := Counts{Docs: int64(len(m.docs)), ByPriority: make(map[string]int64)}
	for _, entry := range m.docs {
		if entry.doc.Priority != "" {
			counts.ByPriority[string(entry.doc.Priority)]++
		}
	}
	for _, group := range m.steps {
		counts.Steps += int64(len(group))
	}
	return counts, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close(context.Context) error { return nil }

// similarity is 1 - cosine distance, clamped into [0, 1]. Vectors are unit
// normalized, so the dot product is the cosine similarity.
func similarity(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	if dot < 0 {
		return 0
	}
	if dot > 1 {
		return 1
	}
	return dot
}

// matchesFilter applies the compiled filter against a doc's payload. Step
// tier filtering targets the parent's payload, so callers pass the parent.
func matchesFilter(doc *testdoc.TestDoc, filter *Filter) bool {
	if filter.IsZero() {
		return true
	}
	if filter.Priority != "" && string(doc.Priority) != filter.Priority {
		return false
	}
	if filter.TestType != "" && doc.TestType != filter.TestType {
		return false
	}
	if !containsAll(doc.Tags, filter.TagsAll) {
		return false
	}
	if !containsAll(doc.Platforms, filter.PlatformsAll) {
		return false
	}
	if len(filter.FolderPrefix) > 0 && !hasPrefix(doc.FolderPath, filter.FolderPrefix) {
		return false
	}
	if len(filter.RelatedAny) > 0 && !intersects(doc.RelatedKeys, filter.RelatedAny) {
		return false
	}
	if filter.ExternalKeyGlob != "" && !MatchGlob(filter.ExternalKeyGlob, doc.ExternalKey) {
		return false
	}
	return true
}

func containsAll(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func intersects(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

func hasPrefix(path, prefix []string) bool {
	if len(prefix) > len(path) {
		return false
	}
	for i := range prefix {
		if path[i] != prefix[i] {
			return false
		}
	}
	return true
}

// MatchGlob matches an anchored restricted glob supporting only '*' and '?'.
func MatchGlob(pattern, value string) bool {
	return matchGlob(pattern, value)
}

func matchGlob(pattern, value string) bool {
	// Iterative wildcard match with single-star backtracking.
	var pi, vi int
	starPi, starVi := -1, 0
	for vi < len(value) {
		switch {
		case pi < len(pattern) && (pattern[pi] == '?' || pattern[pi] == value[vi]):
			pi++
			vi++
		case pi < len(pattern) && pattern[pi] == '*':
			starPi = pi
			starVi = vi
			pi++
		case starPi >= 0:
			starVi++
			vi = starVi
			pi = starPi + 1
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}

// GlobToLike converts a restricted glob into a SQL LIKE pattern, escaping the
// LIKE metacharacters in literal segments.
func GlobToLike(pattern string) string {
	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '*':
			b.WriteByte('%')
		case '?':
			b.WriteByte('_')
		case '%', '_', '\\':
			b.WriteByte('\\')
			b.WriteByte(pattern[i])
		default:
			b.WriteByte(pattern[i])
		}
	}
	return b.String()
}

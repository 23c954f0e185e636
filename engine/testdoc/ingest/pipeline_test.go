package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qbench/qbench/engine/core"
	"github.com/qbench/qbench/engine/testdoc/normalize"
	"github.com/qbench/qbench/engine/testdoc/vectordb"
)

const testDimension = 8

// hashEmbedder derives a deterministic unit vector from the text so tests
// get stable, distinct embeddings without a provider.
type hashEmbedder struct {
	mu    sync.Mutex
	calls int
	// failuresLeft injects transient errors on the next N calls.
	failuresLeft int
	failKind     core.Kind
}

func (h *hashEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	h.mu.Lock()
	h.calls++
	if h.failuresLeft > 0 {
		h.failuresLeft--
		kind := h.failKind
		h.mu.Unlock()
		return nil, core.NewErrorf(kind, "injected failure")
	}
	h.mu.Unlock()
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = hashVector(text)
	}
	return out, nil
}

func (h *hashEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := h.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (h *hashEmbedder) Dimension() int { return testDimension }

func hashVector(text string) []float32 {
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, testDimension)
	var norm float64
	for i := 0; i < testDimension; i++ {
		bits := binary.BigEndian.Uint32(sum[i*4 : i*4+4])
		vec[i] = float32(bits%1000) + 1
		norm += float64(vec[i]) * float64(vec[i])
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

func testRecords() []map[string]any {
	return []map[string]any{
		{
			"issueKey": "PROJ-1",
			"testInfo": map[string]any{"summary": "Login works", "priority": "High"},
			"steps": []any{
				map[string]any{"index": 1, "action": "Open login page", "result": "Page loads"},
				map[string]any{"index": 2, "action": "Submit credentials", "result": "Dashboard shown"},
			},
		},
		{
			"issueKey": "PROJ-2",
			"testInfo": map[string]any{"summary": "Logout works", "priority": "Low"},
			"steps": []any{
				map[string]any{"index": 1, "action": "Click logout", "result": "Session ends"},
			},
		},
	}
}

func newTestPipeline(t *testing.T, store vectordb.Store, emb *hashEmbedder, cfg Config) *Pipeline {
	t.Helper()
	p, err := NewPipeline(normalize.NewService(), emb, store, cfg)
	require.NoError(t, err)
	return p
}

func TestPipeline_ShouldIngestDocsAndSteps(t *testing.T) {
	store := vectordb.NewMemoryStore(testDimension)
	p := newTestPipeline(t, store, &hashEmbedder{}, Config{})
	report, err := p.Run(context.Background(), NewSliceSource("unit", testRecords()))
	require.NoError(t, err)
	assert.Equal(t, 2, report.DocsIn)
	assert.Equal(t, 2, report.DocsWritten)
	assert.Equal(t, 3, report.StepsWritten)
	assert.Empty(t, report.Errors)

	doc, err := store.FetchDocByUID(context.Background(), "PROJ-1")
	require.NoError(t, err)
	assert.Equal(t, "Login works", doc.Title)
	steps, err := store.FetchStepsByParent(context.Background(), "PROJ-1")
	require.NoError(t, err)
	assert.Len(t, steps, 2)
}

func TestPipeline_ShouldBeIdempotentOnReingest(t *testing.T) {
	store := vectordb.NewMemoryStore(testDimension)
	p := newTestPipeline(t, store, &hashEmbedder{}, Config{})
	_, err := p.Run(context.Background(), NewSliceSource("unit", testRecords()))
	require.NoError(t, err)
	_, err = p.Run(context.Background(), NewSliceSource("unit", testRecords()))
	require.NoError(t, err)

	counts, err := store.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Docs)
	assert.Equal(t, int64(3), counts.Steps)
}

func TestPipeline_ShouldRemoveOrphanStepsWhenDocShrinks(t *testing.T) {
	store := vectordb.NewMemoryStore(testDimension)
	p := newTestPipeline(t, store, &hashEmbedder{}, Config{})
	_, err := p.Run(context.Background(), NewSliceSource("unit", testRecords()))
	require.NoError(t, err)

	shrunk := []map[string]any{{
		"issueKey": "PROJ-1",
		"testInfo": map[string]any{"summary": "Login works", "priority": "High"},
		"steps": []any{
			map[string]any{"index": 1, "action": "Open login page", "result": "Page loads"},
		},
	}}
	_, err = p.Run(context.Background(), NewSliceSource("unit", shrunk))
	require.NoError(t, err)

	steps, err := store.FetchStepsByParent(context.Background(), "PROJ-1")
	require.NoError(t, err)
	assert.Len(t, steps, 1)
}

func TestPipeline_ShouldIsolateInvalidRecords(t *testing.T) {
	store := vectordb.NewMemoryStore(testDimension)
	p := newTestPipeline(t, store, &hashEmbedder{}, Config{})
	records := append(testRecords(), map[string]any{"unrecognizable": true})
	report, err := p.Run(context.Background(), NewSliceSource("unit", records))
	require.NoError(t, err)
	assert.Equal(t, 3, report.DocsIn)
	assert.Equal(t, 2, report.DocsWritten)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "record 2")
}

func TestPipeline_ShouldDeferAndRetryTransientChunk(t *testing.T) {
	store := vectordb.NewMemoryStore(testDimension)
	emb := &hashEmbedder{failuresLeft: 1, failKind: core.KindTransient}
	p := newTestPipeline(t, store, emb, Config{})
	report, err := p.Run(context.Background(), NewSliceSource("unit", testRecords()))
	require.NoError(t, err)
	assert.Equal(t, 2, report.DocsWritten)
	assert.Empty(t, report.Errors)
}

func TestPipeline_ShouldHalveParallelismOnRateLimit(t *testing.T) {
	store := vectordb.NewMemoryStore(testDimension)
	emb := &hashEmbedder{failuresLeft: 1, failKind: core.KindRateLimited}
	p := newTestPipeline(t, store, emb, Config{Parallelism: 4})
	report, err := p.Run(context.Background(), NewSliceSource("unit", testRecords()))
	require.NoError(t, err)
	assert.Equal(t, 2, report.DocsWritten)
	assert.Equal(t, 2, p.currentParallelism())
}

func TestPipeline_ShouldRestoreParallelismAfterConsecutiveSuccesses(t *testing.T) {
	store := vectordb.NewMemoryStore(testDimension)
	emb := &hashEmbedder{failuresLeft: 1, failKind: core.KindRateLimited}
	records := make([]map[string]any, 0, 8)
	for i := 0; i < 8; i++ {
		records = append(records, map[string]any{
			"issueKey": fmt.Sprintf("PROJ-%d", i+1),
			"testInfo": map[string]any{"summary": fmt.Sprintf("Case %d", i+1)},
		})
	}
	p := newTestPipeline(t, store, emb, Config{ChunkSize: 1, Parallelism: 4})
	report, err := p.Run(context.Background(), NewSliceSource("unit", records))
	require.NoError(t, err)
	assert.Equal(t, 8, report.DocsWritten)
	// Chunk 0 halves parallelism to 2; the following successful chunks
	// restore it to the configured limit.
	assert.Equal(t, 4, p.currentParallelism())
}

func TestPipeline_ShouldResumeFromCheckpoint(t *testing.T) {
	dir := t.TempDir()
	ckptPath := filepath.Join(dir, "checkpoint.json")
	store := vectordb.NewMemoryStore(testDimension)

	// First run: chunk size 1, fail hard on the second chunk's embed call.
	p := newTestPipeline(t, store, &hashEmbedder{}, Config{ChunkSize: 1, CheckpointPath: ckptPath})
	first, err := p.Run(context.Background(), NewSliceSource("unit", testRecords()[:1]))
	require.NoError(t, err)
	assert.Equal(t, 1, first.DocsWritten)

	// Simulate an interrupted run by writing a checkpoint that claims chunk 0
	// is complete, then resume over both records.
	ckpt := &checkpointFile{path: ckptPath}
	cp := newCheckpoint("unit")
	cp.LastChunkCompleted = 0
	cp.Counters = Counters{DocsIn: 1, DocsWritten: 1}
	require.NoError(t, ckpt.Save(cp))

	resumed := newTestPipeline(t, store, &hashEmbedder{}, Config{
		ChunkSize:      1,
		CheckpointPath: ckptPath,
		Resume:         true,
	})
	report, err := resumed.Run(context.Background(), NewSliceSource("unit", testRecords()))
	require.NoError(t, err)
	assert.True(t, report.Resumed)
	// Chunk 0 skipped, chunk 1 written on top of the carried counter.
	assert.Equal(t, 2, report.DocsWritten)

	_, statErr := os.Stat(ckptPath)
	assert.True(t, os.IsNotExist(statErr), "checkpoint should be cleared after success")
}

func TestPipeline_ShouldWriteCheckpointAtomically(t *testing.T) {
	dir := t.TempDir()
	ckpt := &checkpointFile{path: filepath.Join(dir, "checkpoint.json")}
	cp := newCheckpoint("unit")
	cp.LastChunkCompleted = 3
	require.NoError(t, ckpt.Save(cp))

	loaded, err := ckpt.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, 3, loaded.LastChunkCompleted)
	assert.Equal(t, "unit", loaded.SourceID)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files should remain")
}

func TestFileSource_ShouldUnwrapCommonShapes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tests.json")
	payload := `{"tests": [{"issueKey": "PROJ-1", "testInfo": {"summary": "One"}}]}`
	require.NoError(t, os.WriteFile(path, []byte(payload), 0o644))

	src, err := NewFileSource(path)
	require.NoError(t, err)
	assert.Equal(t, "tests.json", src.ID())
	record, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "PROJ-1", record["issueKey"])
}

func TestFileSource_ShouldRejectMissingFile(t *testing.T) {
	_, err := NewFileSource(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindNotFound))
}

func TestKeyedLocks_ShouldSerializeSameKey(t *testing.T) {
	locks := newKeyedLocks()
	var active, maxActive int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("same")
			defer unlock()
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxActive)
	assert.Empty(t, locks.entries, "entries should be reclaimed")
}

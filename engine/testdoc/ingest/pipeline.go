package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/qbench/qbench/engine/core"
	"github.com/qbench/qbench/engine/testdoc"
	"github.com/qbench/qbench/engine/testdoc/embedder"
	"github.com/qbench/qbench/engine/testdoc/normalize"
	"github.com/qbench/qbench/engine/testdoc/vectordb"
	"github.com/qbench/qbench/pkg/logger"
)

// Config tunes one pipeline instance.
type Config struct {
	// ChunkSize is the number of raw records processed per chunk.
	ChunkSize int
	// ChunkTimeout bounds the wall time of a single chunk.
	ChunkTimeout time.Duration
	// Parallelism bounds concurrent per-document write sections.
	Parallelism int
	// CheckpointPath enables durable progress tracking when non-empty.
	CheckpointPath string
	// Resume picks up from an existing checkpoint instead of starting over.
	Resume bool
}

func (c *Config) chunkSize() int {
	if c.ChunkSize > 0 {
		return c.ChunkSize
	}
	return testdoc.DefaultIngestChunkSize
}

func (c *Config) chunkTimeout() time.Duration {
	if c.ChunkTimeout > 0 {
		return c.ChunkTimeout
	}
	return testdoc.DefaultIngestChunkTimeout
}

func (c *Config) parallelism() int {
	if c.Parallelism > 0 {
		return c.Parallelism
	}
	return testdoc.DefaultIngestParallelism
}

// deferredRetryGrace spaces out the end-of-run retries of deferred chunks so
// a rate-limited provider gets room to recover.
const deferredRetryGrace = 2 * time.Second

// parallelismRecoveryChunks is how many consecutive chunks must succeed
// before throttled parallelism is stepped back up.
const parallelismRecoveryChunks = 3

// Report summarises one ingestion run.
type Report struct {
	SourceID     string              `json:"source_id"`
	DocsIn       int                 `json:"docs_in"`
	DocsWritten  int                 `json:"docs_written"`
	StepsWritten int                 `json:"steps_written"`
	Warnings     []normalize.Warning `json:"warnings,omitempty"`
	Errors       []string            `json:"errors,omitempty"`
	Resumed      bool                `json:"resumed,omitempty"`
	Duration     time.Duration       `json:"-"`
}

// Pipeline ingests raw test records: normalise, embed both tiers, then
// write each document inside a per-uid critical section so concurrent runs
// never interleave a document's delete and upserts.
type Pipeline struct {
	normalizer *normalize.Service
	embedder   embedder.Embedder
	store      vectordb.Store
	cfg        Config
	locks      *keyedLocks

	mu          sync.Mutex
	parallelism int
	successRun  int
}

func NewPipeline(
	normalizer *normalize.Service,
	emb embedder.Embedder,
	store vectordb.Store,
	cfg Config,
) (*Pipeline, error) {
	if normalizer == nil {
		return nil, errors.New("testdoc: normalizer is required")
	}
	if emb == nil {
		return nil, errors.New("testdoc: embedder implementation is required")
	}
	if store == nil {
		return nil, errors.New("testdoc: vector store is required")
	}
	return &Pipeline{
		normalizer:  normalizer,
		embedder:    emb,
		store:       store,
		cfg:         cfg,
		locks:       newKeyedLocks(),
		parallelism: cfg.parallelism(),
	}, nil
}

// Run drains the source chunk by chunk. A chunk that fails with a transient
// or rate-limited error is deferred and retried once after the first pass;
// everything else aborts the run. The checkpoint survives failed runs so a
// later run with Resume set skips completed chunks.
func (p *Pipeline) Run(ctx context.Context, src Source) (*Report, error) {
	log := logger.FromContext(ctx)
	started := time.Now()
	report := &Report{SourceID: src.ID()}
	ckpt := &checkpointFile{path: p.cfg.CheckpointPath}
	cp, err := p.loadCheckpoint(ckpt, src.ID(), report)
	if err != nil {
		return nil, err
	}

	deferred := make(map[int][]map[string]any)
	chunkIdx := -1
	for {
		records, readErr := p.readChunk(ctx, src)
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return nil, readErr
		}
		if len(records) == 0 {
			break
		}
		chunkIdx++
		report.DocsIn += len(records)
		if p.skipChunk(cp, chunkIdx) {
			log.Debug("Skipping already ingested chunk", "source", src.ID(), "chunk", chunkIdx)
			continue
		}
		if err := p.runChunk(ctx, cp, ckpt, report, chunkIdx, records, deferred); err != nil {
			return nil, err
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
	}

	if err := p.retryDeferred(ctx, cp, ckpt, report, deferred); err != nil {
		return nil, err
	}

	if len(cp.DeferredChunks) == 0 {
		if err := ckpt.Clear(); err != nil {
			log.Warn("Failed to clear ingestion checkpoint", "error", err)
		}
	} else if err := ckpt.Save(cp); err != nil {
		log.Warn("Failed to persist ingestion checkpoint", "error", err)
	}
	report.Duration = time.Since(started)
	log.Info("Ingestion completed",
		"source", src.ID(),
		"docs_in", report.DocsIn,
		"docs_written", report.DocsWritten,
		"steps_written", report.StepsWritten,
		"warnings", len(report.Warnings),
		"errors", len(report.Errors),
		"duration", report.Duration,
	)
	return report, nil
}

func (p *Pipeline) loadCheckpoint(ckpt *checkpointFile, sourceID string, report *Report) (*Checkpoint, error) {
	if !p.cfg.Resume {
		return newCheckpoint(sourceID), nil
	}
	cp, err := ckpt.Load()
	if err != nil {
		return nil, err
	}
	if cp == nil || cp.SourceID != sourceID {
		return newCheckpoint(sourceID), nil
	}
	report.Resumed = true
	report.DocsWritten = cp.Counters.DocsWritten
	report.StepsWritten = cp.Counters.StepsWritten
	return cp, nil
}

func (p *Pipeline) skipChunk(cp *Checkpoint, idx int) bool {
	if idx > cp.LastChunkCompleted {
		return false
	}
	for _, deferredIdx := range cp.DeferredChunks {
		if deferredIdx == idx {
			return false
		}
	}
	return true
}

func (p *Pipeline) readChunk(ctx context.Context, src Source) ([]map[string]any, error) {
	size := p.cfg.chunkSize()
	records := make([]map[string]any, 0, size)
	for len(records) < size {
		record, err := src.Next(ctx)
		if err != nil {
			return records, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (p *Pipeline) runChunk(
	ctx context.Context,
	cp *Checkpoint,
	ckpt *checkpointFile,
	report *Report,
	idx int,
	records []map[string]any,
	deferred map[int][]map[string]any,
) error {
	log := logger.FromContext(ctx)
	err := p.processChunk(ctx, report, records)
	switch {
	case err == nil:
		cp.DeferredChunks = removeChunk(cp.DeferredChunks, idx)
		if idx > cp.LastChunkCompleted {
			cp.LastChunkCompleted = idx
		}
		p.restoreParallelism(ctx)
	case core.IsKind(err, core.KindTransient) || core.IsKind(err, core.KindRateLimited):
		log.Warn("Deferring chunk after retryable failure", "chunk", idx, "error", err)
		deferred[idx] = records
		cp.DeferredChunks = appendChunk(cp.DeferredChunks, idx)
		if idx > cp.LastChunkCompleted {
			cp.LastChunkCompleted = idx
		}
		if core.IsKind(err, core.KindRateLimited) {
			p.throttle(ctx)
		}
	default:
		return fmt.Errorf("chunk %d: %w", idx, err)
	}
	cp.Counters = Counters{
		DocsIn:       report.DocsIn,
		DocsWritten:  report.DocsWritten,
		StepsWritten: report.StepsWritten,
		Warnings:     len(report.Warnings),
		Errors:       len(report.Errors),
	}
	if err := ckpt.Save(cp); err != nil {
		log.Warn("Failed to persist ingestion checkpoint", "chunk", idx, "error", err)
	}
	return nil
}

func (p *Pipeline) retryDeferred(
	ctx context.Context,
	cp *Checkpoint,
	ckpt *checkpointFile,
	report *Report,
	deferred map[int][]map[string]any,
) error {
	log := logger.FromContext(ctx)
	for idx, records := range deferred {
		select {
		case <-time.After(deferredRetryGrace):
		case <-ctx.Done():
			return ctx.Err()
		}
		err := p.processChunk(ctx, report, records)
		if err == nil {
			cp.DeferredChunks = removeChunk(cp.DeferredChunks, idx)
			p.restoreParallelism(ctx)
			if err := ckpt.Save(cp); err != nil {
				log.Warn("Failed to persist ingestion checkpoint", "chunk", idx, "error", err)
			}
			continue
		}
		if core.IsKind(err, core.KindTransient) || core.IsKind(err, core.KindRateLimited) {
			log.Error("Chunk still failing after deferred retry", "chunk", idx, "error", err)
			report.Errors = append(report.Errors, fmt.Sprintf("chunk %d: %v", idx, err))
			continue
		}
		return fmt.Errorf("chunk %d: %w", idx, err)
	}
	return nil
}

// processChunk normalises, embeds, and writes one chunk. Per-record
// normalisation failures are isolated into the report; embedding and store
// failures fail the whole chunk so it can be deferred as a unit.
func (p *Pipeline) processChunk(ctx context.Context, report *Report, records []map[string]any) error {
	chunkCtx, cancel := context.WithTimeout(ctx, p.cfg.chunkTimeout())
	defer cancel()

	docs := p.normalizeChunk(chunkCtx, report, records)
	if len(docs) == 0 {
		return nil
	}
	vectors, err := p.embedChunk(chunkCtx, docs)
	if err != nil {
		return err
	}
	return p.writeChunk(chunkCtx, report, docs, vectors)
}

func (p *Pipeline) normalizeChunk(
	ctx context.Context,
	report *Report,
	records []map[string]any,
) []*normalize.Result {
	log := logger.FromContext(ctx)
	docs := make([]*normalize.Result, 0, len(records))
	for i, record := range records {
		result, err := p.normalizer.Normalize(record)
		if err != nil {
			log.Warn("Skipping record that failed normalisation", "index", i, "error", err)
			report.Errors = append(report.Errors, fmt.Sprintf("record %d: %v", i, err))
			testdoc.RecordIngestRecords(ctx, report.SourceID, "rejected", 1)
			continue
		}
		report.Warnings = append(report.Warnings, result.Warnings...)
		docs = append(docs, result)
	}
	if n := len(report.Warnings); n > 0 {
		testdoc.RecordIngestWarnings(ctx, report.SourceID, n)
	}
	return docs
}

// chunkVectors carries the embeddings for one chunk, indexed in parallel to
// the normalised docs: Docs[i] embeds docs[i], Steps[i][j] embeds step j of
// doc i.
type chunkVectors struct {
	Docs  [][]float32
	Steps [][][]float32
}

func (p *Pipeline) embedChunk(ctx context.Context, docs []*normalize.Result) (*chunkVectors, error) {
	texts := make([]string, 0, len(docs)*4)
	for _, result := range docs {
		texts = append(texts, result.Doc.EmbedText())
	}
	stepOffsets := make([]int, len(docs))
	for i, result := range docs {
		stepOffsets[i] = len(texts)
		for j := range result.Doc.Steps {
			texts = append(texts, result.Doc.Steps[j].EmbedText())
		}
	}
	vectors, err := p.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, core.NewErrorf(core.KindInternal,
			"embedder returned %d vectors for %d texts", len(vectors), len(texts))
	}
	out := &chunkVectors{
		Docs:  vectors[:len(docs)],
		Steps: make([][][]float32, len(docs)),
	}
	for i, result := range docs {
		out.Steps[i] = vectors[stepOffsets[i] : stepOffsets[i]+len(result.Doc.Steps)]
	}
	return out, nil
}

func (p *Pipeline) writeChunk(
	ctx context.Context,
	report *Report,
	docs []*normalize.Result,
	vectors *chunkVectors,
) error {
	var written, stepsWritten int64
	var countMu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.currentParallelism())
	for i := range docs {
		doc := docs[i].Doc
		docVec := vectors.Docs[i]
		stepVecs := vectors.Steps[i]
		group.Go(func() error {
			if err := p.writeDoc(groupCtx, doc, docVec, stepVecs); err != nil {
				return err
			}
			countMu.Lock()
			written++
			stepsWritten += int64(len(doc.Steps))
			countMu.Unlock()
			return nil
		})
	}
	err := group.Wait()
	report.DocsWritten += int(written)
	report.StepsWritten += int(stepsWritten)
	testdoc.RecordIngestRecords(ctx, report.SourceID, "written", int(written))
	return err
}

// writeDoc performs the per-document critical section: old steps are removed
// before the new doc and steps land so a shrunk test never leaves orphan
// step vectors behind.
func (p *Pipeline) writeDoc(
	ctx context.Context,
	doc *testdoc.TestDoc,
	docVec []float32,
	stepVecs [][]float32,
) error {
	unlock := p.locks.Lock(doc.UID)
	defer unlock()
	if _, err := p.store.DeleteStepsByParent(ctx, doc.UID); err != nil {
		return fmt.Errorf("delete steps for %s: %w", doc.UID, err)
	}
	if err := p.store.UpsertDocs(ctx, []vectordb.DocRecord{{UID: doc.UID, Vector: docVec, Doc: doc}}); err != nil {
		return fmt.Errorf("upsert doc %s: %w", doc.UID, err)
	}
	if len(doc.Steps) == 0 {
		return nil
	}
	records := make([]vectordb.StepRecord, len(doc.Steps))
	for j := range doc.Steps {
		records[j] = vectordb.StepRecord{ParentUID: doc.UID, Vector: stepVecs[j], Step: doc.Steps[j]}
	}
	if err := p.store.UpsertSteps(ctx, records); err != nil {
		return fmt.Errorf("upsert steps for %s: %w", doc.UID, err)
	}
	return nil
}

// throttle halves write parallelism after the provider signalled rate
// limiting. Parallelism never drops below one.
func (p *Pipeline) throttle(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.successRun = 0
	if p.parallelism > 1 {
		p.parallelism /= 2
		logger.FromContext(ctx).Info("Reducing ingest parallelism after rate limit", "parallelism", p.parallelism)
	}
}

// restoreParallelism steps throttled parallelism back toward the configured
// limit once enough consecutive chunks have succeeded.
func (p *Pipeline) restoreParallelism(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	limit := p.cfg.parallelism()
	if p.parallelism >= limit {
		p.successRun = 0
		return
	}
	p.successRun++
	if p.successRun < parallelismRecoveryChunks {
		return
	}
	p.successRun = 0
	p.parallelism *= 2
	if p.parallelism > limit {
		p.parallelism = limit
	}
	logger.FromContext(ctx).Info("Restoring ingest parallelism", "parallelism", p.parallelism)
}

func (p *Pipeline) currentParallelism() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.parallelism
}

func appendChunk(chunks []int, idx int) []int {
	for _, existing := range chunks {
		if existing == idx {
			return chunks
		}
	}
	return append(chunks, idx)
}

func removeChunk(chunks []int, idx int) []int {
	out := chunks[:0]
	for _, existing := range chunks {
		if existing != idx {
			out = append(out, existing)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

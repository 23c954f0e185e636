package vectordb

import (
	"context"
	"time"

	"github.com/qbench/qbench/engine/testdoc"
)

// Provider enumerates supported vector database backends.
type Provider string

const (
	ProviderPGVector Provider = "pgvector"
	ProviderQdrant   Provider = "qdrant"
	// ProviderMemory keeps both tiers in process memory. Used by tests and
	// for local experimentation; not durable.
	ProviderMemory Provider = "memory"
)

// DocRecord is one document-tier upsert unit.
type DocRecord struct {
	UID    string
	Vector []float32
	Doc    *testdoc.TestDoc
}

// StepRecord is one step-tier upsert unit. The step is addressed by
// (ParentUID, Step.Index); that pair is unique within the tier.
type StepRecord struct {
	ParentUID string
	Vector    []float32
	Step      testdoc.TestStep
}

// DocHit is a document-tier kNN result. Score is a normalized similarity in
// [0, 1] where 1 is identical; scores are comparable across tiers.
type DocHit struct {
	UID   string
	Score float64
	Doc   *testdoc.TestDoc
}

// StepHit is a step-tier kNN result.
type StepHit struct {
	ParentUID string
	Index     int
	Score     float64
}

// Counts reports corpus sizes for health and statistics.
type Counts struct {
	Docs       int64            `json:"doc_count"`
	Steps      int64            `json:"step_count"`
	ByPriority map[string]int64 `json:"by_priority,omitempty"`
}

// Filter is the compiled, store-native-agnostic filter expression produced by
// the filter compiler. Zero value matches everything. Backends translate the
// conditions into their own query language; when applied to the step tier
// they target the parent document's fields.
type Filter struct {
	// TagsAll requires the doc's tags to be a superset of the given set.
	TagsAll []string
	// PlatformsAll requires the doc's platforms to be a superset of the set.
	PlatformsAll []string
	// Priority requires an exact match.
	Priority string
	// TestType requires an exact match.
	TestType string
	// FolderPrefix requires folder_path to start with this sequence.
	FolderPrefix []string
	// RelatedAny requires the doc's related_keys to intersect the given set.
	RelatedAny []string
	// ExternalKeyGlob is an anchored restricted glob (* and ? only).
	ExternalKeyGlob string
}

// IsZero reports whether the filter carries no conditions.
func (f *Filter) IsZero() bool {
	if f == nil {
		return true
	}
	return len(f.TagsAll) == 0 && len(f.PlatformsAll) == 0 && f.Priority == "" &&
		f.TestType == "" && len(f.FolderPrefix) == 0 && len(f.RelatedAny) == 0 &&
		f.ExternalKeyGlob == ""
}

// Store exposes the two-tier contract consumed by ingestion and retrieval.
// All errors are mapped to engine error kinds before they leave this layer.
type Store interface {
	UpsertDocs(ctx context.Context, records []DocRecord) error
	UpsertSteps(ctx context.Context, records []StepRecord) error
	// DeleteDocByUID removes the doc and, transitively, its steps. Returns
	// the number of docs removed (0 or 1).
	DeleteDocByUID(ctx context.Context, uid string) (int, error)
	// DeleteStepsByParent removes all steps of a parent. Safe when absent.
	DeleteStepsByParent(ctx context.Context, uid string) (int, error)
	KnnDocs(ctx context.Context, vector []float32, k int, filter *Filter) ([]DocHit, error)
	KnnSteps(ctx context.Context, vector []float32, k int, filter *Filter) ([]StepHit, error)
	// FetchDocByUID returns the full payload or a not-found error.
	FetchDocByUID(ctx context.Context, uid string) (*testdoc.TestDoc, error)
	// FetchDocVector returns the stored embedding or a not-found error.
	FetchDocVector(ctx context.Context, uid string) ([]float32, error)
	FetchStepsByParent(ctx context.Context, uid string) ([]testdoc.TestStep, error)
	// FetchDocsByExternalKey returns all docs whose external_key equals key,
	// bounded by limit, ordered by uid.
	FetchDocsByExternalKey(ctx context.Context, key string, limit int) ([]*testdoc.TestDoc, error)
	Counts(ctx context.Context) (Counts, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Config captures normalized connection details for a vector database.
type Config struct {
	Provider Provider
	// DSN is the postgres connection string or the qdrant base URL.
	DSN string
	// DocTable and StepTable name the two tiers. Backends fall back to
	// "test_documents" and "test_steps".
	DocTable  string
	StepTable string
	// Dimension is asserted at schema creation; vectors of any other length
	// are rejected as a fatal configuration error.
	Dimension   int
	EnsureIndex bool
	Auth        map[string]string
	HTTPTimeout time.Duration
	MaxConns    int32
}

func (c *Config) docTable() string {
	if c.DocTable != "" {
		return c.DocTable
	}
	return "test_documents"
}

func (c *Config) stepTable() string {
	if c.StepTable != "" {
		return c.StepTable
	}
	return "test_steps"
}

package vectordb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/qbench/qbench/engine/core"
	"github.com/qbench/qbench/engine/testdoc"
)

type pgStore struct {
	pool           *pgxpool.Pool
	docTable       string
	stepTable      string
	docTableIdent  string
	stepTableIdent string
	dimension      int
	ensureIdx      bool
}

func newPGStore(ctx context.Context, cfg *Config) (Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, core.NewError(core.KindFatalConfig, "invalid postgres dsn", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, core.NewError(core.KindFatalConfig, "failed to connect to postgres", err)
	}
	store := &pgStore{
		pool:      pool,
		docTable:  cfg.docTable(),
		stepTable: cfg.stepTable(),
		dimension: cfg.Dimension,
		ensureIdx: cfg.EnsureIndex,
	}
	store.docTableIdent = pgx.Identifier{store.docTable}.Sanitize()
	store.stepTableIdent = pgx.Identifier{store.stepTable}.Sanitize()
	if err := store.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (p *pgStore) ensureSchema(ctx context.Context) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return wrapPGError("acquire connection", err)
	}
	defer conn.Release()
	if _, err = conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return wrapPGError("enable vector extension", err)
	}
	createDocs := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		uid TEXT PRIMARY KEY,
		external_key TEXT,
		title TEXT NOT NULL,
		summary TEXT,
		description TEXT,
		priority TEXT,
		test_type TEXT,
		platforms TEXT[] NOT NULL DEFAULT '{}',
		tags TEXT[] NOT NULL DEFAULT '{}',
		folder_path TEXT[] NOT NULL DEFAULT '{}',
		related_keys TEXT[] NOT NULL DEFAULT '{}',
		source TEXT,
		ingested_at TIMESTAMPTZ NOT NULL,
		embedding vector(%d)
	)`, p.docTableIdent, p.dimension)
	if _, err = conn.Exec(ctx, createDocs); err != nil {
		return wrapPGError("create doc table", err)
	}
	createSteps := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		parent_uid TEXT NOT NULL REFERENCES %s(uid) ON DELETE CASCADE,
		step_index INT NOT NULL,
		action TEXT NOT NULL,
		data TEXT,
		expected TEXT[] NOT NULL DEFAULT '{}',
		embedding vector(%d),
		PRIMARY KEY (parent_uid, step_index)
	)`, p.stepTableIdent, p.docTableIdent, p.dimension)
	if _, err = conn.Exec(ctx, createSteps); err != nil {
		return wrapPGError("create step table", err)
	}
	if p.ensureIdx {
		if err := p.ensureIndexes(ctx, conn.Conn()); err != nil {
			return err
		}
	}
	return nil
}

func (p *pgStore) ensureIndexes(ctx context.Context, conn *pgx.Conn) error {
	statements := []string{
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding vector_cosine_ops)",
			pgx.Identifier{p.docTable + "_embedding_idx"}.Sanitize(), p.docTableIdent),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding vector_cosine_ops)",
			pgx.Identifier{p.stepTable + "_embedding_idx"}.Sanitize(), p.stepTableIdent),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (external_key)",
			pgx.Identifier{p.docTable + "_external_key_idx"}.Sanitize(), p.docTableIdent),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (priority)",
			pgx.Identifier{p.docTable + "_priority_idx"}.Sanitize(), p.docTableIdent),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (test_type)",
			pgx.Identifier{p.docTable + "_test_type_idx"}.Sanitize(), p.docTableIdent),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING gin (tags)",
			pgx.Identifier{p.docTable + "_tags_idx"}.Sanitize(), p.docTableIdent),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING gin (platforms)",
			pgx.Identifier{p.docTable + "_platforms_idx"}.Sanitize(), p.docTableIdent),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING gin (related_keys)",
			pgx.Identifier{p.docTable + "_related_keys_idx"}.Sanitize(), p.docTableIdent),
	}
	for _, stmt := range statements {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return wrapPGError("create index", err)
		}
	}
	return nil
}

func (p *pgStore) UpsertDocs(ctx context.Context, records []DocRecord) (err error) {
	if len(records) == 0 {
		return nil
	}
	tx, txErr := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if txErr != nil {
		return wrapPGError("begin tx", txErr)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = fmt.Errorf("rollback failed: %w; original error: %v", rbErr, err)
			}
		} else if commitErr := tx.Commit(ctx); commitErr != nil {
			err = wrapPGError("commit", commitErr)
		}
	}()
	stmt := fmt.Sprintf(`INSERT INTO %s
		(uid, external_key, title, summary, description, priority, test_type,
		 platforms, tags, folder_path, related_keys, source, ingested_at, embedding)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	ON CONFLICT (uid) DO UPDATE SET
		external_key = excluded.external_key,
		title = excluded.title,
		summary = excluded.summary,
		description = excluded.description,
		priority = excluded.priority,
		test_type = excluded.test_type,
		platforms = excluded.platforms,
		tags = excluded.tags,
		folder_path = excluded.folder_path,
		related_keys = excluded.related_keys,
		source = excluded.source,
		ingested_at = GREATEST(%s.ingested_at, excluded.ingested_at),
		embedding = excluded.embedding`, p.docTableIdent, p.docTableIdent)
	for i := range records {
		rec := records[i]
		if rec.Doc == nil {
			return core.NewErrorf(core.KindInvalidInput, "doc record %q has no payload", rec.UID)
		}
		if dimErr := validateDimension(p.dimension, rec.Vector, "doc "+rec.UID); dimErr != nil {
			return dimErr
		}
		doc := rec.Doc
		var externalKey *string
		if doc.ExternalKey != "" {
			externalKey = &doc.ExternalKey
		}
		if _, execErr := tx.Exec(ctx, stmt,
			rec.UID, externalKey, doc.Title, nullable(doc.Summary), nullable(doc.Description),
			nullable(string(doc.Priority)), nullable(doc.TestType),
			emptySlice(doc.Platforms), emptySlice(doc.Tags), emptySlice(doc.FolderPath),
			emptySlice(doc.RelatedKeys), nullable(doc.Source), doc.IngestedAt.UTC(),
			pgvector.NewVector(rec.Vector),
		); execErr != nil {
			return wrapPGError(fmt.Sprintf("upsert doc %q", rec.UID), execErr)
		}
	}
	return nil
}

func (p *pgStore) UpsertSteps(ctx context.Context, records []StepRecord) (err error) {
	if len(records) == 0 {
		return nil
	}
	tx, txErr := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if txErr != nil {
		return wrapPGError("begin tx", txErr)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = fmt.Errorf("rollback failed: %w; original error: %v", rbErr, err)
			}
		} else if commitErr := tx.Commit(ctx); commitErr != nil {
			err = wrapPGError("commit", commitErr)
		}
	}()
	stmt := fmt.Sprintf(`INSERT INTO %s (parent_uid, step_index, action, data, expected, embedding)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (parent_uid, step_index) DO UPDATE SET
		action = excluded.action,
		data = excluded.data,
		expected = excluded.expected,
		embedding = excluded.embedding`, p.stepTableIdent)
	for i := range records {
		rec := records[i]
		label := fmt.Sprintf("step %s#%d", rec.ParentUID, rec.Step.Index)
		if dimErr := validateDimension(p.dimension, rec.Vector, label); dimErr != nil {
			return dimErr
		}
		if _, execErr := tx.Exec(ctx, stmt,
			rec.ParentUID, rec.Step.Index, rec.Step.Action, nullable(rec.Step.Data),
			emptySlice(rec.Step.Expected), pgvector.NewVector(rec.Vector),
		); execErr != nil {
			return wrapPGError("upsert "+label, execErr)
		}
	}
	return nil
}

func (p *pgStore) DeleteDocByUID(ctx context.Context, uid string) (int, error) {
	tag, err := p.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE uid = $1", p.docTableIdent), uid)
	if err != nil {
		return 0, wrapPGError("delete doc", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *pgStore) DeleteStepsByParent(ctx context.Context, uid string) (int, error) {
	tag, err := p.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE parent_uid = $1", p.stepTableIdent), uid)
	if err != nil {
		return 0, wrapPGError("delete steps", err)
	}
	return int(tag.RowsAffected()), nil
}

const docColumns = `uid, external_key, title, summary, description, priority, test_type,
	platforms, tags, folder_path, related_keys, source, ingested_at`

func (p *pgStore) KnnDocs(ctx context.Context, vector []float32, k int, filter *Filter) ([]DocHit, error) {
	if err := validateDimension(p.dimension, vector, "query"); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	builder := strings.Builder{}
	builder.WriteString("SELECT ")
	builder.WriteString(docColumns)
	builder.WriteString(", 1 - (td.embedding <=> $1) AS score FROM ")
	builder.WriteString(p.docTableIdent)
	builder.WriteString(" td WHERE td.embedding IS NOT NULL")
	args := []any{pgvector.NewVector(vector)}
	args = appendFilterSQL(&builder, args, filter)
	builder.WriteString(fmt.Sprintf(" ORDER BY td.embedding <=> $1 ASC LIMIT $%d", len(args)+1))
	args = append(args, k)
	rows, err := p.pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, wrapPGError("knn docs", err)
	}
	defer rows.Close()
	hits := make([]DocHit, 0, k)
	for rows.Next() {
		doc, score, scanErr := scanDocRow(rows)
		if scanErr != nil {
			return nil, wrapPGError("scan doc row", scanErr)
		}
		hits = append(hits, DocHit{UID: doc.UID, Score: clampScore(score), Doc: doc})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPGError("knn docs rows", err)
	}
	return hits, nil
}

func (p *pgStore) KnnSteps(ctx context.Context, vector []float32, k int, filter *Filter) ([]StepHit, error) {
	if err := validateDimension(p.dimension, vector, "query"); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	builder := strings.Builder{}
	builder.WriteString("SELECT ts.parent_uid, ts.step_index, 1 - (ts.embedding <=> $1) AS score FROM ")
	builder.WriteString(p.stepTableIdent)
	builder.WriteString(" ts JOIN ")
	builder.WriteString(p.docTableIdent)
	builder.WriteString(" td ON td.uid = ts.parent_uid WHERE ts.embedding IS NOT NULL")
	args := []any{pgvector.NewVector(vector)}
	args = appendFilterSQL(&builder, args, filter)
	builder.WriteString(fmt.Sprintf(" ORDER BY ts.embedding <=> $1 ASC LIMIT $%d", len(args)+1))
	args = append(args, k)
	rows, err := p.pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, wrapPGError("knn steps", err)
	}
	defer rows.Close()
	hits := make([]StepHit, 0, k)
	for rows.Next() {
		var hit StepHit
		var score float64
		if scanErr := rows.Scan(&hit.ParentUID, &hit.Index, &score); scanErr != nil {
			return nil, wrapPGError("scan step row", scanErr)
		}
		hit.Score = clampScore(score)
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPGError("knn steps rows", err)
	}
	return hits, nil
}

func (p *pgStore) FetchDocByUID(ctx context.Context, uid string) (*testdoc.TestDoc, error) {
	query := fmt.Sprintf("SELECT %s, 0::float8 FROM %s td WHERE td.uid = $1", docColumns, p.docTableIdent)
	rows, err := p.pool.Query(ctx, query, uid)
	if err != nil {
		return nil, wrapPGError("fetch doc", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, wrapPGError("fetch doc rows", err)
		}
		return nil, core.NewErrorf(core.KindNotFound, "doc %q not found", uid)
	}
	doc, _, scanErr := scanDocRow(rows)
	if scanErr != nil {
		return nil, wrapPGError("scan doc row", scanErr)
	}
	steps, err := p.FetchStepsByParent(ctx, uid)
	if err != nil {
		return nil, err
	}
	doc.Steps = steps
	return doc, nil
}

func (p *pgStore) FetchDocVector(ctx context.Context, uid string) ([]float32, error) {
	var vec pgvector.Vector
	row := p.pool.QueryRow(ctx, fmt.Sprintf("SELECT embedding FROM %s WHERE uid = $1", p.docTableIdent), uid)
	if err := row.Scan(&vec); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.NewErrorf(core.KindNotFound, "doc %q not found", uid)
		}
		return nil, wrapPGError("fetch doc vector", err)
	}
	return vec.Slice(), nil
}

func (p *pgStore) FetchStepsByParent(ctx context.Context, uid string) ([]testdoc.TestStep, error) {
	query := fmt.Sprintf(
		"SELECT step_index, action, data, expected FROM %s WHERE parent_uid = $1 ORDER BY step_index",
		p.stepTableIdent,
	)
	rows, err := p.pool.Query(ctx, query, uid)
	if err != nil {
		return nil, wrapPGError("fetch steps", err)
	}
	defer rows.Close()
	steps := make([]testdoc.TestStep, 0, 8)
	for rows.Next() {
		var step testdoc.TestStep
		var data *string
		if scanErr := rows.Scan(&step.Index, &step.Action, &data, &step.Expected); scanErr != nil {
			return nil, wrapPGError("scan step", scanErr)
		}
		if data != nil {
			step.Data = *data
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPGError("fetch steps rows", err)
	}
	return steps, nil
}

func (p *pgStore) FetchDocsByExternalKey(ctx context.Context, key string, limit int) ([]*testdoc.TestDoc, error) {
	if limit <= 0 {
		limit = testdoc.MaxLookupMatches
	}
	query := fmt.Sprintf(
		"SELECT %s, 0::float8 FROM %s td WHERE td.external_key = $1 ORDER BY td.uid LIMIT $2",
		docColumns, p.docTableIdent,
	)
	rows, err := p.pool.Query(ctx, query, key, limit)
	if err != nil {
		return nil, wrapPGError("fetch by external key", err)
	}
	defer rows.Close()
	docs := make([]*testdoc.TestDoc, 0, 2)
	for rows.Next() {
		doc, _, scanErr := scanDocRow(rows)
		if scanErr != nil {
			return nil, wrapPGError("scan doc row", scanErr)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPGError("fetch by external key rows", err)
	}
	for _, doc := range docs {
		steps, stepErr := p.FetchStepsByParent(ctx, doc.UID)
		if stepErr != nil {
			return nil, stepErr
		}
		doc.Steps = steps
	}
	return docs, nil
}

func (p *pgStore) Counts(ctx context.Context) (Counts, error) {
	counts := Counts{ByPriority: make(map[string]int64)}
	row := p.pool.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", p.docTableIdent))
	if err := row.Scan(&counts.Docs); err != nil {
		return counts, wrapPGError("count docs", err)
	}
	row = p.pool.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", p.stepTableIdent))
	if err := row.Scan(&counts.Steps); err != nil {
		return counts, wrapPGError("count steps", err)
	}
	rows, err := p.pool.Query(ctx, fmt.Sprintf(
		"SELECT priority, COUNT(*) FROM %s WHERE priority IS NOT NULL GROUP BY priority", p.docTableIdent,
	))
	if err != nil {
		return counts, wrapPGError("count priorities", err)
	}
	defer rows.Close()
	for rows.Next() {
		var priority string
		var n int64
		if scanErr := rows.Scan(&priority, &n); scanErr != nil {
			return counts, wrapPGError("scan priority count", scanErr)
		}
		counts.ByPriority[priority] = n
	}
	if err := rows.Err(); err != nil {
		return counts, wrapPGError("count priorities rows", err)
	}
	return counts, nil
}

func (p *pgStore) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return wrapPGError("ping", err)
	}
	return nil
}

func (p *pgStore) Close(context.Context) error {
	p.pool.Close()
	return nil
}

// appendFilterSQL emits WHERE conditions against the doc table alias "td".
// Step-tier queries join the doc table under the same alias, so the filter
// compiles identically for both tiers.
func appendFilterSQL(builder *strings.Builder, args []any, filter *Filter) []any {
	if filter.IsZero() {
		return args
	}
	next := func() int { return len(args) + 1 }
	if filter.Priority != "" {
		fmt.Fprintf(builder, " AND td.priority = $%d", next())
		args = append(args, filter.Priority)
	}
	if filter.TestType != "" {
		fmt.Fprintf(builder, " AND td.test_type = $%d", next())
		args = append(args, filter.TestType)
	}
	if len(filter.TagsAll) > 0 {
		fmt.Fprintf(builder, " AND td.tags @> $%d", next())
		args = append(args, filter.TagsAll)
	}
	if len(filter.PlatformsAll) > 0 {
		fmt.Fprintf(builder, " AND td.platforms @> $%d", next())
		args = append(args, filter.PlatformsAll)
	}
	if len(filter.RelatedAny) > 0 {
		fmt.Fprintf(builder, " AND td.related_keys && $%d", next())
		args = append(args, filter.RelatedAny)
	}
	if len(filter.FolderPrefix) > 0 {
		fmt.Fprintf(builder, " AND td.folder_path[1:$%d] = $%d", next(), next()+1)
		args = append(args, len(filter.FolderPrefix), filter.FolderPrefix)
	}
	if filter.ExternalKeyGlob != "" {
		fmt.Fprintf(builder, ` AND td.external_key LIKE $%d ESCAPE '\'`, next())
		args = append(args, GlobToLike(filter.ExternalKeyGlob))
	}
	return args
}

func scanDocRow(rows pgx.Rows) (*testdoc.TestDoc, float64, error) {
	var doc testdoc.TestDoc
	var externalKey, summary, description, priority, testType, source *string
	var ingestedAt time.Time
	var score float64
	if err := rows.Scan(
		&doc.UID, &externalKey, &doc.Title, &summary, &description, &priority, &testType,
		&doc.Platforms, &doc.Tags, &doc.FolderPath, &doc.RelatedKeys, &source, &ingestedAt, &score,
	); err != nil {
		return nil, 0, err
	}
	doc.ExternalKey = deref(externalKey)
	doc.Summary = deref(summary)
	doc.Description = deref(description)
	doc.Priority = testdoc.Priority(deref(priority))
	doc.TestType = deref(testType)
	doc.Source = deref(source)
	doc.IngestedAt = ingestedAt
	return &doc, score, nil
}

// wrapPGError maps raw postgres failures into engine error kinds. Connection
// class, resource exhaustion, and serialization failures are retryable.
func wrapPGError(op string, err error) error {
	if err == nil {
		return nil
	}
	kind := core.KindInternal
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		kind = core.KindTransient
	case errors.As(err, &pgErr):
		code := pgErr.Code
		switch {
		case strings.HasPrefix(code, "08"), strings.HasPrefix(code, "53"),
			code == "57P03", code == "40001", code == "40P01":
			kind = core.KindTransient
		}
	case pgconn.Timeout(err):
		kind = core.KindTransient
	}
	return core.NewError(kind, "pgvector: "+op, err)
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func emptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

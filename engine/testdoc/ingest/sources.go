package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/qbench/qbench/engine/core"
)

// Source yields raw test records for ingestion. Next returns io.EOF when the
// source is exhausted. Records are produced lazily so large exports never
// have to fit in memory as canonical documents.
type Source interface {
	ID() string
	Next(ctx context.Context) (map[string]any, error)
}

// SliceSource serves records from memory. Used by the MCP ingest tool, which
// receives records inline, and by tests.
type SliceSource struct {
	id      string
	records []map[string]any
	pos     int
}

func NewSliceSource(id string, records []map[string]any) *SliceSource {
	return &SliceSource{id: id, records: records}
}

func (s *SliceSource) ID() string { return s.id }

func (s *SliceSource) Next(ctx context.Context) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.records) {
		return nil, io.EOF
	}
	record := s.records[s.pos]
	s.pos++
	return record, nil
}

// FileSource serves records from a JSON export file. The file may be a bare
// array, a single object, or one of the wrapper shapes seen in the wild:
// {"tests": [...]}, {"rows": [...]}, {"data": [...]}, or
// {"testSuite": {"testCases": [...]}}.
type FileSource struct {
	path  string
	inner *SliceSource
}

func NewFileSource(path string) (*FileSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.NewErrorf(core.KindNotFound, "source file %q not found", path)
		}
		return nil, fmt.Errorf("read source file %q: %w", path, err)
	}
	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, core.NewErrorf(core.KindInvalidInput, "source file %q is not valid JSON: %v", path, err)
	}
	records, err := unwrapRecords(payload)
	if err != nil {
		return nil, core.NewError(core.KindInvalidInput, "unsupported source file shape", err).
			WithField("path", path)
	}
	id := filepath.Base(path)
	return &FileSource{path: path, inner: NewSliceSource(id, records)}, nil
}

func (f *FileSource) ID() string { return f.inner.ID() }

func (f *FileSource) Next(ctx context.Context) (map[string]any, error) {
	return f.inner.Next(ctx)
}

func unwrapRecords(payload any) ([]map[string]any, error) {
	switch v := payload.(type) {
	case []any:
		return coerceRecords(v)
	case map[string]any:
		for _, key := range []string{"tests", "rows", "data"} {
			if items, ok := v[key].([]any); ok {
				return coerceRecords(items)
			}
		}
		if suite, ok := v["testSuite"].(map[string]any); ok {
			if items, ok := suite["testCases"].([]any); ok {
				return coerceRecords(items)
			}
		}
		// Single test object.
		return []map[string]any{v}, nil
	default:
		return nil, fmt.Errorf("unsupported top-level JSON shape %T", payload)
	}
}

func coerceRecords(items []any) ([]map[string]any, error) {
	records := make([]map[string]any, 0, len(items))
	for i, item := range items {
		record, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("element %d is not an object", i)
		}
		records = append(records, record)
	}
	return records, nil
}

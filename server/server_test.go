package server

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qbench/qbench/engine/core"
	"github.com/qbench/qbench/engine/testdoc/embedder"
	"github.com/qbench/qbench/engine/testdoc/ingest"
	"github.com/qbench/qbench/engine/testdoc/normalize"
	"github.com/qbench/qbench/engine/testdoc/search"
	"github.com/qbench/qbench/engine/testdoc/uc"
	"github.com/qbench/qbench/engine/testdoc/vectordb"
)

const testDimension = 4

type fixedEmbedder struct{}

func (f *fixedEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}

func (f *fixedEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := f.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (f *fixedEmbedder) Dimension() int { return testDimension }

type fixedStats struct{}

func (f *fixedStats) Stats() embedder.Stats { return embedder.Stats{} }

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	store := vectordb.NewMemoryStore(testDimension)
	emb := &fixedEmbedder{}
	searchSvc, err := search.NewService(emb, store, search.Config{})
	require.NoError(t, err)
	pipeline, err := ingest.NewPipeline(normalize.NewService(), emb, store, ingest.Config{})
	require.NoError(t, err)
	return New(Deps{
		Search:      uc.NewSearch(searchSvc),
		GetByKey:    uc.NewGetByKey(searchSvc),
		FindSimilar: uc.NewFindSimilar(searchSvc),
		Ingest:      uc.NewIngest(pipeline),
		Delete:      uc.NewDelete(store),
		Health:      uc.NewHealth(store, &fixedStats{}),
	}, cfg)
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func decodeText(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &payload))
	return payload
}

func ingestFixture(t *testing.T, srv *Server) {
	t.Helper()
	result, err := srv.handleIngest(context.Background(), callRequest("ingest_tests", map[string]any{
		"records": []any{
			map[string]any{
				"issueKey": "PROJ-1",
				"testInfo": map[string]any{"summary": "Login works", "priority": "High"},
				"steps": []any{
					map[string]any{"index": 1, "action": "Open login page", "result": "Page loads"},
				},
			},
		},
		"source_id": "fixture",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
}

func TestServer_ShouldIngestAndSearch(t *testing.T) {
	srv := newTestServer(t, Config{})
	ingestFixture(t, srv)

	result, err := srv.handleSearch(context.Background(), callRequest("search_tests", map[string]any{
		"query": "login",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	payload := decodeText(t, result)
	hits, ok := payload["hits"].([]any)
	require.True(t, ok)
	require.Len(t, hits, 1)
	hit := hits[0].(map[string]any)
	assert.Equal(t, "PROJ-1", hit["uid"])
}

func TestServer_ShouldReturnErrorEnvelopeForBadFilter(t *testing.T) {
	srv := newTestServer(t, Config{})
	result, err := srv.handleSearch(context.Background(), callRequest("search_tests", map[string]any{
		"query":   "login",
		"filters": map[string]any{"owner": "me"},
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	payload := decodeText(t, result)
	assert.Equal(t, string(core.KindInvalidInput), payload["kind"])
}

func TestServer_ShouldRejectMissingQuery(t *testing.T) {
	srv := newTestServer(t, Config{})
	result, err := srv.handleSearch(context.Background(), callRequest("search_tests", map[string]any{}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	payload := decodeText(t, result)
	assert.Equal(t, string(core.KindInvalidInput), payload["kind"])
}

func TestServer_ShouldRateLimitIngest(t *testing.T) {
	srv := newTestServer(t, Config{IngestRatePerMin: 1})
	ingestFixture(t, srv)

	result, err := srv.handleIngest(context.Background(), callRequest("ingest_tests", map[string]any{
		"records": []any{map[string]any{
			"issueKey": "PROJ-2",
			"testInfo": map[string]any{"summary": "Second"},
		}},
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	payload := decodeText(t, result)
	assert.Equal(t, string(core.KindRateLimited), payload["kind"])
	assert.Contains(t, payload, "retry_after_ms")
}

func TestServer_ShouldLookupByKeyAndDelete(t *testing.T) {
	srv := newTestServer(t, Config{})
	ingestFixture(t, srv)

	result, err := srv.handleGetByKey(context.Background(), callRequest("get_test_by_key", map[string]any{
		"key": "PROJ-1",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	payload := decodeText(t, result)
	tests, ok := payload["tests"].([]any)
	require.True(t, ok)
	require.Len(t, tests, 1)

	result, err = srv.handleDelete(context.Background(), callRequest("delete_test", map[string]any{
		"uid": "PROJ-1",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	result, err = srv.handleGetByKey(context.Background(), callRequest("get_test_by_key", map[string]any{
		"key": "PROJ-1",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	payload = decodeText(t, result)
	assert.Equal(t, string(core.KindNotFound), payload["kind"])
}

func TestServer_ShouldReportHealth(t *testing.T) {
	srv := newTestServer(t, Config{})
	ingestFixture(t, srv)
	result, err := srv.handleHealth(context.Background(), callRequest("check_health", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)
	payload := decodeText(t, result)
	assert.Equal(t, "ok", payload["status"])
	assert.Equal(t, true, payload["store_reachable"])
}

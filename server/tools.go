package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/qbench/qbench/engine/testdoc"
	"github.com/qbench/qbench/engine/testdoc/uc"
	"github.com/qbench/qbench/pkg/logger"
)

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("search_tests",
		mcp.WithDescription("Semantic search over ingested test cases. Matches both test summaries and individual steps, fusing the two tiers into one ranking."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Natural-language description of the behaviour to find")),
		mcp.WithNumber("top_k", mcp.Description("Maximum number of results, 1-100 (default 20)")),
		mcp.WithString("scope", mcp.Description("Tier selection: docs, steps, or all (default all)")),
		mcp.WithObject("filters", mcp.Description("Metadata filters: tags, platforms, priority, test_type, folder_prefix, related_keys, external_key_pattern")),
	), s.handleSearch)

	s.mcp.AddTool(mcp.NewTool("get_test_by_key",
		mcp.WithDescription("Fetch test cases by their external tracker key (e.g. PROJ-123)."),
		mcp.WithString("key", mcp.Required(), mcp.Description("External tracker key")),
	), s.handleGetByKey)

	s.mcp.AddTool(mcp.NewTool("find_similar_tests",
		mcp.WithDescription("Rank tests by similarity to an already ingested test, using its stored embedding."),
		mcp.WithString("uid", mcp.Required(), mcp.Description("UID of the anchor test")),
		mcp.WithNumber("top_k", mcp.Description("Maximum number of results, 1-100 (default 20)")),
		mcp.WithString("scope", mcp.Description("Tier selection: docs, steps, or all (default all)")),
		mcp.WithObject("filters", mcp.Description("Metadata filters applied to candidates")),
	), s.handleFindSimilar)

	s.mcp.AddTool(mcp.NewTool("ingest_tests",
		mcp.WithDescription("Normalise and index test records. Accepts inline records or a path to a JSON export file."),
		mcp.WithArray("records", mcp.Description("Inline raw test records")),
		mcp.WithString("path", mcp.Description("Path to a JSON export file")),
		mcp.WithString("source_id", mcp.Description("Stable identifier for inline records")),
	), s.handleIngest)

	s.mcp.AddTool(mcp.NewTool("delete_test",
		mcp.WithDescription("Remove a test document and all of its steps."),
		mcp.WithString("uid", mcp.Required(), mcp.Description("UID of the test to delete")),
	), s.handleDelete)

	s.mcp.AddTool(mcp.NewTool("check_health",
		mcp.WithDescription("Report store reachability, corpus statistics, embedding provider status, and version."),
	), s.handleHealth)
}

func (s *Server) handleSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.run(ctx, "search_tests", s.limits.allowQuery, s.cfg.searchTimeout(), func(ctx context.Context) (any, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return nil, invalidArgument(err)
		}
		return s.deps.Search.Execute(ctx, &uc.SearchInput{
			Query:   query,
			TopK:    req.GetInt("top_k", 0),
			Scope:   req.GetString("scope", ""),
			Filters: objectArgument(req, "filters"),
		})
	})
}

func (s *Server) handleGetByKey(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.run(ctx, "get_test_by_key", s.limits.allowQuery, s.cfg.searchTimeout(), func(ctx context.Context) (any, error) {
		key, err := req.RequireString("key")
		if err != nil {
			return nil, invalidArgument(err)
		}
		return s.deps.GetByKey.Execute(ctx, &uc.GetByKeyInput{Key: key})
	})
}

func (s *Server) handleFindSimilar(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.run(ctx, "find_similar_tests", s.limits.allowQuery, s.cfg.searchTimeout(), func(ctx context.Context) (any, error) {
		uid, err := req.RequireString("uid")
		if err != nil {
			return nil, invalidArgument(err)
		}
		return s.deps.FindSimilar.Execute(ctx, &uc.FindSimilarInput{
			UID:     uid,
			TopK:    req.GetInt("top_k", 0),
			Scope:   req.GetString("scope", ""),
			Filters: objectArgument(req, "filters"),
		})
	})
}

func (s *Server) handleIngest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	// No per-call deadline: chunk timeouts inside the pipeline bound progress.
	return s.run(ctx, "ingest_tests", s.limits.allowIngest, 0, func(ctx context.Context) (any, error) {
		return s.deps.Ingest.Execute(ctx, &uc.IngestInput{
			Records:  recordsArgument(req),
			Path:     req.GetString("path", ""),
			SourceID: req.GetString("source_id", ""),
		})
	})
}

func (s *Server) handleDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.run(ctx, "delete_test", s.limits.allowQuery, s.cfg.searchTimeout(), func(ctx context.Context) (any, error) {
		uid, err := req.RequireString("uid")
		if err != nil {
			return nil, invalidArgument(err)
		}
		return s.deps.Delete.Execute(ctx, &uc.DeleteInput{UID: uid})
	})
}

func (s *Server) handleHealth(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.run(ctx, "check_health", nil, s.cfg.searchTimeout(), func(ctx context.Context) (any, error) {
		return s.deps.Health.Execute(ctx), nil
	})
}

// run wraps a tool body with rate limiting, a deadline, metrics, and the
// uniform error envelope.
func (s *Server) run(
	ctx context.Context,
	tool string,
	limit func(context.Context) error,
	timeout time.Duration,
	body func(context.Context) (any, error),
) (*mcp.CallToolResult, error) {
	started := time.Now()
	log := logger.FromContext(ctx)
	if limit != nil {
		if err := limit(ctx); err != nil {
			testdoc.RecordToolRequest(ctx, tool, "rate_limited")
			return errorResult(ctx, tool, err), nil
		}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	payload, err := body(ctx)
	testdoc.RecordToolLatency(ctx, tool, time.Since(started))
	if err != nil {
		testdoc.RecordToolRequest(ctx, tool, "error")
		return errorResult(ctx, tool, err), nil
	}
	testdoc.RecordToolRequest(ctx, tool, "ok")
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error("Failed to encode tool result", "tool", tool, "error", err)
		testdoc.RecordToolRequest(ctx, tool, "error")
		return mcp.NewToolResultError("internal: failed to encode result"), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func objectArgument(req mcp.CallToolRequest, key string) map[string]any {
	args := req.GetArguments()
	if value, ok := args[key].(map[string]any); ok {
		return value
	}
	return nil
}

func recordsArgument(req mcp.CallToolRequest) []map[string]any {
	args := req.GetArguments()
	items, ok := args["records"].([]any)
	if !ok {
		return nil
	}
	records := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if record, isMap := item.(map[string]any); isMap {
			records = append(records, record)
		}
	}
	return records
}

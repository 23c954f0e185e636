package uc

import (
	"context"
	"errors"
	"strings"

	"github.com/qbench/qbench/engine/core"
	"github.com/qbench/qbench/engine/testdoc"
	"github.com/qbench/qbench/engine/testdoc/filter"
	"github.com/qbench/qbench/engine/testdoc/search"
)

type SearchInput struct {
	Query   string
	TopK    int
	Scope   string
	Filters map[string]any
}

type SearchOutput struct {
	Hits    []testdoc.SearchHit `json:"hits"`
	Partial bool                `json:"partial,omitempty"`
	Warning string              `json:"warning,omitempty"`
}

type Search struct {
	svc *search.Service
}

func NewSearch(svc *search.Service) *Search {
	return &Search{svc: svc}
}

func (uc *Search) Execute(ctx context.Context, in *SearchInput) (*SearchOutput, error) {
	if in == nil {
		return nil, errors.New("testdoc: search input is required")
	}
	topK, err := normalizeTopK(in.TopK)
	if err != nil {
		return nil, err
	}
	scope, err := normalizeScope(in.Scope)
	if err != nil {
		return nil, err
	}
	compiled, err := filter.Compile(in.Filters)
	if err != nil {
		return nil, err
	}
	result, err := uc.svc.Search(ctx, in.Query, topK, scope, compiled)
	if err != nil {
		return nil, err
	}
	return &SearchOutput{Hits: result.Hits, Partial: result.Partial, Warning: result.Warning}, nil
}

// normalizeScope applies the default tier selection shared by the ranked
// operations.
func normalizeScope(raw string) (testdoc.Scope, error) {
	scope := testdoc.Scope(strings.TrimSpace(raw))
	if scope == "" {
		return testdoc.ScopeAll, nil
	}
	if !scope.IsValid() {
		return "", core.NewErrorf(core.KindInvalidInput, "unknown scope %q", raw).
			WithField("scope", raw)
	}
	return scope, nil
}

// normalizeTopK applies the default and enforces the upper bound shared by
// all ranked operations.
func normalizeTopK(topK int) (int, error) {
	if topK == 0 {
		return testdoc.DefaultTopK, nil
	}
	if topK < 1 || topK > testdoc.MaxTopK {
		return 0, core.NewErrorf(core.KindInvalidInput,
			"top_k must be between 1 and %d", testdoc.MaxTopK).
			WithField("top_k", topK)
	}
	return topK, nil
}

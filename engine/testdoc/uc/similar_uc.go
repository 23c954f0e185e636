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

type FindSimilarInput struct {
	UID     string
	TopK    int
	Scope   string
	Filters map[string]any
}

type FindSimilarOutput struct {
	Hits    []testdoc.SearchHit `json:"hits"`
	Partial bool                `json:"partial,omitempty"`
	Warning string              `json:"warning,omitempty"`
}

type FindSimilar struct {
	svc *search.Service
}

func NewFindSimilar(svc *search.Service) *FindSimilar {
	return &FindSimilar{svc: svc}
}

func (uc *FindSimilar) Execute(ctx context.Context, in *FindSimilarInput) (*FindSimilarOutput, error) {
	if in == nil {
		return nil, errors.New("testdoc: find-similar input is required")
	}
	uid := strings.TrimSpace(in.UID)
	if uid == "" {
		return nil, core.NewErrorf(core.KindInvalidInput, "uid must not be empty")
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
	result, err := uc.svc.SimilarTo(ctx, uid, topK, scope, compiled)
	if err != nil {
		return nil, err
	}
	return &FindSimilarOutput{Hits: result.Hits, Partial: result.Partial, Warning: result.Warning}, nil
}

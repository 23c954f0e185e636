package uc

import (
	"context"
	"errors"
	"strings"

	"github.com/qbench/qbench/engine/core"
	"github.com/qbench/qbench/engine/testdoc/ingest"
)

type IngestInput struct {
	// Records carries inline raw test records; Path names an export file.
	// Exactly one of the two must be set.
	Records  []map[string]any
	Path     string
	SourceID string
}

type IngestOutput struct {
	Report *ingest.Report `json:"report"`
}

type Ingest struct {
	pipeline *ingest.Pipeline
}

func NewIngest(pipeline *ingest.Pipeline) *Ingest {
	return &Ingest{pipeline: pipeline}
}

func (uc *Ingest) Execute(ctx context.Context, in *IngestInput) (*IngestOutput, error) {
	if in == nil {
		return nil, errors.New("testdoc: ingest input is required")
	}
	src, err := uc.resolveSource(in)
	if err != nil {
		return nil, err
	}
	report, err := uc.pipeline.Run(ctx, src)
	if err != nil {
		return nil, err
	}
	return &IngestOutput{Report: report}, nil
}

func (uc *Ingest) resolveSource(in *IngestInput) (ingest.Source, error) {
	path := strings.TrimSpace(in.Path)
	switch {
	case len(in.Records) > 0 && path != "":
		return nil, core.NewErrorf(core.KindInvalidInput, "records and path are mutually exclusive")
	case len(in.Records) > 0:
		id := strings.TrimSpace(in.SourceID)
		if id == "" {
			id = "inline"
		}
		return ingest.NewSliceSource(id, in.Records), nil
	case path != "":
		return ingest.NewFileSource(path)
	default:
		return nil, core.NewErrorf(core.KindInvalidInput, "either records or path is required")
	}
}

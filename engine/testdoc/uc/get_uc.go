package uc

import (
	"context"
	"errors"

	"github.com/qbench/qbench/engine/testdoc"
	"github.com/qbench/qbench/engine/testdoc/search"
)

type GetByKeyInput struct {
	Key string
}

type GetByKeyOutput struct {
	Docs []*testdoc.TestDoc `json:"tests"`
}

type GetByKey struct {
	svc *search.Service
}

func NewGetByKey(svc *search.Service) *GetByKey {
	return &GetByKey{svc: svc}
}

func (uc *GetByKey) Execute(ctx context.Context, in *GetByKeyInput) (*GetByKeyOutput, error) {
	if in == nil {
		return nil, errors.New("testdoc: get input is required")
	}
	key, err := validateExternalKey(in.Key)
	if err != nil {
		return nil, err
	}
	docs, err := uc.svc.LookupByExternalKey(ctx, key)
	if err != nil {
		return nil, err
	}
	return &GetByKeyOutput{Docs: docs}, nil
}

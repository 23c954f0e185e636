package uc

import (
	"context"
	"errors"
	"strings"

	"github.com/qbench/qbench/engine/core"
	"github.com/qbench/qbench/engine/testdoc/vectordb"
	"github.com/qbench/qbench/pkg/logger"
)

type DeleteInput struct {
	UID string
}

type DeleteOutput struct {
	UID string `json:"uid"`
}

type Delete struct {
	store vectordb.Store
}

func NewDelete(store vectordb.Store) *Delete {
	return &Delete{store: store}
}

// Execute removes a document and its steps. Deleting an absent uid is a
// not-found error, not a no-op, so callers can distinguish a typo from a
// successful removal.
func (uc *Delete) Execute(ctx context.Context, in *DeleteInput) (*DeleteOutput, error) {
	if in == nil {
		return nil, errors.New("testdoc: delete input is required")
	}
	uid := strings.TrimSpace(in.UID)
	if uid == "" {
		return nil, core.NewErrorf(core.KindInvalidInput, "uid must not be empty")
	}
	removed, err := uc.store.DeleteDocByUID(ctx, uid)
	if err != nil {
		return nil, err
	}
	if removed == 0 {
		return nil, core.NewErrorf(core.KindNotFound, "no test found for uid %q", uid)
	}
	logger.FromContext(ctx).Info("Deleted test document", "uid", uid)
	return &DeleteOutput{UID: uid}, nil
}

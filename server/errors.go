package server

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/qbench/qbench/engine/core"
	"github.com/qbench/qbench/pkg/logger"
)

// errorEnvelope is the JSON body of every failed tool call. Kind is stable
// so clients branch on it instead of parsing messages.
type errorEnvelope struct {
	Kind         core.Kind      `json:"kind"`
	Message      string         `json:"message"`
	Fields       map[string]any `json:"fields,omitempty"`
	RetryAfterMs int64          `json:"retry_after_ms,omitempty"`
}

func invalidArgument(err error) error {
	return core.NewError(core.KindInvalidInput, "invalid arguments", err)
}

func errorResult(ctx context.Context, tool string, err error) *mcp.CallToolResult {
	log := logger.FromContext(ctx)
	envelope := errorEnvelope{Kind: core.KindOf(err), Message: err.Error()}
	var engineErr *core.Error
	if errors.As(err, &engineErr) {
		envelope.Fields = core.CloneMap(engineErr.Fields)
	}
	if hint, ok := core.RetryAfterHint(err); ok {
		envelope.RetryAfterMs = hint.Milliseconds()
		delete(envelope.Fields, "retry_after")
	}
	switch envelope.Kind {
	case core.KindInternal, core.KindFatalConfig:
		log.Error("Tool call failed", "tool", tool, "kind", envelope.Kind, "error", err)
	default:
		log.Debug("Tool call rejected", "tool", tool, "kind", envelope.Kind, "error", err)
	}
	data, marshalErr := json.Marshal(envelope)
	if marshalErr != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultError(string(data))
}

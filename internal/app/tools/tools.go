package tools

import (
	"context"
)

// ToolContext carries the call a tool runs on behalf of.
type ToolContext struct {
	TenantID  string
	CallID    string
	RequestID string
}

// Tool is a side-effecting helper the turn stages can invoke off the hot path.
// Input and output are generic maps so tools stay swappable.
type Tool interface {
	Name() string
	Call(ctx context.Context, tctx ToolContext, input map[string]any) (map[string]any, error)
}

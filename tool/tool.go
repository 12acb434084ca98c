package tool

import (
	"context"
	"time"

	"github.com/changqingla/ireader/types"
)

// Tool is the single capability interface the engine dispatches through.
// Native tools and protocol-backed tools both live behind it; the registry
// stores it uniformly.
//
// Invoke reports failures inside the ToolResult rather than as a Go error:
// the reasoning loop records them as observations and continues.
type Tool interface {
	// Name returns the tool's registered name.
	Name() string
	// Description returns a one-paragraph description shown to the model.
	Description() string
	// Schema returns the tool's input schema.
	Schema() types.ToolSchema
	// Invoke executes the tool under a hard timeout.
	Invoke(ctx context.Context, args map[string]any, timeout time.Duration) *types.ToolResult
}

// Renamable is implemented by tools whose advertised name the registry may
// rewrite on collision, so later lookups stay consistent.
type Renamable interface {
	Rename(name string)
}

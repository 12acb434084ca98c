package protocol

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/changqingla/ireader/types"
)

// AdapterTool exposes one server-side tool through the shared tool
// interface. Arguments are validated against the server's advertised input
// schema before any connection is consumed; validation failures come back
// as error results so the loop can correct itself.
type AdapterTool struct {
	name     string
	serverID string
	info     ToolInfo
	pool     *Pool
	schema   *jsonschema.Schema
	logger   *zap.Logger
}

// NewAdapterTool builds an adapter for one discovered tool. A malformed
// input schema disables validation rather than rejecting the tool.
func NewAdapterTool(info ToolInfo, pool *Pool, serverID string, logger *zap.Logger) *AdapterTool {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &AdapterTool{
		name:     info.Name,
		serverID: serverID,
		info:     info,
		pool:     pool,
		logger:   logger.With(zap.String("server", serverID), zap.String("tool", info.Name)),
	}
	if len(info.InputSchema) > 0 {
		schema, err := compileSchema(info.InputSchema)
		if err != nil {
			t.logger.Warn("input schema does not compile, skipping validation", zap.Error(err))
		} else {
			t.schema = schema
		}
	}
	return t
}

func compileSchema(raw []byte) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("input.json", bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile("input.json")
}

func (t *AdapterTool) Name() string        { return t.name }
func (t *AdapterTool) Description() string { return t.info.Description }

// Rename updates the advertised name after a registry collision.
func (t *AdapterTool) Rename(name string) { t.name = name }

func (t *AdapterTool) Schema() types.ToolSchema {
	return types.ToolSchema{
		Name:        t.name,
		Description: t.info.Description,
		Parameters:  t.info.InputSchema,
		ServerID:    t.serverID,
	}
}

// Invoke validates the arguments and routes the call through the pool.
// The server-side tool name stays the original even when the registry
// renamed the adapter.
func (t *AdapterTool) Invoke(ctx context.Context, args map[string]any, timeout time.Duration) *types.ToolResult {
	start := time.Now()
	if args == nil {
		args = map[string]any{}
	}

	if t.schema != nil {
		if err := t.schema.Validate(normalize(args)); err != nil {
			return types.ErrorResult(t.name, fmt.Sprintf("invalid arguments: %v", err), time.Since(start))
		}
	}

	result := t.pool.CallTool(ctx, t.info.Name, args, timeout)
	result.Name = t.name
	return result
}

// normalize rewrites the argument map into the shapes the validator
// expects from a JSON decode.
func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return val
	}
}

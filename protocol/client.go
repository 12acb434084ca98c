package protocol

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// Conn is one live connection to a tool server.
type Conn interface {
	ListTools(ctx context.Context) ([]ToolInfo, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*ToolCallResult, error)
	Connected() bool
	Close() error
}

// Client implements Conn over a stdio transport. Each Client owns one
// subprocess; the pool opens several clients per server.
type Client struct {
	config     ServerConfig
	transport  *stdioTransport
	serverInfo ServerInfo
	logger     *zap.Logger
}

// Dial starts the server process and runs the initialize handshake.
func Dial(ctx context.Context, config ServerConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		config:    config,
		transport: newStdioTransport(config, logger),
		logger:    logger.With(zap.String("server", config.ID)),
	}

	if err := c.transport.Start(ctx); err != nil {
		return nil, fmt.Errorf("start transport: %w", err)
	}

	result, err := c.transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "ireader",
			"version": "1.0.0",
		},
	})
	if err != nil {
		_ = c.transport.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}

	var init initializeResult
	if err := json.Unmarshal(result, &init); err != nil {
		_ = c.transport.Close()
		return nil, fmt.Errorf("parse initialize result: %w", err)
	}
	c.serverInfo = init.ServerInfo

	if err := c.transport.Notify("notifications/initialized", nil); err != nil {
		c.logger.Warn("initialized notification failed", zap.Error(err))
	}

	c.logger.Info("connected to tool server",
		zap.String("name", init.ServerInfo.Name),
		zap.String("version", init.ServerInfo.Version),
		zap.String("protocol", init.ProtocolVersion))
	return c, nil
}

// ServerInfo returns the identity reported during the handshake.
func (c *Client) ServerInfo() ServerInfo {
	return c.serverInfo
}

// ListTools fetches the server's tool catalog.
func (c *Client) ListTools(ctx context.Context) ([]ToolInfo, error) {
	result, err := c.transport.Call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var out listToolsResult
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("parse tools/list result: %w", err)
	}
	return out.Tools, nil
}

// CallTool invokes a named tool with a JSON-shaped argument map.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*ToolCallResult, error) {
	params := callToolParams{Name: name}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("marshal arguments: %w", err)
		}
		params.Arguments = raw
	}

	result, err := c.transport.Call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}
	var out ToolCallResult
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("parse tools/call result: %w", err)
	}
	return &out, nil
}

// Connected reports whether the subprocess is still running.
func (c *Client) Connected() bool {
	return c.transport.Connected()
}

// Close terminates the server process.
func (c *Client) Close() error {
	return c.transport.Close()
}

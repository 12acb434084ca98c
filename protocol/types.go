package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

const protocolVersion = "2024-11-05"

// ServerConfig describes one external tool server. Servers are loaded from
// a declarative list in the application config.
type ServerConfig struct {
	ID      string            `yaml:"id" json:"id"`
	Name    string            `yaml:"name" json:"name"`
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args" json:"args,omitempty"`
	Env     map[string]string `yaml:"env" json:"env,omitempty"`
	WorkDir string            `yaml:"workdir" json:"workdir,omitempty"`

	Timeout    time.Duration `yaml:"timeout" json:"timeout,omitempty"`
	MaxRetries int           `yaml:"max_retries" json:"max_retries,omitempty"`
	PoolMin    int           `yaml:"pool_min" json:"pool_min,omitempty"`
	PoolMax    int           `yaml:"pool_max" json:"pool_max,omitempty"`
}

// Validate checks that the config can produce a working connection.
func (c *ServerConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("server id is required")
	}
	if c.Command == "" {
		return fmt.Errorf("command is required for server %s", c.ID)
	}
	if c.PoolMax > 0 && c.PoolMin > c.PoolMax {
		return fmt.Errorf("pool_min %d exceeds pool_max %d for server %s", c.PoolMin, c.PoolMax, c.ID)
	}
	return nil
}

func (c *ServerConfig) withDefaults() ServerConfig {
	out := *c
	if out.Timeout <= 0 {
		out.Timeout = 30 * time.Second
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = 3
	}
	if out.PoolMin <= 0 {
		out.PoolMin = 1
	}
	if out.PoolMax <= 0 {
		out.PoolMax = 4
	}
	if out.PoolMin > out.PoolMax {
		out.PoolMin = out.PoolMax
	}
	return out
}

// ToolInfo is one tool advertised by a server's discovery response.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ToolCallResult is the payload of a tools/call response.
type ToolCallResult struct {
	Content []ResultContent `json:"content"`
	IsError bool            `json:"isError,omitempty"`
}

// ResultContent is one content element of a tool result.
type ResultContent struct {
	Type     string `json:"type"` // text | image | resource
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Text concatenates the textual content of the result.
func (r *ToolCallResult) Text() string {
	var out string
	for _, c := range r.Content {
		if c.Type == "text" {
			if out != "" {
				out += "\n"
			}
			out += c.Text
		}
	}
	return out
}

// ServerInfo identifies the remote server as reported during initialize.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      ServerInfo `json:"serverInfo"`
}

type listToolsResult struct {
	Tools []ToolInfo `json:"tools"`
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// rpcRequest is a JSON-RPC 2.0 request.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// rpcNotification is a JSON-RPC 2.0 notification (no id, no reply).
type rpcNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// rpcResponse is a JSON-RPC 2.0 response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

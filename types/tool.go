package types

import (
	"encoding/json"
	"time"
)

// ToolSchema describes a callable tool's interface.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
	ServerID    string          `json:"server_id,omitempty"`
}

// ToolResult represents the outcome of a tool invocation.
// Failures are carried in Error rather than returned as a Go error so the
// reasoning loop can record them as observations and keep going.
type ToolResult struct {
	Name     string          `json:"name"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
	Duration time.Duration   `json:"duration"`
}

// IsError returns true if the tool invocation failed.
func (tr ToolResult) IsError() bool {
	return tr.Error != ""
}

// Content returns the result payload as text, or the error prefixed with
// "Error: " when the invocation failed.
func (tr ToolResult) Content() string {
	if tr.Error != "" {
		return "Error: " + tr.Error
	}
	var s string
	if err := json.Unmarshal(tr.Result, &s); err == nil {
		return s
	}
	return string(tr.Result)
}

// TextResult builds a successful ToolResult from plain text.
func TextResult(name, text string, elapsed time.Duration) *ToolResult {
	data, _ := json.Marshal(text)
	return &ToolResult{Name: name, Result: data, Duration: elapsed}
}

// ErrorResult builds a failed ToolResult.
func ErrorResult(name, errMsg string, elapsed time.Duration) *ToolResult {
	return &ToolResult{Name: name, Error: errMsg, Duration: elapsed}
}

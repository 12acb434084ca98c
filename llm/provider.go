package llm

import (
	"context"
	"time"

	"github.com/changqingla/ireader/types"
)

// ChatRequest is a unified chat request across providers.
type ChatRequest struct {
	TraceID     string            `json:"trace_id,omitempty"`
	SessionID   string            `json:"session_id,omitempty"`
	Model       string            `json:"model"`
	Messages    []types.Message   `json:"messages"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature float32           `json:"temperature,omitempty"`
	TopP        float32           `json:"top_p,omitempty"`
	Stop        []string          `json:"stop,omitempty"`
	Timeout     time.Duration     `json:"timeout,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ChatChoice is one completion candidate.
type ChatChoice struct {
	Index        int           `json:"index"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Message      types.Message `json:"message"`
}

// ChatResponse is a full, non-streamed completion.
type ChatResponse struct {
	ID        string           `json:"id,omitempty"`
	Provider  string           `json:"provider,omitempty"`
	Model     string           `json:"model"`
	Choices   []ChatChoice     `json:"choices"`
	Usage     types.TokenUsage `json:"usage,omitempty"`
	CreatedAt time.Time        `json:"created_at,omitempty"`
}

// Text returns the first choice's content, or "".
func (r *ChatResponse) Text() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// StreamChunk is one incremental piece of a streamed completion.
type StreamChunk struct {
	ID           string            `json:"id,omitempty"`
	Model        string            `json:"model,omitempty"`
	Delta        types.Message     `json:"delta"`
	FinishReason string            `json:"finish_reason,omitempty"`
	Usage        *types.TokenUsage `json:"usage,omitempty"` // final chunk may carry usage
	Err          error             `json:"-"`
}

// Provider defines the unified model adapter interface.
type Provider interface {
	// Completion issues a synchronous chat request and returns the full response.
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Stream issues a streaming chat request. The returned channel is closed
	// by the provider when the stream ends; a terminal error is delivered as
	// a chunk with Err set.
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)

	// Name returns the provider's unique identifier.
	Name() string
}

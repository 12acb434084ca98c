package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/changqingla/ireader/types"
)

// OpenAIConfig configures an OpenAI-compatible endpoint. Most hosted and
// self-served model gateways speak this wire format.
type OpenAIConfig struct {
	Name         string        `yaml:"name" json:"name"`
	APIKey       string        `yaml:"api_key" json:"api_key"`
	BaseURL      string        `yaml:"base_url" json:"base_url"`
	DefaultModel string        `yaml:"default_model" json:"default_model"`
	EndpointPath string        `yaml:"endpoint_path" json:"endpoint_path"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
}

// DefaultOpenAIConfig returns the default endpoint configuration.
func DefaultOpenAIConfig() OpenAIConfig {
	return OpenAIConfig{
		Name:         "openai",
		BaseURL:      "https://api.openai.com",
		EndpointPath: "/v1/chat/completions",
		Timeout:      2 * time.Minute,
	}
}

// OpenAIProvider speaks the OpenAI chat completions wire format, streamed
// responses via SSE.
type OpenAIProvider struct {
	config OpenAIConfig
	http   *http.Client
	logger *zap.Logger
}

// NewOpenAIProvider creates a provider for one endpoint.
func NewOpenAIProvider(config OpenAIConfig, logger *zap.Logger) *OpenAIProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultOpenAIConfig()
	if config.Name == "" {
		config.Name = defaults.Name
	}
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	if config.EndpointPath == "" {
		config.EndpointPath = defaults.EndpointPath
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	return &OpenAIProvider{
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
		logger: logger.With(zap.String("component", "openai_provider")),
	}
}

// Name returns the configured provider name.
func (p *OpenAIProvider) Name() string { return p.config.Name }

// wire request/response shapes.
type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float32         `json:"temperature,omitempty"`
	TopP        float32         `json:"top_p,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type openAIChoice struct {
	Index        int            `json:"index"`
	FinishReason string         `json:"finish_reason"`
	Message      *openAIMessage `json:"message,omitempty"`
	Delta        *openAIMessage `json:"delta,omitempty"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Created int64          `json:"created"`
	Choices []openAIChoice `json:"choices"`
	Usage   *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (p *OpenAIProvider) buildBody(req *ChatRequest, stream bool) openAIRequest {
	model := req.Model
	if model == "" {
		model = p.config.DefaultModel
	}
	body := openAIRequest{
		Model:       model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      stream,
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, openAIMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	return body
}

func (p *OpenAIProvider) post(ctx context.Context, body openAIRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimRight(p.config.BaseURL, "/") + p.config.EndpointPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "model endpoint unreachable").
			WithCause(err).WithRetryable(true)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, p.httpError(resp)
	}
	return resp, nil
}

func (p *OpenAIProvider) httpError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	msg := strings.TrimSpace(string(raw))
	var wire openAIResponse
	if err := json.Unmarshal(raw, &wire); err == nil && wire.Error != nil {
		msg = wire.Error.Message
	}
	e := types.NewError(types.ErrUpstreamError,
		fmt.Sprintf("%s returned status %d: %s", p.config.Name, resp.StatusCode, msg))
	// 429 and 5xx are worth retrying, client errors are not.
	return e.WithRetryable(resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500)
}

// Completion issues a synchronous chat request.
func (p *OpenAIProvider) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	resp, err := p.post(ctx, p.buildBody(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wire openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "decode completion response").
			WithCause(err).WithRetryable(true)
	}

	out := &ChatResponse{
		ID:       wire.ID,
		Provider: p.config.Name,
		Model:    wire.Model,
	}
	if wire.Created != 0 {
		out.CreatedAt = time.Unix(wire.Created, 0)
	}
	if wire.Usage != nil {
		out.Usage = types.TokenUsage{
			PromptTokens:     wire.Usage.PromptTokens,
			CompletionTokens: wire.Usage.CompletionTokens,
			TotalTokens:      wire.Usage.TotalTokens,
		}
	}
	for _, c := range wire.Choices {
		choice := ChatChoice{Index: c.Index, FinishReason: c.FinishReason}
		if c.Message != nil {
			choice.Message = types.NewMessage(types.Role(c.Message.Role), c.Message.Content)
		}
		out.Choices = append(out.Choices, choice)
	}
	return out, nil
}

// Stream issues a streaming chat request and forwards SSE chunks. The
// returned channel closes when the stream ends; terminal failures arrive
// as a chunk with Err set.
func (p *OpenAIProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	resp, err := p.post(ctx, p.buildBody(req, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamChunk)
	go p.readSSE(ctx, resp.Body, ch)
	return ch, nil
}

func (p *OpenAIProvider) readSSE(ctx context.Context, body io.ReadCloser, ch chan<- StreamChunk) {
	defer body.Close()
	defer close(ch)

	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				p.deliver(ctx, ch, StreamChunk{
					Err: types.NewError(types.ErrUpstreamError, "stream read failed").
						WithCause(err).WithRetryable(true),
				})
			}
			return
		}
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return
		}

		var wire openAIResponse
		if err := json.Unmarshal([]byte(data), &wire); err != nil {
			p.deliver(ctx, ch, StreamChunk{
				Err: types.NewError(types.ErrUpstreamError, "decode stream chunk").WithCause(err),
			})
			return
		}

		for _, c := range wire.Choices {
			chunk := StreamChunk{
				ID:           wire.ID,
				Model:        wire.Model,
				FinishReason: c.FinishReason,
				Delta:        types.Message{Role: types.RoleAssistant},
			}
			if c.Delta != nil {
				chunk.Delta.Content = c.Delta.Content
			}
			if wire.Usage != nil {
				chunk.Usage = &types.TokenUsage{
					PromptTokens:     wire.Usage.PromptTokens,
					CompletionTokens: wire.Usage.CompletionTokens,
					TotalTokens:      wire.Usage.TotalTokens,
				}
			}
			if !p.deliver(ctx, ch, chunk) {
				return
			}
		}
	}
}

func (p *OpenAIProvider) deliver(ctx context.Context, ch chan<- StreamChunk, chunk StreamChunk) bool {
	select {
	case <-ctx.Done():
		return false
	case ch <- chunk:
		return true
	}
}

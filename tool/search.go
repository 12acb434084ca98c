package tool

import (
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

// SearchConfig configures the web search backend client.
type SearchConfig struct {
	Endpoint       string        `yaml:"endpoint" json:"endpoint"`
	APIKey         string        `yaml:"api_key" json:"api_key"`
	MaxResults     int           `yaml:"max_results" json:"max_results"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
}

// DefaultSearchConfig returns the default search configuration.
func DefaultSearchConfig() SearchConfig {
	return SearchConfig{
		MaxResults:     5,
		RequestTimeout: 15 * time.Second,
	}
}

// SearchResult is one web search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

type searchResponse struct {
	Success bool           `json:"success"`
	Results []SearchResult `json:"results"`
	Error   string         `json:"error,omitempty"`
}

// SearchClient is a thin HTTP client for the web search backend.
type SearchClient struct {
	config SearchConfig
	http   *http.Client
	logger *zap.Logger
}

// NewSearchClient creates a web search client.
func NewSearchClient(config SearchConfig, logger *zap.Logger) *SearchClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 15 * time.Second
	}
	return &SearchClient{
		config: config,
		http:   &http.Client{Timeout: config.RequestTimeout},
		logger: logger.With(zap.String("component", "search_client")),
	}
}

// Search queries the backend.
func (c *SearchClient) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	if maxResults <= 0 {
		maxResults = c.config.MaxResults
	}
	body, err := json.Marshal(map[string]any{
		"query":       query,
		"max_results": maxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search backend returned %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var out searchResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	if !out.Success {
		return nil, fmt.Errorf("search backend error: %s", out.Error)
	}
	return out.Results, nil
}

// SearchTool wraps the client as a Tool.
type SearchTool struct {
	client *SearchClient
}

// NewSearchTool creates the web search tool.
func NewSearchTool(client *SearchClient) *SearchTool {
	return &SearchTool{client: client}
}

func (t *SearchTool) Name() string { return "web_search" }

func (t *SearchTool) Description() string {
	return "Search the web for current information. Input: {\"query\": \"...\"}"
}

func (t *SearchTool) Schema() types.ToolSchema {
	return types.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string"},
				"max_results": {"type": "integer"}
			},
			"required": ["query"]
		}`),
	}
}

func (t *SearchTool) Invoke(ctx context.Context, args map[string]any, timeout time.Duration) *types.ToolResult {
	start := time.Now()
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return types.ErrorResult(t.Name(), "query is required", time.Since(start))
	}
	maxResults := 0
	if n, ok := args["max_results"].(float64); ok {
		maxResults = int(n)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	results, err := t.client.Search(ctx, query, maxResults)
	if err != nil {
		return types.ErrorResult(t.Name(), err.Error(), time.Since(start))
	}

	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "[%d] %s\n%s\n%s\n\n", i+1, r.Title, r.URL, r.Snippet)
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		text = "no results found"
	}
	return types.TextResult(t.Name(), text, time.Since(start))
}

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

// RecallConfig configures the retrieval backend client.
type RecallConfig struct {
	Endpoint       string        `yaml:"endpoint" json:"endpoint"`
	Indexes        []string      `yaml:"indexes" json:"indexes"`
	TopK           int           `yaml:"top_k" json:"top_k"`
	Similarity     float64       `yaml:"similarity" json:"similarity"`
	RerankTopK     int           `yaml:"rerank_top_k" json:"rerank_top_k"`
	EmbeddingURL   string        `yaml:"embedding_url" json:"embedding_url"`
	EmbeddingKey   string        `yaml:"embedding_key" json:"embedding_key"`
	RerankURL      string        `yaml:"rerank_url" json:"rerank_url"`
	RerankKey      string        `yaml:"rerank_key" json:"rerank_key"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
}

// DefaultRecallConfig returns the default recall configuration.
func DefaultRecallConfig() RecallConfig {
	return RecallConfig{
		TopK:           6,
		Similarity:     0.2,
		RerankTopK:     4,
		RequestTimeout: 30 * time.Second,
	}
}

// recallRequest is the wire request to the retrieval backend.
type recallRequest struct {
	Query        string   `json:"query"`
	Indexes      []string `json:"indexes"`
	DocumentIDs  []string `json:"document_ids,omitempty"`
	TopK         int      `json:"top_k"`
	Similarity   float64  `json:"similarity"`
	RerankTopK   int      `json:"rerank_top_k,omitempty"`
	EmbeddingURL string   `json:"embedding_url,omitempty"`
	EmbeddingKey string   `json:"embedding_key,omitempty"`
	RerankURL    string   `json:"rerank_url,omitempty"`
	RerankKey    string   `json:"rerank_key,omitempty"`
}

// RecallChunk is one retrieved content chunk.
type RecallChunk struct {
	DocumentName string `json:"document_name"`
	Content      string `json:"content"`
	Pages        []int  `json:"pages,omitempty"`
}

// recallResponse is the wire response from the retrieval backend.
type recallResponse struct {
	Success bool          `json:"success"`
	Chunks  []RecallChunk `json:"chunks"`
	Error   string        `json:"error,omitempty"`
}

// RecallClient is a thin HTTP client for the retrieval backend.
type RecallClient struct {
	config RecallConfig
	http   *http.Client
	logger *zap.Logger
}

// NewRecallClient creates a retrieval client.
func NewRecallClient(config RecallConfig, logger *zap.Logger) *RecallClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	return &RecallClient{
		config: config,
		http:   &http.Client{Timeout: config.RequestTimeout},
		logger: logger.With(zap.String("component", "recall_client")),
	}
}

// Retrieve queries the backend. docIDs narrows the search to specific
// documents; topK == 0 uses the configured default.
func (c *RecallClient) Retrieve(ctx context.Context, query string, docIDs []string, topK int) ([]RecallChunk, error) {
	if topK <= 0 {
		topK = c.config.TopK
	}
	payload := recallRequest{
		Query:        query,
		Indexes:      c.config.Indexes,
		DocumentIDs:  docIDs,
		TopK:         topK,
		Similarity:   c.config.Similarity,
		RerankTopK:   c.config.RerankTopK,
		EmbeddingURL: c.config.EmbeddingURL,
		EmbeddingKey: c.config.EmbeddingKey,
		RerankURL:    c.config.RerankURL,
		RerankKey:    c.config.RerankKey,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal recall request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build recall request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("recall request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read recall response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("recall backend returned %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var out recallResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode recall response: %w", err)
	}
	if !out.Success {
		return nil, fmt.Errorf("recall backend error: %s", out.Error)
	}
	return out.Chunks, nil
}

// FormatChunks renders chunks as observation text.
func FormatChunks(chunks []RecallChunk) string {
	if len(chunks) == 0 {
		return "no relevant content found"
	}
	var b strings.Builder
	for i, ch := range chunks {
		fmt.Fprintf(&b, "[%d] %s", i+1, ch.DocumentName)
		if len(ch.Pages) > 0 {
			fmt.Fprintf(&b, " (p.%v)", ch.Pages)
		}
		b.WriteString("\n")
		b.WriteString(ch.Content)
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// RecallTool wraps the client as a Tool. An optional document id scopes
// every retrieval to that document.
type RecallTool struct {
	name   string
	client *RecallClient
	docID  string
}

// NewRecallTool creates the unscoped knowledge-base retrieval tool.
func NewRecallTool(client *RecallClient) *RecallTool {
	return &RecallTool{name: "recall", client: client}
}

// NewDocRecallTool creates a retrieval tool scoped to one document.
func NewDocRecallTool(client *RecallClient, docID string) *RecallTool {
	return &RecallTool{name: "recall", client: client, docID: docID}
}

func (t *RecallTool) Name() string { return t.name }

func (t *RecallTool) Description() string {
	if t.docID != "" {
		return "Retrieve relevant passages from the current document. Input: {\"query\": \"...\"}"
	}
	return "Retrieve relevant passages from the knowledge base. Input: {\"query\": \"...\", \"doc_id\": \"optional\"}"
}

func (t *RecallTool) Schema() types.ToolSchema {
	return types.ToolSchema{
		Name:        t.name,
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string"},
				"doc_id": {"type": "string"},
				"top_k": {"type": "integer"}
			},
			"required": ["query"]
		}`),
	}
}

func (t *RecallTool) Invoke(ctx context.Context, args map[string]any, timeout time.Duration) *types.ToolResult {
	start := time.Now()
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return types.ErrorResult(t.name, "query is required", time.Since(start))
	}

	var docIDs []string
	if t.docID != "" {
		docIDs = []string{t.docID}
	} else if id, _ := args["doc_id"].(string); id != "" {
		docIDs = []string{id}
	}
	topK := 0
	if k, ok := args["top_k"].(float64); ok {
		topK = int(k)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	chunks, err := t.client.Retrieve(ctx, query, docIDs, topK)
	if err != nil {
		return types.ErrorResult(t.name, err.Error(), time.Since(start))
	}
	return types.TextResult(t.name, FormatChunks(chunks), time.Since(start))
}

package tool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func searchBackend(t *testing.T, handler func(query string, maxResults int) searchResponse) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query      string `json:"query"`
			MaxResults int    `json:"max_results"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(handler(req.Query, req.MaxResults))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newSearchTool(t *testing.T, srv *httptest.Server) *SearchTool {
	t.Helper()
	cfg := DefaultSearchConfig()
	cfg.Endpoint = srv.URL
	return NewSearchTool(NewSearchClient(cfg, zaptest.NewLogger(t)))
}

func TestSearchTool_Invoke(t *testing.T) {
	var seenQuery string
	var seenMax int
	srv := searchBackend(t, func(query string, maxResults int) searchResponse {
		seenQuery, seenMax = query, maxResults
		return searchResponse{Success: true, Results: []SearchResult{
			{Title: "Go 1.24 released", URL: "https://go.dev/blog/go1.24", Snippet: "release notes"},
			{Title: "Go downloads", URL: "https://go.dev/dl", Snippet: "stable builds"},
		}}
	})
	st := newSearchTool(t, srv)

	res := st.Invoke(context.Background(), map[string]any{
		"query":       "go 1.24 release",
		"max_results": float64(3),
	}, 0)
	require.False(t, res.IsError())
	assert.Equal(t, "go 1.24 release", seenQuery)
	assert.Equal(t, 3, seenMax)
	assert.Contains(t, res.Content(), "[1] Go 1.24 released")
	assert.Contains(t, res.Content(), "https://go.dev/dl")
}

func TestSearchTool_DefaultsMaxResults(t *testing.T) {
	var seenMax int
	srv := searchBackend(t, func(query string, maxResults int) searchResponse {
		seenMax = maxResults
		return searchResponse{Success: true}
	})
	st := newSearchTool(t, srv)

	res := st.Invoke(context.Background(), map[string]any{"query": "anything"}, 0)
	require.False(t, res.IsError())
	assert.Equal(t, DefaultSearchConfig().MaxResults, seenMax)
	assert.Equal(t, "no results found", res.Content())
}

func TestSearchTool_MissingQuery(t *testing.T) {
	srv := searchBackend(t, func(string, int) searchResponse {
		t.Fatal("backend must not be called")
		return searchResponse{}
	})
	st := newSearchTool(t, srv)

	res := st.Invoke(context.Background(), map[string]any{}, 0)
	require.True(t, res.IsError())
	assert.Contains(t, res.Error, "query is required")
}

func TestSearchTool_BackendFailure(t *testing.T) {
	srv := searchBackend(t, func(string, int) searchResponse {
		return searchResponse{Success: false, Error: "quota exceeded"}
	})
	st := newSearchTool(t, srv)

	res := st.Invoke(context.Background(), map[string]any{"query": "q"}, 0)
	require.True(t, res.IsError())
	assert.Contains(t, res.Error, "quota exceeded")
}

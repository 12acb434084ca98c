package engine

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/changqingla/ireader/internal/cache"
	"github.com/changqingla/ireader/llm"
	"github.com/changqingla/ireader/llm/tokenizer"
	"github.com/changqingla/ireader/tool"
)

func testSummaryCache(t *testing.T) *tool.SummaryCache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mgr := cache.NewManagerFromClient(client, cache.DefaultConfig(), zaptest.NewLogger(t))
	return tool.NewSummaryCache(mgr, time.Hour, zaptest.NewLogger(t))
}

func newTestSummarizer(t *testing.T, provider *scriptProvider, sc *tool.SummaryCache) *Summarizer {
	t.Helper()
	caller := llm.NewCaller(provider, 2, zaptest.NewLogger(t))
	return NewSummarizer(caller, sc, nil, tokenizer.NewAccountant(),
		DefaultSummarizerConfig(), zaptest.NewLogger(t))
}

func summarizeReq(docs ...DocumentRef) *Request {
	return &Request{SessionID: "s1", Query: "q", Model: "gpt-4o", Documents: docs}
}

func runSummarize(t *testing.T, s *Summarizer, req *Request) (map[string]string, []Event) {
	t.Helper()
	ch := make(chan Event, 256)
	em := newEmitter(ch, NewCancelRegistry(0), req.SessionID, zaptest.NewLogger(t))
	out, err := s.SummarizeAll(context.Background(), req, em)
	require.NoError(t, err)
	close(ch)
	return out, collectEvents(ch)
}

func TestSummarizer_GeneratesAndCaches(t *testing.T) {
	sc := testSummaryCache(t)
	provider := &scriptProvider{outputs: []string{"Q3 revenue grew 12% on subscription strength."}}
	s := newTestSummarizer(t, provider, sc)

	doc := DocumentRef{ID: "d1", Name: "q3.pdf", Content: "quarterly report body"}
	out, events := runSummarize(t, s, summarizeReq(doc))

	require.Contains(t, out, "d1")
	assert.Equal(t, "Q3 revenue grew 12% on subscription strength.", out["d1"])
	assert.Equal(t, 1, provider.callCount())

	var init Event
	for _, ev := range events {
		if ev.Kind == EventDocSummaryInit {
			init = ev
		}
	}
	assert.Equal(t, 1, init.Total)
	assert.Equal(t, 0, init.Cached)
	assert.Equal(t, 1, init.ToGenerate)
	assert.NotEmpty(t, eventsOfKind(events, EventDocSummaryChunk))

	completes := eventsOfKind(events, EventDocSummaryComplete)
	require.Len(t, completes, 1)
	assert.False(t, completes[0].FromCache)

	// Second run with identical content is served from the cache.
	out2, events2 := runSummarize(t, s, summarizeReq(doc))
	assert.Equal(t, out["d1"], out2["d1"])
	assert.Equal(t, 1, provider.callCount(), "no second model call")

	completes2 := eventsOfKind(events2, EventDocSummaryComplete)
	require.Len(t, completes2, 1)
	assert.True(t, completes2[0].FromCache)
	assert.Empty(t, eventsOfKind(events2, EventDocSummaryChunk))
}

func TestSummarizer_MixedBatchReportsCachedFirst(t *testing.T) {
	sc := testSummaryCache(t)
	provider := &scriptProvider{outputs: []string{
		"summary one", "summary two", "summary three", "summary four", "summary five",
	}}
	s := newTestSummarizer(t, provider, sc)

	warm := []DocumentRef{
		{ID: "d1", Name: "a.pdf", Content: "body one"},
		{ID: "d2", Name: "b.pdf", Content: "body two"},
		{ID: "d3", Name: "c.pdf", Content: "body three"},
	}
	runSummarize(t, s, summarizeReq(warm...))
	require.Equal(t, 3, provider.callCount())

	all := append(warm,
		DocumentRef{ID: "d4", Name: "d.pdf", Content: "body four"},
		DocumentRef{ID: "d5", Name: "e.pdf", Content: "body five"},
	)
	out, events := runSummarize(t, s, summarizeReq(all...))
	require.Len(t, out, 5)
	assert.Equal(t, 5, provider.callCount(), "only the two misses generate")

	var init Event
	for _, ev := range events {
		if ev.Kind == EventDocSummaryInit {
			init = ev
		}
	}
	assert.Equal(t, 5, init.Total)
	assert.Equal(t, 3, init.Cached)
	assert.Equal(t, 2, init.ToGenerate)

	// All cached completions stream before any generation work begins.
	firstGeneration := len(events)
	for i, ev := range events {
		if ev.Kind == EventDocSummaryStart || ev.Kind == EventDocSummaryChunk {
			firstGeneration = i
			break
		}
	}
	cached := 0
	for i, ev := range events {
		if ev.Kind == EventDocSummaryComplete && ev.FromCache {
			cached++
			assert.Less(t, i, firstGeneration)
		}
	}
	assert.Equal(t, 3, cached)
}

func TestSummarizer_ContentChangeInvalidates(t *testing.T) {
	sc := testSummaryCache(t)
	provider := &scriptProvider{outputs: []string{"first summary", "second summary"}}
	s := newTestSummarizer(t, provider, sc)

	out, _ := runSummarize(t, s, summarizeReq(DocumentRef{ID: "d1", Name: "a.pdf", Content: "version one"}))
	assert.Equal(t, "first summary", out["d1"])

	out, _ = runSummarize(t, s, summarizeReq(DocumentRef{ID: "d1", Name: "a.pdf", Content: "version two"}))
	assert.Equal(t, "second summary", out["d1"])
	assert.Equal(t, 2, provider.callCount())
}

func TestSummarizer_ForceRefreshBypassesCache(t *testing.T) {
	sc := testSummaryCache(t)
	provider := &scriptProvider{outputs: []string{"first summary", "regenerated summary"}}
	s := newTestSummarizer(t, provider, sc)

	doc := DocumentRef{ID: "d1", Name: "a.pdf", Content: "stable content"}
	runSummarize(t, s, summarizeReq(doc))

	req := summarizeReq(doc)
	req.ForceRefresh = true
	out, _ := runSummarize(t, s, req)
	assert.Equal(t, "regenerated summary", out["d1"])
	assert.Equal(t, 2, provider.callCount())
}

func TestSummarizer_PartialFailureKeepsOthers(t *testing.T) {
	provider := &scriptProvider{outputs: []string{"", "a fine summary"}}
	caller := llm.NewCaller(provider, 1, zaptest.NewLogger(t))
	s := NewSummarizer(caller, nil, nil, tokenizer.NewAccountant(),
		DefaultSummarizerConfig(), zaptest.NewLogger(t))

	out, events := runSummarize(t, s, summarizeReq(
		DocumentRef{ID: "d1", Name: "a.pdf", Content: "body one"},
		DocumentRef{ID: "d2", Name: "b.pdf", Content: "body two"},
	))

	require.Len(t, out, 1)
	errs := eventsOfKind(events, EventDocSummaryError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error, "empty summary")
}

func TestSummarizer_NoDocuments(t *testing.T) {
	s := newTestSummarizer(t, &scriptProvider{}, nil)
	out, events := runSummarize(t, s, summarizeReq())
	assert.Empty(t, out)
	assert.Empty(t, events)
}

func TestSummarizer_LargeDocWithoutRetrievalFails(t *testing.T) {
	cfg := DefaultSummarizerConfig()
	cfg.LargeDocTokens = 1
	caller := llm.NewCaller(&scriptProvider{}, 1, zaptest.NewLogger(t))
	s := NewSummarizer(caller, nil, nil, tokenizer.NewAccountant(), cfg, zaptest.NewLogger(t))

	out, events := runSummarize(t, s, summarizeReq(
		DocumentRef{ID: "d1", Name: "a.pdf", Content: "far more content than one token"},
	))
	assert.Empty(t, out)
	errs := eventsOfKind(events, EventDocSummaryError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error, "scoped retrieval")
}

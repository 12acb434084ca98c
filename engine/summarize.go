package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/changqingla/ireader/llm"
	"github.com/changqingla/ireader/llm/tokenizer"
	"github.com/changqingla/ireader/tool"
)

// SummarizerConfig bounds the per-document summarization pipeline.
type SummarizerConfig struct {
	// LargeDocTokens decides full-text versus excerpt-based summarization.
	LargeDocTokens int `yaml:"large_doc_tokens" json:"large_doc_tokens"`
	// ExcerptTopK is the retrieval result count for large documents.
	ExcerptTopK      int           `yaml:"excerpt_top_k" json:"excerpt_top_k"`
	SummaryMaxTokens int           `yaml:"summary_max_tokens" json:"summary_max_tokens"`
	RetrieveTimeout  time.Duration `yaml:"retrieve_timeout" json:"retrieve_timeout"`
}

// DefaultSummarizerConfig returns the default pipeline bounds.
func DefaultSummarizerConfig() SummarizerConfig {
	return SummarizerConfig{
		LargeDocTokens:   6000,
		ExcerptTopK:      12,
		SummaryMaxTokens: 512,
		RetrieveTimeout:  30 * time.Second,
	}
}

const docSummaryPrompt = `Summarize the document below into a dense, factual overview. Keep names, figures and conclusions; drop boilerplate. Write at most %d tokens.

Document: %s

%s`

// Summarizer produces per-document summaries with content-hash caching.
// Misses run concurrently under the shared model-call bound, each one
// streaming its partial summary as it is produced.
type Summarizer struct {
	caller     *llm.Caller
	cache      *tool.SummaryCache
	docTools   *tool.DocToolCache
	accountant *tokenizer.Accountant
	config     SummarizerConfig
	logger     *zap.Logger
}

// NewSummarizer creates the pipeline.
func NewSummarizer(caller *llm.Caller, cache *tool.SummaryCache, docTools *tool.DocToolCache, accountant *tokenizer.Accountant, config SummarizerConfig, logger *zap.Logger) *Summarizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.LargeDocTokens <= 0 {
		config = DefaultSummarizerConfig()
	}
	return &Summarizer{
		caller:     caller,
		cache:      cache,
		docTools:   docTools,
		accountant: accountant,
		config:     config,
		logger:     logger.With(zap.String("component", "summarizer")),
	}
}

// SummarizeAll returns a summary per document id. Cached summaries are
// reported immediately; the rest generate concurrently and are written
// back to the cache in one batch.
func (s *Summarizer) SummarizeAll(ctx context.Context, req *Request, em *emitter) (map[string]string, error) {
	if len(req.Documents) == 0 {
		return map[string]string{}, nil
	}

	hashes := make(map[string]string, len(req.Documents))
	for _, doc := range req.Documents {
		hashes[doc.ID] = tool.ContentHash(doc.Content)
	}

	var cached map[string]tool.DocSummary
	if s.cache != nil {
		cached = s.cache.GetBatch(ctx, hashes, req.ForceRefresh)
	}

	var misses []DocumentRef
	for _, doc := range req.Documents {
		if _, ok := cached[doc.ID]; !ok {
			misses = append(misses, doc)
		}
	}

	if !em.emit(ctx, Event{
		Kind:       EventDocSummaryInit,
		Total:      len(req.Documents),
		Cached:     len(cached),
		ToGenerate: len(misses),
	}) {
		return nil, nil
	}

	out := make(map[string]string, len(req.Documents))
	for docID, sum := range cached {
		out[docID] = sum.Summary
		if !em.emit(ctx, Event{
			Kind:      EventDocSummaryComplete,
			DocID:     docID,
			Content:   sum.Summary,
			FromCache: true,
		}) {
			return nil, nil
		}
	}
	if len(misses) == 0 {
		return out, nil
	}

	var (
		mu        sync.Mutex
		generated []tool.DocSummary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.caller.Limit())
	for _, doc := range misses {
		doc := doc
		g.Go(func() error {
			summary, err := s.summarizeOne(gctx, req, doc, em)
			if err != nil {
				em.emit(gctx, Event{Kind: EventDocSummaryError, DocID: doc.ID, Error: err.Error()})
				s.logger.Warn("document summarization failed",
					zap.String("doc_id", doc.ID), zap.Error(err))
				return nil
			}
			mu.Lock()
			out[doc.ID] = summary
			generated = append(generated, tool.DocSummary{
				DocID:       doc.ID,
				ContentHash: hashes[doc.ID],
				Summary:     summary,
				CreatedAt:   time.Now(),
			})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if s.cache != nil && len(generated) > 0 {
		s.cache.PutBatch(ctx, generated)
	}
	return out, nil
}

// summarizeOne generates one document's summary, streaming chunks as they
// arrive. Large documents are summarized from an information-dense
// excerpt obtained via document-scoped retrieval instead of the full
// text.
func (s *Summarizer) summarizeOne(ctx context.Context, req *Request, doc DocumentRef, em *emitter) (string, error) {
	if !em.emit(ctx, Event{Kind: EventDocSummaryStart, DocID: doc.ID}) {
		return "", fmt.Errorf("cancelled")
	}

	body, err := s.documentBody(ctx, req, doc)
	if err != nil {
		return "", err
	}

	prompt := fmt.Sprintf(docSummaryPrompt, s.config.SummaryMaxTokens, doc.Name, body)
	stream, err := s.caller.Stream(ctx, &llm.ChatRequest{
		SessionID: req.SessionID,
		Model:     req.Model,
		Messages:  llm.SystemAndUser("", prompt),
		MaxTokens: s.config.SummaryMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("summary stream: %w", err)
	}

	var b strings.Builder
	for chunk := range stream {
		if chunk.Err != nil {
			return "", fmt.Errorf("summary stream: %w", chunk.Err)
		}
		if chunk.Delta.Content == "" {
			continue
		}
		b.WriteString(chunk.Delta.Content)
		if !em.emit(ctx, Event{Kind: EventDocSummaryChunk, DocID: doc.ID, Content: chunk.Delta.Content}) {
			return "", fmt.Errorf("cancelled")
		}
	}

	summary := strings.TrimSpace(b.String())
	if summary == "" {
		return "", fmt.Errorf("model produced an empty summary")
	}
	if !em.emit(ctx, Event{Kind: EventDocSummaryComplete, DocID: doc.ID, Content: summary}) {
		return "", fmt.Errorf("cancelled")
	}
	return summary, nil
}

// documentBody returns the text to summarize from: the full content for
// small documents, a retrieval excerpt for large ones.
func (s *Summarizer) documentBody(ctx context.Context, req *Request, doc DocumentRef) (string, error) {
	tokens := s.accountant.Count(req.Model, doc.Content)
	if tokens <= s.config.LargeDocTokens {
		return doc.Content, nil
	}

	s.logger.Debug("summarizing from excerpt",
		zap.String("doc_id", doc.ID),
		zap.Int("tokens", tokens))

	if s.docTools == nil {
		return "", fmt.Errorf("document %s exceeds %d tokens and no scoped retrieval is available", doc.ID, s.config.LargeDocTokens)
	}
	t := s.docTools.Get(doc.ID)
	result := t.Invoke(ctx, map[string]any{
		"query": "main topics, key facts, findings and conclusions of this document",
		"top_k": float64(s.config.ExcerptTopK),
	}, s.config.RetrieveTimeout)
	if result.IsError() {
		return "", fmt.Errorf("excerpt retrieval: %s", result.Error)
	}
	return result.Content(), nil
}

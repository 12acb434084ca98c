package engine

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/changqingla/ireader/llm"
	"github.com/changqingla/ireader/session"
	"github.com/changqingla/ireader/types"
)

// Intent names a processing route.
type Intent string

const (
	// IntentChat answers free-form conversation directly from history.
	IntentChat Intent = "chat"
	// IntentQA drives the iterative reasoning loop with tool calls.
	IntentQA Intent = "qa"
	// IntentReport drives the deterministic retrieval pipeline with
	// per-document summaries and synthesis.
	IntentReport Intent = "report"
)

const intentPrompt = `Classify the user's request into exactly one label:

chat   - small talk or a question answerable from the conversation alone
qa     - a question that needs looking things up in documents or tools
report - a request for a structured overview, report or comparison across documents

Reply with the label only.`

// RouterConfig bounds the router.
type RouterConfig struct {
	CompressThresholdTokens int `yaml:"compress_threshold_tokens" json:"compress_threshold_tokens"`
}

// DefaultRouterConfig returns the default bounds.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{CompressThresholdTokens: 8000}
}

// Router is the engine's front door. It persists the user turn,
// classifies intent, dispatches to the matching route, persists the
// answer and consults the compression engine.
type Router struct {
	caller     *llm.Caller
	sessions   *session.Manager
	injector   *session.Injector
	react      *ReactEngine
	planner    *Planner
	summarizer *Summarizer
	cancels    *CancelRegistry
	config     RouterConfig
	logger     *zap.Logger
}

// NewRouter wires the routes together.
func NewRouter(caller *llm.Caller, sessions *session.Manager, injector *session.Injector, react *ReactEngine, planner *Planner, summarizer *Summarizer, cancels *CancelRegistry, config RouterConfig, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.CompressThresholdTokens <= 0 {
		config = DefaultRouterConfig()
	}
	return &Router{
		caller:     caller,
		sessions:   sessions,
		injector:   injector,
		react:      react,
		planner:    planner,
		summarizer: summarizer,
		cancels:    cancels,
		config:     config,
		logger:     logger.With(zap.String("component", "router")),
	}
}

// Run processes the request in the background and returns the event
// stream. The channel closes when processing ends; terminal failures
// arrive as an error event.
func (r *Router) Run(ctx context.Context, req *Request) <-chan Event {
	events := make(chan Event, 64)
	go func() {
		_ = r.Handle(ctx, req, events)
	}()
	return events
}

// Cancel marks the session's in-flight request for cooperative stop.
func (r *Router) Cancel(sessionID string) {
	r.cancels.Cancel(sessionID)
}

// Handle processes one request, emitting progress events to the channel.
// The channel is closed before Handle returns. Only unexpected failures
// surface as a terminal error event; route-level problems degrade to
// node_error events with partial results.
func (r *Router) Handle(ctx context.Context, req *Request, events chan<- Event) (err error) {
	defer close(events)

	em := newEmitter(events, r.cancels, req.SessionID, r.logger)
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("request panicked: %v", rec)
			r.logger.Error("request panicked",
				zap.String("session_id", req.SessionID),
				zap.Any("panic", rec),
				zap.Stack("stack"))
			em.emit(ctx, Event{Kind: EventError, Error: err.Error()})
		}
	}()

	answer, err := r.dispatch(ctx, req, em)
	if err != nil {
		r.logger.Error("request failed",
			zap.String("session_id", req.SessionID),
			zap.Error(err))
		em.emit(ctx, Event{Kind: EventError, Error: err.Error()})
		return err
	}
	if em.stopped() {
		return nil
	}

	if answer != "" {
		if _, err := r.sessions.AddAssistantMessage(ctx, req.SessionID, req.Model, answer); err != nil {
			r.logger.Warn("assistant turn not persisted",
				zap.String("session_id", req.SessionID), zap.Error(err))
		}
		r.maybeCompress(ctx, req)
	}

	em.emit(ctx, Event{Kind: EventNodeComplete, Node: "answer", ContentLength: len(answer)})
	return nil
}

func (r *Router) dispatch(ctx context.Context, req *Request, em *emitter) (string, error) {
	if strings.TrimSpace(req.Query) == "" {
		return "", types.NewError(types.ErrInvalidRequest, "query is empty")
	}

	sess, err := r.sessions.GetOrCreate(ctx, req.SessionID, req.UserID)
	if err != nil {
		return "", fmt.Errorf("session: %w", err)
	}
	req.SessionID = sess.ID

	if _, err := r.sessions.AddUserMessage(ctx, req.SessionID, req.Model, req.Query); err != nil {
		return "", fmt.Errorf("persist user turn: %w", err)
	}

	intent := r.classify(ctx, req)
	r.logger.Info("intent classified",
		zap.String("session_id", req.SessionID),
		zap.String("intent", string(intent)))

	switch intent {
	case IntentChat:
		return r.runChat(ctx, req, em)
	case IntentReport:
		return r.runPipeline(ctx, req, em)
	default:
		return r.react.Run(ctx, req, em)
	}
}

// classify maps the request to a route with one short model call. Any
// failure or unrecognized label degrades to qa when documents are in
// scope and chat otherwise.
func (r *Router) classify(ctx context.Context, req *Request) Intent {
	history, err := r.injector.HistoryFor(ctx, req.SessionID, session.PhaseIntent)
	if err != nil {
		r.logger.Warn("intent history fetch failed", zap.Error(err))
	}

	var user strings.Builder
	for _, msg := range history {
		fmt.Fprintf(&user, "%s: %s\n", msg.Role, msg.Content)
	}
	fmt.Fprintf(&user, "user: %s", req.Query)

	resp, err := r.caller.Completion(ctx, &llm.ChatRequest{
		SessionID: req.SessionID,
		Model:     req.Model,
		Messages:  llm.SystemAndUser(intentPrompt, user.String()),
		MaxTokens: 8,
	})
	if err != nil {
		r.logger.Warn("intent classification failed", zap.Error(err))
		return r.fallbackIntent(req)
	}

	switch Intent(strings.ToLower(strings.TrimSpace(resp.Text()))) {
	case IntentChat:
		return IntentChat
	case IntentQA:
		return IntentQA
	case IntentReport:
		return IntentReport
	default:
		return r.fallbackIntent(req)
	}
}

func (r *Router) fallbackIntent(req *Request) Intent {
	if len(req.Documents) > 0 {
		return IntentQA
	}
	return IntentChat
}

// runChat streams a direct answer over the full active history. The chat
// phase returns every active message; compression keeps that set bounded.
func (r *Router) runChat(ctx context.Context, req *Request, em *emitter) (string, error) {
	history, err := r.injector.HistoryFor(ctx, req.SessionID, session.PhaseChat)
	if err != nil {
		return "", fmt.Errorf("chat history: %w", err)
	}

	return r.streamAnswer(ctx, req, em, &llm.ChatRequest{
		SessionID: req.SessionID,
		Model:     req.Model,
		Messages:  history,
	})
}

// runPipeline summarizes the documents, executes a retrieval plan and
// synthesizes the answer from the step results. A failing node emits
// node_error and the synthesis still runs on whatever succeeded.
func (r *Router) runPipeline(ctx context.Context, req *Request, em *emitter) (string, error) {
	summaries, err := r.summarizer.SummarizeAll(ctx, req, em)
	if err != nil {
		em.emit(ctx, Event{Kind: EventNodeError, Node: "summarize", Error: err.Error()})
	}
	if em.stopped() {
		return "", nil
	}

	plan := r.planner.GeneratePlan(ctx, req)
	results := r.planner.Execute(ctx, plan)
	if em.stopped() {
		return "", nil
	}

	var material strings.Builder
	for docID, summary := range summaries {
		fmt.Fprintf(&material, "Summary of %s:\n%s\n\n", docID, summary)
	}
	succeeded := 0
	for _, res := range results {
		if res.Err != "" {
			em.emit(ctx, Event{Kind: EventNodeError, Node: fmt.Sprintf("step_%d", res.Index), Error: res.Err})
			continue
		}
		succeeded++
		fmt.Fprintf(&material, "Findings for %q:\n%s\n\n", res.Title, res.Result)
	}
	if succeeded == 0 && len(summaries) == 0 {
		return "", types.NewError(types.ErrUpstreamError, "every pipeline node failed")
	}

	history, err := r.injector.HistoryFor(ctx, req.SessionID, session.PhaseAnswer)
	if err != nil {
		r.logger.Warn("answer history fetch failed", zap.Error(err))
	}

	system := "Write a thorough, well-structured answer to the user's request using only the material below.\n\n" + material.String()
	messages := append([]types.Message{types.NewSystemMessage(system)}, history...)
	messages = append(messages, types.NewUserMessage(req.Query))

	return r.streamAnswer(ctx, req, em, &llm.ChatRequest{
		SessionID: req.SessionID,
		Model:     req.Model,
		Messages:  messages,
	})
}

// streamAnswer forwards model output as answer chunks and returns the
// full text.
func (r *Router) streamAnswer(ctx context.Context, req *Request, em *emitter, chatReq *llm.ChatRequest) (string, error) {
	stream, err := r.caller.Stream(ctx, chatReq)
	if err != nil {
		return "", fmt.Errorf("answer stream: %w", err)
	}

	var b strings.Builder
	for chunk := range stream {
		if chunk.Err != nil {
			return "", fmt.Errorf("answer stream: %w", chunk.Err)
		}
		if chunk.Delta.Content == "" {
			continue
		}
		b.WriteString(chunk.Delta.Content)
		if !em.emit(ctx, Event{Kind: EventAnswerChunk, Content: chunk.Delta.Content}) {
			return "", nil
		}
	}
	return strings.TrimSpace(b.String()), nil
}

// maybeCompress consults the compression engine after the turn persists.
func (r *Router) maybeCompress(ctx context.Context, req *Request) {
	should, err := r.sessions.ShouldCompress(ctx, req.SessionID, r.config.CompressThresholdTokens)
	if err != nil || !should {
		return
	}
	rec, err := r.sessions.TriggerCompression(ctx, req.SessionID, req.Model)
	if err != nil {
		r.logger.Warn("compression failed",
			zap.String("session_id", req.SessionID), zap.Error(err))
		return
	}
	if rec != nil {
		r.logger.Info("session compressed",
			zap.String("session_id", req.SessionID),
			zap.Int("round", rec.Round),
			zap.Int("tokens_saved", rec.TokensSaved()))
	}
}

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/changqingla/ireader/llm"
	"github.com/changqingla/ireader/llm/tokenizer"
	"github.com/changqingla/ireader/session"
	"github.com/changqingla/ireader/tool"
	"github.com/changqingla/ireader/types"
)

// ReactConfig bounds the reasoning loop.
type ReactConfig struct {
	MaxIterations        int           `yaml:"max_iterations" json:"max_iterations"`
	TokenBudget          int           `yaml:"token_budget" json:"token_budget"`
	ScratchpadBudget     int           `yaml:"scratchpad_budget" json:"scratchpad_budget"`
	RepeatWindow         int           `yaml:"repeat_window" json:"repeat_window"`
	RepeatPrefixLen      int           `yaml:"repeat_prefix_len" json:"repeat_prefix_len"`
	MaxConsecutiveErrors int           `yaml:"max_consecutive_errors" json:"max_consecutive_errors"`
	NoProgressWindow     int           `yaml:"no_progress_window" json:"no_progress_window"`
	MinObservationChars  int           `yaml:"min_observation_chars" json:"min_observation_chars"`
	ToolTimeout          time.Duration `yaml:"tool_timeout" json:"tool_timeout"`
}

// DefaultReactConfig returns the default loop bounds.
func DefaultReactConfig() ReactConfig {
	return ReactConfig{
		MaxIterations:        8,
		TokenBudget:          16000,
		ScratchpadBudget:     4096,
		RepeatWindow:         3,
		RepeatPrefixLen:      40,
		MaxConsecutiveErrors: 3,
		NoProgressWindow:     3,
		MinObservationChars:  40,
		ToolTimeout:          60 * time.Second,
	}
}

const reactSystemPrompt = `You are a document research assistant. Answer the user's question by reasoning step by step and calling tools.

Use exactly this format for every step:

Thought: your reasoning about what to do next
Action: the tool name, one of the tools listed below
Action Input: a JSON object with the tool's arguments

When you have enough information, finish with:

Thought: I now know the final answer
Action: finish
Action Input: the complete answer to the user's question

Available tools:
%s
Documents in scope:
%s`

// sufficientMarker is an advisory signal in model thoughts. It is logged
// for observability and never forces an exit on its own.
const sufficientMarker = "sufficient information"

// ToolRecorder receives tool invocation accounting. The metrics collector
// implements it; nil disables recording.
type ToolRecorder interface {
	RecordToolCall(tool, status string, duration time.Duration)
}

// ReactEngine runs the Thought/Action/Observation loop. Each Run is
// request-scoped; the engine itself is stateless and shared.
type ReactEngine struct {
	caller     *llm.Caller
	registry   *tool.Registry
	injector   *session.Injector
	accountant *tokenizer.Accountant
	pre        []PreHook
	post       []PostHook
	recorder   ToolRecorder
	config     ReactConfig
	logger     *zap.Logger
}

// NewReactEngine creates the loop engine with the default hook chains.
func NewReactEngine(caller *llm.Caller, registry *tool.Registry, injector *session.Injector, accountant *tokenizer.Accountant, config ReactConfig, logger *zap.Logger) *ReactEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := config
	if cfg.MaxIterations <= 0 {
		cfg = DefaultReactConfig()
	}
	return &ReactEngine{
		caller:     caller,
		registry:   registry,
		injector:   injector,
		accountant: accountant,
		pre:        []PreHook{QueryCleanupHook{}, RepeatVetoHook{Window: cfg.RepeatWindow}},
		post:       []PostHook{ShortObservationHook{MinChars: cfg.MinObservationChars}},
		config:     cfg,
		logger:     logger.With(zap.String("component", "react_engine")),
	}
}

// SetRecorder attaches tool invocation accounting.
func (e *ReactEngine) SetRecorder(r ToolRecorder) { e.recorder = r }

// loopState tracks the exit-condition counters across iterations.
type loopState struct {
	pad               *Scratchpad
	tokensUsed        int
	consecutiveErrors int
	recentActions     []string // action + input prefix fingerprints
}

// Run executes the loop for one request and returns the final answer.
// Exit conditions other than a finish action produce a synthetic answer
// from collected observations, never a hard failure.
func (e *ReactEngine) Run(ctx context.Context, req *Request, em *emitter) (string, error) {
	state := &loopState{pad: NewScratchpad(e.config.ScratchpadBudget)}

	history, err := e.injector.HistoryFor(ctx, req.SessionID, session.PhaseExecution)
	if err != nil {
		e.logger.Warn("history fetch failed, continuing without",
			zap.String("session_id", req.SessionID), zap.Error(err))
	}

	if !em.emit(ctx, Event{Kind: EventThinkingStart}) {
		return "", nil
	}

	for iter := 0; iter < e.config.MaxIterations; iter++ {
		if iter > 0 {
			if reason := e.exitCondition(state); reason != "" {
				e.logger.Info("forcing synthetic answer",
					zap.String("session_id", req.SessionID),
					zap.String("reason", reason),
					zap.Int("iteration", iter))
				return e.syntheticAnswer(ctx, req, state, em, reason)
			}
		}

		answer, done, err := e.iterate(ctx, req, history, state, em)
		if err != nil {
			return "", err
		}
		if em.stopped() {
			return "", nil
		}
		if done {
			return answer, nil
		}
	}

	e.logger.Info("iteration budget exhausted",
		zap.String("session_id", req.SessionID),
		zap.Int("iterations", e.config.MaxIterations))
	return e.syntheticAnswer(ctx, req, state, em, string(types.ErrExhausted))
}

// iterate runs one Thought/Action/Observation cycle. done is true when a
// finish action produced the final answer.
func (e *ReactEngine) iterate(ctx context.Context, req *Request, history []types.Message, state *loopState, em *emitter) (string, bool, error) {
	prompt := e.buildPrompt(req, history, state.pad)

	stream, err := e.caller.Stream(ctx, prompt)
	if err != nil {
		return "", false, fmt.Errorf("model stream: %w", err)
	}

	detector := newStreamDetector()
	for chunk := range stream {
		if chunk.Err != nil {
			return "", false, fmt.Errorf("model stream: %w", chunk.Err)
		}
		thought, answer := detector.feed(chunk.Delta.Content)
		if !e.emitChunks(ctx, em, thought, answer) {
			return "", false, nil
		}
		if chunk.Usage != nil {
			state.tokensUsed += chunk.Usage.TotalTokens
		}
	}
	thought, answer := detector.flush()
	if !e.emitChunks(ctx, em, thought, answer) {
		return "", false, nil
	}

	output := detector.full()
	state.tokensUsed += e.accountant.Count(req.Model, output)

	if final, ok := ExtractFinalAnswer(output); ok {
		state.pad.Append(ScratchpadEntry{
			Thought:     sectionAfter(output, thoughtMarker),
			Action:      FinishAction,
			ActionInput: final,
		})
		return final, true, nil
	}

	action, parseErr := ParseAction(output)
	if strings.Contains(strings.ToLower(action.Thought), sufficientMarker) {
		e.logger.Info("model signalled sufficient information",
			zap.String("session_id", req.SessionID))
	}
	if parseErr != nil {
		state.consecutiveErrors++
		state.pad.Append(ScratchpadEntry{
			Thought:     action.Thought,
			Action:      action.Action,
			ActionInput: action.Input,
			Observation: "Error: " + parseErr.Error(),
		})
		return "", false, nil
	}

	entry := e.executeAction(ctx, action, state)
	state.pad.Append(entry)
	state.recentActions = append(state.recentActions, fingerprint(action, e.config.RepeatPrefixLen))
	return "", false, nil
}

// executeAction runs the hook chains and the tool, producing the
// iteration's scratchpad entry. Every failure mode lands in the
// observation so the loop can keep going.
func (e *ReactEngine) executeAction(ctx context.Context, action *ParsedAction, state *loopState) ScratchpadEntry {
	entry := ScratchpadEntry{Thought: action.Thought}

	for _, hook := range e.pre {
		if err := hook.Before(action, state.pad); err != nil {
			state.consecutiveErrors++
			entry.Action = action.Action
			entry.ActionInput = action.Input
			entry.Observation = "Error: " + err.Error()
			return entry
		}
	}
	entry.Action = action.Action
	entry.ActionInput = action.Input

	t, ok := e.registry.Get(action.Action)
	if !ok {
		state.consecutiveErrors++
		entry.Observation = fmt.Sprintf("Error: unknown tool %q; available tools are listed in the prompt", action.Action)
		return entry
	}

	args := parseToolArgs(action.Input)
	start := time.Now()
	result := t.Invoke(ctx, args, e.config.ToolTimeout)
	observation := result.Content()
	status := "ok"
	if result.IsError() {
		status = "error"
		state.consecutiveErrors++
	} else {
		state.consecutiveErrors = 0
	}
	if e.recorder != nil {
		e.recorder.RecordToolCall(action.Action, status, time.Since(start))
	}

	for _, hook := range e.post {
		observation = hook.After(action, observation)
	}
	entry.Observation = observation
	return entry
}

// exitCondition evaluates the four forced-exit checks. An empty string
// means the loop may continue.
func (e *ReactEngine) exitCondition(state *loopState) string {
	if state.tokensUsed > e.config.TokenBudget {
		return "token budget exceeded"
	}
	if state.consecutiveErrors >= e.config.MaxConsecutiveErrors {
		return "too many consecutive tool errors"
	}
	if e.repeatedAction(state) {
		return "repeated action loop detected"
	}
	if e.noProgress(state) {
		return "no progress in recent observations"
	}
	return ""
}

// repeatedAction reports a sliding window filled with one fingerprint.
func (e *ReactEngine) repeatedAction(state *loopState) bool {
	window := e.config.RepeatWindow
	if window < 2 || len(state.recentActions) < window {
		return false
	}
	recent := state.recentActions[len(state.recentActions)-window:]
	for _, fp := range recent[1:] {
		if fp != recent[0] {
			return false
		}
	}
	return true
}

// noProgress reports that the last N observations are all empty, short,
// or errors.
func (e *ReactEngine) noProgress(state *loopState) bool {
	window := e.config.NoProgressWindow
	entries := state.pad.Entries()
	if window < 1 || len(entries) < window {
		return false
	}
	for _, entry := range entries[len(entries)-window:] {
		obs := strings.TrimSpace(entry.Observation)
		if obs != "" && len(obs) >= e.config.MinObservationChars && !strings.HasPrefix(obs, "Error:") {
			return false
		}
	}
	return true
}

// syntheticAnswer assembles a best-effort answer from the most
// informative observations without another model call.
func (e *ReactEngine) syntheticAnswer(ctx context.Context, req *Request, state *loopState, em *emitter, reason string) (string, error) {
	type scored struct {
		text string
		size int
	}
	var candidates []scored
	for _, entry := range state.pad.Entries() {
		obs := strings.TrimSpace(entry.Observation)
		if obs == "" || strings.HasPrefix(obs, "Error:") || entry.IsSummary {
			continue
		}
		candidates = append(candidates, scored{text: obs, size: len(obs)})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].size > candidates[j].size })
	if len(candidates) > 3 {
		candidates = candidates[:3]
	}

	var b strings.Builder
	if len(candidates) == 0 {
		b.WriteString("I could not gather enough information to answer this question. Please try rephrasing it or narrowing the scope.")
	} else {
		b.WriteString("Based on the information gathered so far:\n\n")
		for _, c := range candidates {
			b.WriteString(excerpt(c.text, 600))
			b.WriteString("\n\n")
		}
	}
	answer := strings.TrimSpace(b.String())

	e.logger.Info("synthetic answer assembled",
		zap.String("session_id", req.SessionID),
		zap.String("reason", reason),
		zap.Int("observations", len(candidates)))

	em.emit(ctx, Event{Kind: EventAnswerChunk, Content: answer})
	return answer, nil
}

func (e *ReactEngine) emitChunks(ctx context.Context, em *emitter, thought, answer string) bool {
	if thought != "" {
		if !em.emit(ctx, Event{Kind: EventThoughtChunk, Content: thought}) {
			return false
		}
	}
	if answer != "" {
		if !em.emit(ctx, Event{Kind: EventAnswerChunk, Content: answer}) {
			return false
		}
	}
	return true
}

func (e *ReactEngine) buildPrompt(req *Request, history []types.Message, pad *Scratchpad) *llm.ChatRequest {
	var docs strings.Builder
	for _, d := range req.Documents {
		fmt.Fprintf(&docs, "- %s (%s)\n", d.Name, d.ID)
	}
	if docs.Len() == 0 {
		docs.WriteString("(none)\n")
	}

	system := fmt.Sprintf(reactSystemPrompt, e.registry.Catalog(), docs.String())

	var user strings.Builder
	for _, msg := range history {
		fmt.Fprintf(&user, "%s: %s\n", msg.Role, msg.Content)
	}
	if trace := pad.Render(); trace != "" {
		user.WriteString("\nProgress so far:\n")
		user.WriteString(trace)
	}
	user.WriteString("\nQuestion: ")
	user.WriteString(req.Query)

	return &llm.ChatRequest{
		SessionID: req.SessionID,
		Model:     req.Model,
		Messages:  llm.SystemAndUser(system, user.String()),
		Stop:      []string{observationMarker},
	}
}

func parseToolArgs(input string) map[string]any {
	var args map[string]any
	if err := json.Unmarshal([]byte(input), &args); err == nil {
		return args
	}
	// Plain-text input becomes a query argument.
	return map[string]any{"query": strings.TrimSpace(input)}
}

func fingerprint(action *ParsedAction, prefixLen int) string {
	if prefixLen <= 0 {
		prefixLen = 40
	}
	input := action.Input
	if len(input) > prefixLen {
		input = input[:prefixLen]
	}
	return action.Action + "|" + input
}

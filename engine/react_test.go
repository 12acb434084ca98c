package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/changqingla/ireader/llm"
	"github.com/changqingla/ireader/llm/tokenizer"
	"github.com/changqingla/ireader/tool"
	"github.com/changqingla/ireader/types"
)

// echoTool is a deterministic in-memory tool for loop tests.
type echoTool struct {
	name  string
	reply string
	fail  string
	calls atomic.Int64
}

func (e *echoTool) Name() string        { return e.name }
func (e *echoTool) Description() string { return "test tool " + e.name }
func (e *echoTool) Schema() types.ToolSchema {
	return types.ToolSchema{Name: e.name}
}
func (e *echoTool) Invoke(ctx context.Context, args map[string]any, timeout time.Duration) *types.ToolResult {
	e.calls.Add(1)
	if e.fail != "" {
		return types.ErrorResult(e.name, e.fail, 0)
	}
	return types.TextResult(e.name, e.reply, 0)
}

func newTestReact(t *testing.T, provider *scriptProvider, tools []tool.Tool, cfg ReactConfig) *ReactEngine {
	t.Helper()
	caller := llm.NewCaller(provider, 2, zaptest.NewLogger(t))
	_, injector := testSessions(t, caller)

	registry := tool.NewRegistry(zaptest.NewLogger(t))
	for _, tl := range tools {
		require.NoError(t, registry.RegisterNative(tl))
	}
	return NewReactEngine(caller, registry, injector, tokenizer.NewAccountant(), cfg, zaptest.NewLogger(t))
}

func runReact(t *testing.T, e *ReactEngine, req *Request, cancels *CancelRegistry) (string, []Event, error) {
	t.Helper()
	ch := make(chan Event, 256)
	em := newEmitter(ch, cancels, req.SessionID, zaptest.NewLogger(t))
	answer, err := e.Run(context.Background(), req, em)
	close(ch)
	return answer, collectEvents(ch), err
}

func qaRequest() *Request {
	return &Request{
		SessionID: "s1",
		UserID:    "u1",
		Query:     "what is the capital of France?",
		Model:     "gpt-4o",
		Documents: []DocumentRef{{ID: "d1", Name: "geography.pdf"}},
	}
}

func TestReactEngine_ToolCallThenFinish(t *testing.T) {
	provider := &scriptProvider{outputs: []string{
		"Thought: I should look this up\nAction: recall\nAction Input: {\"query\": \"capital of France\"}",
		"Thought: I now know the final answer\nAction: finish\nAction Input: The capital of France is Paris.",
	}}
	recall := &echoTool{name: "recall", reply: "France's capital city is Paris, population 2.1M."}
	e := newTestReact(t, provider, []tool.Tool{recall}, DefaultReactConfig())

	answer, events, err := runReact(t, e, qaRequest(), NewCancelRegistry(0))
	require.NoError(t, err)
	assert.Equal(t, "The capital of France is Paris.", answer)
	assert.Equal(t, int64(1), recall.calls.Load())
	assert.Equal(t, 2, provider.callCount())

	require.NotEmpty(t, events)
	assert.Equal(t, EventThinkingStart, events[0].Kind)
	assert.Contains(t, joinContent(events, EventThoughtChunk), "I should look this up")
	assert.Equal(t, "The capital of France is Paris.", joinContent(events, EventAnswerChunk))
}

// recordingToolRecorder captures tool accounting for assertions.
type recordingToolRecorder struct {
	calls []string // tool/status
}

func (r *recordingToolRecorder) RecordToolCall(tool, status string, d time.Duration) {
	r.calls = append(r.calls, tool+"/"+status)
}

func TestReactEngine_RecordsToolInvocations(t *testing.T) {
	provider := &scriptProvider{outputs: []string{
		"Thought: look it up\nAction: recall\nAction Input: {\"query\": \"capital\"}",
		"Thought: verify\nAction: lookup\nAction Input: {\"query\": \"population\"}",
		"Action: finish\nAction Input: done",
	}}
	recall := &echoTool{name: "recall", reply: "Paris is the capital of France."}
	lookup := &echoTool{name: "lookup", fail: "backend unreachable"}
	e := newTestReact(t, provider, []tool.Tool{recall, lookup}, DefaultReactConfig())
	rec := &recordingToolRecorder{}
	e.SetRecorder(rec)

	_, _, err := runReact(t, e, qaRequest(), NewCancelRegistry(0))
	require.NoError(t, err)
	assert.Equal(t, []string{"recall/ok", "lookup/error"}, rec.calls)
}

func TestReactEngine_ParseFailureIsRecoverable(t *testing.T) {
	provider := &scriptProvider{outputs: []string{
		"I will just ramble without any action markers at all",
		"Action: finish\nAction Input: recovered fine",
	}}
	e := newTestReact(t, provider, nil, DefaultReactConfig())

	answer, _, err := runReact(t, e, qaRequest(), NewCancelRegistry(0))
	require.NoError(t, err)
	assert.Equal(t, "recovered fine", answer)
	assert.Equal(t, 2, provider.callCount())
}

func TestReactEngine_ConsecutiveToolErrorsForceSyntheticAnswer(t *testing.T) {
	var outputs []string
	for i := 0; i < 10; i++ {
		outputs = append(outputs, fmt.Sprintf(
			"Thought: try again\nAction: recall\nAction Input: {\"query\": \"attempt %d\"}", i))
	}
	provider := &scriptProvider{outputs: outputs}
	recall := &echoTool{name: "recall", fail: "backend unreachable"}

	cfg := DefaultReactConfig()
	cfg.MaxConsecutiveErrors = 3
	e := newTestReact(t, provider, []tool.Tool{recall}, cfg)

	answer, _, err := runReact(t, e, qaRequest(), NewCancelRegistry(0))
	require.NoError(t, err)
	assert.Contains(t, answer, "could not gather enough information")
	assert.Equal(t, 3, provider.callCount())
}

func TestReactEngine_TokenBudgetForcesAnswerFromObservations(t *testing.T) {
	provider := &scriptProvider{outputs: []string{
		"Thought: search\nAction: recall\nAction Input: {\"query\": \"growth\"}",
	}}
	observation := "Revenue grew 12% year over year according to the annual report, driven by subscriptions."
	recall := &echoTool{name: "recall", reply: observation}

	cfg := DefaultReactConfig()
	cfg.TokenBudget = 1
	e := newTestReact(t, provider, []tool.Tool{recall}, cfg)

	answer, events, err := runReact(t, e, qaRequest(), NewCancelRegistry(0))
	require.NoError(t, err)
	assert.Contains(t, answer, "Based on the information gathered")
	assert.Contains(t, answer, "Revenue grew 12%")
	assert.Equal(t, 1, provider.callCount())
	assert.Contains(t, joinContent(events, EventAnswerChunk), "Revenue grew 12%")
}

func TestReactEngine_RepeatedActionLoopExits(t *testing.T) {
	same := "Thought: searching\nAction: recall\nAction Input: {\"query\": \"identical\"}"
	provider := &scriptProvider{outputs: []string{same, same, same, same, same}}
	recall := &echoTool{name: "recall", reply: "a long and useful observation about the repeated topic, with enough detail to count as progress"}

	cfg := DefaultReactConfig()
	cfg.RepeatWindow = 3
	e := newTestReact(t, provider, []tool.Tool{recall}, cfg)

	answer, _, err := runReact(t, e, qaRequest(), NewCancelRegistry(0))
	require.NoError(t, err)
	assert.Contains(t, answer, "Based on the information gathered")
	assert.LessOrEqual(t, provider.callCount(), 4)
}

func TestReactEngine_IterationLimitExhausted(t *testing.T) {
	provider := &scriptProvider{outputs: nil} // every call returns "done", which parses as nothing
	cfg := DefaultReactConfig()
	cfg.MaxIterations = 2
	cfg.MaxConsecutiveErrors = 100
	e := newTestReact(t, provider, nil, cfg)

	answer, _, err := runReact(t, e, qaRequest(), NewCancelRegistry(0))
	require.NoError(t, err)
	assert.NotEmpty(t, answer)
	assert.Equal(t, 2, provider.callCount())
}

func TestReactEngine_CancellationStopsStream(t *testing.T) {
	provider := &scriptProvider{outputs: []string{
		"Action: finish\nAction Input: never delivered",
	}}
	e := newTestReact(t, provider, nil, DefaultReactConfig())

	cancels := NewCancelRegistry(time.Minute)
	cancels.Cancel("s1")

	answer, events, err := runReact(t, e, qaRequest(), cancels)
	require.NoError(t, err)
	assert.Empty(t, answer)

	kinds := make([]EventKind, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, EventCancelled)
	assert.NotContains(t, kinds, EventAnswerChunk)
	assert.False(t, cancels.IsCancelled("s1"), "marker is cleared once observed")
}

package engine

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/changqingla/ireader/types"
)

func TestParseAction(t *testing.T) {
	out := "Thought: I should search the document\nAction: recall\nAction Input: {\"query\": \"revenue 2025\"}"
	action, err := ParseAction(out)
	require.NoError(t, err)
	assert.Equal(t, "I should search the document", action.Thought)
	assert.Equal(t, "recall", action.Action)
	assert.JSONEq(t, `{"query": "revenue 2025"}`, action.Input)
	assert.False(t, action.IsFinish())
}

func TestParseAction_Failures(t *testing.T) {
	cases := map[string]string{
		"no action":    "Thought: hmm, let me think about this some more",
		"no input":     "Thought: search\nAction: recall",
		"empty input":  "Thought: search\nAction: recall\nAction Input:   \nThought: oops",
		"empty action": "Action: \nAction Input: {\"query\": \"x\"}",
	}
	for name, out := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseAction(out)
			require.Error(t, err)
			var e *types.Error
			require.True(t, errors.As(err, &e))
			assert.Equal(t, types.ErrParseFailure, e.Code)
		})
	}
}

func TestParseAction_KeepsThoughtOnFailure(t *testing.T) {
	action, err := ParseAction("Thought: nothing else to do here")
	require.Error(t, err)
	assert.Equal(t, "nothing else to do here", action.Thought)
}

func TestExtractFinalAnswer_FirstFinishWins(t *testing.T) {
	out := "Thought: x\nAction: finish\nAction Input: done\nThought: y\nAction: finish\nAction Input: ignored"
	answer, ok := ExtractFinalAnswer(out)
	require.True(t, ok)
	assert.Equal(t, "done", answer)
}

func TestExtractFinalAnswer_SkipsOtherActions(t *testing.T) {
	out := "Thought: search first\nAction: recall\nAction Input: {\"query\":\"x\"}\nObservation: found it\nThought: got it\nAction: finish\nAction Input: the final answer"
	answer, ok := ExtractFinalAnswer(out)
	require.True(t, ok)
	assert.Equal(t, "the final answer", answer)
}

func TestExtractFinalAnswer_NoFinish(t *testing.T) {
	_, ok := ExtractFinalAnswer("Thought: x\nAction: recall\nAction Input: {\"query\":\"y\"}")
	assert.False(t, ok)
}

func feedAll(d *streamDetector, text string, chunk int) (thought, answer string) {
	for i := 0; i < len(text); i += chunk {
		end := i + chunk
		if end > len(text) {
			end = len(text)
		}
		th, an := d.feed(text[i:end])
		thought += th
		answer += an
	}
	th, an := d.flush()
	return thought + th, answer + an
}

func TestStreamDetector_ThinkingOnly(t *testing.T) {
	for _, chunk := range []int{1, 3, 64} {
		d := newStreamDetector()
		thought, answer := feedAll(d, "Thought: still working through the document structure", chunk)
		assert.Equal(t, "still working through the document structure", thought)
		assert.Empty(t, answer)
		assert.False(t, d.answered())
	}
}

func TestStreamDetector_AnswerSpan(t *testing.T) {
	text := "Thought: I know enough now\nAction: finish\nAction Input: Paris is the capital of France.\nThought: wait, actually\nAction: finish\nAction Input: Berlin"
	for _, chunk := range []int{1, 5, 13, 200} {
		d := newStreamDetector()
		thought, answer := feedAll(d, text, chunk)
		assert.Equal(t, "I know enough now", strings.TrimSpace(thought), "chunk=%d", chunk)
		assert.Equal(t, "Paris is the capital of France.", answer, "chunk=%d", chunk)
		assert.True(t, d.answered())
	}
}

func TestStreamDetector_ThinkingStopsAtAction(t *testing.T) {
	d := newStreamDetector()
	thought, answer := feedAll(d, "Thought: searching\nAction: recall\nAction Input: {\"query\":\"x\"}", 4)
	assert.Equal(t, "searching", strings.TrimSpace(thought))
	assert.Empty(t, answer)
	assert.False(t, d.answered())
	assert.Contains(t, d.full(), "Action: recall")
}

func TestStreamDetector_AnswerAtEndOfStream(t *testing.T) {
	d := newStreamDetector()
	_, answer := feedAll(d, "Action: finish\nAction Input: short answer", 6)
	assert.Equal(t, "short answer", answer)
}

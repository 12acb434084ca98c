package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryCleanupHook_StripsFillerWords(t *testing.T) {
	action := &ParsedAction{
		Action: "recall",
		Input:  `{"query": "could you please find the revenue figures"}`,
	}

	require.NoError(t, QueryCleanupHook{}.Before(action, NewScratchpad(0)))
	assert.JSONEq(t, `{"query": "find the revenue figures"}`, action.Input)
}

func TestQueryCleanupHook_LeavesCleanInputAlone(t *testing.T) {
	cases := []string{
		`{"query": "quarterly revenue 2025"}`, // nothing to strip
		`not json input`,
		`{"doc_id": "d1"}`, // no query field
	}
	for _, input := range cases {
		action := &ParsedAction{Action: "recall", Input: input}
		require.NoError(t, QueryCleanupHook{}.Before(action, NewScratchpad(0)))
		assert.Equal(t, input, action.Input)
	}
}

func TestRepeatVetoHook(t *testing.T) {
	pad := NewScratchpad(0)
	pad.Append(ScratchpadEntry{Action: "recall", ActionInput: `{"query":"x"}`, Observation: "found"})

	// Exact repeat of a recent call is vetoed.
	err := RepeatVetoHook{}.Before(&ParsedAction{Action: "recall", Input: `{"query":"x"}`}, pad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already tried")

	// Different input passes.
	require.NoError(t, RepeatVetoHook{}.Before(&ParsedAction{Action: "recall", Input: `{"query":"y"}`}, pad))

	// A repeat outside the window passes.
	windowed := RepeatVetoHook{Window: 2}
	pad.Append(ScratchpadEntry{Action: "recall", ActionInput: `{"query":"a"}`})
	pad.Append(ScratchpadEntry{Action: "recall", ActionInput: `{"query":"b"}`})
	require.NoError(t, windowed.Before(&ParsedAction{Action: "recall", Input: `{"query":"x"}`}, pad))
}

func TestShortObservationHook(t *testing.T) {
	hook := ShortObservationHook{MinChars: 40}
	action := &ParsedAction{Action: "recall"}

	long := strings.Repeat("informative result text ", 5)
	assert.Equal(t, long, hook.After(action, long))

	annotated := hook.After(action, "nothing")
	assert.Contains(t, annotated, "nothing")
	assert.Contains(t, annotated, "incomplete")

	assert.Contains(t, hook.After(action, "   "), "no content")

	// Errors are already actionable; no annotation added.
	assert.Equal(t, "Error: boom", hook.After(action, "Error: boom"))
}

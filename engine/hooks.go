package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PreHook runs before a tool invocation. It may rewrite the action in
// place or veto it by returning an error; a veto becomes an error
// observation and the loop continues.
type PreHook interface {
	Name() string
	Before(action *ParsedAction, pad *Scratchpad) error
}

// PostHook runs after a tool invocation and may annotate the observation.
type PostHook interface {
	Name() string
	After(action *ParsedAction, observation string) string
}

// fillerWords are stripped from retrieval queries before dispatch.
var fillerWords = map[string]bool{
	"please":  true,
	"kindly":  true,
	"maybe":   true,
	"perhaps": true,
	"really":  true,
	"just":    true,
	"could":   true,
	"would":   true,
}

// QueryCleanupHook strips filler words from the query field of a
// JSON-shaped action input. Non-JSON input and non-query actions pass
// through untouched.
type QueryCleanupHook struct{}

func (QueryCleanupHook) Name() string { return "query_cleanup" }

func (QueryCleanupHook) Before(action *ParsedAction, _ *Scratchpad) error {
	var args map[string]any
	if err := json.Unmarshal([]byte(action.Input), &args); err != nil {
		return nil
	}
	query, ok := args["query"].(string)
	if !ok || query == "" {
		return nil
	}

	words := strings.Fields(query)
	kept := words[:0]
	for _, w := range words {
		if !fillerWords[strings.ToLower(strings.Trim(w, ",.!?"))] {
			kept = append(kept, w)
		}
	}
	cleaned := strings.Join(kept, " ")
	if cleaned == query || cleaned == "" {
		return nil
	}

	args["query"] = cleaned
	raw, err := json.Marshal(args)
	if err != nil {
		return nil
	}
	action.Input = string(raw)
	return nil
}

// RepeatVetoHook rejects an action that exactly repeats a recent call
// with the same input, so the loop cannot burn iterations on an identical
// question.
type RepeatVetoHook struct {
	Window int // how many recent entries to inspect, default 3
}

func (RepeatVetoHook) Name() string { return "repeat_veto" }

func (h RepeatVetoHook) Before(action *ParsedAction, pad *Scratchpad) error {
	window := h.Window
	if window <= 0 {
		window = 3
	}

	entries := pad.Entries()
	for i := len(entries) - 1; i >= 0 && i >= len(entries)-window; i-- {
		e := entries[i]
		if e.IsSummary {
			continue
		}
		if e.Action == action.Action && e.ActionInput == action.Input {
			return fmt.Errorf("action %s with identical input was already tried; use a different query or tool", action.Action)
		}
	}
	return nil
}

// ShortObservationHook annotates observations too short to be useful, so
// the model is nudged toward a different approach instead of trusting a
// near-empty result.
type ShortObservationHook struct {
	MinChars int // default 40
}

func (ShortObservationHook) Name() string { return "short_observation" }

func (h ShortObservationHook) After(_ *ParsedAction, observation string) string {
	threshold := h.MinChars
	if threshold <= 0 {
		threshold = 40
	}
	trimmed := strings.TrimSpace(observation)
	if trimmed == "" {
		return "(the tool returned no content; try a different query or tool)"
	}
	if len(trimmed) < threshold && !strings.HasPrefix(trimmed, "Error:") {
		return observation + "\n(this result looks incomplete; consider rephrasing the query)"
	}
	return observation
}

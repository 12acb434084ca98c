package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/changqingla/ireader/types"
)

// ScratchpadEntry is one Thought/Action/Observation record.
type ScratchpadEntry struct {
	Thought     string
	Action      string
	ActionInput string
	Observation string
	IsSummary   bool
}

// Scratchpad is the request-scoped reasoning trace. When appending pushes
// its estimated token size over budget it replaces everything except the
// first entry and the last two with a single synthetic summary entry, so
// prompt size stays bounded without an external model call.
type Scratchpad struct {
	entries []ScratchpadEntry
	budget  int
	counter types.Tokenizer
}

// NewScratchpad creates a scratchpad with a token budget. budget <= 0
// defaults to 4096.
func NewScratchpad(budget int) *Scratchpad {
	if budget <= 0 {
		budget = 4096
	}
	return &Scratchpad{
		budget:  budget,
		counter: types.NewEstimateTokenizer(),
	}
}

// Append records one entry and compacts when over budget.
func (s *Scratchpad) Append(entry ScratchpadEntry) {
	s.entries = append(s.entries, entry)
	if s.TokenSize() > s.budget && len(s.entries) > 3 {
		s.compact()
	}
}

// Len returns the entry count.
func (s *Scratchpad) Len() int { return len(s.entries) }

// Entries returns a copy of the current entries.
func (s *Scratchpad) Entries() []ScratchpadEntry {
	out := make([]ScratchpadEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Last returns the most recent entry, or nil when empty.
func (s *Scratchpad) Last() *ScratchpadEntry {
	if len(s.entries) == 0 {
		return nil
	}
	return &s.entries[len(s.entries)-1]
}

// TokenSize estimates the rendered size in tokens.
func (s *Scratchpad) TokenSize() int {
	return s.counter.CountTokens(s.Render())
}

// Render formats the trace for prompt inclusion.
func (s *Scratchpad) Render() string {
	var b strings.Builder
	for _, e := range s.entries {
		if e.Thought != "" {
			fmt.Fprintf(&b, "Thought: %s\n", e.Thought)
		}
		if e.Action != "" {
			fmt.Fprintf(&b, "Action: %s\n", e.Action)
			fmt.Fprintf(&b, "Action Input: %s\n", e.ActionInput)
		}
		if e.Observation != "" {
			fmt.Fprintf(&b, "Observation: %s\n", e.Observation)
		}
	}
	return b.String()
}

// compact replaces all entries except the first and the last two with one
// summary entry carrying per-tool call counts, a sample of queries and
// short excerpts of the most informative observations.
func (s *Scratchpad) compact() {
	middle := s.entries[1 : len(s.entries)-2]

	toolCalls := make(map[string]int)
	var queries []string
	var observations []string
	for _, e := range middle {
		if e.Action != "" {
			toolCalls[e.Action]++
			if len(queries) < 3 && e.ActionInput != "" {
				queries = append(queries, excerpt(e.ActionInput, 60))
			}
		}
		if e.Observation != "" && !strings.HasPrefix(e.Observation, "Error:") {
			observations = append(observations, e.Observation)
		}
	}

	// Keep the three longest observations as the most informative.
	sort.Slice(observations, func(i, j int) bool { return len(observations[i]) > len(observations[j]) })
	if len(observations) > 3 {
		observations = observations[:3]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[compacted %d earlier steps]", len(middle))
	if len(toolCalls) > 0 {
		names := make([]string, 0, len(toolCalls))
		for name := range toolCalls {
			names = append(names, name)
		}
		sort.Strings(names)
		b.WriteString(" tool calls:")
		for _, name := range names {
			fmt.Fprintf(&b, " %s=%d", name, toolCalls[name])
		}
		b.WriteString(".")
	}
	if len(queries) > 0 {
		fmt.Fprintf(&b, " queries tried: %s.", strings.Join(queries, "; "))
	}
	for _, obs := range observations {
		fmt.Fprintf(&b, "\nkey finding: %s", excerpt(obs, 200))
	}

	summary := ScratchpadEntry{Observation: b.String(), IsSummary: true}
	compacted := make([]ScratchpadEntry, 0, 4)
	compacted = append(compacted, s.entries[0], summary)
	compacted = append(compacted, s.entries[len(s.entries)-2:]...)
	s.entries = compacted
}

func excerpt(s string, n int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

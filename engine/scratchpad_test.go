package engine

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScratchpad_RenderFormat(t *testing.T) {
	pad := NewScratchpad(0)
	pad.Append(ScratchpadEntry{
		Thought:     "search the report",
		Action:      "recall",
		ActionInput: `{"query":"revenue"}`,
		Observation: "revenue grew 12%",
	})

	rendered := pad.Render()
	assert.Contains(t, rendered, "Thought: search the report\n")
	assert.Contains(t, rendered, "Action: recall\n")
	assert.Contains(t, rendered, "Action Input: {\"query\":\"revenue\"}\n")
	assert.Contains(t, rendered, "Observation: revenue grew 12%\n")
}

func TestScratchpad_CompactsToFourEntries(t *testing.T) {
	pad := NewScratchpad(200)

	filler := strings.Repeat("observation text with plenty of detail ", 10)
	for i := 0; i < 8; i++ {
		pad.Append(ScratchpadEntry{
			Thought:     fmt.Sprintf("step %d", i),
			Action:      "recall",
			ActionInput: fmt.Sprintf(`{"query":"sub-question %d"}`, i),
			Observation: filler,
		})
	}

	// First entry, one summary, last two.
	require.Equal(t, 4, pad.Len())
	entries := pad.Entries()
	assert.Equal(t, "step 0", entries[0].Thought)
	assert.True(t, entries[1].IsSummary)
	assert.Equal(t, "step 6", entries[2].Thought)
	assert.Equal(t, "step 7", entries[3].Thought)
}

func TestScratchpad_SummaryCarriesToolCountsAndQueries(t *testing.T) {
	pad := NewScratchpad(1 << 20)
	long := strings.Repeat("chunk of retrieved text ", 20)
	for i := 0; i < 6; i++ {
		action := "recall"
		if i%2 == 1 {
			action = "web_search"
		}
		pad.Append(ScratchpadEntry{
			Thought:     fmt.Sprintf("step %d", i),
			Action:      action,
			ActionInput: fmt.Sprintf(`{"query":"topic %d"}`, i),
			Observation: long,
		})
	}
	pad.compact()

	require.Equal(t, 4, pad.Len())
	summary := pad.Entries()[1]
	require.True(t, summary.IsSummary)
	// Middle entries are steps 1..3: web_search, recall, web_search.
	assert.Contains(t, summary.Observation, "recall=1")
	assert.Contains(t, summary.Observation, "web_search=2")
	assert.Contains(t, summary.Observation, "queries tried:")
	assert.Contains(t, summary.Observation, "key finding:")
}

func TestScratchpad_NoCompactionBelowBudget(t *testing.T) {
	pad := NewScratchpad(100000)
	for i := 0; i < 10; i++ {
		pad.Append(ScratchpadEntry{Thought: "t", Action: "recall", ActionInput: "{}", Observation: "short"})
	}
	assert.Equal(t, 10, pad.Len())
}

func TestScratchpad_NoCompactionWithThreeEntries(t *testing.T) {
	pad := NewScratchpad(10)
	big := strings.Repeat("words and more words ", 30)
	for i := 0; i < 3; i++ {
		pad.Append(ScratchpadEntry{Observation: big})
	}
	// Over budget but no non-edge entry exists yet.
	assert.Equal(t, 3, pad.Len())
}

package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateTokenizer_CountTokens(t *testing.T) {
	tok := NewEstimateTokenizer()

	tests := []struct {
		name string
		text string
		min  int
		max  int
	}{
		{"empty", "", 0, 0},
		{"short ascii", "hi", 1, 1},
		{"ascii sentence", "the quick brown fox jumps over the lazy dog", 9, 13},
		{"cjk", "今天天气怎么样", 4, 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tok.CountTokens(tt.text)
			assert.GreaterOrEqual(t, got, tt.min)
			assert.LessOrEqual(t, got, tt.max)
		})
	}
}

func TestEstimateTokenizer_CountMessagesTokens(t *testing.T) {
	tok := NewEstimateTokenizer()

	msgs := []Message{
		NewUserMessage("hello there"),
		NewAssistantMessage("hi, how can I help?"),
	}

	total := tok.CountMessagesTokens(msgs)
	sum := tok.CountMessageTokens(msgs[0]) + tok.CountMessageTokens(msgs[1])
	assert.Equal(t, sum, total)
	// Per-message overhead is always counted.
	assert.Greater(t, total, tok.CountTokens("hello there")+tok.CountTokens("hi, how can I help?"))
}

func TestTokenUsage_Add(t *testing.T) {
	u := TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
	u.Add(TokenUsage{PromptTokens: 2, CompletionTokens: 3, TotalTokens: 5})
	assert.Equal(t, 12, u.PromptTokens)
	assert.Equal(t, 8, u.CompletionTokens)
	assert.Equal(t, 20, u.TotalTokens)
}

package tokenizer

import (
	"sync"

	"github.com/changqingla/ireader/types"
)

// Tokenizer is the model-level token counting interface.
type Tokenizer interface {
	// CountTokens returns the token count of the given text.
	CountTokens(text string) (int, error)

	// MaxTokens returns the model's maximum context length.
	MaxTokens() int

	// Name returns the tokenizer's name.
	Name() string
}

// Accountant estimates token cost of text and messages for a given model.
// It lazily constructs one tokenizer per model and is safe for concurrent
// use. Construct one Accountant per process and pass it down the call chain;
// tests build fresh instances per case.
type Accountant struct {
	mu         sync.RWMutex
	byModel    map[string]Tokenizer
	msgOverhead int
}

// NewAccountant creates an empty accountant.
func NewAccountant() *Accountant {
	return &Accountant{
		byModel:     make(map[string]Tokenizer),
		msgOverhead: 4,
	}
}

// ForModel returns the tokenizer for a model, constructing it on first use.
// Unknown models fall back to the estimator.
func (a *Accountant) ForModel(model string) Tokenizer {
	a.mu.RLock()
	t, ok := a.byModel[model]
	a.mu.RUnlock()
	if ok {
		return t
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.byModel[model]; ok {
		return t
	}
	t = NewTiktokenTokenizer(model)
	a.byModel[model] = t
	return t
}

// Count returns the token count of text for the model. Tokenizer errors
// (e.g. encoding data unavailable) degrade to the estimator rather than
// failing the caller.
func (a *Accountant) Count(model, text string) int {
	n, err := a.ForModel(model).CountTokens(text)
	if err != nil {
		n, _ = NewEstimatorTokenizer(model, 0).CountTokens(text)
	}
	return n
}

// CountMessage counts one message including per-message overhead
// (role markers, separators).
func (a *Accountant) CountMessage(model string, msg types.Message) int {
	return a.Count(model, msg.Content) + a.msgOverhead
}

// CountMessages counts a message slice including conversation overhead.
func (a *Accountant) CountMessages(model string, msgs []types.Message) int {
	total := 3 // conversation-end overhead
	for _, m := range msgs {
		total += a.CountMessage(model, m)
	}
	return total
}

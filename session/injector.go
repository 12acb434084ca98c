package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/changqingla/ireader/types"
)

// Phase names the processing stage asking for history.
type Phase string

const (
	PhaseIntent    Phase = "intent_recognition"
	PhasePlanning  Phase = "planning"
	PhaseExecution Phase = "execution"
	PhaseAnswer    Phase = "answer_generation"
	PhaseChat      Phase = "chat"
)

// phasePolicy maps a phase to how much history it sees.
type phasePolicy struct {
	// turns is the number of recent user+assistant turn pairs to surface.
	// -1 means all active messages.
	turns int
	// includeSummary controls whether the compression summary is prepended.
	includeSummary bool
}

var defaultPolicies = map[Phase]phasePolicy{
	PhaseIntent:    {turns: 2, includeSummary: false},
	PhasePlanning:  {turns: 2, includeSummary: true},
	PhaseExecution: {turns: 0, includeSummary: false},
	PhaseAnswer:    {turns: 3, includeSummary: true},
	PhaseChat:      {turns: -1, includeSummary: true},
}

// Injector selects which historical messages to surface for a phase.
type Injector struct {
	store    *Store
	policies map[Phase]phasePolicy
	logger   *zap.Logger
}

// NewInjector creates an injector with the default phase policies.
func NewInjector(store *Store, logger *zap.Logger) *Injector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Injector{
		store:    store,
		policies: defaultPolicies,
		logger:   logger.With(zap.String("component", "context_injector")),
	}
}

// HistoryFor returns the messages a phase should see, oldest first.
//
// Turn-count policies separate the single compression-summary message (if
// any) from ordinary turns, take the last 2xturns ordinary messages, and
// prepend the summary when the policy includes it. The chat policy returns
// every active message: the compression engine's invariant that active
// history stays bounded (summary + recent fraction) makes a second
// truncation pass unnecessary.
func (inj *Injector) HistoryFor(ctx context.Context, sessionID string, phase Phase) ([]types.Message, error) {
	policy, ok := inj.policies[phase]
	if !ok {
		policy = phasePolicy{turns: 0}
	}

	active, err := inj.store.ListActiveMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var summary *Message
	turns := make([]Message, 0, len(active))
	for i := range active {
		if active[i].Type == types.MessageTypeCompression {
			summary = &active[i]
			continue
		}
		turns = append(turns, active[i])
	}

	var picked []Message
	switch {
	case policy.turns < 0:
		picked = turns
	case policy.turns == 0:
		picked = nil
	default:
		n := policy.turns * 2
		if n > len(turns) {
			n = len(turns)
		}
		picked = turns[len(turns)-n:]
	}

	out := make([]types.Message, 0, len(picked)+1)
	if policy.includeSummary && summary != nil {
		out = append(out, summary.ToChatMessage())
	}
	for i := range picked {
		out = append(out, picked[i].ToChatMessage())
	}

	inj.logger.Debug("history injected",
		zap.String("session_id", sessionID),
		zap.String("phase", string(phase)),
		zap.Int("messages", len(out)))
	return out, nil
}

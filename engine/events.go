package engine

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// EventKind names one progress event type.
type EventKind string

const (
	EventThinkingStart      EventKind = "thinking_start"
	EventThoughtChunk       EventKind = "thought_chunk"
	EventDocSummaryInit     EventKind = "doc_summary_init"
	EventDocSummaryStart    EventKind = "doc_summary_start"
	EventDocSummaryChunk    EventKind = "doc_summary_chunk"
	EventDocSummaryComplete EventKind = "doc_summary_complete"
	EventDocSummaryError    EventKind = "doc_summary_error"
	EventAnswerChunk        EventKind = "answer_chunk"
	EventNodeComplete       EventKind = "node_complete"
	EventNodeError          EventKind = "node_error"
	EventCancelled          EventKind = "cancelled"
	EventError              EventKind = "error"
)

// Event is one progress report. For a given session, chunks of the same
// logical unit (one document's summary, one answer) arrive in generation
// order; no ordering is guaranteed across concurrently summarized
// documents.
type Event struct {
	Kind    EventKind `json:"kind"`
	Content string    `json:"content,omitempty"`
	DocID   string    `json:"doc_id,omitempty"`
	Node    string    `json:"node,omitempty"`
	Error   string    `json:"error,omitempty"`

	// doc_summary_init bookkeeping.
	Total      int  `json:"total,omitempty"`
	Cached     int  `json:"cached,omitempty"`
	ToGenerate int  `json:"to_generate,omitempty"`
	FromCache  bool `json:"from_cache,omitempty"`

	// cancelled bookkeeping.
	Phase         string `json:"phase,omitempty"`
	ContentLength int    `json:"content_length,omitempty"`
}

// emitter pushes events to the delivery channel and polls the cancellation
// registry at every event boundary. Once a cancellation is observed the
// marker is cleared, a single cancelled event is emitted and every further
// emit is suppressed. Safe for concurrent use by parallel summarizers.
type emitter struct {
	ch        chan<- Event
	cancels   *CancelRegistry
	sessionID string
	logger    *zap.Logger

	mu        sync.Mutex
	cancelled bool
	emitted   int // total content bytes emitted so far
}

func newEmitter(ch chan<- Event, cancels *CancelRegistry, sessionID string, logger *zap.Logger) *emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &emitter{ch: ch, cancels: cancels, sessionID: sessionID, logger: logger}
}

// emit sends one event unless the session was cancelled. It returns false
// once emission stops, which callers use to abandon in-flight work.
func (e *emitter) emit(ctx context.Context, ev Event) bool {
	e.mu.Lock()
	if e.cancelled {
		e.mu.Unlock()
		return false
	}
	if e.cancels != nil && e.cancels.IsCancelled(e.sessionID) {
		e.cancelled = true
		e.cancels.Clear(e.sessionID)
		cancelEv := Event{
			Kind:          EventCancelled,
			Phase:         string(ev.Kind),
			ContentLength: e.emitted,
		}
		e.mu.Unlock()
		e.logger.Info("request cancelled",
			zap.String("session_id", e.sessionID),
			zap.String("phase", string(ev.Kind)))
		e.send(ctx, cancelEv)
		return false
	}
	e.emitted += len(ev.Content)
	e.mu.Unlock()

	return e.send(ctx, ev)
}

func (e *emitter) send(ctx context.Context, ev Event) bool {
	select {
	case e.ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// stopped reports whether emission has been cut off by a cancellation.
func (e *emitter) stopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

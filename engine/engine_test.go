package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/changqingla/ireader/internal/cache"
	"github.com/changqingla/ireader/llm"
	"github.com/changqingla/ireader/llm/tokenizer"
	"github.com/changqingla/ireader/session"
	"github.com/changqingla/ireader/types"
)

// scriptProvider replays a fixed sequence of outputs, one per model call,
// streaming each in small chunks to exercise marker splitting.
type scriptProvider struct {
	mu      sync.Mutex
	outputs []string
	calls   int
	chunk   int // chunk size in bytes, default 7
}

func (p *scriptProvider) next() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := "done"
	if p.calls < len(p.outputs) {
		out = p.outputs[p.calls]
	}
	p.calls++
	return out
}

func (p *scriptProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{
		Model:   req.Model,
		Choices: []llm.ChatChoice{{Message: types.NewAssistantMessage(p.next())}},
	}, nil
}

func (p *scriptProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	out := p.next()
	size := p.chunk
	if size <= 0 {
		size = 7
	}

	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		for i := 0; i < len(out); i += size {
			end := i + size
			if end > len(out) {
				end = len(out)
			}
			select {
			case ch <- llm.StreamChunk{Delta: types.NewAssistantMessage(out[i:end])}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (p *scriptProvider) Name() string { return "script" }

// testSessions builds a full session stack on in-memory stores.
func testSessions(t *testing.T, caller *llm.Caller) (*session.Manager, *session.Injector) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cacheMgr := cache.NewManagerFromClient(client, cache.DefaultConfig(), zaptest.NewLogger(t))

	store := session.NewStore(db, cacheMgr, zaptest.NewLogger(t))
	require.NoError(t, store.AutoMigrate())

	acc := tokenizer.NewAccountant()
	comp := session.NewCompressor(store, caller, acc, session.DefaultCompressorConfig(), zaptest.NewLogger(t))
	mgr := session.NewManager(store, acc, comp, zaptest.NewLogger(t))
	return mgr, session.NewInjector(store, zaptest.NewLogger(t))
}

// collectEvents drains an event channel into a slice.
func collectEvents(ch <-chan Event) []Event {
	var out []Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func eventsOfKind(events []Event, kind EventKind) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func joinContent(events []Event, kind EventKind) string {
	var b []byte
	for _, ev := range eventsOfKind(events, kind) {
		b = append(b, ev.Content...)
	}
	return string(b)
}

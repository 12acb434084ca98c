package llm

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/changqingla/ireader/types"
)

// blockingProvider counts concurrent in-flight calls and blocks until released.
type blockingProvider struct {
	inflight atomic.Int32
	peak     atomic.Int32
	release  chan struct{}
}

func newBlockingProvider() *blockingProvider {
	return &blockingProvider{release: make(chan struct{})}
}

func (p *blockingProvider) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	cur := p.inflight.Add(1)
	for {
		peak := p.peak.Load()
		if cur <= peak || p.peak.CompareAndSwap(peak, cur) {
			break
		}
	}
	defer p.inflight.Add(-1)

	select {
	case <-p.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &ChatResponse{Choices: []ChatChoice{{Message: types.NewAssistantMessage("ok")}}}, nil
}

func (p *blockingProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	ch := make(chan StreamChunk, 1)
	ch <- StreamChunk{Delta: types.NewAssistantMessage("ok")}
	close(ch)
	return ch, nil
}

func (p *blockingProvider) Name() string { return "blocking" }

func TestCaller_BoundsConcurrency(t *testing.T) {
	provider := newBlockingProvider()
	caller := NewCaller(provider, 2, nil)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := caller.Completion(context.Background(), &ChatRequest{Model: "m"})
			assert.NoError(t, err)
		}()
	}

	// Let goroutines pile up against the semaphore, then let them all through.
	time.Sleep(50 * time.Millisecond)
	close(provider.release)
	wg.Wait()

	assert.LessOrEqual(t, provider.peak.Load(), int32(2))
}

func TestCaller_AcquireRespectsContext(t *testing.T) {
	provider := newBlockingProvider()
	caller := NewCaller(provider, 1, nil)

	// Occupy the only slot.
	go caller.Completion(context.Background(), &ChatRequest{Model: "m"}) //nolint:errcheck
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := caller.Completion(ctx, &ChatRequest{Model: "m"})
	require.Error(t, err)

	close(provider.release)
}

// usageProvider returns fixed completions carrying token usage.
type usageProvider struct {
	fail bool
}

func (p *usageProvider) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if p.fail {
		return nil, context.DeadlineExceeded
	}
	return &ChatResponse{
		Model:   req.Model,
		Choices: []ChatChoice{{Message: types.NewAssistantMessage("ok")}},
		Usage:   types.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func (p *usageProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	ch := make(chan StreamChunk, 2)
	ch <- StreamChunk{Delta: types.NewAssistantMessage("ok")}
	ch <- StreamChunk{Usage: &types.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}}
	close(ch)
	return ch, nil
}

func (p *usageProvider) Name() string { return "usage" }

// recordingRecorder captures call accounting for assertions.
type recordingRecorder struct {
	mu         sync.Mutex
	started    int
	finished   []string // model/status
	prompt     int
	completion int
}

func (r *recordingRecorder) ModelCallStarted() {
	r.mu.Lock()
	r.started++
	r.mu.Unlock()
}

func (r *recordingRecorder) ModelCallFinished(model, status string, d time.Duration, prompt, completion int) {
	r.mu.Lock()
	r.finished = append(r.finished, model+"/"+status)
	r.prompt += prompt
	r.completion += completion
	r.mu.Unlock()
}

func TestCaller_RecordsModelCalls(t *testing.T) {
	rec := &recordingRecorder{}
	caller := NewCaller(&usageProvider{}, 2, nil)
	caller.SetRecorder(rec)

	_, err := caller.Completion(context.Background(), &ChatRequest{Model: "gpt-4o"})
	require.NoError(t, err)

	stream, err := caller.Stream(context.Background(), &ChatRequest{Model: "gpt-4o"})
	require.NoError(t, err)
	for range stream {
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 2, rec.started)
	assert.Equal(t, []string{"gpt-4o/ok", "gpt-4o/ok"}, rec.finished)
	assert.Equal(t, 20, rec.prompt)
	assert.Equal(t, 10, rec.completion)
}

func TestCaller_RecordsFailedCall(t *testing.T) {
	rec := &recordingRecorder{}
	caller := NewCaller(&usageProvider{fail: true}, 1, nil)
	caller.SetRecorder(rec)

	_, err := caller.Completion(context.Background(), &ChatRequest{Model: "gpt-4o"})
	require.Error(t, err)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.started)
	assert.Equal(t, []string{"gpt-4o/error"}, rec.finished)
	assert.Zero(t, rec.prompt)
}

func TestCollectStream(t *testing.T) {
	ch := make(chan StreamChunk, 3)
	ch <- StreamChunk{Delta: types.NewAssistantMessage("hello ")}
	ch <- StreamChunk{Delta: types.NewAssistantMessage("world")}
	close(ch)

	out, err := CollectStream(context.Background(), ch)
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)
}

package llm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/changqingla/ireader/types"
)

// CallRecorder receives model-call accounting from the Caller. The metrics
// collector implements it; a nil recorder disables recording.
type CallRecorder interface {
	ModelCallStarted()
	ModelCallFinished(model, status string, duration time.Duration, promptTokens, completionTokens int)
}

// Caller wraps a Provider with a global bound on concurrently in-flight
// model calls. Summarization, plan execution, and report synthesis all share
// one Caller, so the weight limit is the single backpressure point for the
// model backend.
type Caller struct {
	provider Provider
	sem      *semaphore.Weighted
	limit    int64
	recorder CallRecorder
	logger   *zap.Logger
}

// NewCaller creates a bounded caller. maxConcurrent <= 0 defaults to 4.
func NewCaller(provider Provider, maxConcurrent int, logger *zap.Logger) *Caller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Caller{
		provider: provider,
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		limit:    int64(maxConcurrent),
		logger:   logger,
	}
}

// SetRecorder attaches call accounting. Must be set before the first call.
func (c *Caller) SetRecorder(r CallRecorder) { c.recorder = r }

// Provider returns the wrapped provider.
func (c *Caller) Provider() Provider { return c.provider }

// Limit returns the concurrency bound.
func (c *Caller) Limit() int { return int(c.limit) }

// Completion acquires a slot, then issues a synchronous request.
func (c *Caller) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire model slot: %w", err)
	}
	defer c.sem.Release(1)

	if c.recorder != nil {
		c.recorder.ModelCallStarted()
	}
	start := time.Now()
	resp, err := c.provider.Completion(ctx, req)
	if err != nil {
		if c.recorder != nil {
			c.recorder.ModelCallFinished(req.Model, "error", time.Since(start), 0, 0)
		}
		c.logger.Warn("model completion failed",
			zap.String("model", req.Model),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return nil, err
	}
	if c.recorder != nil {
		c.recorder.ModelCallFinished(req.Model, "ok", time.Since(start),
			resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}
	return resp, nil
}

// Stream acquires a slot and issues a streaming request. The slot is held
// until the provider's channel is drained or the context ends, so a slow
// consumer still counts against the global bound.
func (c *Caller) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire model slot: %w", err)
	}

	if c.recorder != nil {
		c.recorder.ModelCallStarted()
	}
	start := time.Now()
	upstream, err := c.provider.Stream(ctx, req)
	if err != nil {
		c.sem.Release(1)
		if c.recorder != nil {
			c.recorder.ModelCallFinished(req.Model, "error", time.Since(start), 0, 0)
		}
		return nil, err
	}

	out := make(chan StreamChunk)
	go func() {
		status := "ok"
		var usage types.TokenUsage
		defer func() {
			c.sem.Release(1)
			if c.recorder != nil {
				c.recorder.ModelCallFinished(req.Model, status, time.Since(start),
					usage.PromptTokens, usage.CompletionTokens)
			}
			// Closed last so a drained channel implies the call is recorded.
			close(out)
		}()
		for chunk := range upstream {
			if chunk.Err != nil {
				status = "error"
			}
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// CollectStream drains a stream into a single string. Used where a caller
// needs the full output but the provider only exposes streaming.
func CollectStream(ctx context.Context, ch <-chan StreamChunk) (string, error) {
	var buf []byte
	for {
		select {
		case <-ctx.Done():
			return string(buf), ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				return string(buf), nil
			}
			if chunk.Err != nil {
				return string(buf), chunk.Err
			}
			buf = append(buf, chunk.Delta.Content...)
		}
	}
}

// SystemAndUser is a convenience builder for one-shot prompts.
func SystemAndUser(system, user string) []types.Message {
	msgs := make([]types.Message, 0, 2)
	if system != "" {
		msgs = append(msgs, types.NewSystemMessage(system))
	}
	msgs = append(msgs, types.NewUserMessage(user))
	return msgs
}

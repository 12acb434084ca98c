package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/changqingla/ireader/llm"
	"github.com/changqingla/ireader/llm/tokenizer"
	"github.com/changqingla/ireader/types"
)

// ErrCannotCompress is returned when a session has fewer than two eligible
// messages. The manager treats it as a successful no-op.
var ErrCannotCompress = errors.New("cannot compress: not enough eligible messages")

// CompressorConfig configures the compression engine.
type CompressorConfig struct {
	// ThresholdTokens triggers compression once a session's active token
	// count exceeds it.
	ThresholdTokens int `yaml:"threshold_tokens" json:"threshold_tokens"`
	// PreserveRatio is the most-recent token fraction kept verbatim.
	PreserveRatio float64 `yaml:"preserve_ratio" json:"preserve_ratio"`
	// SummaryMaxTokens caps the model call that produces the digest.
	SummaryMaxTokens int `yaml:"summary_max_tokens" json:"summary_max_tokens"`
}

// DefaultCompressorConfig returns the default compression configuration.
func DefaultCompressorConfig() CompressorConfig {
	return CompressorConfig{
		ThresholdTokens:  8000,
		PreserveRatio:    0.3,
		SummaryMaxTokens: 1024,
	}
}

const summaryPrompt = `Condense the following conversation history into a concise summary.
Preserve the core topics, key decisions, important context, and any document
references, in chronological order. Reply with the summary only.`

// CompressionRecorder receives compression round accounting. The metrics
// collector implements it; nil disables recording.
type CompressionRecorder interface {
	RecordCompression(status string, tokensSaved int)
}

// Compressor summarizes older conversation turns into a single digest
// message to bound active context size.
type Compressor struct {
	store      *Store
	caller     *llm.Caller
	accountant *tokenizer.Accountant
	recorder   CompressionRecorder
	config     CompressorConfig
	logger     *zap.Logger
}

// NewCompressor creates a compression engine.
func NewCompressor(store *Store, caller *llm.Caller, accountant *tokenizer.Accountant, config CompressorConfig, logger *zap.Logger) *Compressor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.PreserveRatio <= 0 || config.PreserveRatio >= 1 {
		config.PreserveRatio = 0.3
	}
	return &Compressor{
		store:      store,
		caller:     caller,
		accountant: accountant,
		config:     config,
		logger:     logger.With(zap.String("component", "compressor")),
	}
}

// SetRecorder attaches round accounting.
func (c *Compressor) SetRecorder(r CompressionRecorder) { c.recorder = r }

// Compress runs one compression round on the session: it selects the
// eligible prefix (everything outside the most recent preserve fraction,
// measured in tokens), summarizes it in one model call, and persists the
// round atomically. Returns ErrCannotCompress when fewer than two messages
// are eligible.
func (c *Compressor) Compress(ctx context.Context, sessionID, model string) (*CompressionRecord, error) {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.TotalTokenCount <= c.config.ThresholdTokens {
		// Below the trigger there is nothing to do.
		return nil, ErrCannotCompress
	}

	active, err := c.store.ListActiveMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	// When the newest active message is still the previous round's digest,
	// no turns have arrived since; another round would only re-summarize
	// the digest. This keeps an immediate second call a no-op even when the
	// preserved fraction alone still exceeds the threshold.
	if n := len(active); n > 0 && active[n-1].Type == types.MessageTypeCompression {
		return nil, ErrCannotCompress
	}

	eligible := c.selectEligible(active)
	if len(eligible) < 2 {
		return nil, ErrCannotCompress
	}

	summaryText, err := c.summarize(ctx, model, eligible)
	if err != nil {
		if c.recorder != nil {
			c.recorder.RecordCompression("error", 0)
		}
		return nil, fmt.Errorf("generate summary: %w", err)
	}

	sourceTokens := 0
	ids := make([]string, 0, len(eligible))
	for i := range eligible {
		sourceTokens += eligible[i].TokenCount
		ids = append(ids, eligible[i].ID)
	}
	idsJSON, _ := json.Marshal(ids)
	summaryTokens := c.accountant.Count(model, summaryText)

	rec := &CompressionRecord{
		SessionID:     sessionID,
		Round:         sess.CompressionCount + 1,
		MessageCount:  len(eligible),
		SourceTokens:  sourceTokens,
		SummaryTokens: summaryTokens,
		Summary:       summaryText,
		MessageIDs:    string(idsJSON),
		CreatedAt:     time.Now(),
	}
	summaryMsg := &Message{
		SessionID:  sessionID,
		Role:       types.RoleSystem,
		Type:       types.MessageTypeCompression,
		Content:    summaryText,
		TokenCount: summaryTokens,
		CreatedAt:  time.Now(),
	}

	if err := c.store.ApplyCompression(ctx, rec, summaryMsg); err != nil {
		if c.recorder != nil {
			c.recorder.RecordCompression("error", 0)
		}
		return nil, err
	}

	if c.recorder != nil {
		c.recorder.RecordCompression("ok", rec.TokensSaved())
	}
	c.logger.Info("compression round completed",
		zap.String("session_id", sessionID),
		zap.Int("round", rec.Round),
		zap.Int("messages", rec.MessageCount),
		zap.Int("tokens_saved", rec.TokensSaved()))
	return rec, nil
}

// selectEligible returns the prefix of active turn messages that falls
// outside the most recent preserve fraction. An earlier round's summary
// message is folded into the eligible set so one digest always replaces it.
func (c *Compressor) selectEligible(active []Message) []Message {
	totalTokens := 0
	for i := range active {
		totalTokens += active[i].TokenCount
	}
	budget := int(float64(totalTokens) * c.config.PreserveRatio)

	// Walk backwards, keeping messages while they fit the preserve budget.
	preserved := 0
	cut := len(active)
	for i := len(active) - 1; i >= 0; i-- {
		if preserved+active[i].TokenCount > budget {
			break
		}
		preserved += active[i].TokenCount
		cut = i
	}
	return active[:cut]
}

func (c *Compressor) summarize(ctx context.Context, model string, msgs []Message) (string, error) {
	var b strings.Builder
	for i := range msgs {
		fmt.Fprintf(&b, "%s: %s\n", msgs[i].Role, msgs[i].Content)
	}

	resp, err := c.caller.Completion(ctx, &llm.ChatRequest{
		Model:     model,
		Messages:  llm.SystemAndUser(summaryPrompt, b.String()),
		MaxTokens: c.config.SummaryMaxTokens,
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("empty summary from model")
	}
	return text, nil
}

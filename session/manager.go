package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/changqingla/ireader/llm/tokenizer"
	"github.com/changqingla/ireader/types"
)

// Manager orchestrates the store, accountant, and compressor for message
// ingestion and compression triggering.
type Manager struct {
	store      *Store
	accountant *tokenizer.Accountant
	compressor *Compressor
	logger     *zap.Logger
}

// NewManager creates a session manager.
func NewManager(store *Store, accountant *tokenizer.Accountant, compressor *Compressor, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:      store,
		accountant: accountant,
		compressor: compressor,
		logger:     logger.With(zap.String("component", "session_manager")),
	}
}

// Store exposes the underlying store for read-model consumers.
func (m *Manager) Store() *Store { return m.store }

// CreateSession creates a session for the user. id may be empty.
func (m *Manager) CreateSession(ctx context.Context, userID, id string) (*Session, error) {
	sess := &Session{
		ID:        id,
		UserID:    userID,
		Status:    StatusActive,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// LoadSession loads an existing session.
func (m *Manager) LoadSession(ctx context.Context, id string) (*Session, error) {
	return m.store.GetSession(ctx, id)
}

// GetOrCreate loads a session if present; otherwise creates one with the
// caller-supplied id, or an autogenerated one when id is empty.
func (m *Manager) GetOrCreate(ctx context.Context, id, userID string) (*Session, error) {
	if id != "" {
		sess, err := m.store.GetSession(ctx, id)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, ErrSessionNotFound) {
			return nil, err
		}
	} else {
		id = uuid.NewString()
	}
	return m.CreateSession(ctx, userID, id)
}

// AddUserMessage appends a user turn, computing its token count.
func (m *Manager) AddUserMessage(ctx context.Context, sessionID, model, content string) (*Message, error) {
	return m.addMessage(ctx, sessionID, model, content, types.RoleUser, types.MessageTypeUser)
}

// AddAssistantMessage appends an assistant turn, computing its token count.
func (m *Manager) AddAssistantMessage(ctx context.Context, sessionID, model, content string) (*Message, error) {
	return m.addMessage(ctx, sessionID, model, content, types.RoleAssistant, types.MessageTypeAssistant)
}

func (m *Manager) addMessage(ctx context.Context, sessionID, model, content string, role types.Role, mt types.MessageType) (*Message, error) {
	msg := &Message{
		SessionID:  sessionID,
		Role:       role,
		Type:       mt,
		Content:    content,
		TokenCount: m.accountant.Count(model, content),
		CreatedAt:  time.Now(),
	}
	if err := m.store.AddMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// ShouldCompress reads cached session stats and compares against the
// threshold.
func (m *Manager) ShouldCompress(ctx context.Context, sessionID string, thresholdTokens int) (bool, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return sess.TotalTokenCount > thresholdTokens, nil
}

// TriggerCompression runs a compression round. A session that cannot be
// compressed (fewer than two eligible messages) yields a nil record with no
// error.
func (m *Manager) TriggerCompression(ctx context.Context, sessionID, model string) (*CompressionRecord, error) {
	rec, err := m.compressor.Compress(ctx, sessionID, model)
	if errors.Is(err, ErrCannotCompress) {
		m.logger.Debug("compression skipped", zap.String("session_id", sessionID))
		return nil, nil
	}
	return rec, err
}

// RecalculateStats recomputes session counters from message rows.
func (m *Manager) RecalculateStats(ctx context.Context, sessionID string) (*Session, error) {
	return m.store.RecalculateStats(ctx, sessionID)
}

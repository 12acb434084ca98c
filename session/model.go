package session

import (
	"encoding/json"
	"time"

	"github.com/changqingla/ireader/types"
)

// Status is the lifecycle state of a session. Sessions are never hard
// deleted by the engine, only transitioned.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusDeleted  Status = "deleted"
)

// Session is the durable conversation record.
type Session struct {
	ID               string    `gorm:"primaryKey;size:64" json:"id"`
	UserID           string    `gorm:"size:64;index" json:"user_id"`
	TotalTokenCount  int       `json:"total_token_count"`
	MessageCount     int       `json:"message_count"` // user+assistant turns only
	CompressionCount int       `json:"compression_count"`
	Status           Status    `gorm:"size:16;default:active" json:"status"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Message is one immutable history entry. Only the IsCompressed and
// CompressionID pair may be set after insert, by a later compression.
type Message struct {
	ID            string            `gorm:"primaryKey;size:64" json:"id"`
	SessionID     string            `gorm:"size:64;index:idx_session_seq,unique" json:"session_id"`
	Seq           int               `gorm:"index:idx_session_seq,unique" json:"seq"`
	Role          types.Role        `gorm:"size:16" json:"role"`
	Type          types.MessageType `gorm:"size:32" json:"type"`
	Content       string            `json:"content"`
	TokenCount    int               `json:"token_count"`
	IsCompressed  bool              `gorm:"index" json:"is_compressed"`
	CompressionID *string           `gorm:"size:64" json:"compression_id,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// ToChatMessage converts a stored row to the wire message type.
func (m *Message) ToChatMessage() types.Message {
	return types.Message{
		Role:      m.Role,
		Content:   m.Content,
		Type:      m.Type,
		Timestamp: m.CreatedAt,
	}
}

// IsTurn reports whether the message is an ordinary user/assistant turn
// (as opposed to a compression summary).
func (m *Message) IsTurn() bool {
	return m.Type == types.MessageTypeUser || m.Type == types.MessageTypeAssistant
}

// CompressionRecord captures one compression round. Created only by the
// compression engine, never mutated.
type CompressionRecord struct {
	ID            string    `gorm:"primaryKey;size:64" json:"id"`
	SessionID     string    `gorm:"size:64;index" json:"session_id"`
	Round         int       `json:"round"`
	MessageCount  int       `json:"message_count"`
	SourceTokens  int       `json:"source_tokens"`
	SummaryTokens int       `json:"summary_tokens"`
	Summary       string    `json:"summary"`
	MessageIDs    string    `json:"message_ids"` // JSON array of compressed message ids
	CreatedAt     time.Time `json:"created_at"`
}

// CompressedMessageIDs decodes the stored id list.
func (r *CompressionRecord) CompressedMessageIDs() []string {
	var ids []string
	_ = json.Unmarshal([]byte(r.MessageIDs), &ids)
	return ids
}

// Ratio is the summary-to-source token ratio. Derived, not stored.
func (r *CompressionRecord) Ratio() float64 {
	if r.SourceTokens == 0 {
		return 0
	}
	return float64(r.SummaryTokens) / float64(r.SourceTokens)
}

// TokensSaved is the net token reduction of the round. Derived, not stored.
func (r *CompressionRecord) TokensSaved() int {
	return r.SourceTokens - r.SummaryTokens
}

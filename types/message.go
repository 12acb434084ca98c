package types

import (
	"time"
)

// Role represents the role of a message participant.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// MessageType distinguishes ordinary turns from synthetic history entries.
type MessageType string

const (
	// MessageTypeUser is a user turn.
	MessageTypeUser MessageType = "user"
	// MessageTypeAssistant is an assistant turn.
	MessageTypeAssistant MessageType = "assistant"
	// MessageTypeCompression is the digest message produced by history compression.
	MessageTypeCompression MessageType = "compression_summary"
)

// Message represents a conversation message.
type Message struct {
	Role      Role        `json:"role"`
	Content   string      `json:"content,omitempty"`
	Name      string      `json:"name,omitempty"`
	Type      MessageType `json:"type,omitempty"`
	Metadata  any         `json:"metadata,omitempty"`
	Timestamp time.Time   `json:"timestamp,omitempty"`
}

// NewMessage creates a new message with the given role and content.
func NewMessage(role Role, content string) Message {
	return Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) Message {
	return NewMessage(RoleSystem, content)
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) Message {
	m := NewMessage(RoleUser, content)
	m.Type = MessageTypeUser
	return m
}

// NewAssistantMessage creates a new assistant message.
func NewAssistantMessage(content string) Message {
	m := NewMessage(RoleAssistant, content)
	m.Type = MessageTypeAssistant
	return m
}

package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned (wrapped) when a session, message or job pointer
// does not exist.
var ErrNotFound = errors.New("not found")

// Role defines the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageType is the structured type of a message.
type MessageType string

const (
	TypeText           MessageType = "text"
	TypeImage          MessageType = "image"           // reference to an attachment
	TypeHighlightReel  MessageType = "highlight_reel"  // derived from a finished generation
	TypeRecommendation MessageType = "recommendation"  // derived from a finished generation
	TypePreview        MessageType = "preview"
)

// Derivative reports whether messages of this type are generated from an
// assistant turn rather than authored.
func (t MessageType) Derivative() bool {
	return t == TypeHighlightReel || t == TypeRecommendation
}

// Session is one independent conversation with its own message log.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is a single entry in a session's log.
type Message struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	Role      Role        `json:"role"`
	Type      MessageType `json:"type"`

	// Content is what the UI displays. While a preview is streaming it is a
	// bounded excerpt of FullContent.
	Content     string `json:"content"`
	FullContent string `json:"full_content,omitempty"`

	// StatusText is the human-readable phase of an in-progress generation.
	StatusText string `json:"status_text,omitempty"`

	Streaming bool `json:"streaming,omitempty"`
	Thinking  bool `json:"thinking,omitempty"`
	Error     bool `json:"error,omitempty"`
	Expanded  bool `json:"expanded,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// JobRef points a session at the server-side job writing into one of its
// messages. It survives restarts so the job can be observed again.
type JobRef struct {
	SessionID string    `json:"session_id"`
	JobID     string    `json:"job_id"`
	MessageID string    `json:"message_id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

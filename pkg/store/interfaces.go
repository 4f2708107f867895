package store

import "context"

// SessionStore manages the session index.
type SessionStore interface {
	// CreateSession persists a new session. The ID field must be set by the caller.
	CreateSession(ctx context.Context, s *Session) error

	// GetSession retrieves a session by ID. Returns an error wrapping
	// ErrNotFound if it does not exist.
	GetSession(ctx context.Context, id string) (*Session, error)

	// ListSessions returns all sessions, most recently updated first.
	ListSessions(ctx context.Context) ([]Session, error)

	// UpdateSession persists title/model changes and bumps UpdatedAt.
	UpdateSession(ctx context.Context, s *Session) error

	// DeleteSession removes a session together with its messages and job pointer.
	DeleteSession(ctx context.Context, id string) error
}

// MessageLog manages the ordered message sequence of every session.
type MessageLog interface {
	// AppendMessage adds a message to the end of its session's log.
	// The ID and SessionID fields must be set by the caller.
	AppendMessage(ctx context.Context, m *Message) error

	// GetMessage retrieves a message by ID.
	GetMessage(ctx context.Context, id string) (*Message, error)

	// UpdateMessage replaces the stored message with the same ID in place,
	// keeping its position in the log.
	UpdateMessage(ctx context.Context, m *Message) error

	// ListMessages returns a session's messages in log order.
	ListMessages(ctx context.Context, sessionID string) ([]Message, error)

	// TruncateAfter removes every message that follows messageID in its session.
	TruncateAfter(ctx context.Context, sessionID, messageID string) error

	// ClearMessages removes every message of a session.
	ClearMessages(ctx context.Context, sessionID string) error

	// Subscribe returns a channel that emits session IDs whenever a session
	// or its message log changes.
	Subscribe() <-chan string
}

// JobRefStore persists the pointer from a session to its server-side job.
type JobRefStore interface {
	// PutJobRef creates or replaces the session's job pointer.
	PutJobRef(ctx context.Context, ref *JobRef) error

	// ListJobRefs returns every stored job pointer.
	ListJobRefs(ctx context.Context) ([]JobRef, error)

	// DeleteJobRef removes the session's job pointer. Missing pointers are not an error.
	DeleteJobRef(ctx context.Context, sessionID string) error
}

// Store is the full capability set the coordinator writes through. It is
// implemented by the persisted (sqlite) and ephemeral (memory) backends.
type Store interface {
	SessionStore
	MessageLog
	JobRefStore
	Close() error
}

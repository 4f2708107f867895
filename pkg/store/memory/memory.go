package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nstogner/storyloom/pkg/store"
)

// Store is the ephemeral store.Store backend used for guests. It has the
// same shape as the persisted backend and is discarded with the process.
type Store struct {
	mu          sync.RWMutex
	sessions    map[string]store.Session
	messages    map[string][]store.Message // session ID -> log
	owner       map[string]string          // message ID -> session ID
	jobRefs     map[string]store.JobRef
	subscribers []chan string
}

var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		sessions: make(map[string]store.Session),
		messages: make(map[string][]store.Message),
		owner:    make(map[string]string),
		jobRefs:  make(map[string]store.JobRef),
	}
}

// Close is a no-op; the data lives as long as the Store value.
func (s *Store) Close() error { return nil }

// --- SessionStore ---

func (s *Store) CreateSession(ctx context.Context, sess *store.Session) error {
	s.mu.Lock()
	if _, ok := s.sessions[sess.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("session %s already exists", sess.ID)
	}
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	s.sessions[sess.ID] = *sess
	s.mu.Unlock()

	s.notifySubscribers(sess.ID)
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*store.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	return &sess, nil
}

func (s *Store) ListSessions(ctx context.Context) ([]store.Session, error) {
	s.mu.RLock()
	sessions := make([]store.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].UpdatedAt.Equal(sessions[j].UpdatedAt) {
			return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
		}
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions, nil
}

func (s *Store) UpdateSession(ctx context.Context, sess *store.Session) error {
	s.mu.Lock()
	existing, ok := s.sessions[sess.ID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("session %s: %w", sess.ID, store.ErrNotFound)
	}
	sess.CreatedAt = existing.CreatedAt
	sess.UpdatedAt = time.Now().UTC()
	s.sessions[sess.ID] = *sess
	s.mu.Unlock()

	s.notifySubscribers(sess.ID)
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.sessions[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	delete(s.sessions, id)
	for _, m := range s.messages[id] {
		delete(s.owner, m.ID)
	}
	delete(s.messages, id)
	delete(s.jobRefs, id)
	s.mu.Unlock()

	s.notifySubscribers(id)
	return nil
}

// --- MessageLog ---

func (s *Store) AppendMessage(ctx context.Context, m *store.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Type == "" {
		m.Type = store.TypeText
	}

	s.mu.Lock()
	if _, dup := s.owner[m.ID]; dup {
		s.mu.Unlock()
		return fmt.Errorf("message %s already exists", m.ID)
	}
	s.messages[m.SessionID] = append(s.messages[m.SessionID], *m)
	s.owner[m.ID] = m.SessionID
	if sess, ok := s.sessions[m.SessionID]; ok {
		sess.UpdatedAt = time.Now().UTC()
		s.sessions[m.SessionID] = sess
	}
	s.mu.Unlock()

	s.notifySubscribers(m.SessionID)
	return nil
}

// indexLocked returns the position of a message in its session log.
func (s *Store) indexLocked(id string) (string, int, bool) {
	sessionID, ok := s.owner[id]
	if !ok {
		return "", 0, false
	}
	for i, m := range s.messages[sessionID] {
		if m.ID == id {
			return sessionID, i, true
		}
	}
	return "", 0, false
}

func (s *Store) GetMessage(ctx context.Context, id string) (*store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessionID, i, ok := s.indexLocked(id)
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id, store.ErrNotFound)
	}
	m := s.messages[sessionID][i]
	return &m, nil
}

func (s *Store) UpdateMessage(ctx context.Context, m *store.Message) error {
	s.mu.Lock()
	sessionID, i, ok := s.indexLocked(m.ID)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("message %s: %w", m.ID, store.ErrNotFound)
	}
	existing := s.messages[sessionID][i]
	updated := *m
	// Identity and position are fixed once appended.
	updated.SessionID = existing.SessionID
	updated.Role = existing.Role
	updated.CreatedAt = existing.CreatedAt
	s.messages[sessionID][i] = updated
	s.mu.Unlock()

	s.notifySubscribers(sessionID)
	return nil
}

func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.messages[sessionID]
	if len(log) == 0 {
		return nil, nil
	}
	out := make([]store.Message, len(log))
	copy(out, log)
	return out, nil
}

func (s *Store) TruncateAfter(ctx context.Context, sessionID, messageID string) error {
	s.mu.Lock()
	owner, i, ok := s.indexLocked(messageID)
	if !ok || owner != sessionID {
		s.mu.Unlock()
		return fmt.Errorf("message %s: %w", messageID, store.ErrNotFound)
	}
	log := s.messages[sessionID]
	for _, m := range log[i+1:] {
		delete(s.owner, m.ID)
	}
	s.messages[sessionID] = log[:i+1:i+1]
	s.mu.Unlock()

	s.notifySubscribers(sessionID)
	return nil
}

func (s *Store) ClearMessages(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	for _, m := range s.messages[sessionID] {
		delete(s.owner, m.ID)
	}
	delete(s.messages, sessionID)
	s.mu.Unlock()

	s.notifySubscribers(sessionID)
	return nil
}

func (s *Store) Subscribe() <-chan string {
	ch := make(chan string, 64)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

func (s *Store) notifySubscribers(sessionID string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- sessionID:
		default:
		}
	}
}

// --- JobRefStore ---

func (s *Store) PutJobRef(ctx context.Context, ref *store.JobRef) error {
	ref.UpdatedAt = time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobRefs[ref.SessionID] = *ref
	return nil
}

func (s *Store) ListJobRefs(ctx context.Context) ([]store.JobRef, error) {
	s.mu.RLock()
	refs := make([]store.JobRef, 0, len(s.jobRefs))
	for _, r := range s.jobRefs {
		refs = append(refs, r)
	}
	s.mu.RUnlock()

	sort.Slice(refs, func(i, j int) bool { return refs[i].UpdatedAt.Before(refs[j].UpdatedAt) })
	return refs, nil
}

func (s *Store) DeleteJobRef(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobRefs, sessionID)
	return nil
}

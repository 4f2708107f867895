package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nstogner/storyloom/pkg/store"
)

// Store is the persisted store.Store backend used for signed-in users.
type Store struct {
	db          *sql.DB
	subscribers []chan string
	mu          sync.RWMutex
}

// Verify interface compliance at compile time.
var _ store.Store = (*Store)(nil)

// New opens (or creates) a SQLite database at the given path and runs migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT 'text',
		content TEXT NOT NULL DEFAULT '',
		full_content TEXT NOT NULL DEFAULT '',
		status_text TEXT NOT NULL DEFAULT '',
		streaming INTEGER NOT NULL DEFAULT 0,
		thinking INTEGER NOT NULL DEFAULT 0,
		error INTEGER NOT NULL DEFAULT 0,
		expanded INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session_seq ON messages(session_id, seq);

	CREATE TABLE IF NOT EXISTS job_refs (
		session_id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT '',
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- SessionStore ---

func (s *Store) CreateSession(ctx context.Context, sess *store.Session) error {
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, title, model, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.Title, sess.Model, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return err
	}
	s.notifySubscribers(sess.ID)
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*store.Session, error) {
	sess := &store.Session{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, model, created_at, updated_at FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.Title, &sess.Model, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	return sess, err
}

func (s *Store) ListSessions(ctx context.Context) ([]store.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, model, created_at, updated_at FROM sessions ORDER BY updated_at DESC, created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []store.Session
	for rows.Next() {
		var sess store.Session
		if err := rows.Scan(&sess.ID, &sess.Title, &sess.Model, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *Store) UpdateSession(ctx context.Context, sess *store.Session) error {
	sess.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title=?, model=?, updated_at=? WHERE id=?`,
		sess.Title, sess.Model, sess.UpdatedAt, sess.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session %s: %w", sess.ID, store.ErrNotFound)
	}
	s.notifySubscribers(sess.ID)
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id=?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id=?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM job_refs WHERE session_id=?`, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.notifySubscribers(id)
	return nil
}

// --- MessageLog ---

const messageColumns = `id, session_id, role, type, content, full_content, status_text, streaming, thinking, error, expanded, created_at`

func scanMessage(row interface{ Scan(...any) error }) (store.Message, error) {
	var m store.Message
	err := row.Scan(&m.ID, &m.SessionID, &m.Role, &m.Type, &m.Content, &m.FullContent,
		&m.StatusText, &m.Streaming, &m.Thinking, &m.Error, &m.Expanded, &m.CreatedAt)
	return m, err
}

func (s *Store) AppendMessage(ctx context.Context, m *store.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Type == "" {
		m.Type = store.TypeText
	}

	// Get next sequence number.
	var maxSeq int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE session_id=?`, m.SessionID,
	).Scan(&maxSeq)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`, seq) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.Role, m.Type, m.Content, m.FullContent, m.StatusText,
		m.Streaming, m.Thinking, m.Error, m.Expanded, m.CreatedAt, maxSeq+1,
	)
	if err != nil {
		return err
	}
	s.touchSession(ctx, m.SessionID)
	s.notifySubscribers(m.SessionID)
	return nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*store.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) UpdateMessage(ctx context.Context, m *store.Message) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE messages SET type=?, content=?, full_content=?, status_text=?, streaming=?, thinking=?, error=?, expanded=?
		 WHERE id=?`,
		m.Type, m.Content, m.FullContent, m.StatusText, m.Streaming, m.Thinking, m.Error, m.Expanded, m.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("message %s: %w", m.ID, store.ErrNotFound)
	}
	s.notifySubscribers(m.SessionID)
	return nil
}

func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]store.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE session_id=? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []store.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *Store) TruncateAfter(ctx context.Context, sessionID, messageID string) error {
	var seq int
	err := s.db.QueryRowContext(ctx,
		`SELECT seq FROM messages WHERE id=? AND session_id=?`, messageID, sessionID,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("message %s: %w", messageID, store.ErrNotFound)
	}
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id=? AND seq > ?`, sessionID, seq,
	); err != nil {
		return err
	}
	s.notifySubscribers(sessionID)
	return nil
}

func (s *Store) ClearMessages(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id=?`, sessionID); err != nil {
		return err
	}
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
			// Drop if subscriber is not consuming fast enough.
		}
	}
}

// touchSession bumps updated_at so ListSessions keeps recent activity first.
func (s *Store) touchSession(ctx context.Context, sessionID string) {
	s.db.ExecContext(ctx, `UPDATE sessions SET updated_at=? WHERE id=?`, time.Now().UTC(), sessionID)
}

// --- JobRefStore ---

func (s *Store) PutJobRef(ctx context.Context, ref *store.JobRef) error {
	ref.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_refs (session_id, job_id, message_id, status, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET job_id=excluded.job_id, message_id=excluded.message_id,
		 status=excluded.status, updated_at=excluded.updated_at`,
		ref.SessionID, ref.JobID, ref.MessageID, ref.Status, ref.UpdatedAt,
	)
	return err
}

func (s *Store) ListJobRefs(ctx context.Context) ([]store.JobRef, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, job_id, message_id, status, updated_at FROM job_refs ORDER BY updated_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []store.JobRef
	for rows.Next() {
		var r store.JobRef
		if err := rows.Scan(&r.SessionID, &r.JobID, &r.MessageID, &r.Status, &r.UpdatedAt); err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

func (s *Store) DeleteJobRef(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM job_refs WHERE session_id=?`, sessionID)
	return err
}

package ledger

import "sync"

// Ledger holds one monotonically increasing version per session. Callbacks
// capture the version current when their job started and compare it with
// Current before applying anything.
type Ledger struct {
	mu       sync.Mutex
	versions map[string]uint64
	// retired keeps the last value of forgotten sessions so a recreated
	// session never sees a version it has already handed out.
	retired map[string]uint64
}

// New creates an empty Ledger.
func New() *Ledger {
	return &Ledger{
		versions: make(map[string]uint64),
		retired:  make(map[string]uint64),
	}
}

// Current returns the session's current version. Unknown sessions are at 0.
func (l *Ledger) Current(sessionID string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.versions[sessionID]; ok {
		return v
	}
	return l.retired[sessionID]
}

// Bump increments the session's version and returns the new value.
func (l *Ledger) Bump(sessionID string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.versions[sessionID]
	if !ok {
		v = l.retired[sessionID]
		delete(l.retired, sessionID)
	}
	v++
	l.versions[sessionID] = v
	return v
}

// Forget drops the live counter for a deleted session.
func (l *Ledger) Forget(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.versions[sessionID]; ok {
		// One past the last value so callbacks from before the delete stay stale.
		l.retired[sessionID] = v + 1
		delete(l.versions, sessionID)
	}
}

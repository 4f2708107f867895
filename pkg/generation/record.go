package generation

import "sync"

// Handle detaches the local observer of a job. Abort must be idempotent.
type Handle interface {
	Abort()
}

// Record is the state of the job currently associated with a session.
type Record struct {
	SessionID string
	MessageID string
	JobID     string
	Status    Status

	// Version is the ledger value the record's callbacks were bound to.
	Version uint64

	// Handle is set while a live transport is attached.
	Handle   Handle
	Attached bool

	StageLabel string

	// Err is the failure that moved the record to StatusFailed.
	Err error
}

// Apply moves the record through ev. It reports whether the event was valid.
func (r *Record) Apply(ev Event) bool {
	next, ok := Next(r.Status, ev)
	if ok {
		r.Status = next
	}
	return ok
}

// Detach aborts the live transport, if any, and marks the record headless.
func (r *Record) Detach() {
	if r.Handle != nil {
		r.Handle.Abort()
		r.Handle = nil
	}
	r.Attached = false
}

// Table holds at most one Record per session.
type Table struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewTable creates an empty Table.
func NewTable() *Table {
	return &Table{records: make(map[string]*Record)}
}

// Get returns the session's record, or nil.
func (t *Table) Get(sessionID string) *Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.records[sessionID]
}

// Put replaces the session's record.
func (t *Table) Put(r *Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[r.SessionID] = r
}

// Delete removes the session's record.
func (t *Table) Delete(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, sessionID)
}

// Each calls fn for every record.
func (t *Table) Each(fn func(*Record)) {
	t.mu.RLock()
	records := make([]*Record, 0, len(t.records))
	for _, r := range t.records {
		records = append(records, r)
	}
	t.mu.RUnlock()
	for _, r := range records {
		fn(r)
	}
}

// Active counts the records that are not terminal.
func (t *Table) Active() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, r := range t.records {
		if !r.Status.Terminal() {
			n++
		}
	}
	return n
}

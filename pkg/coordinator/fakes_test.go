package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nstogner/storyloom/pkg/store"
	"github.com/nstogner/storyloom/pkg/store/memory"
	"github.com/nstogner/storyloom/pkg/transport"
)

// MockHandle counts aborts.
type MockHandle struct {
	aborts atomic.Int32
}

func (h *MockHandle) Abort() { h.aborts.Add(1) }

func (h *MockHandle) Aborted() bool { return h.aborts.Load() > 0 }

// MockStream is one stream opened through MockTransport. Tests drive the
// handlers directly.
type MockStream struct {
	Req      transport.Request
	Handlers transport.Handlers
	Handle   *MockHandle
}

// MockTransport records every Open call.
type MockTransport struct {
	mu      sync.Mutex
	streams []*MockStream

	// OpenErr fails the next Open.
	OpenErr error
	// BeforeReturn runs inside Open after the stream is recorded.
	BeforeReturn func()
}

func (m *MockTransport) Open(ctx context.Context, req transport.Request, h transport.Handlers) (transport.Handle, error) {
	m.mu.Lock()
	if err := m.OpenErr; err != nil {
		m.OpenErr = nil
		m.mu.Unlock()
		return nil, err
	}
	s := &MockStream{Req: req, Handlers: h, Handle: &MockHandle{}}
	m.streams = append(m.streams, s)
	hook := m.BeforeReturn
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
	return s.Handle, nil
}

// Last returns the most recently opened stream.
func (m *MockTransport) Last(t *testing.T) *MockStream {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.streams) == 0 {
		t.Fatal("no stream was opened")
	}
	return m.streams[len(m.streams)-1]
}

func (m *MockTransport) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// MockJobs serves scripted statuses and counts cancellations.
type MockJobs struct {
	mu       sync.Mutex
	cancels  map[string]int
	statuses map[string][]pollResult
	polls    map[string]int
}

type pollResult struct {
	status transport.JobStatus
	err    error
}

func NewMockJobs() *MockJobs {
	return &MockJobs{
		cancels:  make(map[string]int),
		statuses: make(map[string][]pollResult),
		polls:    make(map[string]int),
	}
}

// Script queues poll results for a job. The last one repeats forever.
func (m *MockJobs) Script(jobID string, results ...pollResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[jobID] = append(m.statuses[jobID], results...)
}

func (m *MockJobs) CancelJob(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels[jobID]++
	return nil
}

func (m *MockJobs) GetJobStatus(ctx context.Context, jobID string) (transport.JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.polls[jobID]++
	queue := m.statuses[jobID]
	if len(queue) == 0 {
		return transport.JobStatus{ID: jobID, Status: transport.JobPending}, nil
	}
	next := queue[0]
	if len(queue) > 1 {
		m.statuses[jobID] = queue[1:]
	}
	next.status.ID = jobID
	return next.status, next.err
}

func (m *MockJobs) Cancels(jobID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancels[jobID]
}

func (m *MockJobs) TotalCancels() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.cancels {
		n += c
	}
	return n
}

func (m *MockJobs) Polls(jobID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.polls[jobID]
}

func pending(partial string) pollResult {
	return pollResult{status: transport.JobStatus{Status: transport.JobPending, Partial: partial}}
}

func done(content string) pollResult {
	return pollResult{status: transport.JobStatus{Status: transport.JobDone, Result: &transport.FinalResult{Content: content}}}
}

func pollErr(msg string) pollResult {
	return pollResult{err: errors.New(msg)}
}

// FailingStore fails AppendMessage while AppendErr is set.
type FailingStore struct {
	*memory.Store
	mu        sync.Mutex
	AppendErr error
}

func (s *FailingStore) SetAppendErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AppendErr = err
}

func (s *FailingStore) AppendMessage(ctx context.Context, m *store.Message) error {
	s.mu.Lock()
	err := s.AppendErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Store.AppendMessage(ctx, m)
}

type harness struct {
	c     *Coordinator
	store *memory.Store
	tr    *MockTransport
	jobs  *MockJobs
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		store: memory.New(),
		tr:    &MockTransport{},
		jobs:  NewMockJobs(),
	}
	opts := Options{
		Store:     h.store,
		Transport: h.tr,
		Jobs:      h.jobs,
		Config: Config{
			PreviewLimit:         10,
			PollInterval:         5 * time.Millisecond,
			PollRetryDelay:       5 * time.Millisecond,
			MaxWatchDuration:     5 * time.Second,
			CancelSupersededJobs: true,
		},
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.c = c
	t.Cleanup(func() { c.Close() })
	return h
}

func (h *harness) start(t *testing.T, sessionID, prompt string) (string, *MockStream) {
	t.Helper()
	id, err := h.c.Start(context.Background(), sessionID, prompt)
	if err != nil {
		t.Fatalf("Start(%s): %v", sessionID, err)
	}
	return id, h.tr.Last(t)
}

func (h *harness) message(t *testing.T, id string) *store.Message {
	t.Helper()
	m, err := h.store.GetMessage(context.Background(), id)
	if err != nil {
		t.Fatalf("GetMessage(%s): %v", id, err)
	}
	return m
}

func (h *harness) messages(t *testing.T, sessionID string) []store.Message {
	t.Helper()
	msgs, err := h.store.ListMessages(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("ListMessages(%s): %v", sessionID, err)
	}
	return msgs
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

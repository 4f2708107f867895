// Package jobs runs generation jobs on the server side. A job outlives the
// connection that submitted it: clients subscribe to its events, may go
// away, and can later poll its status or cancel it.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nstogner/storyloom/pkg/models"
	"github.com/nstogner/storyloom/pkg/transport"
)

// ErrNotFound is returned for unknown job IDs.
var ErrNotFound = errors.New("job not found")

// Event types, as sent on the wire.
const (
	EventStart      = "start"
	EventMeta       = "meta"
	EventStageStart = "stage_start"
	EventStageEnd   = "stage_end"
	EventPreview    = "preview"
	EventDelta      = "delta"
	EventFinal      = "final"
	EventError      = "error"
	EventCancelled  = "cancelled"

	// EventDetached is sent by the server to a stream subscriber it stops
	// serving while the job keeps running.
	EventDetached = "detached"
)

// Event is one step of a job's lifecycle.
type Event struct {
	Type   string                 `json:"type"`
	JobID  string                 `json:"job_id,omitempty"`
	Stage  *transport.StageInfo   `json:"stage,omitempty"`
	Text   string                 `json:"text,omitempty"`
	Result *transport.FinalResult `json:"result,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// Terminal reports whether no events follow e.
func (e Event) Terminal() bool {
	return e.Type == EventFinal || e.Type == EventError || e.Type == EventCancelled
}

// Config tunes a Manager.
type Config struct {
	// Model is used when a request names none.
	Model string
	// MaxConcurrent bounds the jobs generating at once. Zero means 4.
	MaxConcurrent int
	// Retention is how long finished jobs stay queryable. Zero means one hour.
	Retention time.Duration
}

// Manager owns all jobs.
type Manager struct {
	provider models.ModelProvider
	cfg      Config
	logger   *slog.Logger
	slots    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	jobs map[string]*job
}

// NewManager creates a Manager generating with provider.
func NewManager(provider models.ModelProvider, cfg Config, logger *slog.Logger) *Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		provider: provider,
		cfg:      cfg,
		logger:   logger,
		slots:    make(chan struct{}, cfg.MaxConcurrent),
		ctx:      ctx,
		cancel:   cancel,
		jobs:     make(map[string]*job),
	}
}

// Submit starts a job for req and returns its ID. The job runs until it
// finishes or is cancelled, independent of the caller.
func (m *Manager) Submit(req transport.Request) (string, error) {
	if req.Prompt == "" && len(req.Attachments) == 0 {
		return "", errors.New("request has no prompt")
	}
	if req.Model == "" {
		req.Model = m.cfg.Model
	}

	ctx, cancel := context.WithCancel(m.ctx)
	j := newJob(uuid.New().String(), req, cancel)

	m.mu.Lock()
	m.pruneLocked()
	m.jobs[j.id] = j
	m.mu.Unlock()

	j.emit(Event{Type: EventStart})
	j.emit(Event{Type: EventMeta, JobID: j.id})
	m.logger.Info("Job submitted", "jobID", j.id, "sessionID", req.SessionID, "model", req.Model)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.run(ctx, j)
	}()
	return j.id, nil
}

// Subscribe returns the job's events so far followed by live events. The
// channel is closed after the terminal event, or when unsubscribe is called.
func (m *Manager) Subscribe(jobID string) (<-chan Event, func(), error) {
	j, err := m.get(jobID)
	if err != nil {
		return nil, nil, err
	}
	ch, unsubscribe := j.subscribe()
	return ch, unsubscribe, nil
}

// Status returns a snapshot of the job.
func (m *Manager) Status(jobID string) (transport.JobStatus, error) {
	j, err := m.get(jobID)
	if err != nil {
		return transport.JobStatus{}, err
	}
	return j.status(), nil
}

// List returns all retained jobs, oldest first.
func (m *Manager) List() []transport.JobStatus {
	m.mu.Lock()
	jobs := make([]*job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	m.mu.Unlock()

	sort.Slice(jobs, func(a, b int) bool { return jobs[a].createdAt.Before(jobs[b].createdAt) })
	out := make([]transport.JobStatus, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.status())
	}
	return out
}

// Cancel terminates the job. Cancelling a finished job is a no-op.
func (m *Manager) Cancel(jobID string) error {
	j, err := m.get(jobID)
	if err != nil {
		return err
	}
	if j.cancelRequested() {
		m.logger.Info("Job cancel requested", "jobID", jobID)
	}
	return nil
}

// Models lists the provider's models.
func (m *Manager) Models(ctx context.Context) ([]string, error) {
	return m.provider.List(ctx)
}

// Close cancels every running job and waits for them to exit.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) get(jobID string) (*job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return j, nil
}

// pruneLocked forgets jobs that finished more than Retention ago.
func (m *Manager) pruneLocked() {
	cutoff := time.Now().Add(-m.cfg.Retention)
	for id, j := range m.jobs {
		if j.finishedBefore(cutoff) {
			delete(m.jobs, id)
		}
	}
}

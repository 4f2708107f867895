// Package coordinator runs at most one generation job per chat session and
// makes sure that events from superseded jobs never reach the message log.
//
// Every job is bound to the session's ledger version when it starts. Switching
// away from a session detaches its live stream (soft cancel) and bumps the
// version; stopping a session also asks the job service to terminate the job
// (hard cancel). Detached jobs keep running server-side and are picked up by a
// polling watcher when their session becomes active again.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nstogner/storyloom/pkg/generation"
	"github.com/nstogner/storyloom/pkg/ledger"
	"github.com/nstogner/storyloom/pkg/quota"
	"github.com/nstogner/storyloom/pkg/store"
	"github.com/nstogner/storyloom/pkg/transport"
)

// Config tunes the coordinator.
type Config struct {
	// DefaultModel is recorded on sessions created implicitly by Start.
	DefaultModel string
	// PreviewLimit is the number of runes of a preview shown before expansion.
	PreviewLimit int

	PollInterval     time.Duration
	PollRetryDelay   time.Duration
	MaxWatchDuration time.Duration

	// CancelSupersededJobs hard-cancels a still running job when a new turn
	// replaces it in the same session.
	CancelSupersededJobs bool
	// CancelOnDelete hard-cancels a session's running job when the session is deleted.
	CancelOnDelete bool
}

// DefaultConfig returns the values used when a Config field is zero.
func DefaultConfig() Config {
	return Config{
		PreviewLimit:         280,
		PollInterval:         1500 * time.Millisecond,
		PollRetryDelay:       3 * time.Second,
		MaxWatchDuration:     30 * time.Minute,
		CancelSupersededJobs: true,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.PreviewLimit <= 0 {
		c.PreviewLimit = def.PreviewLimit
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.PollRetryDelay <= 0 {
		c.PollRetryDelay = def.PollRetryDelay
	}
	if c.MaxWatchDuration <= 0 {
		c.MaxWatchDuration = def.MaxWatchDuration
	}
}

// Options are the dependencies of a Coordinator.
type Options struct {
	Store     store.Store
	Transport transport.Transport
	Jobs      transport.JobControl
	// Quota defaults to quota.Unlimited.
	Quota quota.Checker
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	Config Config
}

// Snapshot is a read-only view of a session's generation.
type Snapshot struct {
	SessionID  string
	Status     generation.Status
	StageLabel string
	JobID      string
	MessageID  string
	Attached   bool
	Watching   bool
	Err        error
}

// Stats are counters since the coordinator was created.
type Stats struct {
	JobsStarted     int64
	StaleEvents     int64
	WatchersStarted int64
	HardCancels     int64
}

type counters struct {
	jobsStarted     atomic.Int64
	staleEvents     atomic.Int64
	watchersStarted atomic.Int64
	hardCancels     atomic.Int64
}

// Coordinator serializes all mutations of generation records and of the
// messages they target behind one mutex. Network calls are made without
// holding it.
type Coordinator struct {
	cfg       Config
	store     store.Store
	transport transport.Transport
	jobs      transport.JobControl
	quota     quota.Checker
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	ledger   *ledger.Ledger
	records  *generation.Table
	watchers map[watchKey]*watch
	active   string

	stats counters
}

// New creates a Coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, errors.New("coordinator: store is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("coordinator: transport is required")
	}
	if opts.Jobs == nil {
		return nil, errors.New("coordinator: job control is required")
	}
	if opts.Quota == nil {
		opts.Quota = quota.Unlimited{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Config.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:       opts.Config,
		store:     opts.Store,
		transport: opts.Transport,
		jobs:      opts.Jobs,
		quota:     opts.Quota,
		logger:    opts.Logger,
		ctx:       ctx,
		cancel:    cancel,
		ledger:    ledger.New(),
		records:   generation.NewTable(),
		watchers:  make(map[watchKey]*watch),
	}, nil
}

// Start appends a user turn (plus one image message per attachment) and an
// assistant placeholder to the session, then streams a new job into the
// placeholder. The session is created if it does not exist and becomes the
// active session. It returns the placeholder's message ID.
func (c *Coordinator) Start(ctx context.Context, sessionID, prompt string, attachments ...transport.Attachment) (string, error) {
	if sessionID == "" {
		return "", ErrNoSession
	}
	if strings.TrimSpace(prompt) == "" && len(attachments) == 0 {
		return "", ErrEmptyPrompt
	}
	turn, err := c.quota.Reserve(ctx, sessionID)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	sess, err := c.ensureSessionLocked(ctx, sessionID, prompt)
	if err != nil {
		c.mu.Unlock()
		turn.Cancel()
		return "", err
	}
	superseded := c.neutralizeLocked(sessionID)

	msgs := []*store.Message{{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      store.RoleUser,
		Type:      store.TypeText,
		Content:   prompt,
	}}
	for _, a := range attachments {
		msgs = append(msgs, &store.Message{
			ID:        uuid.New().String(),
			SessionID: sessionID,
			Role:      store.RoleUser,
			Type:      store.TypeImage,
			Content:   a.URL,
		})
	}
	placeholder := &store.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      store.RoleAssistant,
		Type:      store.TypeText,
		Streaming: true,
		Thinking:  true,
	}
	msgs = append(msgs, placeholder)
	for _, m := range msgs {
		if err := c.store.AppendMessage(ctx, m); err != nil {
			c.mu.Unlock()
			turn.Cancel()
			return "", fmt.Errorf("appending message: %w", err)
		}
	}
	b := c.beginLocked(sessionID, placeholder.ID)
	c.mu.Unlock()

	if superseded != "" {
		c.hardCancel(ctx, superseded)
	}
	c.launch(ctx, b, transport.Request{
		SessionID:   sessionID,
		Prompt:      prompt,
		Model:       sess.Model,
		Attachments: attachments,
	})
	return placeholder.ID, nil
}

// Rerun regenerates an assistant message from the user turn that precedes it.
// Everything after the message is removed from the log and the message is
// reset to an empty placeholder before the new job starts.
func (c *Coordinator) Rerun(ctx context.Context, messageID string) error {
	target, err := c.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if target.Role != store.RoleAssistant || target.Type.Derivative() {
		return ErrNotRerunnable
	}
	sessionID := target.SessionID

	history, err := c.store.ListMessages(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("listing messages: %w", err)
	}
	prompt, attachments, err := originatingTurn(history, messageID)
	if err != nil {
		return err
	}
	turn, err := c.quota.Reserve(ctx, sessionID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	superseded := c.neutralizeLocked(sessionID)
	if err := c.store.TruncateAfter(ctx, sessionID, messageID); err != nil {
		c.mu.Unlock()
		turn.Cancel()
		return fmt.Errorf("truncating log: %w", err)
	}
	msg, err := c.store.GetMessage(ctx, messageID)
	if err != nil {
		c.mu.Unlock()
		turn.Cancel()
		return err
	}
	msg.Type = store.TypeText
	msg.Content = ""
	msg.FullContent = ""
	msg.StatusText = ""
	msg.Streaming = true
	msg.Thinking = true
	msg.Error = false
	msg.Expanded = false
	if err := c.store.UpdateMessage(ctx, msg); err != nil {
		c.mu.Unlock()
		turn.Cancel()
		return fmt.Errorf("resetting message: %w", err)
	}
	var model string
	if sess, err := c.store.GetSession(ctx, sessionID); err == nil {
		model = sess.Model
	}
	b := c.beginLocked(sessionID, messageID)
	c.mu.Unlock()

	if superseded != "" {
		c.hardCancel(ctx, superseded)
	}
	c.launch(ctx, b, transport.Request{
		SessionID:   sessionID,
		Prompt:      prompt,
		Model:       model,
		Attachments: attachments,
	})
	return nil
}

// SwitchTo makes sessionID the active session. A live stream in the
// previously active session is detached; its job keeps running. If the new
// session has a detached job, a watcher starts polling it.
func (c *Coordinator) SwitchTo(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrNoSession
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.activateLocked(sessionID)
	if rec := c.records.Get(sessionID); rec != nil && !rec.Status.Terminal() && !rec.Attached && rec.JobID != "" {
		c.watchLocked(rec)
	}
	return nil
}

// Stop ends the session's generation: the local stream is detached, the
// message keeps whatever content it has, and the job service is asked to
// cancel the job. Stopping an idle or finished session is a no-op.
func (c *Coordinator) Stop(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	rec := c.records.Get(sessionID)
	if rec == nil || rec.Status.Terminal() {
		c.mu.Unlock()
		return nil
	}
	c.stopWatchersLocked(sessionID)
	rec.Detach()
	rec.Version = c.ledger.Bump(sessionID)
	rec.Apply(generation.EventStop)
	c.settleMessageLocked(rec.MessageID)
	c.finishLocked(rec)
	jobID := rec.JobID
	c.mu.Unlock()

	c.logger.Info("Generation stopped", "sessionID", sessionID, "jobID", jobID)
	if jobID == "" {
		return nil
	}
	return c.hardCancel(ctx, jobID)
}

// Expand reveals the full content of the session's current generation.
func (c *Coordinator) Expand(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := c.records.Get(sessionID)
	if rec == nil {
		return ErrNotExpandable
	}
	switch rec.Status {
	case generation.StatusIdle, generation.StatusPreviewStreaming, generation.StatusFailed:
		return ErrNotExpandable
	}
	msg, err := c.store.GetMessage(ctx, rec.MessageID)
	if err != nil {
		return err
	}
	if msg.FullContent == "" {
		return ErrNotExpandable
	}
	msg.Expanded = true
	msg.Content = msg.FullContent
	return c.store.UpdateMessage(ctx, msg)
}

// DeleteSession removes the session and its log. The session's job is
// detached and left running unless CancelOnDelete is set.
func (c *Coordinator) DeleteSession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	var jobID string
	c.stopWatchersLocked(sessionID)
	if rec := c.records.Get(sessionID); rec != nil {
		rec.Detach()
		if !rec.Status.Terminal() {
			jobID = rec.JobID
		}
		c.records.Delete(sessionID)
	}
	c.ledger.Forget(sessionID)
	if c.active == sessionID {
		c.active = ""
	}
	err := c.store.DeleteSession(ctx, sessionID)
	c.mu.Unlock()

	if err != nil {
		return err
	}
	if c.cfg.CancelOnDelete && jobID != "" {
		return c.hardCancel(ctx, jobID)
	}
	return nil
}

// Restore rebuilds detached records from the job references persisted by a
// previous process so their sessions can be watched again. It returns the
// number of records restored.
func (c *Coordinator) Restore(ctx context.Context) (int, error) {
	refs, err := c.store.ListJobRefs(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing job refs: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ref := range refs {
		if c.records.Get(ref.SessionID) != nil {
			continue
		}
		msg, err := c.store.GetMessage(ctx, ref.MessageID)
		if err != nil {
			c.logger.Warn("Dropping job ref with missing message", "sessionID", ref.SessionID, "jobID", ref.JobID, "error", err)
			_ = c.store.DeleteJobRef(ctx, ref.SessionID)
			continue
		}
		status := generation.StatusPreviewStreaming
		if msg.Type == store.TypeText && msg.FullContent != "" {
			status = generation.StatusCanvasStreaming
		}
		c.records.Put(&generation.Record{
			SessionID: ref.SessionID,
			MessageID: ref.MessageID,
			JobID:     ref.JobID,
			Status:    status,
			Version:   c.ledger.Bump(ref.SessionID),
		})
		n++
	}
	if n > 0 {
		c.logger.Info("Restored detached jobs", "count", n)
	}
	return n, nil
}

// Snapshot reports the state of the session's generation. Sessions without a
// record are idle.
func (c *Coordinator) Snapshot(sessionID string) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{SessionID: sessionID, Status: generation.StatusIdle}
	rec := c.records.Get(sessionID)
	if rec == nil {
		return snap
	}
	snap.Status = rec.Status
	snap.StageLabel = rec.StageLabel
	snap.JobID = rec.JobID
	snap.MessageID = rec.MessageID
	snap.Attached = rec.Attached
	snap.Err = rec.Err
	for key := range c.watchers {
		if key.sessionID == sessionID {
			snap.Watching = true
			break
		}
	}
	return snap
}

// ActiveSession returns the session the user is looking at, or "".
func (c *Coordinator) ActiveSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Stats returns the coordinator's counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		JobsStarted:     c.stats.jobsStarted.Load(),
		StaleEvents:     c.stats.staleEvents.Load(),
		WatchersStarted: c.stats.watchersStarted.Load(),
		HardCancels:     c.stats.hardCancels.Load(),
	}
}

// Close detaches every live stream and waits for watchers to exit. Jobs keep
// running server-side.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	c.records.Each(func(rec *generation.Record) {
		rec.Detach()
	})
	for _, w := range c.watchers {
		w.cancel()
	}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	return nil
}

// ensureSessionLocked returns the session, creating it on first use.
func (c *Coordinator) ensureSessionLocked(ctx context.Context, sessionID, prompt string) (*store.Session, error) {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	sess = &store.Session{
		ID:    sessionID,
		Title: titleFrom(prompt),
		Model: c.cfg.DefaultModel,
	}
	if err := c.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return sess, nil
}

// neutralizeLocked stops the session's unfinished record before a new turn
// replaces it. It returns the job ID to hard-cancel, if any.
func (c *Coordinator) neutralizeLocked(sessionID string) string {
	c.stopWatchersLocked(sessionID)
	rec := c.records.Get(sessionID)
	if rec == nil || rec.Status.Terminal() {
		return ""
	}
	rec.Detach()
	rec.Version = c.ledger.Bump(sessionID)
	rec.Apply(generation.EventStop)
	c.settleMessageLocked(rec.MessageID)
	c.finishLocked(rec)
	c.logger.Info("Superseded unfinished generation", "sessionID", sessionID, "jobID", rec.JobID)
	if c.cfg.CancelSupersededJobs {
		return rec.JobID
	}
	return ""
}

// beginLocked bumps the session's version and installs a fresh attached
// record targeting messageID.
func (c *Coordinator) beginLocked(sessionID, messageID string) binding {
	c.activateLocked(sessionID)
	v := c.ledger.Bump(sessionID)
	c.records.Put(&generation.Record{
		SessionID: sessionID,
		MessageID: messageID,
		Status:    generation.StatusIdle,
		Version:   v,
		Attached:  true,
	})
	c.stats.jobsStarted.Add(1)
	return binding{sessionID: sessionID, version: v, messageID: messageID}
}

// activateLocked makes sessionID active, detaching the live stream of the
// session that was active before.
func (c *Coordinator) activateLocked(sessionID string) {
	prev := c.active
	c.active = sessionID
	if prev == "" || prev == sessionID {
		return
	}
	if rec := c.records.Get(prev); rec != nil && rec.Attached && !rec.Status.Terminal() {
		c.detachLocked(rec)
	}
}

// detachLocked soft-cancels a record: the local reader is aborted and pending
// callbacks become stale while the job keeps running. A job that never
// reported its ID cannot be followed, so the record stops instead.
func (c *Coordinator) detachLocked(rec *generation.Record) {
	rec.Detach()
	rec.Version = c.ledger.Bump(rec.SessionID)
	if rec.JobID != "" {
		c.logger.Info("Detached generation", "sessionID", rec.SessionID, "jobID", rec.JobID)
		return
	}
	rec.Apply(generation.EventStop)
	c.settleMessageLocked(rec.MessageID)
	c.finishLocked(rec)
	c.logger.Info("Detached generation without job ID, stopping", "sessionID", rec.SessionID)
}

// settleMessageLocked clears the in-progress flags of a message, keeping its content.
func (c *Coordinator) settleMessageLocked(messageID string) {
	msg, err := c.store.GetMessage(c.ctx, messageID)
	if err != nil {
		c.logger.Error("Loading message to settle", "messageID", messageID, "error", err)
		return
	}
	msg.Streaming = false
	msg.Thinking = false
	msg.StatusText = ""
	if msg.Type == store.TypePreview {
		msg.Type = store.TypeText
	}
	if err := c.store.UpdateMessage(c.ctx, msg); err != nil {
		c.logger.Error("Settling message", "messageID", messageID, "error", err)
	}
}

// finishLocked releases what a record holds once it is terminal.
func (c *Coordinator) finishLocked(rec *generation.Record) {
	rec.Handle = nil
	rec.Attached = false
	if rec.JobID != "" {
		if err := c.store.DeleteJobRef(c.ctx, rec.SessionID); err != nil {
			c.logger.Error("Deleting job ref", "sessionID", rec.SessionID, "error", err)
		}
	}
}

// hardCancel asks the job service to terminate a job.
func (c *Coordinator) hardCancel(ctx context.Context, jobID string) error {
	c.stats.hardCancels.Add(1)
	if err := c.jobs.CancelJob(ctx, jobID); err != nil {
		c.logger.Error("Cancelling job", "jobID", jobID, "error", err)
		return fmt.Errorf("cancelling job %s: %w", jobID, err)
	}
	return nil
}

// originatingTurn finds the user prompt, and the images sent with it, that
// precede the message at messageID.
func originatingTurn(history []store.Message, messageID string) (string, []transport.Attachment, error) {
	idx := -1
	for i, m := range history {
		if m.ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", nil, fmt.Errorf("message %s: %w", messageID, store.ErrNotFound)
	}

	var attachments []transport.Attachment
	for i := idx - 1; i >= 0; i-- {
		m := history[i]
		if m.Role != store.RoleUser {
			continue
		}
		if m.Type == store.TypeImage {
			attachments = append([]transport.Attachment{{URL: m.Content}}, attachments...)
			continue
		}
		return m.Content, attachments, nil
	}
	return "", nil, ErrNoOriginatingPrompt
}

func titleFrom(prompt string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(prompt), "\n")
	if line == "" {
		return "New story"
	}
	return truncate(line, 48)
}

// truncate shortens s to limit runes, marking the cut with an ellipsis.
func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return strings.TrimRight(string(r[:limit]), " ") + "..."
}

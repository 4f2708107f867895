package coordinator

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/nstogner/storyloom/pkg/generation"
	"github.com/nstogner/storyloom/pkg/store"
	"github.com/nstogner/storyloom/pkg/transport"
)

// binding is what every callback of a job captures when the job starts.
type binding struct {
	sessionID string
	version   uint64
	messageID string
}

// updateFunc mutates the bound record and its target message. It reports
// whether msg changed and must be written back.
type updateFunc func(rec *generation.Record, msg *store.Message) bool

// launch opens the stream for a job bound to b. It must be called without
// holding c.mu.
func (c *Coordinator) launch(ctx context.Context, b binding, req transport.Request) {
	h, err := c.transport.Open(ctx, req, c.handlers(b))

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.logger.Error("Opening generation stream", "sessionID", b.sessionID, "error", err)
		c.guardedLocked(b, "open", func(rec *generation.Record, msg *store.Message) bool {
			return failLocked(rec, msg, &TransportError{SessionID: b.sessionID, Err: err})
		})
		return
	}

	rec, ok := c.boundLocked(b)
	if !ok {
		// The session moved on while the stream was being opened.
		h.Abort()
		return
	}
	if rec.Attached && rec.Handle == nil && !rec.Status.Terminal() {
		rec.Handle = h
	}
}

// handlers returns the stream callbacks for a job bound to b.
func (c *Coordinator) handlers(b binding) transport.Handlers {
	return transport.Handlers{
		OnStart: func(h transport.Handle) {
			c.guarded(b, "start", func(rec *generation.Record, msg *store.Message) bool {
				if rec.Handle == nil && rec.Attached {
					rec.Handle = h
				}
				if !rec.Apply(generation.EventStart) {
					return false
				}
				msg.Streaming = true
				msg.Thinking = true
				return true
			})
		},
		OnMeta: func(jobID string) {
			c.guarded(b, "meta", func(rec *generation.Record, msg *store.Message) bool {
				if !rec.Apply(generation.EventMeta) {
					return false
				}
				rec.JobID = jobID
				ref := &store.JobRef{
					SessionID: rec.SessionID,
					JobID:     jobID,
					MessageID: rec.MessageID,
					Status:    transport.JobPending,
				}
				if err := c.store.PutJobRef(c.ctx, ref); err != nil {
					c.logger.Error("Saving job ref", "sessionID", rec.SessionID, "jobID", jobID, "error", err)
				}
				return false
			})
		},
		OnStageStart: func(stage transport.StageInfo) {
			c.guarded(b, "stage_start", func(rec *generation.Record, msg *store.Message) bool {
				if !rec.Apply(generation.EventStageStart) {
					return false
				}
				return setStage(rec, msg, stage)
			})
		},
		OnStageEnd: func() {
			c.guarded(b, "stage_end", func(rec *generation.Record, msg *store.Message) bool {
				if rec.Status == generation.StatusPreviewStreaming && msg.FullContent == "" {
					return false
				}
				before := rec.Status
				if !rec.Apply(generation.EventStageEnd) {
					return false
				}
				if rec.Status == before {
					return false
				}
				msg.Thinking = false
				return true
			})
		},
		OnPreview: func(buffer string) {
			c.guarded(b, "preview", func(rec *generation.Record, msg *store.Message) bool {
				if !rec.Apply(generation.EventPreview) {
					return false
				}
				c.showPreview(msg, buffer)
				return true
			})
		},
		OnDelta: func(chunk string) {
			c.guarded(b, "delta", func(rec *generation.Record, msg *store.Message) bool {
				if !rec.Apply(generation.EventDelta) {
					return false
				}
				// Deltas extend the retained preview buffer.
				msg.Type = store.TypeText
				msg.FullContent += chunk
				msg.Content = msg.FullContent
				msg.Streaming = true
				msg.Thinking = false
				return true
			})
		},
		OnFinal: func(result transport.FinalResult) {
			c.guarded(b, "final", func(rec *generation.Record, msg *store.Message) bool {
				return c.completeLocked(rec, msg, result)
			})
		},
		OnDetach: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.serverDetachedLocked(b)
		},
		OnError: func(err error) {
			c.guarded(b, "error", func(rec *generation.Record, msg *store.Message) bool {
				if errors.Is(err, transport.ErrCancelled) {
					return cancelLocked(rec, msg)
				}
				var jobErr *transport.JobError
				if !errors.As(err, &jobErr) {
					err = &TransportError{SessionID: rec.SessionID, Err: err}
				}
				return failLocked(rec, msg, err)
			})
		},
	}
}

// serverDetachedLocked turns a stream the job server stopped serving into a
// headless record. The active session keeps following the job by polling.
func (c *Coordinator) serverDetachedLocked(b binding) {
	rec, ok := c.boundLocked(b)
	if !ok {
		c.stats.staleEvents.Add(1)
		c.logger.Debug("Dropping stale event", "sessionID", b.sessionID, "event", "detach", "version", b.version)
		return
	}
	if rec.Status.Terminal() {
		return
	}
	c.detachLocked(rec)
	if !rec.Status.Terminal() && c.active == rec.SessionID {
		c.watchLocked(rec)
	}
}

// boundLocked returns the record b targets if b is still current.
func (c *Coordinator) boundLocked(b binding) (*generation.Record, bool) {
	if c.ledger.Current(b.sessionID) != b.version {
		return nil, false
	}
	rec := c.records.Get(b.sessionID)
	if rec == nil || rec.Version != b.version || rec.MessageID != b.messageID {
		return nil, false
	}
	return rec, true
}

func (c *Coordinator) guarded(b binding, event string, fn updateFunc) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.guardedLocked(b, event, fn)
}

// guardedLocked applies fn if b is still current and drops the event
// otherwise. It reports whether fn applied a change.
func (c *Coordinator) guardedLocked(b binding, event string, fn updateFunc) bool {
	rec, ok := c.boundLocked(b)
	if !ok {
		c.stats.staleEvents.Add(1)
		c.logger.Debug("Dropping stale event", "sessionID", b.sessionID, "event", event, "version", b.version)
		return false
	}
	msg, err := c.store.GetMessage(c.ctx, b.messageID)
	if err != nil {
		c.logger.Error("Loading target message", "sessionID", b.sessionID, "messageID", b.messageID, "error", err)
		return false
	}

	wasTerminal := rec.Status.Terminal()
	if !fn(rec, msg) {
		return false
	}
	if err := c.store.UpdateMessage(c.ctx, msg); err != nil {
		c.logger.Error("Updating target message", "sessionID", b.sessionID, "messageID", b.messageID, "error", err)
	}
	if !wasTerminal && rec.Status.Terminal() {
		c.finishLocked(rec)
		c.logger.Info("Generation finished", "sessionID", rec.SessionID, "jobID", rec.JobID, "status", rec.Status)
	}
	return true
}

// showPreview stores the preview buffer and shows its head until the user
// expands it.
func (c *Coordinator) showPreview(msg *store.Message, buffer string) {
	msg.Type = store.TypePreview
	msg.FullContent = buffer
	if msg.Expanded {
		msg.Content = buffer
	} else {
		msg.Content = truncate(buffer, c.cfg.PreviewLimit)
	}
	msg.Streaming = true
	msg.Thinking = false
}

// completeLocked writes the final result into msg and appends the derivative
// messages. A result without content falls back to what was streamed.
func (c *Coordinator) completeLocked(rec *generation.Record, msg *store.Message, result transport.FinalResult) bool {
	content := result.Content
	if content == "" {
		content = msg.FullContent
	}
	if content == "" {
		return failLocked(rec, msg, &transport.JobError{JobID: rec.JobID, Message: "generation returned no content"})
	}
	if !rec.Apply(generation.EventFinal) {
		return false
	}
	msg.Type = store.TypeText
	msg.Content = content
	msg.FullContent = content
	msg.StatusText = ""
	msg.Streaming = false
	msg.Thinking = false
	msg.Error = false

	derivatives := []struct {
		typ   store.MessageType
		items []string
	}{
		{store.TypeHighlightReel, result.Highlights},
		{store.TypeRecommendation, result.Recommendations},
	}
	for _, d := range derivatives {
		if len(d.items) == 0 {
			continue
		}
		m := &store.Message{
			ID:        uuid.New().String(),
			SessionID: rec.SessionID,
			Role:      store.RoleAssistant,
			Type:      d.typ,
			Content:   strings.Join(d.items, "\n"),
		}
		if err := c.store.AppendMessage(c.ctx, m); err != nil {
			c.logger.Error("Appending derivative message", "sessionID", rec.SessionID, "type", d.typ, "error", err)
		}
	}
	return true
}

func failLocked(rec *generation.Record, msg *store.Message, err error) bool {
	if !rec.Apply(generation.EventError) {
		return false
	}
	rec.Err = err
	msg.Type = store.TypeText
	msg.Content = errorText(err)
	msg.StatusText = ""
	msg.Error = true
	msg.Streaming = false
	msg.Thinking = false
	return true
}

func cancelLocked(rec *generation.Record, msg *store.Message) bool {
	if !rec.Apply(generation.EventCancelled) {
		return false
	}
	if msg.Type == store.TypePreview {
		msg.Type = store.TypeText
	}
	msg.StatusText = ""
	msg.Streaming = false
	msg.Thinking = false
	return true
}

// setStage records the label of a known stage. Unknown stages leave the
// current label in place.
func setStage(rec *generation.Record, msg *store.Message, stage transport.StageInfo) bool {
	label := generation.LabelFor(stage)
	if label == "" || label == rec.StageLabel {
		return false
	}
	rec.StageLabel = label
	msg.StatusText = label
	return true
}

package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/nstogner/storyloom/pkg/generation"
	"github.com/nstogner/storyloom/pkg/store"
	"github.com/nstogner/storyloom/pkg/transport"
)

type watchKey struct {
	sessionID string
	jobID     string
}

type watch struct {
	cancel context.CancelFunc
}

// watchLocked starts polling the detached job of rec. At most one watcher
// runs per (session, job); it reports whether a new one was started.
func (c *Coordinator) watchLocked(rec *generation.Record) bool {
	key := watchKey{sessionID: rec.SessionID, jobID: rec.JobID}
	if _, running := c.watchers[key]; running {
		return false
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.MaxWatchDuration)
	w := &watch{cancel: cancel}
	c.watchers[key] = w
	c.stats.watchersStarted.Add(1)

	b := binding{sessionID: rec.SessionID, version: rec.Version, messageID: rec.MessageID}
	jobID := rec.JobID
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.poll(ctx, b, jobID)

		c.mu.Lock()
		if c.watchers[key] == w {
			delete(c.watchers, key)
		}
		c.mu.Unlock()
	}()

	c.logger.Info("Watching detached job", "sessionID", rec.SessionID, "jobID", jobID)
	return true
}

// stopWatchersLocked cancels every watcher of the session.
func (c *Coordinator) stopWatchersLocked(sessionID string) {
	for key, w := range c.watchers {
		if key.sessionID == sessionID {
			w.cancel()
			delete(c.watchers, key)
		}
	}
}

// poll asks the job service for the job's status until the job finishes, the
// binding goes stale or ctx ends. Poll errors are retried after
// PollRetryDelay.
func (c *Coordinator) poll(ctx context.Context, b binding, jobID string) {
	for {
		st, err := c.jobs.GetJobStatus(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				c.watchEnded(ctx, b, jobID)
				return
			}
			c.logger.Warn("Polling job status failed, retrying", "sessionID", b.sessionID, "jobID", jobID, "error", err)
			if !sleep(ctx, c.cfg.PollRetryDelay) {
				c.watchEnded(ctx, b, jobID)
				return
			}
			continue
		}

		if c.applyStatus(b, jobID, st) {
			return
		}
		if !sleep(ctx, c.cfg.PollInterval) {
			c.watchEnded(ctx, b, jobID)
			return
		}
	}
}

// applyStatus folds one poll result into the bound record. It reports
// whether polling should stop.
func (c *Coordinator) applyStatus(b binding, jobID string, st transport.JobStatus) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.boundLocked(b); !ok {
		c.stats.staleEvents.Add(1)
		c.logger.Debug("Watcher binding is stale", "sessionID", b.sessionID, "jobID", jobID)
		return true
	}

	switch st.Status {
	case transport.JobDone:
		if st.Result == nil || st.Result.Content == "" {
			// The result is written after the status flips; poll again.
			return false
		}
		c.guardedLocked(b, "poll_done", func(rec *generation.Record, msg *store.Message) bool {
			return c.completeLocked(rec, msg, *st.Result)
		})
		return true
	case transport.JobFailed:
		msg := st.ErrorMessage
		if msg == "" {
			msg = "unknown error"
		}
		c.guardedLocked(b, "poll_error", func(rec *generation.Record, m *store.Message) bool {
			return failLocked(rec, m, &transport.JobError{JobID: jobID, Message: msg})
		})
		return true
	case transport.JobCancelled:
		c.guardedLocked(b, "poll_cancelled", cancelLocked)
		return true
	default:
		if st.Partial == "" && st.Stage == nil {
			return false
		}
		c.guardedLocked(b, "poll_progress", func(rec *generation.Record, msg *store.Message) bool {
			changed := false
			if st.Stage != nil {
				changed = setStage(rec, msg, *st.Stage)
			}
			if st.Partial == "" || st.Partial == msg.FullContent {
				return changed
			}
			if rec.Status == generation.StatusCanvasStreaming || canvasStage(st.Stage) {
				rec.Apply(generation.EventDelta)
				msg.Type = store.TypeText
				msg.FullContent = st.Partial
				msg.Content = st.Partial
				msg.Streaming = true
				msg.Thinking = false
			} else if rec.Apply(generation.EventPreview) {
				c.showPreview(msg, st.Partial)
			}
			return true
		})
		return false
	}
}

// canvasStage reports whether a polled stage writes the canvas rather than the preview.
func canvasStage(stage *transport.StageInfo) bool {
	if stage == nil {
		return false
	}
	p, ok := generation.PhaseFor(*stage)
	return ok && (p == generation.PhaseDraft || p == generation.PhasePolish)
}

// watchEnded handles a watcher that stops without a terminal status. The
// record stays detached and unfinished either way; hitting MaxWatchDuration
// only ends this watch, and the next SwitchTo to the session starts another.
func (c *Coordinator) watchEnded(ctx context.Context, b binding, jobID string) {
	if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return
	}
	c.logger.Warn("Stopped watching job, will resume when the session is reopened",
		"sessionID", b.sessionID, "jobID", jobID, "after", c.cfg.MaxWatchDuration)
}

// sleep waits for d or until ctx ends. It reports whether the full duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

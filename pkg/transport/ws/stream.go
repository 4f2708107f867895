package ws

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nstogner/storyloom/pkg/transport"
)

// frame is the wire form of one job event.
type frame struct {
	Type   string                 `json:"type"`
	JobID  string                 `json:"job_id,omitempty"`
	Stage  *transport.StageInfo   `json:"stage,omitempty"`
	Text   string                 `json:"text,omitempty"`
	Result *transport.FinalResult `json:"result,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

type stream struct {
	conn    *websocket.Conn
	logger  *slog.Logger
	once    sync.Once
	aborted atomic.Bool
}

// Abort closes the connection. The server keeps the job running. No
// handler is called after Abort returns, except one already in progress.
func (s *stream) Abort() {
	s.once.Do(func() {
		s.aborted.Store(true)
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "detached"),
			time.Now().Add(time.Second))
		s.conn.Close()
	})
}

// read dispatches frames to h until a terminal frame, an abort or a
// connection failure.
func (s *stream) read(h transport.Handlers) {
	defer s.conn.Close()

	var jobID string
	for {
		var f frame
		if err := s.conn.ReadJSON(&f); err != nil {
			if s.aborted.Load() {
				return
			}
			s.logger.Warn("Stream ended before the job finished", "jobID", jobID, "error", err)
			if h.OnError != nil {
				h.OnError(fmt.Errorf("stream closed: %w", err))
			}
			return
		}
		if s.aborted.Load() {
			return
		}
		if f.JobID != "" {
			jobID = f.JobID
		}

		switch f.Type {
		case "start":
			if h.OnStart != nil {
				h.OnStart(s)
			}
		case "meta":
			if h.OnMeta != nil {
				h.OnMeta(f.JobID)
			}
		case "stage_start":
			stage := transport.StageInfo{Index: -1}
			if f.Stage != nil {
				stage = *f.Stage
			}
			if h.OnStageStart != nil {
				h.OnStageStart(stage)
			}
		case "stage_end":
			if h.OnStageEnd != nil {
				h.OnStageEnd()
			}
		case "preview":
			if h.OnPreview != nil {
				h.OnPreview(f.Text)
			}
		case "delta":
			if h.OnDelta != nil {
				h.OnDelta(f.Text)
			}
		case "final":
			var result transport.FinalResult
			if f.Result != nil {
				result = *f.Result
			}
			if h.OnFinal != nil {
				h.OnFinal(result)
			}
			return
		case "error":
			if h.OnError != nil {
				h.OnError(&transport.JobError{JobID: jobID, Message: f.Error})
			}
			return
		case "detached":
			s.logger.Warn("Job server detached the stream", "jobID", jobID)
			if h.OnDetach != nil {
				h.OnDetach()
			}
			return
		case "cancelled":
			if h.OnError != nil {
				h.OnError(fmt.Errorf("job %s: %w", jobID, transport.ErrCancelled))
			}
			return
		default:
			s.logger.Debug("Ignoring unknown frame", "type", f.Type)
		}
	}
}

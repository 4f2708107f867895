package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nstogner/storyloom/pkg/jobs"
	"github.com/nstogner/storyloom/pkg/transport"
)

const (
	requestTimeout = 10 * time.Second
	pingInterval   = 30 * time.Second
	writeTimeout   = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for now (Dev/Prod separation handled elsewhere or allow local)
	},
}

// handleStream reads one generation request, submits it and streams the
// job's events back. When the client goes away the job keeps running.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade websocket", "error", err)
		return
	}
	defer ws.Close()

	var req transport.Request
	ws.SetReadDeadline(time.Now().Add(requestTimeout))
	if err := ws.ReadJSON(&req); err != nil {
		s.logger.Warn("Failed to read stream request", "error", err)
		return
	}
	ws.SetReadDeadline(time.Time{})

	jobID, err := s.jobs.Submit(req)
	if err != nil {
		s.writeEvent(ws, jobs.Event{Type: jobs.EventError, Error: err.Error()})
		return
	}
	events, unsubscribe, err := s.jobs.Subscribe(jobID)
	if err != nil {
		s.writeEvent(ws, jobs.Event{Type: jobs.EventError, JobID: jobID, Error: err.Error()})
		return
	}
	defer unsubscribe()

	// Reader loop: the client sends nothing more, so any read result means
	// it is gone.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			s.logger.Info("Stream client detached", "jobID", jobID)
			return
		case ev, ok := <-events:
			if !ok {
				s.logger.Warn("Stream subscriber cut off, detaching client", "jobID", jobID)
				s.detach(ws, jobID)
				return
			}
			if err := s.writeEvent(ws, ev); err != nil {
				s.logger.Warn("Failed to write stream event", "jobID", jobID, "error", err)
				return
			}
			if ev.Terminal() {
				ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ev.Type),
					time.Now().Add(writeTimeout))
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// detach tells the client to stop reading and follow the job by polling.
func (s *Server) detach(ws *websocket.Conn, jobID string) {
	if err := s.writeEvent(ws, jobs.Event{Type: jobs.EventDetached, JobID: jobID}); err != nil {
		return
	}
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, jobs.EventDetached),
		time.Now().Add(writeTimeout))
}

func (s *Server) writeEvent(ws *websocket.Conn, ev jobs.Event) error {
	ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return ws.WriteJSON(ev)
}

package generation

// Status is the lifecycle state of a session's generation job.
type Status string

const (
	StatusIdle             Status = "idle"
	StatusPreviewStreaming Status = "preview_streaming"
	StatusAwaitingCanvas   Status = "awaiting_canvas"
	StatusCanvasStreaming  Status = "canvas_streaming"
	StatusCompleted        Status = "completed"
	StatusStopped          Status = "stopped"
	StatusFailed           Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusStopped || s == StatusFailed
}

// Event is something that happened to a job, as reported by the transport,
// the headless watcher or the user.
type Event int

const (
	EventStart Event = iota
	EventMeta
	EventStageStart
	EventStageEnd
	EventPreview
	EventDelta
	EventFinal
	EventError
	EventCancelled
	EventStop
)

var eventNames = [...]string{
	EventStart:      "start",
	EventMeta:       "meta",
	EventStageStart: "stage_start",
	EventStageEnd:   "stage_end",
	EventPreview:    "preview",
	EventDelta:      "delta",
	EventFinal:      "final",
	EventError:      "error",
	EventCancelled:  "cancelled",
	EventStop:       "stop",
}

func (e Event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return "unknown"
}

// Next returns the state reached by applying ev in state s. ok is false when
// the event is not valid in s; callers leave the state unchanged then.
//
// EventStageEnd moves a preview to AwaitingCanvas unconditionally; the
// coordinator only delivers it when the preview buffer is non-empty.
func Next(s Status, ev Event) (next Status, ok bool) {
	if s.Terminal() {
		return s, false
	}

	switch ev {
	case EventStart:
		if s == StatusIdle {
			return StatusPreviewStreaming, true
		}
		return s, false
	case EventMeta, EventStageStart:
		return s, true
	case EventPreview:
		if s == StatusIdle || s == StatusPreviewStreaming {
			return StatusPreviewStreaming, true
		}
		return s, false
	case EventStageEnd:
		if s == StatusPreviewStreaming {
			return StatusAwaitingCanvas, true
		}
		return s, true
	case EventDelta:
		return StatusCanvasStreaming, true
	case EventFinal:
		return StatusCompleted, true
	case EventError:
		return StatusFailed, true
	case EventCancelled, EventStop:
		return StatusStopped, true
	}
	return s, false
}

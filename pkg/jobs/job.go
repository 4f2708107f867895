package jobs

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nstogner/storyloom/pkg/transport"
)

// subscriberBuffer is the headroom of a subscriber channel beyond the replayed history.
const subscriberBuffer = 1024

type job struct {
	id        string
	req       transport.Request
	cancel    context.CancelFunc
	createdAt time.Time

	mu         sync.Mutex
	state      string
	stage      *transport.StageInfo
	preview    strings.Builder
	canvas     strings.Builder
	result     *transport.FinalResult
	errMsg     string
	cancelled  bool
	finishedAt time.Time
	history    []Event
	subs       map[chan Event]struct{}
}

func newJob(id string, req transport.Request, cancel context.CancelFunc) *job {
	return &job{
		id:        id,
		req:       req,
		cancel:    cancel,
		createdAt: time.Now(),
		state:     transport.JobPending,
		subs:      make(map[chan Event]struct{}),
	}
}

// emit records ev, folds it into the job's state and fans it out.
func (j *job) emit(ev Event) {
	ev.JobID = j.id
	if ev.Stage != nil {
		// History is shared with subscribers; never keep the caller's pointer.
		stage := *ev.Stage
		ev.Stage = &stage
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != transport.JobPending {
		return
	}

	switch ev.Type {
	case EventStageStart:
		j.stage = ev.Stage
	case EventPreview:
		j.preview.Reset()
		j.preview.WriteString(ev.Text)
	case EventDelta:
		j.canvas.WriteString(ev.Text)
	case EventFinal:
		j.state = transport.JobDone
		j.result = ev.Result
	case EventError:
		j.state = transport.JobFailed
		j.errMsg = ev.Error
	case EventCancelled:
		j.state = transport.JobCancelled
	}
	if ev.Terminal() {
		j.finishedAt = time.Now()
	}

	j.history = append(j.history, ev)
	for ch := range j.subs {
		select {
		case ch <- ev:
		default:
			// A subscriber that fell this far behind is cut off.
			delete(j.subs, ch)
			close(ch)
			continue
		}
		if ev.Terminal() {
			delete(j.subs, ch)
			close(ch)
		}
	}
}

func (j *job) subscribe() (<-chan Event, func()) {
	j.mu.Lock()
	defer j.mu.Unlock()

	ch := make(chan Event, len(j.history)+subscriberBuffer)
	for _, ev := range j.history {
		ch <- ev
	}
	if j.state != transport.JobPending {
		close(ch)
		return ch, func() {}
	}
	j.subs[ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			j.mu.Lock()
			defer j.mu.Unlock()
			if _, ok := j.subs[ch]; ok {
				delete(j.subs, ch)
				close(ch)
			}
		})
	}
}

func (j *job) startStage(stage transport.StageInfo) {
	j.emit(Event{Type: EventStageStart, Stage: &stage})
}

func (j *job) status() transport.JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()

	st := transport.JobStatus{
		ID:           j.id,
		Status:       j.state,
		Result:       j.result,
		ErrorMessage: j.errMsg,
	}
	if j.state == transport.JobPending {
		if j.canvas.Len() > 0 {
			st.Partial = j.canvas.String()
		} else {
			st.Partial = j.preview.String()
		}
		if j.stage != nil {
			stage := *j.stage
			st.Stage = &stage
		}
	}
	return st
}

// cancelRequested cancels a pending job. It reports whether the job was pending.
func (j *job) cancelRequested() bool {
	j.mu.Lock()
	pending := j.state == transport.JobPending
	if pending {
		j.cancelled = true
	}
	j.mu.Unlock()
	if pending {
		j.cancel()
	}
	return pending
}

func (j *job) wasCancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

func (j *job) finishedBefore(t time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return !j.finishedAt.IsZero() && j.finishedAt.Before(t)
}

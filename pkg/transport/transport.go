package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/nstogner/storyloom/pkg/generation"
)

// ErrCancelled reports that a stream or job ended because a user cancelled
// it. Transports wrap it so callers can tell a stop from a failure.
var ErrCancelled = errors.New("generation cancelled")

// Attachment is a reference to user-supplied media sent with a prompt.
type Attachment struct {
	URL       string `json:"url"`
	MediaType string `json:"media_type,omitempty"`
}

// Request is the payload that starts a generation job.
type Request struct {
	SessionID   string       `json:"session_id"`
	Prompt      string       `json:"prompt"`
	Model       string       `json:"model,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// StageInfo is re-exported so transports need not import generation directly.
type StageInfo = generation.StageInfo

// FinalResult is the outcome of a finished job.
type FinalResult struct {
	Content         string   `json:"content"`
	Highlights      []string `json:"highlights,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// Handle is the cancellation handle of an open stream. Abort detaches the
// local reader only; the job keeps running.
type Handle interface {
	Abort()
}

// Handlers receives the lifecycle events of one stream, in emission order,
// from a single goroutine. Nil fields are skipped.
type Handlers struct {
	OnStart      func(h Handle)
	OnMeta       func(jobID string)
	OnStageStart func(stage StageInfo)
	OnStageEnd   func()
	OnPreview    func(buffer string)
	OnDelta      func(chunk string)
	OnFinal      func(result FinalResult)
	OnError      func(err error)
	// OnDetach reports that the server stopped streaming a job that is still
	// running. No other handler follows it.
	OnDetach     func()
}

// Transport opens streaming generation jobs.
type Transport interface {
	// Open submits req and streams its events to h. The returned handle is
	// the same one passed to OnStart.
	Open(ctx context.Context, req Request, h Handlers) (Handle, error)
}

// Job statuses reported by JobControl.
const (
	JobPending   = "pending"
	JobDone      = "done"
	JobFailed    = "error"
	JobCancelled = "cancelled"
)

// JobStatus is a point-in-time view of a server-side job.
type JobStatus struct {
	ID           string       `json:"id"`
	Status       string       `json:"status"`
	Result       *FinalResult `json:"result,omitempty"`
	ErrorMessage string       `json:"error,omitempty"`

	// Partial is the text generated so far while the job is pending.
	Partial string     `json:"partial,omitempty"`
	Stage   *StageInfo `json:"stage,omitempty"`
}

// JobControl talks to the job service out of band of any stream.
type JobControl interface {
	// CancelJob asks the service to terminate the job.
	CancelJob(ctx context.Context, jobID string) error

	// GetJobStatus reports the job's current state.
	GetJobStatus(ctx context.Context, jobID string) (JobStatus, error)
}

// JobError is a generation failure reported by the job service.
type JobError struct {
	JobID   string
	Message string
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s failed: %s", e.JobID, e.Message)
}

package coordinator

import (
	"errors"
	"fmt"

	"github.com/nstogner/storyloom/pkg/transport"
)

var (
	// ErrNoSession is returned when an operation is called without a session ID.
	ErrNoSession = errors.New("session id is required")
	// ErrEmptyPrompt is returned by Start when there is nothing to send.
	ErrEmptyPrompt = errors.New("prompt is empty")
	// ErrNotRerunnable is returned by Rerun for messages that are not assistant turns.
	ErrNotRerunnable = errors.New("message cannot be rerun")
	// ErrNoOriginatingPrompt is returned by Rerun when no user turn precedes the message.
	ErrNoOriginatingPrompt = errors.New("no user prompt precedes the message")
	// ErrNotExpandable is returned by Expand before a preview is ready.
	ErrNotExpandable = errors.New("generation has nothing to expand")
)

// TransportError is a stream failure in the middle of a generation.
type TransportError struct {
	SessionID string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error [%s]: %v", e.SessionID, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// errorText is the user-facing content of an error-flagged message.
func errorText(err error) string {
	var jobErr *transport.JobError
	if errors.As(err, &jobErr) {
		return "Generation failed: " + jobErr.Message
	}
	var tErr *TransportError
	if errors.As(err, &tErr) {
		return "Generation was interrupted: " + tErr.Err.Error()
	}
	return "Generation failed: " + err.Error()
}

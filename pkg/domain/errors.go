package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrRouting    = errors.New("routing failed")
	ErrSubmission = errors.New("job submission failed")
	ErrJobFailed  = errors.New("job failed")
	ErrJobTimeout = errors.New("job timed out")
	ErrCancelled  = errors.New("cancelled")
	ErrNotFound   = errors.New("not found")
	ErrInvalid    = errors.New("invalid request")
)

// BackendRejection records why one backend did not serve a routed call.
type BackendRejection struct {
	Backend string `json:"backend"`
	Reason  string `json:"reason"`
}

// RoutingError means no backend produced a completion for the prompt.
type RoutingError struct {
	Backend    string
	StatusCode int
	Body       string
	Rejections []BackendRejection
	Err        error
}

func (e *RoutingError) Error() string {
	var b strings.Builder
	b.WriteString(ErrRouting.Error())
	if e.Backend != "" {
		fmt.Fprintf(&b, ": backend %s", e.Backend)
		if e.StatusCode != 0 {
			fmt.Fprintf(&b, " status %d", e.StatusCode)
		}
		if e.Body != "" {
			fmt.Fprintf(&b, " body %q", e.Body)
		}
	}
	if len(e.Rejections) > 0 {
		parts := make([]string, 0, len(e.Rejections))
		for _, r := range e.Rejections {
			parts = append(parts, r.Backend+": "+r.Reason)
		}
		b.WriteString(": ")
		b.WriteString(strings.Join(parts, "; "))
	} else if e.Backend == "" {
		b.WriteString(": no backends configured")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *RoutingError) Is(target error) bool { return target == ErrRouting }
func (e *RoutingError) Unwrap() error        { return e.Err }

// SubmissionError means the generation endpoint rejected or malformed a submit.
type SubmissionError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *SubmissionError) Error() string {
	msg := ErrSubmission.Error()
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Body != "" {
		msg += fmt.Sprintf(": %q", e.Body)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SubmissionError) Is(target error) bool { return target == ErrSubmission }
func (e *SubmissionError) Unwrap() error        { return e.Err }

// JobFailedError carries the remote failure payload of a generation job.
type JobFailedError struct {
	JobID        string
	RemoteStatus string
	Detail       string
	Attempts     int
}

func (e *JobFailedError) Error() string {
	msg := fmt.Sprintf("%s: job %s after %d polls", ErrJobFailed, e.JobID, e.Attempts)
	if e.RemoteStatus != "" {
		msg += " remote status " + e.RemoteStatus
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *JobFailedError) Is(target error) bool { return target == ErrJobFailed }

// JobTimeoutError means the attempt or time budget ran out. The remote job
// is left as is.
type JobTimeoutError struct {
	JobID    string
	Attempts int
	Elapsed  string
	LastErr  error
}

func (e *JobTimeoutError) Error() string {
	msg := fmt.Sprintf("%s: job %s after %d polls", ErrJobTimeout, e.JobID, e.Attempts)
	if e.Elapsed != "" {
		msg += " in " + e.Elapsed
	}
	if e.LastErr != nil {
		msg += ": last error: " + e.LastErr.Error()
	}
	return msg
}

func (e *JobTimeoutError) Is(target error) bool { return target == ErrJobTimeout }
func (e *JobTimeoutError) Unwrap() error        { return e.LastErr }

// CancelledError reports a caller abort and where it was observed.
type CancelledError struct {
	Op    string
	Cause error
}

func (e *CancelledError) Error() string {
	msg := ErrCancelled.Error()
	if e.Op != "" {
		msg += " during " + e.Op
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *CancelledError) Is(target error) bool { return target == ErrCancelled }
func (e *CancelledError) Unwrap() error        { return e.Cause }

package domain

import (
	"encoding"
	"errors"
	"time"
)

type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobTimedOut  JobStatus = "TIMED_OUT"
	JobCancelled JobStatus = "CANCELLED"
)

var (
	_ encoding.BinaryMarshaler = JobStatus("")
	_ encoding.TextMarshaler   = JobStatus("")
)

func (s JobStatus) MarshalBinary() ([]byte, error) { return []byte(string(s)), nil }
func (s JobStatus) MarshalText() ([]byte, error)   { return []byte(string(s)), nil }

// Terminal reports whether no further transition can leave s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobTimedOut, JobCancelled:
		return true
	}
	return false
}

func (s JobStatus) rank() int {
	switch s {
	case JobPending:
		return 0
	case JobRunning:
		return 1
	default:
		return 2
	}
}

// ResultStatusCompleted is the status string carried by a successful GenerationResult.
const ResultStatusCompleted = "completed"

var (
	ErrJobTerminal = errors.New("job already in terminal state")
	// ErrNoImages marks a remote COMPLETED reply that carried nothing usable.
	ErrNoImages = errors.New("no images in completed job output")
)

// GenerationResult is the extracted success payload of a generation job.
type GenerationResult struct {
	JobID    string   `json:"jobId"`
	PromptID string   `json:"promptId"`
	Images   []string `json:"images"`
	Status   string   `json:"status"`
}

// JobStatusSnapshot is what one status query observed on the remote side.
type JobStatusSnapshot struct {
	JobID        string    `json:"jobId"`
	Status       JobStatus `json:"status"`
	RemoteStatus string    `json:"remoteStatus,omitempty"`
	Images       []string  `json:"images,omitempty"`
	PromptID     string    `json:"promptId,omitempty"`
	Error        string    `json:"error,omitempty"`
	Attempt      int       `json:"attempt"`
}

// GenerationJob tracks one remote generation job. Status only moves
// forward: PENDING -> RUNNING -> one terminal state.
type GenerationJob struct {
	ID           string            `json:"id"`
	SubmittedAt  time.Time         `json:"submittedAt"`
	Status       JobStatus         `json:"status"`
	PollAttempts int               `json:"pollAttempts"`
	LastPolledAt time.Time         `json:"lastPolledAt,omitempty"`
	Result       *GenerationResult `json:"result,omitempty"`
	Error        string            `json:"error,omitempty"`
}

func NewGenerationJob(id string, submittedAt time.Time) *GenerationJob {
	return &GenerationJob{ID: id, SubmittedAt: submittedAt, Status: JobPending}
}

// RecordPoll counts one poll attempt.
func (j *GenerationJob) RecordPoll(at time.Time) error {
	if j.Status.Terminal() {
		return ErrJobTerminal
	}
	j.PollAttempts++
	j.LastPolledAt = at
	return nil
}

// Advance moves the job to status to. Stale observations (a remote that
// reports queued after it reported running) are ignored. Reaching a
// terminal state from PENDING passes through RUNNING.
func (j *GenerationJob) Advance(to JobStatus) error {
	if j.Status.Terminal() {
		if j.Status == to {
			return nil
		}
		return ErrJobTerminal
	}
	if to.rank() <= j.Status.rank() {
		return nil
	}
	if to.Terminal() && j.Status == JobPending {
		j.Status = JobRunning
	}
	j.Status = to
	return nil
}

// Complete records the success payload and moves the job to COMPLETED.
func (j *GenerationJob) Complete(res GenerationResult) error {
	if err := j.Advance(JobCompleted); err != nil {
		return err
	}
	j.Result = &res
	return nil
}

// Fail moves the job to a non-success terminal state with a reason.
func (j *GenerationJob) Fail(status JobStatus, reason string) error {
	if !status.Terminal() || status == JobCompleted {
		return errors.New("fail requires a non-success terminal status")
	}
	if err := j.Advance(status); err != nil {
		return err
	}
	j.Error = reason
	return nil
}

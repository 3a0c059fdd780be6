package domain

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestJobStatusMarshalBinary(t *testing.T) {
	tests := []struct {
		name   string
		status JobStatus
		want   string
	}{
		{"pending", JobPending, "PENDING"},
		{"running", JobRunning, "RUNNING"},
		{"timed out", JobTimedOut, "TIMED_OUT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.status.MarshalBinary()
			if err != nil {
				t.Errorf("MarshalBinary() error = %v", err)
				return
			}
			if string(got) != tt.want {
				t.Errorf("MarshalBinary() = %v, want %v", string(got), tt.want)
			}
		})
	}
}

func TestJobStatusTerminal(t *testing.T) {
	tests := []struct {
		status JobStatus
		want   bool
	}{
		{JobPending, false},
		{JobRunning, false},
		{JobCompleted, true},
		{JobFailed, true},
		{JobTimedOut, true},
		{JobCancelled, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.Terminal(); got != tt.want {
				t.Errorf("Terminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGenerationJobAdvanceIsMonotonic(t *testing.T) {
	job := NewGenerationJob("job-1", time.Unix(0, 0))

	if err := job.Advance(JobRunning); err != nil {
		t.Fatalf("Advance(RUNNING) error = %v", err)
	}
	// a stale queued observation does not move the job back
	if err := job.Advance(JobPending); err != nil {
		t.Fatalf("Advance(PENDING) error = %v", err)
	}
	if job.Status != JobRunning {
		t.Fatalf("status = %s, want RUNNING", job.Status)
	}
	if err := job.Complete(GenerationResult{JobID: "job-1", Images: []string{"a.png"}, Status: ResultStatusCompleted}); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if err := job.Fail(JobFailed, "boom"); !errors.Is(err, ErrJobTerminal) {
		t.Fatalf("Fail() after Complete error = %v, want ErrJobTerminal", err)
	}
	if job.Status != JobCompleted || job.Error != "" {
		t.Fatalf("job = %+v, want completed without error", job)
	}
	if err := job.RecordPoll(time.Unix(5, 0)); !errors.Is(err, ErrJobTerminal) {
		t.Fatalf("RecordPoll() after terminal error = %v", err)
	}
}

func TestGenerationJobPendingToTerminal(t *testing.T) {
	job := NewGenerationJob("job-2", time.Unix(0, 0))
	if err := job.Fail(JobTimedOut, "budget exhausted"); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	if job.Status != JobTimedOut {
		t.Fatalf("status = %s", job.Status)
	}
	if job.Result != nil {
		t.Fatalf("timed out job must not carry a result")
	}
	if err := job.Fail(JobCompleted, ""); err == nil {
		t.Fatalf("Fail(COMPLETED) should be rejected")
	}
}

func TestGenerationJobRecordPollIncrements(t *testing.T) {
	job := NewGenerationJob("job-3", time.Unix(0, 0))
	for i := 1; i <= 3; i++ {
		at := time.Unix(int64(i), 0)
		if err := job.RecordPoll(at); err != nil {
			t.Fatalf("RecordPoll() error = %v", err)
		}
		if job.PollAttempts != i {
			t.Fatalf("PollAttempts = %d, want %d", job.PollAttempts, i)
		}
		if !job.LastPolledAt.Equal(at) {
			t.Fatalf("LastPolledAt = %v, want %v", job.LastPolledAt, at)
		}
	}
}

func TestPipelineRunRecord(t *testing.T) {
	run := &PipelineRun{Kind: RunKindFixed}
	run.Record(StagePlanner, RouteResult{Output: "PLAN", Model: "m"})
	run.Record(StageExecutor, RouteResult{Output: "EXEC", Model: "m"})
	run.Record(StageCritic, RouteResult{Output: "CRIT", Model: "m"})

	if run.Plan != "PLAN" || run.Execution != "EXEC" || run.Critique != "CRIT" || run.Final != "CRIT" {
		t.Fatalf("run = %+v", run)
	}
	want := []Stage{StagePlanner, StageExecutor, StageCritic}
	if len(run.Stages) != len(want) {
		t.Fatalf("stages = %d, want %d", len(run.Stages), len(want))
	}
	for i, s := range want {
		if run.Stages[i].Stage != s {
			t.Errorf("stage[%d] = %s, want %s", i, run.Stages[i].Stage, s)
		}
	}
}

func TestWorkflowParamsApply(t *testing.T) {
	base := DefaultWorkflow()
	p := WorkflowParams{Prompt: "red circle", Steps: 20}.WithDefaults(WorkflowParams{})
	wf := p.Apply(base, time.Unix(1700000000, 0))

	if got := wf[NodePositive].Inputs["text"]; got != "red circle" {
		t.Errorf("prompt = %v", got)
	}
	if got := wf[NodeScheduler].Inputs["steps"]; got != 20 {
		t.Errorf("steps = %v", got)
	}
	if got := wf[NodeLatent].Inputs["width"]; got != 1024 {
		t.Errorf("width = %v", got)
	}
	if got := wf[NodeNoise].Inputs["noise_seed"]; got != int64(1700000000) {
		t.Errorf("seed = %v", got)
	}
	if got := base[NodePositive].Inputs["text"]; got != "" {
		t.Errorf("Apply mutated the base workflow: %v", got)
	}
}

func TestErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
		contains string
	}{
		{"routing", &RoutingError{Rejections: []BackendRejection{{Backend: "anthropic", Reason: "rate limited"}}}, ErrRouting, "anthropic: rate limited"},
		{"routing empty", &RoutingError{}, ErrRouting, "no backends configured"},
		{"submission", &SubmissionError{StatusCode: 500, Body: "down"}, ErrSubmission, "status 500"},
		{"failed", &JobFailedError{JobID: "j", Detail: "oom", Attempts: 2}, ErrJobFailed, "oom"},
		{"timeout", &JobTimeoutError{JobID: "j", Attempts: 3}, ErrJobTimeout, "after 3 polls"},
		{"cancelled", &CancelledError{Op: "poll"}, ErrCancelled, "during poll"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.sentinel) {
				t.Fatalf("errors.Is(%v, %v) = false", tt.err, tt.sentinel)
			}
			if !strings.Contains(tt.err.Error(), tt.contains) {
				t.Fatalf("Error() = %q, want it to contain %q", tt.err.Error(), tt.contains)
			}
		})
	}

	wrapped := &CancelledError{Op: "stage", Cause: &JobTimeoutError{JobID: "x"}}
	var te *JobTimeoutError
	if !errors.As(wrapped, &te) || te.JobID != "x" {
		t.Fatalf("errors.As through CancelledError failed")
	}
}

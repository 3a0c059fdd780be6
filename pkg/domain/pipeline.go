package domain

import "time"

type Stage string

const (
	StagePlanner  Stage = "planner"
	StageExecutor Stage = "executor"
	StageCritic   Stage = "critic"
	StageChain    Stage = "chain"
)

type RunKind string

const (
	RunKindFixed RunKind = "FIXED"
	RunKindChain RunKind = "CHAIN"
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCancelled RunStatus = "CANCELLED"
)

// StageResult is one entry of a run's audit trail.
type StageResult struct {
	Stage  Stage  `json:"stage"`
	Output string `json:"output"`
	Model  string `json:"model"`
}

// ChainResult records one completed task of a chain run.
type ChainResult struct {
	Task   string `json:"task"`
	Result string `json:"result"`
	Model  string `json:"model"`
}

// PipelineRun holds either the fixed three-stage form (Goal, Plan,
// Execution, Critique, Final) or the chain form (Tasks, Results,
// FinalContext). Stages is the ordered audit trail for both forms.
type PipelineRun struct {
	ID     string    `json:"id"`
	Kind   RunKind   `json:"kind"`
	Status RunStatus `json:"status"`
	Role   string    `json:"role,omitempty"`

	Goal      string `json:"goal,omitempty"`
	Plan      string `json:"plan,omitempty"`
	Execution string `json:"execution,omitempty"`
	Critique  string `json:"critique,omitempty"`
	Final     string `json:"final,omitempty"`

	Tasks        []string      `json:"tasks,omitempty"`
	Results      []ChainResult `json:"results,omitempty"`
	FinalContext string        `json:"finalContext,omitempty"`

	Stages      []StageResult `json:"stages"`
	Error       string        `json:"error,omitempty"`
	FailedStage string        `json:"failedStage,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	CompletedAt time.Time     `json:"completedAt,omitempty"`
}

// Record appends a stage to the audit trail and mirrors the output into
// the fixed-form field for that stage.
func (r *PipelineRun) Record(stage Stage, res RouteResult) {
	r.Stages = append(r.Stages, StageResult{Stage: stage, Output: res.Output, Model: res.Model})
	switch stage {
	case StagePlanner:
		r.Plan = res.Output
	case StageExecutor:
		r.Execution = res.Output
	case StageCritic:
		r.Critique = res.Output
		r.Final = res.Output
	}
}

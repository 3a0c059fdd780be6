// Package pipeline composes the role formatter and the model router into
// the planner, executor, critic sequence and into context-threading
// chains.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/osvaldoandrade/podflow/internal/metrics"
	"github.com/osvaldoandrade/podflow/internal/prompt"
	"github.com/osvaldoandrade/podflow/internal/router"
	"github.com/osvaldoandrade/podflow/internal/tracing"
	"github.com/osvaldoandrade/podflow/pkg/domain"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "podflow/pipeline"

// ReviewAxes are the aspects the critic must always address.
var ReviewAxes = []string{"correctness", "security", "performance", "maintainability"}

// StageError reports which stage or chain task failed. Run holds
// everything completed before the failure.
type StageError struct {
	Stage domain.Stage
	Index int
	Task  string
	Run   *domain.PipelineRun
	Err   error
}

func (e *StageError) Error() string {
	if e.Stage == domain.StageChain {
		return fmt.Sprintf("chain task %d (%q) failed: %v", e.Index+1, e.Task, e.Err)
	}
	return fmt.Sprintf("pipeline stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

type Pipeline struct {
	router router.Router
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

func New(r router.Router, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{router: r, logger: logger, now: time.Now, newID: uuid.NewString}
}

func PlannerTask(goal string) string {
	return "Goal: " + goal + "\n\nBreak this goal into a numbered list of concrete tasks. For each task state what it produces."
}

func ExecutorTask(plan string) string {
	return "Execute the following plan. Work through every task in order and give the complete output of each.\n\nPlan:\n" + plan
}

func CriticTask(execution string) string {
	return "Review the following work. Give specific feedback on " + strings.Join(ReviewAxes, ", ") +
		". For each point name the problem and the fix.\n\nWork:\n" + execution
}

// ChainPrompt is the body routed for one chain task: the accumulated
// context followed by the task.
func ChainPrompt(context, task string) string {
	if context == "" {
		return task
	}
	return context + "\n\n" + task
}

// AppendCompleted extends the chain context after a task. The context is
// never pruned.
func AppendCompleted(context, task, result string) string {
	return context + "\n\nCompleted: " + task + "\nResult: " + result
}

// RunFixed runs planner, executor and critic in order. role only shapes
// the planner; executor and critic keep their default personas. Final is
// always the critique.
func (p *Pipeline) RunFixed(ctx context.Context, goal string, role *prompt.Role) (*domain.PipelineRun, error) {
	run := p.newRun(domain.RunKindFixed, role)
	run.Goal = goal

	ctx, span := tracing.Start(ctx, tracerName, "pipeline.fixed", attribute.String("run.id", run.ID))
	err := p.runFixed(ctx, run, role)
	tracing.End(span, err)
	return run, p.finish(run, err)
}

func (p *Pipeline) runFixed(ctx context.Context, run *domain.PipelineRun, role *prompt.Role) error {
	steps := []struct {
		stage domain.Stage
		task  func() string
	}{
		{domain.StagePlanner, func() string { return PlannerTask(run.Goal) }},
		{domain.StageExecutor, func() string { return ExecutorTask(run.Plan) }},
		{domain.StageCritic, func() string { return CriticTask(run.Execution) }},
	}
	for i, s := range steps {
		persona := prompt.Default(s.stage)
		if s.stage == domain.StagePlanner {
			persona = prompt.ForStage(role, s.stage)
		}
		res, err := p.step(ctx, run, s.stage, i, prompt.Format(persona, s.task()))
		if err != nil {
			return &StageError{Stage: s.stage, Index: i, Run: run, Err: err}
		}
		run.Record(s.stage, res)
	}
	return nil
}

// RunChain routes each task in order with the accumulated context of all
// earlier tasks.
func (p *Pipeline) RunChain(ctx context.Context, tasks []string, role *prompt.Role) (*domain.PipelineRun, error) {
	run := p.newRun(domain.RunKindChain, role)
	run.Tasks = append([]string(nil), tasks...)

	ctx, span := tracing.Start(ctx, tracerName, "pipeline.chain",
		attribute.String("run.id", run.ID),
		attribute.Int("chain.tasks", len(tasks)),
	)
	err := p.runChain(ctx, run, role)
	tracing.End(span, err)
	return run, p.finish(run, err)
}

func (p *Pipeline) runChain(ctx context.Context, run *domain.PipelineRun, role *prompt.Role) error {
	persona := prompt.ForStage(role, domain.StageChain)
	acc := ""
	for i, task := range run.Tasks {
		res, err := p.step(ctx, run, domain.StageChain, i, prompt.Format(persona, ChainPrompt(acc, task)))
		if err != nil {
			return &StageError{Stage: domain.StageChain, Index: i, Task: task, Run: run, Err: err}
		}
		acc = AppendCompleted(acc, task, res.Output)
		run.Results = append(run.Results, domain.ChainResult{Task: task, Result: res.Output, Model: res.Model})
		run.Stages = append(run.Stages, domain.StageResult{Stage: domain.StageChain, Output: res.Output, Model: res.Model})
		run.FinalContext = acc
	}
	return nil
}

// step makes the single routed call of a stage or chain task.
func (p *Pipeline) step(ctx context.Context, run *domain.PipelineRun, stage domain.Stage, index int, rendered string) (domain.RouteResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.RouteResult{}, &domain.CancelledError{Op: fmt.Sprintf("%s %d", stage, index+1), Cause: err}
	}
	kind := strings.ToLower(string(run.Kind))
	ctx, span := tracing.Start(ctx, tracerName, "pipeline.stage",
		attribute.String("run.id", run.ID),
		attribute.String("stage", string(stage)),
		attribute.Int("stage.index", index),
	)
	p.logger.Debug("stage started", "run_id", run.ID, "stage", stage, "index", index, "prompt_len", len(rendered))
	res, err := p.router.Route(ctx, rendered)
	tracing.End(span, err)
	if err != nil {
		metrics.PipelineStageTotal.WithLabelValues(kind, string(stage), "error").Inc()
		return domain.RouteResult{}, err
	}
	metrics.PipelineStageTotal.WithLabelValues(kind, string(stage), "ok").Inc()
	p.logger.Debug("stage finished", "run_id", run.ID, "stage", stage, "index", index, "model", res.Model, "output_len", len(res.Output))
	return res, nil
}

func (p *Pipeline) newRun(kind domain.RunKind, role *prompt.Role) *domain.PipelineRun {
	run := &domain.PipelineRun{
		ID:        p.newID(),
		Kind:      kind,
		Status:    domain.RunStatusRunning,
		Stages:    []domain.StageResult{},
		CreatedAt: p.now().UTC(),
	}
	if role != nil {
		run.Role = role.Name
	}
	return run
}

func (p *Pipeline) finish(run *domain.PipelineRun, err error) error {
	run.CompletedAt = p.now().UTC()
	kind := strings.ToLower(string(run.Kind))
	if err == nil {
		run.Status = domain.RunStatusCompleted
		metrics.PipelineRunTotal.WithLabelValues(kind, string(run.Status)).Inc()
		p.logger.Info("pipeline run completed", "run_id", run.ID, "kind", run.Kind, "stages", len(run.Stages))
		return nil
	}

	run.Status = domain.RunStatusFailed
	if errors.Is(err, domain.ErrCancelled) {
		run.Status = domain.RunStatusCancelled
	}
	run.Error = err.Error()
	var se *StageError
	if errors.As(err, &se) {
		run.FailedStage = string(se.Stage)
		if se.Stage == domain.StageChain {
			run.FailedStage = fmt.Sprintf("%s[%d]", se.Stage, se.Index)
		}
	}
	metrics.PipelineRunTotal.WithLabelValues(kind, string(run.Status)).Inc()

	completed := make([]string, 0, len(run.Stages))
	for _, s := range run.Stages {
		completed = append(completed, fmt.Sprintf("%s(%d chars)", s.Stage, len(s.Output)))
	}
	p.logger.Warn("pipeline run aborted",
		"run_id", run.ID,
		"kind", run.Kind,
		"failed_stage", run.FailedStage,
		"completed_stages", strings.Join(completed, ","),
		"err", err,
	)
	return err
}

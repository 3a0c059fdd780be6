package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/osvaldoandrade/podflow/internal/pipeline"
	"github.com/osvaldoandrade/podflow/internal/prompt"
	"github.com/osvaldoandrade/podflow/internal/repository"
	"github.com/osvaldoandrade/podflow/pkg/domain"
)

// PipelineService runs pipelines on behalf of API callers and keeps every
// run, failed ones included, in the record store.
type PipelineService interface {
	RunFixed(ctx context.Context, goal, role, webhook string) (*domain.PipelineRun, error)
	RunChain(ctx context.Context, tasks []string, role, webhook string) (*domain.PipelineRun, error)
	GetRun(ctx context.Context, id string) (*domain.PipelineRun, error)
}

type pipelineService struct {
	pipe     *pipeline.Pipeline
	roles    *prompt.Registry
	repo     repository.RunRepository
	callback ResultCallbackService
	logger   *slog.Logger
}

func NewPipelineService(pipe *pipeline.Pipeline, roles *prompt.Registry, repo repository.RunRepository, callback ResultCallbackService, logger *slog.Logger) PipelineService {
	if logger == nil {
		logger = slog.Default()
	}
	return &pipelineService{pipe: pipe, roles: roles, repo: repo, callback: callback, logger: logger}
}

func (s *pipelineService) RunFixed(ctx context.Context, goal, role, webhook string) (*domain.PipelineRun, error) {
	if strings.TrimSpace(goal) == "" {
		return nil, fmt.Errorf("%w: goal is required", domain.ErrInvalid)
	}
	run, err := s.pipe.RunFixed(ctx, goal, s.role(role))
	return s.store(ctx, run, err, webhook)
}

func (s *pipelineService) RunChain(ctx context.Context, tasks []string, role, webhook string) (*domain.PipelineRun, error) {
	for i, t := range tasks {
		if strings.TrimSpace(t) == "" {
			return nil, fmt.Errorf("%w: task %d is empty", domain.ErrInvalid, i)
		}
	}
	run, err := s.pipe.RunChain(ctx, tasks, s.role(role))
	return s.store(ctx, run, err, webhook)
}

func (s *pipelineService) GetRun(ctx context.Context, id string) (*domain.PipelineRun, error) {
	return s.repo.GetRun(ctx, id)
}

func (s *pipelineService) role(name string) *prompt.Role {
	if strings.TrimSpace(name) == "" {
		return nil
	}
	r := s.roles.Resolve(name)
	return &r
}

// store persists whatever run came back, even a partial one. The pipeline
// error wins over a store error.
func (s *pipelineService) store(ctx context.Context, run *domain.PipelineRun, runErr error, webhook string) (*domain.PipelineRun, error) {
	if run == nil {
		var se *pipeline.StageError
		if errors.As(runErr, &se) {
			run = se.Run
		}
	}
	if run == nil {
		return nil, runErr
	}
	if err := s.repo.SaveRun(context.WithoutCancel(ctx), run); err != nil {
		s.logger.Error("store run failed", "run_id", run.ID, "err", err)
		if runErr == nil {
			return run, err
		}
	}
	if s.callback != nil {
		s.callback.Send(context.WithoutCancel(ctx), KindRun, webhook, run)
	}
	return run, runErr
}

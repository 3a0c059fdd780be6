// Package poller drives the lifecycle of remote generation jobs: submit,
// poll with backoff, resolve or give up.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/osvaldoandrade/podflow/internal/backoff"
	"github.com/osvaldoandrade/podflow/internal/clock"
	"github.com/osvaldoandrade/podflow/internal/metrics"
	"github.com/osvaldoandrade/podflow/internal/tracing"
	"github.com/osvaldoandrade/podflow/pkg/domain"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const tracerName = "podflow/poller"

// GenerationClient talks to the remote generation endpoint. Status must
// only observe the job.
type GenerationClient interface {
	Submit(ctx context.Context, wf domain.Workflow) (string, error)
	Status(ctx context.Context, jobID string) (domain.JobStatusSnapshot, error)
}

type Options struct {
	MaxAttempts  int
	Interval     time.Duration
	TotalTimeout time.Duration
	// Backoff overrides Interval when set.
	Backoff backoff.Policy
	// Concurrency bounds AwaitAll. Zero means unbounded.
	Concurrency int
	// Observe, when set, sees the job after every poll attempt.
	Observe func(job *domain.GenerationJob, snap domain.JobStatusSnapshot, err error)
}

func (o Options) merge(def Options) Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.Interval <= 0 {
		o.Interval = def.Interval
	}
	if o.TotalTimeout <= 0 {
		o.TotalTimeout = def.TotalTimeout
	}
	if o.Backoff == nil {
		o.Backoff = def.Backoff
	}
	if o.Concurrency <= 0 {
		o.Concurrency = def.Concurrency
	}
	if o.Observe == nil {
		o.Observe = def.Observe
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 1
	}
	if o.Backoff == nil {
		o.Backoff = backoff.Constant(o.Interval)
	}
	return o
}

type Poller struct {
	client   GenerationClient
	clock    clock.Clock
	logger   *slog.Logger
	defaults Options
}

func New(client GenerationClient, clk clock.Clock, logger *slog.Logger, defaults Options) *Poller {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{client: client, clock: clk, logger: logger, defaults: defaults}
}

// Submit posts wf and returns a PENDING job owned by the caller.
func (p *Poller) Submit(ctx context.Context, wf domain.Workflow) (*domain.GenerationJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.CancelledError{Op: "submit", Cause: err}
	}
	ctx, span := tracing.Start(ctx, tracerName, "poller.submit", attribute.Int("workflow.nodes", len(wf)))
	id, err := p.client.Submit(ctx, wf)
	if err != nil && ctx.Err() != nil {
		err = &domain.CancelledError{Op: "submit", Cause: ctx.Err()}
	}
	tracing.End(span, err)
	if err != nil {
		return nil, err
	}
	p.logger.Info("generation job submitted", "job_id", id)
	return domain.NewGenerationJob(id, p.clock.Now()), nil
}

// Poll performs one status query and folds it into job. Each call counts
// as one attempt, even when the query fails.
func (p *Poller) Poll(ctx context.Context, job *domain.GenerationJob) (domain.JobStatusSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.JobStatusSnapshot{}, &domain.CancelledError{Op: "poll", Cause: err}
	}
	if err := job.RecordPoll(p.clock.Now()); err != nil {
		return domain.JobStatusSnapshot{}, err
	}
	ctx, span := tracing.Start(ctx, tracerName, "poller.poll",
		attribute.String("job.id", job.ID),
		attribute.Int("job.attempt", job.PollAttempts),
	)
	snap, err := p.client.Status(ctx, job.ID)
	if err != nil {
		metrics.JobPollAttemptsTotal.WithLabelValues("error").Inc()
		tracing.End(span, err)
		return domain.JobStatusSnapshot{}, err
	}
	snap.JobID = job.ID
	snap.Attempt = job.PollAttempts
	if snap.Status == domain.JobCompleted && len(snap.Images) == 0 {
		if snap.RemoteStatus == "" {
			snap.RemoteStatus = string(domain.JobCompleted)
		}
		snap.Status = domain.JobFailed
		if snap.Error == "" {
			snap.Error = domain.ErrNoImages.Error()
		}
	}
	if snap.Status == domain.JobTimedOut || snap.Status == domain.JobCancelled {
		// remote-side ends are failures of the job, not of this wait
		if snap.RemoteStatus == "" {
			snap.RemoteStatus = string(snap.Status)
		}
		snap.Status = domain.JobFailed
	}
	span.SetAttributes(attribute.String("job.status", string(snap.Status)))
	tracing.End(span, nil)
	metrics.JobPollAttemptsTotal.WithLabelValues(strings.ToLower(string(snap.Status))).Inc()

	switch snap.Status {
	case domain.JobCompleted:
		promptID := snap.PromptID
		if promptID == "" {
			promptID = job.ID
		}
		err = job.Complete(domain.GenerationResult{
			JobID:    job.ID,
			PromptID: promptID,
			Images:   snap.Images,
			Status:   domain.ResultStatusCompleted,
		})
	case domain.JobFailed:
		err = job.Fail(domain.JobFailed, snap.Error)
	default:
		err = job.Advance(snap.Status)
	}
	return snap, err
}

// AwaitCompletion polls job until it resolves or the attempt/time budget
// is spent. A remote failure is final and never re-polled. On timeout the
// remote job is left running.
func (p *Poller) AwaitCompletion(ctx context.Context, job *domain.GenerationJob, opts Options) (domain.GenerationResult, error) {
	if job.Status.Terminal() {
		return settled(job)
	}
	opts = opts.merge(p.defaults)
	ctx, span := tracing.Start(ctx, tracerName, "poller.await",
		attribute.String("job.id", job.ID),
		attribute.Int("poll.max_attempts", opts.MaxAttempts),
	)
	res, err := p.await(ctx, job, opts)
	span.SetAttributes(attribute.Int("job.poll_attempts", job.PollAttempts), attribute.String("job.status", string(job.Status)))
	tracing.End(span, err)

	metrics.JobTerminalTotal.WithLabelValues(string(job.Status)).Inc()
	metrics.JobDurationSeconds.WithLabelValues(string(job.Status)).Observe(p.clock.Now().Sub(job.SubmittedAt).Seconds())
	return res, err
}

func (p *Poller) await(ctx context.Context, job *domain.GenerationJob, opts Options) (domain.GenerationResult, error) {
	start := p.clock.Now()
	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return domain.GenerationResult{}, p.cancel(job, err)
		}
		if opts.TotalTimeout > 0 && p.clock.Now().Sub(start) >= opts.TotalTimeout {
			break
		}

		snap, err := p.Poll(ctx, job)
		if opts.Observe != nil {
			opts.Observe(job, snap, err)
		}
		switch {
		case err != nil && ctx.Err() != nil:
			return domain.GenerationResult{}, p.cancel(job, ctx.Err())
		case errors.Is(err, domain.ErrJobTerminal):
			return settled(job)
		case err != nil:
			lastErr = err
			p.logger.Debug("poll failed, will retry", "job_id", job.ID, "attempt", job.PollAttempts, "err", err)
		case snap.Status == domain.JobCompleted:
			p.logger.Info("generation job completed", "job_id", job.ID, "attempts", job.PollAttempts, "images", len(snap.Images))
			return *job.Result, nil
		case snap.Status == domain.JobFailed:
			p.logger.Warn("generation job failed", "job_id", job.ID, "attempts", job.PollAttempts, "remote_status", snap.RemoteStatus, "err", snap.Error)
			return domain.GenerationResult{}, &domain.JobFailedError{
				JobID:        job.ID,
				RemoteStatus: snap.RemoteStatus,
				Detail:       snap.Error,
				Attempts:     job.PollAttempts,
			}
		default:
			p.logger.Debug("generation job pending", "job_id", job.ID, "attempt", job.PollAttempts, "status", snap.Status)
		}

		if attempt == opts.MaxAttempts {
			break
		}
		wait := opts.Backoff.Next(attempt - 1)
		if opts.TotalTimeout > 0 {
			if left := opts.TotalTimeout - p.clock.Now().Sub(start); left < wait {
				wait = left
			}
		}
		if err := p.clock.Sleep(ctx, wait); err != nil {
			return domain.GenerationResult{}, p.cancel(job, err)
		}
	}

	elapsed := p.clock.Now().Sub(start)
	_ = job.Fail(domain.JobTimedOut, "poll budget exhausted")
	p.logger.Warn("generation job timed out", "job_id", job.ID, "attempts", job.PollAttempts, "elapsed", elapsed.String())
	return domain.GenerationResult{}, &domain.JobTimeoutError{
		JobID:    job.ID,
		Attempts: job.PollAttempts,
		Elapsed:  elapsed.String(),
		LastErr:  lastErr,
	}
}

// settled reports the outcome a terminal job already holds without
// touching the remote side.
func settled(job *domain.GenerationJob) (domain.GenerationResult, error) {
	switch job.Status {
	case domain.JobCompleted:
		if job.Result == nil {
			return domain.GenerationResult{}, &domain.JobFailedError{JobID: job.ID, Detail: domain.ErrNoImages.Error(), Attempts: job.PollAttempts}
		}
		return *job.Result, nil
	case domain.JobTimedOut:
		return domain.GenerationResult{}, &domain.JobTimeoutError{JobID: job.ID, Attempts: job.PollAttempts}
	case domain.JobCancelled:
		var cause error
		if job.Error != "" {
			cause = errors.New(job.Error)
		}
		return domain.GenerationResult{}, &domain.CancelledError{Op: "await job " + job.ID, Cause: cause}
	default:
		return domain.GenerationResult{}, &domain.JobFailedError{JobID: job.ID, Detail: job.Error, Attempts: job.PollAttempts}
	}
}

func (p *Poller) cancel(job *domain.GenerationJob, cause error) error {
	_ = job.Fail(domain.JobCancelled, cause.Error())
	p.logger.Info("generation await cancelled", "job_id", job.ID, "attempts", job.PollAttempts)
	return &domain.CancelledError{Op: "await job " + job.ID, Cause: cause}
}

// Outcome is the resolution of one job in AwaitAll.
type Outcome struct {
	Job    *domain.GenerationJob
	Result domain.GenerationResult
	Err    error
}

// AwaitAll awaits jobs concurrently. Each job resolves independently; one
// failure does not stop the others. Outcomes keep the order of jobs.
func (p *Poller) AwaitAll(ctx context.Context, jobs []*domain.GenerationJob, opts Options) []Outcome {
	opts = opts.merge(p.defaults)
	out := make([]Outcome, len(jobs))
	var g errgroup.Group
	if opts.Concurrency > 0 {
		g.SetLimit(opts.Concurrency)
	}
	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			res, err := p.AwaitCompletion(ctx, job, opts)
			out[i] = Outcome{Job: job, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

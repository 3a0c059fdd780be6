package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"

	"github.com/osvaldoandrade/podflow/internal/clock"
	"github.com/osvaldoandrade/podflow/internal/metrics"
	"github.com/osvaldoandrade/podflow/internal/poller"
	"github.com/osvaldoandrade/podflow/internal/providers"
	"github.com/osvaldoandrade/podflow/internal/repository"
	"github.com/osvaldoandrade/podflow/internal/tracing"
	"github.com/osvaldoandrade/podflow/pkg/domain"

	"go.opentelemetry.io/otel/attribute"
)

const generationTracer = "podflow/generations"

// GenerationService submits image jobs and follows them to completion in
// the background: await, store artifacts, publish, notify.
type GenerationService interface {
	Submit(ctx context.Context, req domain.GenerationRequest) (*domain.GenerationRecord, error)
	Get(ctx context.Context, id string) (*domain.GenerationRecord, error)
	// ResumeActive picks up jobs left unfinished by a previous process.
	ResumeActive(ctx context.Context) (int, error)
	// Close stops background work and waits for it to unwind.
	Close()
}

type GenerationDeps struct {
	Poller    *poller.Poller
	Repo      repository.GenerationRepository
	Uploader  providers.Uploader
	Publisher providers.Publisher
	Callback  ResultCallbackService
	Clock     clock.Clock
	Defaults  domain.WorkflowParams
	Logger    *slog.Logger
}

type generationService struct {
	GenerationDeps
	bg     context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex // serializes record writes from observers
}

func NewGenerationService(deps GenerationDeps) GenerationService {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	bg, cancel := context.WithCancel(context.Background())
	return &generationService{GenerationDeps: deps, bg: bg, cancel: cancel}
}

func (s *generationService) Submit(ctx context.Context, req domain.GenerationRequest) (*domain.GenerationRecord, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is required", domain.ErrInvalid)
	}
	if req.Steps < 0 || req.Width < 0 || req.Height < 0 {
		return nil, fmt.Errorf("%w: steps, width and height must not be negative", domain.ErrInvalid)
	}
	req.WorkflowParams = req.WithDefaults(s.Defaults)

	ctx, span := tracing.Start(ctx, generationTracer, "generation.submit")
	wf := req.Apply(domain.DefaultWorkflow(), s.Clock.Now())
	job, err := s.Poller.Submit(ctx, wf)
	if err != nil {
		tracing.End(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("job.id", job.ID))

	rec := &domain.GenerationRecord{GenerationJob: *job, Request: req, UpdatedAt: s.Clock.Now().UTC()}
	rec.TraceParent, rec.TraceState = tracing.TraceContextStrings(ctx)
	err = s.Repo.SaveGeneration(ctx, rec)
	tracing.End(span, err)
	if err != nil {
		return nil, err
	}

	out := *rec
	s.follow(rec)
	return &out, nil
}

func (s *generationService) Get(ctx context.Context, id string) (*domain.GenerationRecord, error) {
	return s.Repo.GetGeneration(ctx, id)
}

func (s *generationService) ResumeActive(ctx context.Context) (int, error) {
	recs, err := s.Repo.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	if len(recs) == 0 {
		return 0, nil
	}
	jobs := make([]*domain.GenerationJob, len(recs))
	for i, rec := range recs {
		jobs[i] = &rec.GenerationJob
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		outs := s.Poller.AwaitAll(s.bg, jobs, s.observeOptions(recs))
		for i, o := range outs {
			s.settle(recs[i], o.Result, o.Err)
		}
	}()
	s.Logger.Info("resumed generation jobs", "count", len(recs))
	return len(recs), nil
}

func (s *generationService) Close() {
	s.cancel()
	s.wg.Wait()
	if s.Callback != nil {
		s.Callback.Wait()
	}
}

func (s *generationService) follow(rec *domain.GenerationRecord) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res, err := s.Poller.AwaitCompletion(s.bg, &rec.GenerationJob, s.observeOptions([]*domain.GenerationRecord{rec}))
		s.settle(rec, res, err)
	}()
}

// observeOptions persists poll progress of the given records.
func (s *generationService) observeOptions(recs []*domain.GenerationRecord) poller.Options {
	byJob := make(map[*domain.GenerationJob]*domain.GenerationRecord, len(recs))
	for _, r := range recs {
		byJob[&r.GenerationJob] = r
	}
	return poller.Options{Observe: func(job *domain.GenerationJob, _ domain.JobStatusSnapshot, _ error) {
		rec, ok := byJob[job]
		if !ok || job.Status.Terminal() {
			return
		}
		s.save(rec)
	}}
}

// settle runs once a job is terminal: artifacts, publishing, the stored
// record and the webhook.
func (s *generationService) settle(rec *domain.GenerationRecord, res domain.GenerationResult, awaitErr error) {
	if errors.Is(awaitErr, domain.ErrCancelled) && s.bg.Err() != nil {
		// shutting down; the stored record stays active for ResumeActive
		s.Logger.Info("generation follow-up interrupted", "job_id", rec.ID)
		return
	}
	ctx := tracing.ContextWithRemoteParent(context.WithoutCancel(s.bg), rec.TraceParent, rec.TraceState)
	ctx, span := tracing.Start(ctx, generationTracer, "generation.settle",
		attribute.String("job.id", rec.ID),
		attribute.String("job.status", string(rec.Status)),
	)
	defer tracing.End(span, awaitErr)

	if awaitErr == nil {
		rec.Artifacts = s.storeArtifacts(ctx, rec.ID, res.Images)
		s.publish(ctx, rec)
	} else {
		s.Logger.Warn("generation job did not complete", "job_id", rec.ID, "status", rec.Status, "err", awaitErr)
	}
	rec.CompletedAt = s.Clock.Now().UTC()
	s.save(rec)
	if s.Callback != nil {
		s.Callback.Send(ctx, KindGeneration, rec.Request.Webhook, rec)
	}
}

func (s *generationService) storeArtifacts(ctx context.Context, jobID string, images []string) []domain.Artifact {
	out := make([]domain.Artifact, 0, len(images))
	for i, img := range images {
		ref, err := providers.ParseImageRef(img)
		if err != nil {
			s.Logger.Warn("skipping unreadable image", "job_id", jobID, "index", i, "err", err)
			continue
		}
		if !ref.Inline() {
			out = append(out, domain.Artifact{Source: "remote", URI: ref.URL})
			continue
		}
		name := path.Join("generations", jobID, fmt.Sprintf("%d%s", i, ref.Ext()))
		uri, err := s.Uploader.UploadBytes(ctx, name, ref.ContentType, ref.Data)
		if err != nil {
			s.Logger.Error("store image failed", "job_id", jobID, "index", i, "err", err)
			continue
		}
		out = append(out, domain.Artifact{Source: "inline", URI: uri, Size: int64(len(ref.Data))})
	}
	return out
}

// publish never fails the job: a missing sales channel becomes a warning
// and anything else a publish error on the record.
func (s *generationService) publish(ctx context.Context, rec *domain.GenerationRecord) {
	if !rec.Request.Publish {
		return
	}
	if s.Publisher == nil {
		rec.PublishError = "publisher not configured"
		metrics.PublishTotal.WithLabelValues("skipped").Inc()
		return
	}
	if len(rec.Artifacts) == 0 {
		rec.PublishError = "no images to publish"
		metrics.PublishTotal.WithLabelValues("skipped").Inc()
		return
	}
	prod := domain.Product{
		Title:       rec.Request.Title,
		Description: rec.Request.Description,
		Tags:        rec.Request.Tags,
		ImagePath:   rec.Artifacts[0].URI,
	}
	if strings.TrimSpace(prod.Title) == "" {
		prod.Title = titleFromPrompt(rec.Request.Prompt)
	}
	if prod.Description == "" {
		prod.Description = rec.Request.Prompt
	}

	res, err := s.Publisher.Publish(ctx, prod)
	switch {
	case err == nil:
		rec.Publish = &res
		metrics.PublishTotal.WithLabelValues("published").Inc()
	case errors.Is(err, domain.ErrNoSalesChannel):
		rec.Publish = &res
		rec.PublishWarning = err.Error()
		metrics.PublishTotal.WithLabelValues("no_sales_channel").Inc()
		s.Logger.Warn("product created but not published", "job_id", rec.ID, "product_id", res.ProductID, "err", err)
	default:
		rec.PublishError = err.Error()
		metrics.PublishTotal.WithLabelValues("error").Inc()
		s.Logger.Error("publish failed", "job_id", rec.ID, "err", err)
	}
}

func (s *generationService) save(rec *domain.GenerationRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.UpdatedAt = s.Clock.Now().UTC()
	if err := s.Repo.SaveGeneration(context.WithoutCancel(s.bg), rec); err != nil {
		s.Logger.Error("store generation failed", "job_id", rec.ID, "err", err)
	}
}

func titleFromPrompt(p string) string {
	words := strings.Fields(p)
	if len(words) > 8 {
		words = words[:8]
	}
	return strings.Join(words, " ")
}

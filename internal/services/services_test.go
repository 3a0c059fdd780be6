package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/osvaldoandrade/podflow/internal/clock"
	"github.com/osvaldoandrade/podflow/internal/pipeline"
	"github.com/osvaldoandrade/podflow/internal/poller"
	"github.com/osvaldoandrade/podflow/internal/prompt"
	"github.com/osvaldoandrade/podflow/internal/providers"
	"github.com/osvaldoandrade/podflow/internal/repository"
	"github.com/osvaldoandrade/podflow/pkg/domain"
)

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

// fakeGen hands out job ids and replays a scripted status sequence per job.
type fakeGen struct {
	mu        sync.Mutex
	submitErr error
	next      int
	script    []domain.JobStatusSnapshot
	byJob     map[string][]domain.JobStatusSnapshot
	workflows []domain.Workflow
}

func (f *fakeGen) Submit(_ context.Context, wf domain.Workflow) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.next++
	id := "job-" + strconv.Itoa(f.next)
	if f.byJob == nil {
		f.byJob = map[string][]domain.JobStatusSnapshot{}
	}
	f.byJob[id] = append([]domain.JobStatusSnapshot(nil), f.script...)
	f.workflows = append(f.workflows, wf)
	return id, nil
}

func (f *fakeGen) Status(_ context.Context, id string) (domain.JobStatusSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byJob == nil {
		f.byJob = map[string][]domain.JobStatusSnapshot{}
	}
	steps, ok := f.byJob[id]
	if !ok {
		steps = append([]domain.JobStatusSnapshot(nil), f.script...)
	}
	if len(steps) == 0 {
		return domain.JobStatusSnapshot{Status: domain.JobRunning}, nil
	}
	snap := steps[0]
	f.byJob[id] = steps[1:]
	return snap, nil
}

type fakePublisher struct {
	err   error
	calls []domain.Product
}

func (p *fakePublisher) Publish(_ context.Context, prod domain.Product) (domain.PublishResult, error) {
	p.calls = append(p.calls, prod)
	if p.err != nil {
		return domain.PublishResult{ProductID: "prod-1"}, p.err
	}
	return domain.PublishResult{ProductID: "prod-1", ImageID: "img-1", Published: true}, nil
}

type genFixture struct {
	svc  GenerationService
	repo repository.GenerationRepository
	gen  *fakeGen
	pub  *fakePublisher
	dir  string
}

func newGenFixture(t *testing.T, gen *fakeGen, pub *fakePublisher, cb ResultCallbackService) *genFixture {
	t.Helper()
	clk := clock.NewFake(time.Unix(1700000000, 0))
	repo := repository.NewGenerationRepository(newRedis(t), time.Hour)
	dir := t.TempDir()
	deps := GenerationDeps{
		Poller:   poller.New(gen, clk, nil, poller.Options{MaxAttempts: 5, Interval: time.Second}),
		Repo:     repo,
		Uploader: providers.NewLocalUploader(dir),
		Callback: cb,
		Clock:    clk,
		Defaults: domain.WorkflowParams{Steps: 12},
	}
	if pub != nil {
		deps.Publisher = pub
	}
	return &genFixture{svc: NewGenerationService(deps), repo: repo, gen: gen, pub: pub, dir: dir}
}

// settle waits for background follow-ups without cancelling them.
func (f *genFixture) settle() {
	f.svc.(*generationService).wg.Wait()
}

func completed(images ...string) domain.JobStatusSnapshot {
	return domain.JobStatusSnapshot{Status: domain.JobCompleted, Images: images}
}

func TestGenerationSubmitStoresArtifactsAndPublishes(t *testing.T) {
	png := base64.StdEncoding.EncodeToString([]byte("\x89PNG\r\n\x1a\nfake"))
	gen := &fakeGen{script: []domain.JobStatusSnapshot{{Status: domain.JobRunning}, completed(png, "https://cdn.example/b.png")}}
	f := newGenFixture(t, gen, &fakePublisher{}, nil)

	rec, err := f.svc.Submit(context.Background(), domain.GenerationRequest{
		WorkflowParams: domain.WorkflowParams{Prompt: "a calm fox at dawn", Seed: 7},
		Publish:        true,
		Tags:           []string{"fox"},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if rec.Status != domain.JobPending || rec.Request.Steps != 12 || rec.Request.Width != 1024 {
		t.Fatalf("submitted record = %+v", rec)
	}
	f.settle()

	got, err := f.repo.GetGeneration(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("GetGeneration() error = %v", err)
	}
	if got.Status != domain.JobCompleted || got.Result == nil || len(got.Result.Images) != 2 {
		t.Fatalf("stored record = %+v", got)
	}
	if len(got.Artifacts) != 2 || got.Artifacts[0].Source != "inline" || got.Artifacts[1].URI != "https://cdn.example/b.png" {
		t.Fatalf("artifacts = %+v", got.Artifacts)
	}
	if _, err := os.Stat(strings.TrimPrefix(got.Artifacts[0].URI, "file://")); err != nil {
		t.Fatalf("stored image missing: %v", err)
	}
	if got.Publish == nil || !got.Publish.Published || got.PublishWarning != "" || got.PublishError != "" {
		t.Fatalf("publish state = %+v warn=%q err=%q", got.Publish, got.PublishWarning, got.PublishError)
	}
	if len(f.pub.calls) != 1 || f.pub.calls[0].Title != "a calm fox at dawn" {
		t.Fatalf("publisher calls = %+v", f.pub.calls)
	}
	active, _ := f.repo.ListActive(context.Background())
	if len(active) != 0 {
		t.Fatalf("active = %d, want 0", len(active))
	}
	if seed := gen.workflows[0][domain.NodeNoise].Inputs["noise_seed"]; seed != int64(7) {
		t.Fatalf("seed = %v", seed)
	}
}

func TestGenerationNoSalesChannelIsWarning(t *testing.T) {
	gen := &fakeGen{script: []domain.JobStatusSnapshot{completed("https://cdn.example/a.png")}}
	f := newGenFixture(t, gen, &fakePublisher{err: domain.ErrNoSalesChannel}, nil)

	rec, err := f.svc.Submit(context.Background(), domain.GenerationRequest{WorkflowParams: domain.WorkflowParams{Prompt: "p"}, Publish: true})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	f.settle()
	got, _ := f.repo.GetGeneration(context.Background(), rec.ID)
	if got.Status != domain.JobCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	if got.PublishWarning == "" || got.PublishError != "" || got.Publish == nil || got.Publish.ProductID != "prod-1" {
		t.Fatalf("publish state = %+v warn=%q err=%q", got.Publish, got.PublishWarning, got.PublishError)
	}
}

func TestGenerationPublishHardErrorKeepsJobCompleted(t *testing.T) {
	gen := &fakeGen{script: []domain.JobStatusSnapshot{completed("https://cdn.example/a.png")}}
	f := newGenFixture(t, gen, &fakePublisher{err: errors.New("upload image: 500")}, nil)

	rec, _ := f.svc.Submit(context.Background(), domain.GenerationRequest{WorkflowParams: domain.WorkflowParams{Prompt: "p"}, Publish: true})
	f.settle()
	got, _ := f.repo.GetGeneration(context.Background(), rec.ID)
	if got.Status != domain.JobCompleted || got.PublishError == "" || got.Publish != nil {
		t.Fatalf("record = %+v", got)
	}
}

func TestGenerationPublishWithoutPublisher(t *testing.T) {
	gen := &fakeGen{script: []domain.JobStatusSnapshot{completed("https://cdn.example/a.png")}}
	f := newGenFixture(t, gen, nil, nil)

	rec, _ := f.svc.Submit(context.Background(), domain.GenerationRequest{WorkflowParams: domain.WorkflowParams{Prompt: "p"}, Publish: true})
	f.settle()
	got, _ := f.repo.GetGeneration(context.Background(), rec.ID)
	if got.PublishError != "publisher not configured" {
		t.Fatalf("publishError = %q", got.PublishError)
	}
}

func TestGenerationRemoteFailureIsStored(t *testing.T) {
	gen := &fakeGen{script: []domain.JobStatusSnapshot{{Status: domain.JobFailed, Error: "oom"}}}
	f := newGenFixture(t, gen, nil, nil)

	rec, _ := f.svc.Submit(context.Background(), domain.GenerationRequest{WorkflowParams: domain.WorkflowParams{Prompt: "p"}})
	f.settle()
	got, _ := f.repo.GetGeneration(context.Background(), rec.ID)
	if got.Status != domain.JobFailed || got.Error != "oom" || len(got.Artifacts) != 0 {
		t.Fatalf("record = %+v", got)
	}
	if got.PollAttempts != 1 {
		t.Fatalf("poll attempts = %d, want 1", got.PollAttempts)
	}
}

func TestGenerationSubmitValidation(t *testing.T) {
	f := newGenFixture(t, &fakeGen{}, nil, nil)
	cases := []domain.GenerationRequest{
		{},
		{WorkflowParams: domain.WorkflowParams{Prompt: "  "}},
		{WorkflowParams: domain.WorkflowParams{Prompt: "p", Steps: -1}},
	}
	for _, req := range cases {
		if _, err := f.svc.Submit(context.Background(), req); !errors.Is(err, domain.ErrInvalid) {
			t.Fatalf("Submit(%+v) error = %v, want ErrInvalid", req, err)
		}
	}
}

func TestGenerationSubmitErrorStoresNothing(t *testing.T) {
	gen := &fakeGen{submitErr: &domain.SubmissionError{StatusCode: 500, Body: "down"}}
	f := newGenFixture(t, gen, nil, nil)

	_, err := f.svc.Submit(context.Background(), domain.GenerationRequest{WorkflowParams: domain.WorkflowParams{Prompt: "p"}})
	if !errors.Is(err, domain.ErrSubmission) {
		t.Fatalf("error = %v, want ErrSubmission", err)
	}
	active, _ := f.repo.ListActive(context.Background())
	if len(active) != 0 {
		t.Fatalf("active = %d", len(active))
	}
}

func TestGenerationResumeActive(t *testing.T) {
	gen := &fakeGen{script: []domain.JobStatusSnapshot{completed("https://cdn.example/a.png")}}
	f := newGenFixture(t, gen, nil, nil)

	stale := &domain.GenerationRecord{GenerationJob: *domain.NewGenerationJob("job-old", time.Unix(1700000000, 0))}
	stale.Status = domain.JobRunning
	if err := f.repo.SaveGeneration(context.Background(), stale); err != nil {
		t.Fatalf("SaveGeneration() error = %v", err)
	}

	n, err := f.svc.ResumeActive(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("ResumeActive() = %d, %v", n, err)
	}
	f.settle()
	got, _ := f.repo.GetGeneration(context.Background(), "job-old")
	if got.Status != domain.JobCompleted || len(got.Artifacts) != 1 {
		t.Fatalf("resumed record = %+v", got)
	}
}

func TestGenerationWebhookReceivesRecord(t *testing.T) {
	var mu sync.Mutex
	var bodies [][]byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, b)
		mu.Unlock()
	}))
	defer srv.Close()

	cb := NewResultCallbackService(nil, CallbackOptions{Secret: "k", Clock: clock.NewFake(time.Unix(0, 0))})
	gen := &fakeGen{script: []domain.JobStatusSnapshot{completed("https://cdn.example/a.png")}}
	f := newGenFixture(t, gen, nil, cb)

	rec, _ := f.svc.Submit(context.Background(), domain.GenerationRequest{WorkflowParams: domain.WorkflowParams{Prompt: "p"}, Webhook: srv.URL})
	f.settle()
	f.svc.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 1 {
		t.Fatalf("webhook deliveries = %d, want 1", len(bodies))
	}
	var env struct {
		Kind string                  `json:"kind"`
		Data domain.GenerationRecord `json:"data"`
	}
	if err := json.Unmarshal(bodies[0], &env); err != nil {
		t.Fatalf("decode webhook: %v", err)
	}
	if env.Kind != KindGeneration || env.Data.ID != rec.ID || env.Data.Status != domain.JobCompleted {
		t.Fatalf("webhook payload = %+v", env)
	}
}

type stubRouter struct {
	outputs []string
	fail    int
	calls   int
}

func (r *stubRouter) Route(_ context.Context, _ string) (domain.RouteResult, error) {
	r.calls++
	if r.calls == r.fail {
		return domain.RouteResult{}, &domain.RoutingError{Backend: "claude", StatusCode: 500, Body: "boom"}
	}
	return domain.RouteResult{Output: r.outputs[(r.calls-1)%len(r.outputs)], Model: "m", Backend: "claude"}, nil
}

func newPipelineService(t *testing.T, r *stubRouter) (PipelineService, repository.RunRepository) {
	t.Helper()
	repo := repository.NewRunRepository(newRedis(t), time.Hour)
	roles := prompt.NewRegistry(map[string]string{"designer": "You design t-shirts."})
	return NewPipelineService(pipeline.New(r, nil), roles, repo, nil, nil), repo
}

func TestPipelineServiceStoresCompletedRun(t *testing.T) {
	svc, repo := newPipelineService(t, &stubRouter{outputs: []string{"PLAN", "EXEC", "CRIT"}})
	run, err := svc.RunFixed(context.Background(), "sell mugs", "designer", "")
	if err != nil {
		t.Fatalf("RunFixed() error = %v", err)
	}
	if run.Role != "designer" || run.Final != "CRIT" {
		t.Fatalf("run = %+v", run)
	}
	got, err := repo.GetRun(context.Background(), run.ID)
	if err != nil || got.Status != domain.RunStatusCompleted || len(got.Stages) != 3 {
		t.Fatalf("stored run = %+v, %v", got, err)
	}
}

func TestPipelineServiceStoresFailedRun(t *testing.T) {
	svc, _ := newPipelineService(t, &stubRouter{outputs: []string{"R"}, fail: 2})
	run, err := svc.RunChain(context.Background(), []string{"a", "b", "c"}, "", "")
	if !errors.Is(err, domain.ErrRouting) {
		t.Fatalf("error = %v, want ErrRouting", err)
	}
	got, gerr := svc.GetRun(context.Background(), run.ID)
	if gerr != nil {
		t.Fatalf("GetRun() error = %v", gerr)
	}
	if got.Status != domain.RunStatusFailed || got.FailedStage != "chain[1]" || len(got.Results) != 1 {
		t.Fatalf("stored run = %+v", got)
	}
}

func TestPipelineServiceValidation(t *testing.T) {
	svc, _ := newPipelineService(t, &stubRouter{outputs: []string{"x"}})
	if _, err := svc.RunFixed(context.Background(), " ", "", ""); !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("RunFixed(blank) error = %v", err)
	}
	if _, err := svc.RunChain(context.Background(), []string{"ok", ""}, "", ""); !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("RunChain(blank task) error = %v", err)
	}
	if _, err := svc.GetRun(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetRun(missing) error = %v", err)
	}
}

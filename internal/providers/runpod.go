package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/osvaldoandrade/podflow/internal/tracing"
	"github.com/osvaldoandrade/podflow/pkg/domain"
)

// RunPodClient talks to a serverless generation endpoint that accepts
// workflow graphs (POST /run, GET /status/{id}, GET /health).
type RunPodClient struct {
	baseURL  string
	apiKey   string
	client   *http.Client
	clientID func() string
}

func NewRunPodClient(endpointURL, apiKey string, timeout time.Duration) *RunPodClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RunPodClient{
		baseURL:  strings.TrimRight(endpointURL, "/"),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
		clientID: uuid.NewString,
	}
}

func (c *RunPodClient) Submit(ctx context.Context, wf domain.Workflow) (string, error) {
	body, err := json.Marshal(map[string]any{
		"input": map[string]any{"workflow": wf, "client_id": c.clientID()},
	})
	if err != nil {
		return "", &domain.SubmissionError{Err: err}
	}
	status, raw, err := c.do(ctx, http.MethodPost, "/run", body)
	if err != nil {
		return "", &domain.SubmissionError{Err: err}
	}
	if status < 200 || status >= 300 {
		return "", &domain.SubmissionError{StatusCode: status, Body: trimBody(raw)}
	}
	var ack struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &ack); err != nil {
		return "", &domain.SubmissionError{StatusCode: status, Body: trimBody(raw), Err: fmt.Errorf("malformed acknowledgment: %w", err)}
	}
	if strings.TrimSpace(ack.ID) == "" {
		return "", &domain.SubmissionError{StatusCode: status, Body: trimBody(raw), Err: errors.New("acknowledgment has no job id")}
	}
	return ack.ID, nil
}

type statusReply struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  json.RawMessage `json:"error"`
}

// Status returns one snapshot. Non-2xx replies are returned as errors so
// the caller can retry them.
func (c *RunPodClient) Status(ctx context.Context, jobID string) (domain.JobStatusSnapshot, error) {
	status, raw, err := c.do(ctx, http.MethodGet, "/status/"+jobID, nil)
	if err != nil {
		return domain.JobStatusSnapshot{}, err
	}
	if status < 200 || status >= 300 {
		return domain.JobStatusSnapshot{}, fmt.Errorf("status query for %s: http %d: %s", jobID, status, trimBody(raw))
	}
	var rep statusReply
	if err := json.Unmarshal(raw, &rep); err != nil {
		return domain.JobStatusSnapshot{}, fmt.Errorf("decode status reply: %w", err)
	}
	snap := domain.JobStatusSnapshot{
		JobID:        jobID,
		RemoteStatus: rep.Status,
		Status:       mapRemoteStatus(rep.Status),
		Error:        rawText(rep.Error),
	}
	if snap.Status == domain.JobCompleted {
		snap.Images, snap.PromptID = parseOutput(rep.Output)
		if len(snap.Images) == 0 {
			snap.Error = domain.ErrNoImages.Error()
			if out := rawText(rep.Output); out != "" {
				snap.Error += ": " + trimBody([]byte(out))
			}
		}
	}
	if snap.Status == domain.JobFailed && snap.Error == "" {
		snap.Error = rawText(rep.Output)
	}
	return snap, nil
}

// Health reports whether the endpoint answers its health route.
func (c *RunPodClient) Health(ctx context.Context) error {
	status, raw, err := c.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("health: http %d: %s", status, trimBody(raw))
	}
	return nil
}

func (c *RunPodClient) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	tracing.InjectHeaders(ctx, req.Header)
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, raw, nil
}

func mapRemoteStatus(s string) domain.JobStatus {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "IN_QUEUE":
		return domain.JobPending
	case "COMPLETED":
		return domain.JobCompleted
	case "FAILED":
		return domain.JobFailed
	case "CANCELLED":
		return domain.JobCancelled
	case "TIMED_OUT":
		return domain.JobTimedOut
	default: // IN_PROGRESS and anything new
		return domain.JobRunning
	}
}

// parseOutput extracts image references and the prompt id. The list is
// read from images, files, a single image string or message.images, in
// that order; items may be strings or objects carrying url, image_url,
// image, data or base64.
func parseOutput(raw json.RawMessage) ([]string, string) {
	if len(raw) == 0 {
		return nil, ""
	}
	var obj struct {
		Images   []json.RawMessage `json:"images"`
		Files    []json.RawMessage `json:"files"`
		Image    json.RawMessage   `json:"image"`
		PromptID string            `json:"prompt_id"`
		Message  json.RawMessage   `json:"message"`
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, ""
		}
		return imageRefs(list), ""
	}
	if images := imageRefs(obj.Images); len(images) > 0 {
		return images, obj.PromptID
	}
	if images := imageRefs(obj.Files); len(images) > 0 {
		return images, obj.PromptID
	}
	var single string
	if json.Unmarshal(obj.Image, &single) == nil && single != "" {
		return []string{single}, obj.PromptID
	}
	var msg struct {
		Images []json.RawMessage `json:"images"`
	}
	if json.Unmarshal(obj.Message, &msg) == nil {
		return imageRefs(msg.Images), obj.PromptID
	}
	return nil, obj.PromptID
}

func imageRefs(list []json.RawMessage) []string {
	images := make([]string, 0, len(list))
	for _, item := range list {
		var s string
		if json.Unmarshal(item, &s) == nil {
			if s != "" {
				images = append(images, s)
			}
			continue
		}
		var m map[string]any
		if json.Unmarshal(item, &m) != nil {
			continue
		}
		for _, k := range []string{"url", "image_url", "image", "data", "base64"} {
			if v, ok := m[k].(string); ok && v != "" {
				images = append(images, v)
				break
			}
		}
	}
	return images
}

func rawText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

func trimBody(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 512 {
		s = s[:512]
	}
	return s
}

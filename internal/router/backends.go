package router

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

	"github.com/osvaldoandrade/podflow/pkg/config"
)

const (
	anthropicVersion = "2023-06-01"
	maxBodyExcerpt   = 512
)

var errEmptyCompletion = errors.New("empty completion")

// HTTPError is a non-2xx reply from a backend.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("backend status %d: %s", e.StatusCode, e.Body)
}

type httpBackend struct {
	name      string
	baseURL   string
	apiKey    string
	model     string
	maxTokens int
	client    *http.Client
}

func (b *httpBackend) Name() string  { return b.name }
func (b *httpBackend) Model() string { return b.model }

// NewBackend builds the backend variant named by cfg.Kind.
func NewBackend(cfg config.BackendConfig) (Backend, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	base := httpBackend{
		name:      cfg.Name,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		client:    &http.Client{Timeout: timeout},
	}
	switch cfg.Kind {
	case config.BackendAnthropic:
		return &anthropicBackend{base}, nil
	case config.BackendOpenAI:
		return &openAIBackend{base}, nil
	case config.BackendOllama:
		return &ollamaBackend{base}, nil
	default:
		return nil, fmt.Errorf("backend %s: unknown kind %q", cfg.Name, cfg.Kind)
	}
}

func (b *httpBackend) requireKey() error {
	if strings.TrimSpace(b.apiKey) == "" {
		return errors.New("missing api key")
	}
	return b.requireURL()
}

func (b *httpBackend) requireURL() error {
	if b.baseURL == "" {
		return errors.New("missing base url")
	}
	return nil
}

func (b *httpBackend) postJSON(ctx context.Context, url string, headers map[string]string, in any, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{StatusCode: resp.StatusCode, Body: excerpt(raw)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", b.name, err)
	}
	return nil
}

func excerpt(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxBodyExcerpt {
		s = s[:maxBodyExcerpt]
	}
	return s
}

type anthropicBackend struct{ httpBackend }

func (b *anthropicBackend) Ready() error { return b.requireKey() }

func (b *anthropicBackend) Complete(ctx context.Context, prompt string) (Completion, error) {
	in := map[string]any{
		"model":      b.model,
		"max_tokens": b.maxTokens,
		"messages":   []map[string]string{{"role": "user", "content": prompt}},
	}
	var out struct {
		Model   string `json:"model"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	headers := map[string]string{"x-api-key": b.apiKey, "anthropic-version": anthropicVersion}
	if err := b.postJSON(ctx, b.baseURL+"/v1/messages", headers, in, &out); err != nil {
		return Completion{}, err
	}
	var sb strings.Builder
	for _, c := range out.Content {
		if c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}
	if sb.Len() == 0 {
		return Completion{}, errEmptyCompletion
	}
	return Completion{Text: sb.String(), Model: out.Model}, nil
}

// openAIBackend speaks Chat Completions; xAI and other compatible APIs
// differ only in base URL.
type openAIBackend struct{ httpBackend }

func (b *openAIBackend) Ready() error { return b.requireKey() }

func (b *openAIBackend) Complete(ctx context.Context, prompt string) (Completion, error) {
	in := map[string]any{
		"model":      b.model,
		"max_tokens": b.maxTokens,
		"messages":   []map[string]string{{"role": "user", "content": prompt}},
	}
	var out struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	headers := map[string]string{"Authorization": "Bearer " + b.apiKey}
	if err := b.postJSON(ctx, b.baseURL+"/chat/completions", headers, in, &out); err != nil {
		return Completion{}, err
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		return Completion{}, errEmptyCompletion
	}
	return Completion{Text: out.Choices[0].Message.Content, Model: out.Model}, nil
}

type ollamaBackend struct{ httpBackend }

func (b *ollamaBackend) Ready() error { return b.requireURL() }

func (b *ollamaBackend) Complete(ctx context.Context, prompt string) (Completion, error) {
	in := map[string]any{"model": b.model, "prompt": prompt, "stream": false}
	var out struct {
		Model    string `json:"model"`
		Response string `json:"response"`
	}
	if err := b.postJSON(ctx, b.baseURL+"/api/generate", nil, in, &out); err != nil {
		return Completion{}, err
	}
	if out.Response == "" {
		return Completion{}, errEmptyCompletion
	}
	return Completion{Text: out.Response, Model: out.Model}, nil
}

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const apiPrefix = "/v1/podflow"

type client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// apiError is a non-2xx reply from the coordinator.
type apiError struct {
	Status  int
	Message string
	Body    []byte
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("error (%d): %s", e.Status, strings.TrimSpace(string(e.Body)))
}

func newClient(baseURL, token string, timeout time.Duration) *client {
	return &client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      strings.TrimSpace(token),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// request sends body as JSON and returns the raw reply. Non-2xx replies
// come back as *apiError with the raw body attached.
func (c *client) request(method, path string, body any) ([]byte, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.baseURL+apiPrefix+path, rdr)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode, Body: out}
		var msg struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(out, &msg) == nil {
			apiErr.Message = msg.Error
		}
		return nil, apiErr
	}
	return out, nil
}

type runReq struct {
	Goal    string   `json:"goal,omitempty"`
	Tasks   []string `json:"tasks,omitempty"`
	Role    string   `json:"role,omitempty"`
	Webhook string   `json:"webhook,omitempty"`
}

type stageView struct {
	Stage  string `json:"stage"`
	Output string `json:"output"`
	Model  string `json:"model"`
}

type chainView struct {
	Task   string `json:"task"`
	Result string `json:"result"`
	Model  string `json:"model"`
}

type runView struct {
	ID           string      `json:"id"`
	Kind         string      `json:"kind"`
	Status       string      `json:"status"`
	Role         string      `json:"role"`
	Final        string      `json:"final"`
	Results      []chainView `json:"results"`
	FinalContext string      `json:"finalContext"`
	Stages       []stageView `json:"stages"`
	Error        string      `json:"error"`
	FailedStage  string      `json:"failedStage"`
}

type generationView struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	PollAttempts int    `json:"pollAttempts"`
	Error        string `json:"error"`
	Artifacts    []struct {
		URI    string `json:"uri"`
		Source string `json:"source"`
	} `json:"artifacts"`
	Publish *struct {
		ProductID string `json:"productId"`
		Published bool   `json:"published"`
	} `json:"publish"`
	PublishWarning string `json:"publishWarning"`
	PublishError   string `json:"publishError"`
}

func (g generationView) terminal() bool {
	switch g.Status {
	case "COMPLETED", "FAILED", "TIMED_OUT", "CANCELLED":
		return true
	}
	return false
}

func (c *client) runPipeline(req runReq) (runView, []byte, error) {
	return decodeRun(c.request(http.MethodPost, "/pipelines", req))
}

func (c *client) runChain(req runReq) (runView, []byte, error) {
	return decodeRun(c.request(http.MethodPost, "/chains", req))
}

func (c *client) getRun(id string) (runView, []byte, error) {
	return decodeRun(c.request(http.MethodGet, "/runs/"+url.PathEscape(id), nil))
}

func (c *client) createGeneration(req map[string]any) (generationView, []byte, error) {
	return decodeGeneration(c.request(http.MethodPost, "/generations", req))
}

func (c *client) getGeneration(id string) (generationView, []byte, error) {
	return decodeGeneration(c.request(http.MethodGet, "/generations/"+url.PathEscape(id), nil))
}

// decodeRun also decodes failed runs, which the API nests under "run".
func decodeRun(raw []byte, err error) (runView, []byte, error) {
	var run runView
	if err != nil {
		if apiErr, ok := err.(*apiError); ok {
			var wrapped struct {
				Run *runView `json:"run"`
			}
			if json.Unmarshal(apiErr.Body, &wrapped) == nil && wrapped.Run != nil {
				return *wrapped.Run, apiErr.Body, err
			}
		}
		return run, nil, err
	}
	if err := json.Unmarshal(raw, &run); err != nil {
		return run, raw, fmt.Errorf("decode run: %w", err)
	}
	return run, raw, nil
}

func decodeGeneration(raw []byte, err error) (generationView, []byte, error) {
	var g generationView
	if err != nil {
		return g, nil, err
	}
	if err := json.Unmarshal(raw, &g); err != nil {
		return g, raw, fmt.Errorf("decode generation: %w", err)
	}
	return g, raw, nil
}

package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/osvaldoandrade/podflow/pkg/domain"
)

func TestRunPodSubmit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/run" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer rp-key" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		var body struct {
			Input struct {
				Workflow domain.Workflow `json:"workflow"`
				ClientID string          `json:"client_id"`
			} `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body.Input.ClientID == "" || body.Input.Workflow[domain.NodePositive].Inputs["text"] != "red circle" {
			t.Errorf("body = %+v", body)
		}
		_, _ = w.Write([]byte(`{"id":"rp-123","status":"IN_QUEUE"}`))
	}))
	defer srv.Close()

	c := NewRunPodClient(srv.URL, "rp-key", 0)
	wf := domain.WorkflowParams{Prompt: "red circle"}.WithDefaults(domain.WorkflowParams{}).Apply(domain.DefaultWorkflow(), timeZero)
	id, err := c.Submit(context.Background(), wf)
	if err != nil || id != "rp-123" {
		t.Fatalf("Submit() = %q, %v", id, err)
	}
}

func TestRunPodSubmitErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"non-2xx", http.StatusBadRequest, `{"error":"bad workflow"}`},
		{"missing id", http.StatusOK, `{"status":"IN_QUEUE"}`},
		{"not json", http.StatusOK, `<html>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()
			_, err := NewRunPodClient(srv.URL, "", 0).Submit(context.Background(), domain.DefaultWorkflow())
			var se *domain.SubmissionError
			if !errors.As(err, &se) || se.StatusCode != tt.status {
				t.Fatalf("Submit() error = %#v", err)
			}
		})
	}
}

func TestRunPodStatus(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus domain.JobStatus
		wantImages []string
		wantPrompt string
		wantErr    string
	}{
		{"queued", `{"status":"IN_QUEUE"}`, domain.JobPending, nil, "", ""},
		{"running", `{"status":"IN_PROGRESS"}`, domain.JobRunning, nil, "", ""},
		{"completed strings", `{"status":"COMPLETED","output":{"images":["a.png","data:image/png;base64,AAAA"],"prompt_id":"p-1"}}`,
			domain.JobCompleted, []string{"a.png", "data:image/png;base64,AAAA"}, "p-1", ""},
		{"completed objects", `{"status":"COMPLETED","output":{"images":[{"filename":"x.png","url":"https://cdn/x.png"},{"data":"QUJD"}]}}`,
			domain.JobCompleted, []string{"https://cdn/x.png", "QUJD"}, "", ""},
		{"completed list output", `{"status":"COMPLETED","output":["https://cdn/y.png"]}`, domain.JobCompleted, []string{"https://cdn/y.png"}, "", ""},
		{"completed single image", `{"status":"COMPLETED","output":{"image":"https://x/a.png"}}`, domain.JobCompleted, []string{"https://x/a.png"}, "", ""},
		{"completed files", `{"status":"COMPLETED","output":{"images":[],"files":["https://x/f.png",{"filename":"g.png","base64":"QUJD"}]}}`,
			domain.JobCompleted, []string{"https://x/f.png", "QUJD"}, "", ""},
		{"completed message images", `{"status":"COMPLETED","output":{"message":{"images":["data:image/png;base64,AAAA"]},"prompt_id":"p-2"}}`,
			domain.JobCompleted, []string{"data:image/png;base64,AAAA"}, "p-2", ""},
		{"completed image_url objects", `{"status":"COMPLETED","output":{"images":[{"image_url":"https://x/u.png"}]}}`,
			domain.JobCompleted, []string{"https://x/u.png"}, "", ""},
		{"completed without images", `{"status":"COMPLETED","output":{"message":"done"}}`,
			domain.JobCompleted, nil, "", `no images in completed job output: {"message":"done"}`},
		{"completed without output", `{"status":"COMPLETED"}`, domain.JobCompleted, nil, "", "no images in completed job output"},
		{"failed", `{"status":"FAILED","error":"CUDA out of memory"}`, domain.JobFailed, nil, "", "CUDA out of memory"},
		{"failed object error", `{"status":"FAILED","error":{"type":"oom"}}`, domain.JobFailed, nil, "", `{"type":"oom"}`},
		{"remote timeout", `{"status":"TIMED_OUT"}`, domain.JobTimedOut, nil, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/status/rp-1" {
					t.Errorf("path = %s", r.URL.Path)
				}
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			snap, err := NewRunPodClient(srv.URL, "", 0).Status(context.Background(), "rp-1")
			if err != nil {
				t.Fatalf("Status() error = %v", err)
			}
			if snap.Status != tt.wantStatus || snap.PromptID != tt.wantPrompt || snap.Error != tt.wantErr {
				t.Fatalf("snapshot = %+v", snap)
			}
			if len(snap.Images) != len(tt.wantImages) {
				t.Fatalf("images = %v, want %v", snap.Images, tt.wantImages)
			}
			for i := range tt.wantImages {
				if snap.Images[i] != tt.wantImages[i] {
					t.Fatalf("images = %v, want %v", snap.Images, tt.wantImages)
				}
			}
		})
	}
}

func TestRunPodStatusHTTPErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	_, err := NewRunPodClient(srv.URL, "", 0).Status(context.Background(), "rp-1")
	if err == nil || errors.Is(err, domain.ErrJobFailed) {
		t.Fatalf("Status() error = %v, want plain transient error", err)
	}
}

func TestRunPodHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"workers":{"idle":1}}`))
	}))
	defer srv.Close()
	if err := NewRunPodClient(srv.URL, "", 0).Health(context.Background()); err != nil {
		t.Fatalf("Health() error = %v", err)
	}
}

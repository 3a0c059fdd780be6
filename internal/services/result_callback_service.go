package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/osvaldoandrade/podflow/internal/backoff"
	"github.com/osvaldoandrade/podflow/internal/clock"
	"github.com/osvaldoandrade/podflow/internal/metrics"
	"github.com/osvaldoandrade/podflow/internal/ratelimit"
	"github.com/osvaldoandrade/podflow/internal/tracing"
)

const (
	HeaderTimestamp = "X-Podflow-Timestamp"
	HeaderSignature = "X-Podflow-Signature"

	KindGeneration = "generation"
	KindRun        = "pipeline_run"
)

// ResultCallbackService delivers signed result notifications to caller
// supplied URLs.
type ResultCallbackService interface {
	// Send delivers in the background and returns immediately.
	Send(ctx context.Context, kind, url string, payload any)
	// Deliver blocks until the notification is accepted or the retry
	// budget is spent.
	Deliver(ctx context.Context, kind, url string, payload any) error
	// Wait blocks until background deliveries finish.
	Wait()
}

type CallbackOptions struct {
	Secret      string
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Limiter     ratelimit.Limiter
	Bucket      ratelimit.Bucket
	Client      *http.Client
	Clock       clock.Clock
}

type resultCallbackService struct {
	logger *slog.Logger
	opts   CallbackOptions
	wg     sync.WaitGroup
}

func NewResultCallbackService(logger *slog.Logger, opts CallbackOptions) ResultCallbackService {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 2 * time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 60 * time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	return &resultCallbackService{logger: logger, opts: opts}
}

func (s *resultCallbackService) Send(ctx context.Context, kind, url string, payload any) {
	if strings.TrimSpace(url) == "" {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.Deliver(ctx, kind, url, payload)
	}()
}

func (s *resultCallbackService) Wait() { s.wg.Wait() }

func (s *resultCallbackService) Deliver(ctx context.Context, kind, url string, payload any) error {
	body, err := json.Marshal(map[string]any{"kind": kind, "data": payload})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	var lastErr error
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		if err := s.admit(ctx, url); err != nil {
			lastErr = err
			break
		}
		lastErr = s.post(ctx, url, body)
		if lastErr == nil {
			metrics.WebhookDeliveriesTotal.WithLabelValues(kind, "success").Inc()
			return nil
		}
		if attempt == s.opts.MaxAttempts {
			break
		}
		delay := backoff.Compute(backoff.Exponential, s.opts.BaseDelay, s.opts.MaxDelay, attempt-1, nil)
		if err := s.opts.Clock.Sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues(kind, "failure").Inc()
	s.logger.Warn("result callback failed", "url", url, "kind", kind, "err", lastErr)
	return lastErr
}

// admit waits for the per-URL bucket. A limiter error lets the call
// through.
func (s *resultCallbackService) admit(ctx context.Context, url string) error {
	if s.opts.Limiter == nil || !s.opts.Bucket.Enabled() {
		return nil
	}
	for {
		dec, err := s.opts.Limiter.Allow(ctx, ratelimit.ScopeWebhook, url, s.opts.Bucket)
		if err != nil || dec.Allowed {
			return nil
		}
		metrics.RateLimitHitsTotal.WithLabelValues(ratelimit.ScopeWebhook).Inc()
		if err := s.opts.Clock.Sleep(ctx, dec.RetryAfter); err != nil {
			return err
		}
	}
}

func (s *resultCallbackService) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectHeaders(ctx, req.Header)
	s.sign(req, body)
	resp, err := s.opts.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded %d", resp.StatusCode)
	}
	return nil
}

func (s *resultCallbackService) sign(req *http.Request, body []byte) {
	if strings.TrimSpace(s.opts.Secret) == "" {
		return
	}
	ts := s.opts.Clock.Now().UTC().Unix()
	req.Header.Set(HeaderTimestamp, fmt.Sprintf("%d", ts))
	req.Header.Set(HeaderSignature, Signature(s.opts.Secret, ts, body))
}

// Signature is hex(HMAC-SHA256(secret, "<ts>." + body)).
func Signature(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%d.", ts)))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Package router selects a model backend for each prompt and returns its
// normalized completion.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/osvaldoandrade/podflow/internal/metrics"
	"github.com/osvaldoandrade/podflow/internal/ratelimit"
	"github.com/osvaldoandrade/podflow/internal/tracing"
	"github.com/osvaldoandrade/podflow/pkg/config"
	"github.com/osvaldoandrade/podflow/pkg/domain"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "podflow/router"

// Router routes one prompt to one backend.
type Router interface {
	Route(ctx context.Context, prompt string) (domain.RouteResult, error)
}

// Backend is a single model provider.
type Backend interface {
	Name() string
	Model() string
	// Ready reports, without network IO, whether the backend can be called.
	Ready() error
	Complete(ctx context.Context, prompt string) (Completion, error)
}

type Completion struct {
	Text  string
	Model string
}

// Entry pairs a backend with its admission bucket.
type Entry struct {
	Backend Backend
	Bucket  ratelimit.Bucket
}

type modelRouter struct {
	entries []Entry
	limiter ratelimit.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

// New builds a router over entries in preference order. The slice is
// copied and never changes afterwards.
func New(entries []Entry, limiter ratelimit.Limiter, logger *slog.Logger) Router {
	if logger == nil {
		logger = slog.Default()
	}
	cp := make([]Entry, len(entries))
	copy(cp, entries)
	return &modelRouter{entries: cp, limiter: limiter, logger: logger, now: time.Now}
}

// NewFromConfig builds HTTP backends for every configured entry.
func NewFromConfig(backends []config.BackendConfig, limiter ratelimit.Limiter, logger *slog.Logger) (Router, error) {
	entries := make([]Entry, 0, len(backends))
	for _, bc := range backends {
		b, err := NewBackend(bc)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Backend: b, Bucket: ratelimit.Bucket(bc.RateLimit)})
	}
	return New(entries, limiter, logger), nil
}

func (r *modelRouter) Route(ctx context.Context, prompt string) (domain.RouteResult, error) {
	ctx, span := tracing.Start(ctx, tracerName, "router.route",
		attribute.Int("router.backends", len(r.entries)),
		attribute.Int("router.prompt_len", len(prompt)),
	)
	res, err := r.route(ctx, prompt)
	if err == nil {
		span.SetAttributes(attribute.String("router.backend", res.Backend), attribute.String("router.model", res.Model))
	}
	tracing.End(span, err)
	return res, err
}

func (r *modelRouter) route(ctx context.Context, prompt string) (domain.RouteResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.RouteResult{}, &domain.CancelledError{Op: "route", Cause: err}
	}

	var rejections []domain.BackendRejection
	for _, e := range r.entries {
		name := e.Backend.Name()
		if err := e.Backend.Ready(); err != nil {
			r.logger.Debug("backend skipped", "backend", name, "reason", err.Error())
			rejections = append(rejections, domain.BackendRejection{Backend: name, Reason: err.Error()})
			metrics.RouteTotal.WithLabelValues(name, "skipped").Inc()
			continue
		}
		if ok, reason := r.admit(ctx, name, e.Bucket); !ok {
			r.logger.Debug("backend skipped", "backend", name, "reason", reason)
			rejections = append(rejections, domain.BackendRejection{Backend: name, Reason: reason})
			metrics.RouteTotal.WithLabelValues(name, "rate_limited").Inc()
			continue
		}
		return r.call(ctx, e.Backend, prompt)
	}
	err := &domain.RoutingError{Rejections: rejections}
	r.logger.Warn("no backend available", "err", err)
	return domain.RouteResult{}, err
}

func (r *modelRouter) admit(ctx context.Context, name string, bucket ratelimit.Bucket) (bool, string) {
	if r.limiter == nil || !bucket.Enabled() {
		return true, ""
	}
	dec, err := r.limiter.Allow(ctx, ratelimit.ScopeBackend, name, bucket)
	if err != nil {
		// fail open: a broken limiter must not take every backend down
		r.logger.Warn("backend rate limiter unavailable", "backend", name, "err", err)
		return true, ""
	}
	if !dec.Allowed {
		metrics.RateLimitHitsTotal.WithLabelValues(ratelimit.ScopeBackend).Inc()
		return false, fmt.Sprintf("rate limited, retry after %s", dec.RetryAfter)
	}
	return true, ""
}

// call issues the single outbound request of a Route invocation.
func (r *modelRouter) call(ctx context.Context, b Backend, prompt string) (domain.RouteResult, error) {
	name := b.Name()
	start := r.now()
	out, err := b.Complete(ctx, prompt)
	metrics.RouteLatencySeconds.WithLabelValues(name).Observe(r.now().Sub(start).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			metrics.RouteTotal.WithLabelValues(name, "cancelled").Inc()
			return domain.RouteResult{}, &domain.CancelledError{Op: "route", Cause: ctx.Err()}
		}
		metrics.RouteTotal.WithLabelValues(name, "error").Inc()
		rerr := &domain.RoutingError{Backend: name, Err: err}
		var herr *HTTPError
		if errors.As(err, &herr) {
			rerr.StatusCode = herr.StatusCode
			rerr.Body = herr.Body
			rerr.Err = nil
		}
		r.logger.Warn("backend call failed", "backend", name, "err", rerr)
		return domain.RouteResult{}, rerr
	}

	model := out.Model
	if model == "" {
		model = b.Model()
	}
	metrics.RouteTotal.WithLabelValues(name, "ok").Inc()
	r.logger.Debug("backend call ok", "backend", name, "model", model, "output_len", len(out.Text))
	return domain.RouteResult{Output: out.Text, Model: model, Backend: name}, nil
}

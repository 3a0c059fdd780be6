package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// idAttributes maps the resource segment before an :id route param to the
// span attribute that carries it.
var idAttributes = map[string]string{
	"runs":        "run.id",
	"generations": "job.id",
}

// TracingMiddleware joins the caller's W3C trace and opens a server span
// per request. The span is renamed to the matched route once handlers
// ran, and tagged with the request id, the caller and the run or job id.
func TracingMiddleware(serviceName string) gin.HandlerFunc {
	if strings.TrimSpace(serviceName) == "" {
		serviceName = "podflow"
	}
	tracer := otel.Tracer(serviceName + "/http")

	return func(c *gin.Context) {
		req := c.Request
		ctx := otel.GetTextMapPropagator().Extract(req.Context(), propagation.HeaderCarrier(req.Header))
		ctx, span := tracer.Start(ctx, req.Method+" "+req.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", req.Method),
				attribute.String("http.target", req.URL.Path),
			),
		)
		c.Request = req.WithContext(ctx)
		c.Next()

		span.SetAttributes(requestAttributes(c)...)
		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
		span.End()
	}
}

func requestAttributes(c *gin.Context) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if route := c.FullPath(); route != "" {
		trace.SpanFromContext(c.Request.Context()).SetName(c.Request.Method + " " + route)
		attrs = append(attrs, attribute.String("http.route", route))
		if key := idAttribute(route); key != "" {
			if id := c.Param("id"); id != "" {
				attrs = append(attrs, attribute.String(key, id))
			}
		}
	}
	if id := RequestID(c.Request.Context()); id != "" {
		attrs = append(attrs, attribute.String("podflow.request_id", id))
	}
	if caller := c.GetString("caller"); caller != "" {
		attrs = append(attrs, attribute.String("podflow.caller", caller))
	}
	return attrs
}

func idAttribute(route string) string {
	parts := strings.Split(strings.Trim(route, "/"), "/")
	for i := 1; i < len(parts); i++ {
		if parts[i] == ":id" {
			return idAttributes[parts[i-1]]
		}
	}
	return ""
}

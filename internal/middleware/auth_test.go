package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/osvaldoandrade/podflow/pkg/auth"
)

type fixedValidator struct{ claims *auth.Claims }

func (v fixedValidator) Validate(token string) (*auth.Claims, error) {
	if token != "good" {
		return nil, errors.New("invalid token")
	}
	return v.claims, nil
}

func newAuthEngine(v auth.Validator, scope string) *gin.Engine {
	r := gin.New()
	r.Use(AuthMiddleware(v))
	r.GET("/x", RequireScope(scope), func(c *gin.Context) {
		c.String(http.StatusOK, ClaimsFrom(c).Caller())
	})
	return r
}

func TestAuthMiddleware(t *testing.T) {
	v := fixedValidator{claims: &auth.Claims{Subject: "u-1", Scopes: []string{auth.ScopeRead}}}
	tests := []struct {
		name   string
		header string
		scope  string
		want   int
		body   string
	}{
		{"missing header", "", auth.ScopeRead, http.StatusUnauthorized, ""},
		{"bad format", "Token good", auth.ScopeRead, http.StatusUnauthorized, ""},
		{"bad token", "Bearer nope", auth.ScopeRead, http.StatusUnauthorized, ""},
		{"ok", "Bearer good", auth.ScopeRead, http.StatusOK, "u-1"},
		{"missing scope", "Bearer good", auth.ScopeRun, http.StatusForbidden, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			newAuthEngine(v, tt.scope).ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.body != "" && rec.Body.String() != tt.body {
				t.Fatalf("body = %q, want %q", rec.Body.String(), tt.body)
			}
		})
	}
}

func TestAuthMiddlewareDisabled(t *testing.T) {
	rec := httptest.NewRecorder()
	newAuthEngine(nil, auth.ScopeGenerate).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "anonymous" {
		t.Fatalf("status = %d body = %q", rec.Code, rec.Body.String())
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/x", func(c *gin.Context) { c.String(http.StatusOK, RequestID(c.Request.Context())) })

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(HeaderRequestID, "req-42")
	r.ServeHTTP(rec, req)
	if rec.Body.String() != "req-42" || rec.Header().Get(HeaderRequestID) != "req-42" {
		t.Fatalf("propagated id = %q / %q", rec.Body.String(), rec.Header().Get(HeaderRequestID))
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if len(rec.Body.String()) != 36 {
		t.Fatalf("generated id = %q", rec.Body.String())
	}
}

package auth

import (
	"time"
)

// Scopes checked by the coordinator API.
const (
	ScopeRun      = "podflow:run"
	ScopeGenerate = "podflow:generate"
	ScopeRead     = "podflow:read"
)

// AllScopes is what a static token grants.
var AllScopes = []string{ScopeRun, ScopeGenerate, ScopeRead}

// Claims represents authentication token claims
type Claims struct {
	Subject   string
	Email     string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Scopes    []string
	Raw       map[string]interface{}
}

// HasScope checks if the claims contain a specific scope
func (c *Claims) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Caller is the identity used for logs and per-caller rate limits.
func (c *Claims) Caller() string {
	if c == nil {
		return ""
	}
	if c.Email != "" {
		return c.Email
	}
	return c.Subject
}

// Validator validates authentication tokens
type Validator interface {
	Validate(token string) (*Claims, error)
}

// Config contains validator configuration
type Config struct {
	Type        string
	Token       string
	JwksURL     string
	Issuer      string
	Audience    string
	ClockSkew   time.Duration
	HTTPTimeout time.Duration
}

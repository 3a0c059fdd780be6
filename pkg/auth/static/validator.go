package static

import (
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/osvaldoandrade/podflow/pkg/auth"
)

// validator accepts one shared bearer token and grants every scope.
type validator struct {
	token string
}

func NewValidator(cfg auth.Config) (auth.Validator, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("static auth: token is required")
	}
	return &validator{token: token}, nil
}

func (v *validator) Validate(token string) (*auth.Claims, error) {
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(v.token)) != 1 {
		return nil, errors.New("invalid token")
	}
	return &auth.Claims{
		Subject: "static",
		Scopes:  append([]string(nil), auth.AllScopes...),
		Raw:     map[string]any{},
	}, nil
}

func init() {
	auth.RegisterProvider("static", NewValidator)
}

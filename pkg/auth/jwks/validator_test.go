package jwks

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/osvaldoandrade/podflow/pkg/auth"
)

type keyServer struct {
	*httptest.Server
	key     *rsa.PrivateKey
	fetches int32
}

func newKeyServer(t *testing.T) *keyServer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	ks := &keyServer{key: key}
	ks.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&ks.fetches, 1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]any{{
				"kty": "RSA",
				"kid": "test-key-1",
				"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString([]byte{0x01, 0x00, 0x01}),
			}},
		})
	}))
	t.Cleanup(ks.Close)
	return ks
}

func (ks *keyServer) sign(t *testing.T, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(ks.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func newValidator(t *testing.T, url string) auth.Validator {
	t.Helper()
	v, err := auth.NewValidator(auth.Config{
		Type:      "jwks",
		JwksURL:   url,
		Issuer:    "test-issuer",
		Audience:  "test-audience",
		ClockSkew: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	return v
}

func TestJWKSValidator(t *testing.T) {
	ks := newKeyServer(t)
	v := newValidator(t, ks.URL)

	now := time.Now().Unix()
	token := ks.sign(t, "test-key-1", jwt.MapClaims{
		"iss":   "test-issuer",
		"aud":   "test-audience",
		"sub":   "test-user",
		"exp":   now + 3600,
		"iat":   now,
		"email": "test@example.com",
		"scope": "podflow:run podflow:read",
	})

	claims, err := v.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Subject != "test-user" || claims.Email != "test@example.com" || claims.Issuer != "test-issuer" {
		t.Errorf("claims = %+v", claims)
	}
	if len(claims.Audience) != 1 || claims.Audience[0] != "test-audience" {
		t.Errorf("audience = %v", claims.Audience)
	}
	if !claims.HasScope(auth.ScopeRun) || !claims.HasScope(auth.ScopeRead) || claims.HasScope(auth.ScopeGenerate) {
		t.Errorf("scopes = %v", claims.Scopes)
	}

	if _, err := v.Validate(token); err != nil {
		t.Fatalf("second Validate: %v", err)
	}
	if got := atomic.LoadInt32(&ks.fetches); got != 1 {
		t.Errorf("JWKS fetched %d times, want 1", got)
	}
}

func TestJWKSValidatorRejects(t *testing.T) {
	ks := newKeyServer(t)
	v := newValidator(t, ks.URL)
	now := time.Now().Unix()

	base := func() jwt.MapClaims {
		return jwt.MapClaims{"iss": "test-issuer", "aud": "test-audience", "sub": "u", "exp": now + 3600, "iat": now}
	}
	tests := []struct {
		name   string
		kid    string
		mutate func(jwt.MapClaims)
	}{
		{"wrong issuer", "test-key-1", func(c jwt.MapClaims) { c["iss"] = "wrong-issuer" }},
		{"wrong audience", "test-key-1", func(c jwt.MapClaims) { c["aud"] = "other" }},
		{"expired", "test-key-1", func(c jwt.MapClaims) { c["exp"] = now - 3600 }},
		{"missing exp", "test-key-1", func(c jwt.MapClaims) { delete(c, "exp") }},
		{"unknown kid", "other-key", func(jwt.MapClaims) {}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			if _, err := v.Validate(ks.sign(t, tt.kid, c)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestJWKSValidatorRejectsHMAC(t *testing.T) {
	ks := newKeyServer(t)
	v := newValidator(t, ks.URL)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"iss": "test-issuer", "aud": "test-audience", "exp": time.Now().Unix() + 60})
	tok.Header["kid"] = "test-key-1"
	s, _ := tok.SignedString([]byte("secret"))
	if _, err := v.Validate(s); err == nil {
		t.Fatal("expected HS256 token to be rejected")
	}
}

func TestNewValidatorRequiresSettings(t *testing.T) {
	for _, cfg := range []auth.Config{
		{Issuer: "i", Audience: "a"},
		{JwksURL: "http://x", Audience: "a"},
		{JwksURL: "http://x", Issuer: "i"},
	} {
		if _, err := NewValidator(cfg); err == nil {
			t.Fatalf("NewValidator(%+v) should fail", cfg)
		}
	}
}

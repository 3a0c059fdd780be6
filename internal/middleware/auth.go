package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/osvaldoandrade/podflow/pkg/auth"

	"github.com/gin-gonic/gin"
)

const claimsKey = "userClaims"

// AuthMiddleware validates the bearer token. A nil validator means auth is
// off and every caller gets all scopes.
func AuthMiddleware(validator auth.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if validator == nil {
			setClaims(c, &auth.Claims{Subject: "anonymous", Scopes: auth.AllScopes})
			c.Next()
			return
		}
		claims, err := validateBearer(validator, c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		setClaims(c, claims)
		c.Next()
	}
}

// RequireScope rejects callers whose claims lack scope.
func RequireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !ClaimsFrom(c).HasScope(scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "missing scope " + scope})
			return
		}
		c.Next()
	}
}

// ClaimsFrom returns the claims set by AuthMiddleware, or nil.
func ClaimsFrom(c *gin.Context) *auth.Claims {
	v, _ := c.Get(claimsKey)
	claims, _ := v.(*auth.Claims)
	return claims
}

func validateBearer(validator auth.Validator, authHeader string) (*auth.Claims, error) {
	if strings.TrimSpace(authHeader) == "" {
		return nil, fmt.Errorf("missing Authorization header")
	}
	token := bearerToken(authHeader)
	if token == "" {
		return nil, fmt.Errorf("invalid Authorization format")
	}
	return validator.Validate(token)
}

func setClaims(c *gin.Context, claims *auth.Claims) {
	c.Set(claimsKey, claims)
	c.Set("caller", claims.Caller())
}

package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/osvaldoandrade/podflow/internal/metrics"
	"github.com/osvaldoandrade/podflow/internal/ratelimit"
	"github.com/osvaldoandrade/podflow/pkg/config"
)

// RateLimitAPI applies the API bucket per bearer token, falling back to
// the client IP for requests without one.
func RateLimitAPI(lim ratelimit.Limiter, bcfg config.RateLimitBucketConfig) gin.HandlerFunc {
	bucket := ratelimit.Bucket{RequestsPerMinute: bcfg.RequestsPerMinute, BurstSize: bcfg.BurstSize}
	return func(c *gin.Context) {
		if lim == nil || !bucket.Enabled() {
			c.Next()
			return
		}

		subject := bearerToken(c.GetHeader("Authorization"))
		if subject == "" {
			subject = "ip:" + c.ClientIP()
		}

		dec, err := lim.Allow(c.Request.Context(), ratelimit.ScopeAPI, subject, bucket)
		if err != nil {
			// Fail open to avoid turning Redis hiccups into outages.
			Logger(c).Warn("rate limit check failed", "scope", ratelimit.ScopeAPI, "err", err)
			c.Next()
			return
		}
		if dec.Allowed {
			c.Next()
			return
		}

		retryAfterSeconds := int(dec.RetryAfter.Seconds())
		if retryAfterSeconds <= 0 {
			retryAfterSeconds = 1
		}
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
		metrics.RateLimitHitsTotal.WithLabelValues(ratelimit.ScopeAPI).Inc()
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":             "rate limit exceeded",
			"retryAfterSeconds": retryAfterSeconds,
		})
	}
}

func bearerToken(authHeader string) string {
	authHeader = strings.TrimSpace(authHeader)
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

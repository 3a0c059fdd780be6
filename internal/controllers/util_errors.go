package controllers

import (
	"errors"
	"net/http"

	"github.com/osvaldoandrade/podflow/pkg/domain"

	"github.com/gin-gonic/gin"
)

// StatusClientClosedRequest is returned when the caller went away first.
const StatusClientClosedRequest = 499

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrCancelled):
		return StatusClientClosedRequest
	case errors.Is(err, domain.ErrJobTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrRouting), errors.Is(err, domain.ErrJobFailed), errors.Is(err, domain.ErrSubmission):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err with its mapped status. extra fields, such as a
// partially completed run, are merged into the body.
func writeError(c *gin.Context, err error, extra gin.H) {
	body := gin.H{"error": err.Error()}
	for k, v := range extra {
		body[k] = v
	}
	c.JSON(statusFor(err), body)
}

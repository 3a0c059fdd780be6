package controllers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Pinger reports whether a dependency is reachable.
type Pinger func(ctx context.Context) error

type healthController struct {
	checks map[string]Pinger
}

func NewHealthController(checks map[string]Pinger) *healthController {
	return &healthController{checks: checks}
}

func (h *healthController) Handle(c *gin.Context) {
	status := http.StatusOK
	deps := gin.H{}
	for name, ping := range h.checks {
		if err := ping(c.Request.Context()); err != nil {
			status = http.StatusServiceUnavailable
			deps[name] = err.Error()
			continue
		}
		deps[name] = "ok"
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "dependencies": deps})
}

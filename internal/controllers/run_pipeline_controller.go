package controllers

import (
	"net/http"

	"github.com/osvaldoandrade/podflow/internal/services"

	"github.com/gin-gonic/gin"
)

type runPipelineController struct{ svc services.PipelineService }

func NewRunPipelineController(svc services.PipelineService) *runPipelineController {
	return &runPipelineController{svc}
}

type runPipelineReq struct {
	Goal    string `json:"goal" binding:"required"`
	Role    string `json:"role,omitempty"`
	Webhook string `json:"webhook,omitempty"`
}

func (h *runPipelineController) Handle(c *gin.Context) {
	var req runPipelineReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	run, err := h.svc.RunFixed(c.Request.Context(), req.Goal, req.Role, req.Webhook)
	if err != nil {
		writeError(c, err, gin.H{"run": run})
		return
	}
	c.JSON(http.StatusOK, run)
}

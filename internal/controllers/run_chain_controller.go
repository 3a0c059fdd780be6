package controllers

import (
	"net/http"

	"github.com/osvaldoandrade/podflow/internal/services"

	"github.com/gin-gonic/gin"
)

type runChainController struct{ svc services.PipelineService }

func NewRunChainController(svc services.PipelineService) *runChainController {
	return &runChainController{svc}
}

type runChainReq struct {
	Tasks   []string `json:"tasks"`
	Role    string   `json:"role,omitempty"`
	Webhook string   `json:"webhook,omitempty"`
}

func (h *runChainController) Handle(c *gin.Context) {
	var req runChainReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	run, err := h.svc.RunChain(c.Request.Context(), req.Tasks, req.Role, req.Webhook)
	if err != nil {
		writeError(c, err, gin.H{"run": run})
		return
	}
	c.JSON(http.StatusOK, run)
}

package controllers

import (
	"net/http"

	"github.com/osvaldoandrade/podflow/internal/services"
	"github.com/osvaldoandrade/podflow/pkg/domain"

	"github.com/gin-gonic/gin"
)

type createGenerationController struct{ svc services.GenerationService }

func NewCreateGenerationController(svc services.GenerationService) *createGenerationController {
	return &createGenerationController{svc}
}

func (h *createGenerationController) Handle(c *gin.Context) {
	var req domain.GenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	rec, err := h.svc.Submit(c.Request.Context(), req)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.Header("Location", "/v1/podflow/generations/"+rec.ID)
	c.JSON(http.StatusAccepted, rec)
}

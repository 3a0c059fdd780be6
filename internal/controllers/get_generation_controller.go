package controllers

import (
	"net/http"

	"github.com/osvaldoandrade/podflow/internal/services"

	"github.com/gin-gonic/gin"
)

type getGenerationController struct{ svc services.GenerationService }

func NewGetGenerationController(svc services.GenerationService) *getGenerationController {
	return &getGenerationController{svc}
}

func (h *getGenerationController) Handle(c *gin.Context) {
	rec, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, rec)
}

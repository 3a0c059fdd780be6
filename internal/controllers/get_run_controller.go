package controllers

import (
	"net/http"

	"github.com/osvaldoandrade/podflow/internal/services"

	"github.com/gin-gonic/gin"
)

type getRunController struct{ svc services.PipelineService }

func NewGetRunController(svc services.PipelineService) *getRunController {
	return &getRunController{svc}
}

func (h *getRunController) Handle(c *gin.Context) {
	run, err := h.svc.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, run)
}

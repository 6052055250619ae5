package controllers

import (
	"net/http"

	"github.com/axiomengine/axiom-workers/internal/gpu"

	"github.com/gin-gonic/gin"
)

type resourcesController struct{ gate gpu.Gate }

func NewResourcesController(gate gpu.Gate) *resourcesController {
	return &resourcesController{gate: gate}
}

func (h *resourcesController) Handle(c *gin.Context) {
	snap := h.gate.Snapshot(c.Request.Context())
	c.JSON(http.StatusOK, snap)
}

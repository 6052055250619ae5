package controllers

import (
	"errors"
	"net/http"

	"github.com/axiomengine/axiom-workers/internal/dispatch"
	"github.com/axiomengine/axiom-workers/internal/queue"

	"github.com/gin-gonic/gin"
)

type cancelJobController struct{ svc *dispatch.Dispatcher }

func NewCancelJobController(svc *dispatch.Dispatcher) *cancelJobController {
	return &cancelJobController{svc}
}

func (h *cancelJobController) Handle(c *gin.Context) {
	jobID := c.Param("id")
	rec, err := h.svc.Cancel(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

package controllers

import (
	"errors"
	"net/http"

	"github.com/axiomengine/axiom-workers/internal/dispatch"
	"github.com/axiomengine/axiom-workers/internal/queue"

	"github.com/gin-gonic/gin"
)

type getJobController struct{ svc *dispatch.Dispatcher }

func NewGetJobController(svc *dispatch.Dispatcher) *getJobController {
	return &getJobController{svc}
}

func (h *getJobController) Handle(c *gin.Context) {
	jobID := c.Param("id")
	rec, err := h.svc.Status(c.Request.Context(), jobID)
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

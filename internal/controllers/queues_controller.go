package controllers

import (
	"net/http"

	"github.com/axiomengine/axiom-workers/internal/dispatch"

	"github.com/gin-gonic/gin"
)

type queuesController struct{ svc *dispatch.Dispatcher }

func NewQueuesController(svc *dispatch.Dispatcher) *queuesController {
	return &queuesController{svc: svc}
}

func (h *queuesController) Handle(c *gin.Context) {
	out, err := h.svc.QueueDepths(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"queues": out})
}

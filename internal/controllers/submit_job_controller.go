package controllers

import (
	"errors"
	"net/http"
	"time"

	"github.com/axiomengine/axiom-workers/internal/dispatch"
	"github.com/axiomengine/axiom-workers/pkg/domain"

	"github.com/gin-gonic/gin"
)

type submitJobController struct{ svc *dispatch.Dispatcher }

func NewSubmitJobController(svc *dispatch.Dispatcher) *submitJobController {
	return &submitJobController{svc}
}

type submitReq struct {
	Type           domain.JobType `json:"type" binding:"required"`
	Prompt         string         `json:"prompt"`
	NegativePrompt string         `json:"negativePrompt,omitempty"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	Priority       int            `json:"priority"`
	UserID         string         `json:"userId,omitempty"`
	ProjectID      string         `json:"projectId,omitempty"`
	RunAt          string         `json:"runAt,omitempty"`        // RFC3339: when the job becomes visible to workers
	DelaySecs      int            `json:"delaySeconds,omitempty"` // convenience alternative to runAt
}

func (h *submitJobController) Handle(c *gin.Context) {
	var req submitReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if req.DelaySecs < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'delaySeconds' (must be >= 0)"})
		return
	}

	var delay time.Duration
	if req.RunAt != "" {
		t, err := time.Parse(time.RFC3339, req.RunAt)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'runAt' (use RFC3339)"})
			return
		}
		if d := time.Until(t); d > 0 {
			delay = d
		}
	} else if req.DelaySecs > 0 {
		delay = time.Duration(req.DelaySecs) * time.Second
	}

	rec, err := h.svc.Submit(c.Request.Context(), &domain.JobRequest{
		Type:           req.Type,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Parameters:     req.Parameters,
		Priority:       req.Priority,
		UserID:         req.UserID,
		ProjectID:      req.ProjectID,
	}, delay)
	if err != nil {
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			c.JSON(http.StatusBadRequest, gin.H{"error": ve.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, rec)
}

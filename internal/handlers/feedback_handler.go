package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"adaptiverag/internal/apperr"
	"adaptiverag/internal/models"
)

// Feedback grades a previously answered query.
// POST /api/v1/feedback
func (a *API) Feedback(c *gin.Context) {
	var req models.FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.Validation("invalid request body", err))
		return
	}

	resp, err := a.service.SubmitFeedback(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

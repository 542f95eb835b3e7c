package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"adaptiverag/internal/apperr"
	"adaptiverag/internal/models"
)

// Ingest adds one document to the corpus.
// POST /api/v1/ingest
func (a *API) Ingest(c *gin.Context) {
	if a.ingestor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": errorBody(apperr.Internal("ingestion not configured", nil))})
		return
	}

	var req models.IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.Validation("invalid request body", err))
		return
	}

	resp, err := a.ingestor.Ingest(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

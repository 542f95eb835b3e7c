package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"adaptiverag/internal/apperr"
	"adaptiverag/internal/models"
)

// Ask answers one question.
// POST /api/v1/ask
func (a *API) Ask(c *gin.Context) {
	var req models.AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.Validation("invalid request body", err))
		return
	}

	resp, err := a.service.Ask(c.Request.Context(), &req)
	if err != nil {
		body := gin.H{"error": errorBody(err)}
		// A failed run still sealed its trace; hand it to the caller.
		if resp != nil && resp.GovernanceContext != nil {
			body["governance_context"] = resp.GovernanceContext
		}
		c.JSON(apperr.StatusOf(err), body)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// AskStream answers one question over SSE. Each generated fragment arrives
// as a "delta" event; the terminal "done" event carries the same response
// envelope POST /api/v1/ask returns. Failures after streaming began arrive
// as an "error" event, since the status line is already on the wire.
// POST /api/v1/ask/stream
func (a *API) AskStream(c *gin.Context) {
	var req models.AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.Validation("invalid request body", err))
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		a.logger.Error("Response writer does not support streaming")
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorBody(apperr.Internal("streaming not supported", nil))})
		return
	}

	writeEvent := func(event string, payload interface{}) {
		data, err := json.Marshal(payload)
		if err != nil {
			a.logger.WithError(err).Error("SSE payload marshal failed")
			return
		}
		fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data)
		flusher.Flush()
	}

	resp, err := a.service.AskStream(c.Request.Context(), &req, func(delta string) {
		writeEvent("delta", gin.H{"text": delta})
	})
	if err != nil {
		body := gin.H{"error": errorBody(err)}
		if resp != nil && resp.GovernanceContext != nil {
			body["governance_context"] = resp.GovernanceContext
		}
		writeEvent("error", body)
		return
	}
	writeEvent("done", resp)
}

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Health reports liveness.
// GET /health
func (a *API) Health(c *gin.Context) {
	state := a.service.BanditState()
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"cold_start": state.ColdStart,
		"arms":       len(state.Arms),
	})
}

// BanditState exposes the router posterior for inspection.
// GET /api/v1/bandit/state
func (a *API) BanditState(c *gin.Context) {
	c.JSON(http.StatusOK, a.service.BanditState())
}

// CacheStats reports answer cache and classifier cache counters.
// GET /api/v1/cache/stats
func (a *API) CacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"answer_cache":     a.service.CacheStats(),
		"classifier_cache": a.service.ClassifierStats(),
	})
}

package handlers

import (
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adaptiverag/internal/apperr"
	"adaptiverag/internal/models"
)

func TestFeedbackRouteAcknowledges(t *testing.T) {
	svc := &fakeService{feedbackResp: &models.FeedbackResponse{
		QueryID:       "q-1",
		Status:        "accepted",
		BanditUpdated: true,
		Message:       "bandit updated",
	}}
	r := newTestRouter(svc, &fakeIngestor{})

	w := doJSON(t, r, http.MethodPost, "/api/v1/feedback", gin.H{"query_id": "q-1", "rating": 0.9})
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "accepted", body["status"])
	assert.Equal(t, true, body["bandit_updated"])
}

func TestFeedbackRouteUnknownQueryIs404(t *testing.T) {
	svc := &fakeService{feedbackErr: apperr.FeedbackNotFound("q-9")}
	r := newTestRouter(svc, &fakeIngestor{})

	w := doJSON(t, r, http.MethodPost, "/api/v1/feedback", gin.H{"query_id": "q-9", "rating": 0.2})
	require.Equal(t, http.StatusNotFound, w.Code)

	body := decodeBody(t, w)
	errObj, ok := body["error"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, apperr.KindFeedbackNotFound, errObj["code"])
}

func TestFeedbackRouteRequiresRating(t *testing.T) {
	r := newTestRouter(&fakeService{}, &fakeIngestor{})

	w := doJSON(t, r, http.MethodPost, "/api/v1/feedback", gin.H{"query_id": "q-1"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	body := decodeBody(t, w)
	errObj, ok := body["error"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, apperr.KindInputValidation, errObj["code"])
}

// An explicit zero rating must survive binding; only a missing rating is
// rejected.
func TestFeedbackRouteAcceptsZeroRating(t *testing.T) {
	svc := &fakeService{feedbackResp: &models.FeedbackResponse{QueryID: "q-1", Status: "accepted", CacheInvalidated: true}}
	r := newTestRouter(svc, &fakeIngestor{})

	w := doJSON(t, r, http.MethodPost, "/api/v1/feedback", gin.H{"query_id": "q-1", "rating": 0.0})
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, true, body["cache_invalidated"])
}

// Package handlers is the HTTP edge: a thin gin layer that binds request
// bodies, delegates to the engine, and translates typed errors into status
// codes and a JSON error envelope.
package handlers

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"adaptiverag/internal/answercache"
	"adaptiverag/internal/apperr"
	"adaptiverag/internal/classifier"
	"adaptiverag/internal/models"
	"adaptiverag/internal/observability/metrics"
)

// Service is the part of the engine the HTTP layer drives.
type Service interface {
	Ask(ctx context.Context, req *models.AskRequest) (*models.AskResponse, error)
	AskStream(ctx context.Context, req *models.AskRequest, onDelta func(delta string)) (*models.AskResponse, error)
	SubmitFeedback(ctx context.Context, req *models.FeedbackRequest) (*models.FeedbackResponse, error)
	BanditState() models.BanditStateResponse
	CacheStats() answercache.Stats
	ClassifierStats() classifier.CacheStats
}

// Ingestor is the document write path.
type Ingestor interface {
	Ingest(ctx context.Context, req *models.IngestRequest) (*models.IngestResponse, error)
}

// API holds the handler dependencies.
type API struct {
	service  Service
	ingestor Ingestor
	metrics  *metrics.Collector
	logger   *logrus.Logger
}

// NewAPI wires the HTTP surface. ingestor and collector may be nil; the
// corresponding routes then return 503 or are not mounted.
func NewAPI(service Service, ingestor Ingestor, collector *metrics.Collector, logger *logrus.Logger) *API {
	if logger == nil {
		logger = logrus.New()
	}
	return &API{
		service:  service,
		ingestor: ingestor,
		metrics:  collector,
		logger:   logger,
	}
}

// Register mounts every route on r.
func (a *API) Register(r *gin.Engine) {
	v1 := r.Group("/api/v1")
	{
		v1.POST("/ask", a.Ask)
		v1.POST("/ask/stream", a.AskStream)
		v1.POST("/feedback", a.Feedback)
		v1.POST("/ingest", a.Ingest)
		v1.GET("/bandit/state", a.BanditState)
		v1.GET("/cache/stats", a.CacheStats)
	}
	r.GET("/health", a.Health)
	if a.metrics != nil {
		r.GET("/metrics", gin.WrapH(a.metrics.Handler()))
	}
}

// errorBody shapes the failure envelope from a typed error.
func errorBody(err error) gin.H {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return gin.H{"code": appErr.Code, "message": appErr.Message}
	}
	return gin.H{"code": apperr.KindInternal, "message": err.Error()}
}

// writeError emits the standard error envelope with the status the error
// kind dictates.
func writeError(c *gin.Context, err error) {
	c.JSON(apperr.StatusOf(err), gin.H{"error": errorBody(err)})
}

// Package engine runs the full answering pipeline: classify the question,
// consult the answer cache, let the bandit pick a strategy, execute it, and
// feed the observed outcome back into the bandit and the cache. Handlers
// talk to the Engine and nothing below it.
package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"adaptiverag/internal/answercache"
	"adaptiverag/internal/apperr"
	"adaptiverag/internal/bandit"
	"adaptiverag/internal/classifier"
	"adaptiverag/internal/config"
	"adaptiverag/internal/governance"
	"adaptiverag/internal/llm"
	"adaptiverag/internal/models"
	"adaptiverag/internal/observability/metrics"
	"adaptiverag/internal/retrieval"
	"adaptiverag/internal/strategy"
)

// historyLimit bounds how many served queries stay addressable by feedback.
const historyLimit = 1000

// Feedback below negativeRating counts as a complaint and invalidates any
// cached copy of the answer. Bandit updates blend the user rating with the
// automatic reward observed when the answer was produced.
const (
	negativeRating     = 0.5
	feedbackUserWeight = 0.7
	feedbackAutoWeight = 0.3
)

// Warmer preloads a collaborator before traffic arrives.
type Warmer interface {
	WarmUp(ctx context.Context) error
}

// WarmerFunc adapts a function to the Warmer interface.
type WarmerFunc func(ctx context.Context) error

// WarmUp implements Warmer.
func (f WarmerFunc) WarmUp(ctx context.Context) error { return f(ctx) }

// ModelAdapter steers the embedding pair by query difficulty and reports the
// models currently in use. The adapter may ignore the hint when pinned.
type ModelAdapter interface {
	AdaptToQuery(queryType string)
	CurrentEmbedID() string
	CurrentRerankID() string
}

// Engine is the facade over the adaptive pipeline. All fields are set at
// construction and never change, so methods are safe for concurrent use.
type Engine struct {
	cfg        *config.Config
	classifier *classifier.Classifier
	cache      *answercache.Cache
	router     *bandit.Router
	strategies map[string]strategy.Strategy
	tracker    *governance.Tracker
	metrics    *metrics.Collector
	adapter    ModelAdapter
	history    *history
	warmers    []Warmer
	logger     *logrus.Logger
}

// New wires the engine. cache, collector, and adapter may be nil; strategies
// maps bandit arm names to implementations and must cover every arm the
// router can select.
func New(cfg *config.Config, cls *classifier.Classifier, cache *answercache.Cache, router *bandit.Router, strategies map[string]strategy.Strategy, tracker *governance.Tracker, collector *metrics.Collector, adapter ModelAdapter, logger *logrus.Logger, warmers ...Warmer) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	return &Engine{
		cfg:        cfg,
		classifier: cls,
		cache:      cache,
		router:     router,
		strategies: strategies,
		tracker:    tracker,
		metrics:    collector,
		adapter:    adapter,
		history:    newHistory(historyLimit),
		warmers:    warmers,
		logger:     logger,
	}
}

// Ask answers one question end to end. On failure the error is typed and the
// returned response still carries the sealed governance summary, with no
// answer text and an empty citation list.
func (e *Engine) Ask(ctx context.Context, req *models.AskRequest) (*models.AskResponse, error) {
	return e.ask(ctx, req, nil)
}

// AskStream answers one question, delivering the answer text incrementally
// through onDelta. Strategies without native streaming deliver the whole
// answer as a single delta. The returned response carries the full answer
// either way.
func (e *Engine) AskStream(ctx context.Context, req *models.AskRequest, onDelta func(delta string)) (*models.AskResponse, error) {
	return e.ask(ctx, req, onDelta)
}

func (e *Engine) ask(ctx context.Context, req *models.AskRequest, onDelta func(string)) (*models.AskResponse, error) {
	op := "rag"
	if onDelta != nil {
		op = "rag_stream"
	}
	started := time.Now()
	question := strings.TrimSpace(req.Question)

	gctx := e.tracker.Start(op)
	// Completion is idempotent; the defer guarantees a sealed trace on every
	// path, including panics unwinding through here.
	defer gctx.Complete(ctx)

	rec, err := e.classifier.Classify(ctx, question)
	if err != nil {
		gctx.Checkpoint(governance.CriterionPolicyGate, governance.StatusFailed, err.Error(), nil)
		e.countRequest(op, "error")
		e.countFailure(op, err)
		return failureResponse(gctx.Complete(ctx), started), err
	}

	// Adapt before any embedding happens so the cache lookup, retrieval, and
	// cache write of this request all use the same model pair.
	if e.adapter != nil {
		e.adapter.AdaptToQuery(string(rec.QueryType))
	}

	if e.cache != nil {
		if hit, ok := e.cache.Lookup(ctx, question); ok {
			return e.respondFromCache(ctx, gctx, op, question, rec, hit, started, onDelta), nil
		}
	}

	decision := e.router.Select(rec)
	strat, ok := e.strategies[decision.Arm]
	if !ok {
		err := apperr.Internal(fmt.Sprintf("no strategy registered for arm %q", decision.Arm), nil)
		gctx.Checkpoint(governance.CriterionPolicyGate, governance.StatusFailed, err.Error(), nil)
		e.countRequest(op, "error")
		e.countFailure(op, err)
		return failureResponse(gctx.Complete(ctx), started), err
	}

	sreq := &strategy.Request{
		Question: question,
		Record:   *rec,
		Options:  e.retrievalOptions(req),
		Trace:    gctx,
	}

	res, err := e.executeStrategy(ctx, strat, sreq, onDelta)
	if err != nil {
		// Strategies checkpoint their own generation failures; a hard
		// retrieval failure returns without one.
		if apperr.IsKind(err, apperr.KindVectorStoreUnavailable) {
			gctx.Checkpoint(governance.CriterionRetrieval, governance.StatusFailed, err.Error(), nil)
		}
		e.countRequest(op, "error")
		e.countFailure(op, err)
		e.logger.WithFields(logrus.Fields{
			"strategy": decision.Arm,
			"kind":     apperr.KindOf(err),
		}).WithError(err).Error("Strategy execution failed")
		return failureResponse(gctx.Complete(ctx), started), err
	}

	latencyMs := float64(time.Since(started).Milliseconds())
	var reward float64
	if ctx.Err() == nil {
		reward = e.router.ComputeReward(bandit.RewardInputs{
			Confidence: res.Confidence,
			Chunks:     len(res.Chunks),
			LatencyMs:  latencyMs,
		})
		if err := e.router.Update(decision.Arm, reward); err != nil {
			e.logger.WithError(err).Warn("Bandit update failed")
		}
		if e.cache != nil {
			e.cache.Put(ctx, question, res.Answer, res.Citations, decision.Arm, res.Confidence, len(res.Chunks))
		}
	} else {
		// The client went away after the answer was produced. The outcome is
		// unobserved, so neither the posterior nor the cache may learn it.
		e.logger.WithField("strategy", decision.Arm).Debug("Context cancelled, skipping bandit and cache updates")
	}

	usage := rec.Usage
	usage.Add(res.Usage)

	gctx.CheckpointEvidence(len(res.Citations), false)
	gctx.CheckpointQuality(res.Confidence)
	gctx.CheckpointCost(usage.TotalTokens)
	summary := gctx.Complete(ctx)

	queryID := uuid.NewString()
	e.history.Add(askRecord{
		ID:         queryID,
		Question:   question,
		Arm:        decision.Arm,
		QueryType:  string(rec.QueryType),
		Confidence: res.Confidence,
		Chunks:     len(res.Chunks),
		LatencyMs:  latencyMs,
		AutoReward: reward,
		AskedAt:    started,
	})
	e.countRequest(op, "success")
	e.observeLLM(res, usage)

	resp := &models.AskResponse{
		Answer:             res.Answer,
		Citations:          res.Citations,
		QueryID:            queryID,
		SelectedStrategy:   strategy.DisplayName(decision.Arm),
		StrategyReason:     decision.Reason,
		Confidence:         res.Confidence,
		NumChunksRetrieved: len(res.Chunks),
		RetrievalTimeMs:    res.RetrievalMs,
		LLMTimeMs:          res.LLMMs,
		TotalTimeMs:        time.Since(started).Milliseconds(),
		TokenUsage:         &usage,
		TokenCostUSD:       e.tokenCost(usage),
		TokenBreakdown: &models.TokenBreakdown{
			ClassificationTokens: rec.Usage.TotalTokens,
			GenerationTokens:     res.Usage.TotalTokens,
			TotalTokens:          usage.TotalTokens,
		},
		ToolUsage:         res.ToolUsage,
		Table:             res.Table,
		Iterations:        res.Iterations,
		GovernanceContext: summary,
		Models:            e.modelInfo(),
	}
	if res.Graph != nil {
		resp.Graph = res.Graph
	}
	if req.IncludeTimings {
		resp.Timings = res.Timings
	}

	e.logger.WithFields(logrus.Fields{
		"query_id":   queryID,
		"strategy":   decision.Arm,
		"query_type": rec.QueryType,
		"confidence": res.Confidence,
		"chunks":     len(res.Chunks),
		"reward":     reward,
		"latency_ms": latencyMs,
	}).Info("Question answered")
	return resp, nil
}

func (e *Engine) respondFromCache(ctx context.Context, gctx *governance.Context, op, question string, rec *classifier.Record, hit *answercache.Hit, started time.Time, onDelta func(string)) *models.AskResponse {
	if onDelta != nil {
		onDelta(hit.Answer)
	}

	gctx.CheckpointEvidence(len(hit.Citations), true)
	gctx.CheckpointQuality(hit.Confidence)
	summary := gctx.Complete(ctx)

	queryID := uuid.NewString()
	e.history.Add(askRecord{
		ID:         queryID,
		Question:   question,
		Arm:        hit.Strategy,
		QueryType:  string(rec.QueryType),
		Confidence: hit.Confidence,
		CacheHit:   true,
		CacheLayer: hit.Layer,
		AskedAt:    started,
	})
	e.countRequest(op, "success")

	resp := &models.AskResponse{
		Answer:            hit.Answer,
		Citations:         hit.Citations,
		QueryID:           queryID,
		SelectedStrategy:  strategy.DisplayCached,
		StrategyReason:    fmt.Sprintf("layer %d cache match for %q", hit.Layer, hit.MatchedQuery),
		Confidence:        hit.Confidence,
		TotalTimeMs:       time.Since(started).Milliseconds(),
		CacheHit:          true,
		CacheLayer:        hit.Layer,
		GovernanceContext: summary,
		Models:            e.modelInfo(),
	}
	// No generation happened; token fields stay null unless classification
	// itself spent tokens on this call.
	if rec.Usage.TotalTokens > 0 {
		usage := rec.Usage
		resp.TokenUsage = &usage
		resp.TokenCostUSD = e.tokenCost(usage)
		resp.TokenBreakdown = &models.TokenBreakdown{
			ClassificationTokens: usage.TotalTokens,
			TotalTokens:          usage.TotalTokens,
		}
	}

	e.logger.WithFields(logrus.Fields{
		"query_id": queryID,
		"layer":    hit.Layer,
		"strategy": hit.Strategy,
	}).Info("Answer served from cache")
	return resp
}

func (e *Engine) executeStrategy(ctx context.Context, strat strategy.Strategy, req *strategy.Request, onDelta func(string)) (*strategy.Result, error) {
	if onDelta == nil {
		return strat.Execute(ctx, req)
	}
	if s, ok := strat.(strategy.Streamer); ok {
		return s.ExecuteStream(ctx, req, onDelta)
	}
	res, err := strat.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	onDelta(res.Answer)
	return res, nil
}

// failureResponse carries the sealed trace back to the caller when no answer
// was produced.
func failureResponse(summary *models.GovernanceSummary, started time.Time) *models.AskResponse {
	return &models.AskResponse{
		Citations:         []models.Citation{},
		TotalTimeMs:       time.Since(started).Milliseconds(),
		GovernanceContext: summary,
	}
}

// SubmitFeedback grades a previously served answer. Negative feedback
// evicts the answer from the cache; feedback on answers produced by a
// strategy run also updates that arm's posterior. Repeated feedback for the
// same query is acknowledged but changes nothing.
func (e *Engine) SubmitFeedback(ctx context.Context, req *models.FeedbackRequest) (*models.FeedbackResponse, error) {
	if req == nil || strings.TrimSpace(req.QueryID) == "" {
		return nil, apperr.Validation("query_id is required", nil)
	}
	if req.Rating == nil {
		return nil, apperr.Validation("rating is required", nil)
	}
	rating := clamp01(*req.Rating)

	gctx := e.tracker.Start("feedback")

	rec, first, found := e.history.Claim(req.QueryID)
	if !found {
		err := apperr.FeedbackNotFound(req.QueryID)
		gctx.Checkpoint(governance.CriterionAudit, governance.StatusWarning, err.Error(), nil)
		gctx.Complete(ctx)
		e.countRequest("feedback", "error")
		e.countFailure("feedback", err)
		return nil, err
	}

	resp := &models.FeedbackResponse{QueryID: req.QueryID, Status: "accepted"}
	if !first {
		resp.Status = "duplicate"
		resp.Message = "feedback for this query was already recorded"
		gctx.CheckpointAudit("duplicate feedback ignored")
		gctx.Complete(ctx)
		e.countRequest("feedback", "success")
		return resp, nil
	}

	if rating < negativeRating && e.cache != nil {
		resp.CacheInvalidated = e.cache.Invalidate(rec.Question)
	}

	if !rec.CacheHit {
		blended := feedbackUserWeight*rating + feedbackAutoWeight*rec.AutoReward
		if err := e.router.Update(rec.Arm, blended); err != nil {
			e.logger.WithError(err).Warn("Bandit feedback update failed")
		} else {
			resp.BanditUpdated = true
		}
	}

	switch {
	case resp.CacheInvalidated && resp.BanditUpdated:
		resp.Message = "cached answer invalidated and bandit updated"
	case resp.CacheInvalidated:
		resp.Message = "cached answer invalidated"
	case resp.BanditUpdated:
		resp.Message = "bandit updated"
	default:
		resp.Message = "feedback recorded"
	}

	gctx.CheckpointAudit(fmt.Sprintf("rating %.2f for strategy %s", rating, rec.Arm))
	gctx.Complete(ctx)
	e.countRequest("feedback", "success")

	e.logger.WithFields(logrus.Fields{
		"query_id":          req.QueryID,
		"rating":            rating,
		"strategy":          rec.Arm,
		"bandit_updated":    resp.BanditUpdated,
		"cache_invalidated": resp.CacheInvalidated,
	}).Info("Feedback applied")
	return resp, nil
}

// Canned questions used to seed a cold-started bandit, one per arm.
var warmupQuestions = map[string]string{
	strategy.NameHybrid:    "What is this knowledge base about?",
	strategy.NameIterative: "Explain the main topic and why it matters.",
	strategy.NameGraph:     "How are the main entities related to each other?",
	strategy.NameTable:     "What is the total of the most important numeric column?",
}

// WarmUp exercises each registered warmer once so the first real question
// does not pay cold-start costs, then, if the bandit has no prior state,
// runs one canned question per registered arm to seed the posteriors.
// Failures are logged and the first warmer error is returned, but the
// remaining steps still run.
func (e *Engine) WarmUp(ctx context.Context) error {
	gctx := e.tracker.Start("warmup")
	defer gctx.Complete(ctx)

	var firstErr error
	for _, w := range e.warmers {
		if err := w.WarmUp(ctx); err != nil {
			gctx.CheckpointReliability(true, err.Error())
			e.logger.WithError(err).Warn("Warm-up step failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr == nil {
		gctx.CheckpointReliability(false, fmt.Sprintf("%d warmers completed", len(e.warmers)))
	}

	if e.router.ColdStart() {
		e.seedArms(ctx, gctx)
	}
	return firstErr
}

// seedArms runs one canned question through every registered strategy so a
// cold-started bandit begins with observed rewards instead of uniform
// priors. Best effort: a failing arm is logged and left at its prior.
func (e *Engine) seedArms(ctx context.Context, gctx *governance.Context) {
	arms := make([]string, 0, len(e.strategies))
	for arm := range e.strategies {
		arms = append(arms, arm)
	}
	sort.Strings(arms)

	for _, arm := range arms {
		question, ok := warmupQuestions[arm]
		if !ok {
			continue
		}
		started := time.Now()
		res, err := e.strategies[arm].Execute(ctx, &strategy.Request{
			Question: question,
			Record:   warmupRecord(arm, question),
			Options:  retrieval.Options{Rerank: e.cfg.Retrieval.RerankEnabled},
			Trace:    gctx,
		})
		if err != nil {
			e.logger.WithError(err).WithField("strategy", arm).Warn("Warm-up query failed")
			continue
		}
		reward := e.router.ComputeReward(bandit.RewardInputs{
			Confidence: res.Confidence,
			Chunks:     len(res.Chunks),
			LatencyMs:  float64(time.Since(started).Milliseconds()),
		})
		if err := e.router.Update(arm, reward); err != nil {
			e.logger.WithError(err).WithField("strategy", arm).Warn("Bandit seed update failed")
		}
	}
}

func warmupRecord(arm, question string) classifier.Record {
	queryType := classifier.TypeGeneral
	switch arm {
	case strategy.NameHybrid:
		queryType = classifier.TypeFactual
	case strategy.NameIterative:
		queryType = classifier.TypeComplex
	case strategy.NameGraph:
		queryType = classifier.TypeRelationship
	case strategy.NameTable:
		queryType = classifier.TypeStructured
	}
	return classifier.Record{
		Query:      question,
		QueryType:  queryType,
		Confidence: 1,
		Source:     classifier.SourceKeyword,
		Timestamp:  time.Now(),
	}
}

// BanditState exposes the router posterior for the inspection endpoint.
func (e *Engine) BanditState() models.BanditStateResponse {
	return e.router.State()
}

// CacheStats exposes answer cache counters for health reporting.
func (e *Engine) CacheStats() answercache.Stats {
	if e.cache == nil {
		return answercache.Stats{}
	}
	return e.cache.Stats()
}

// ClassifierStats exposes classification cache counters for health
// reporting.
func (e *Engine) ClassifierStats() classifier.CacheStats {
	return e.classifier.CacheStats()
}

// Close persists state that only lives in memory. The bandit persists on
// every update and needs no action here.
func (e *Engine) Close() error {
	return e.classifier.Persist()
}

func (e *Engine) retrievalOptions(req *models.AskRequest) retrieval.Options {
	opts := retrieval.Options{
		TopK:             req.TopK,
		VectorLimit:      req.VectorLimit,
		ContentCharLimit: req.ContentCharLimit,
	}
	switch req.Reranker {
	case "":
		opts.Rerank = e.cfg.Retrieval.RerankEnabled
	case "none", "off":
		opts.Rerank = false
	default:
		opts.Rerank = true
	}
	return opts
}

func (e *Engine) modelInfo() *models.ModelInfo {
	info := &models.ModelInfo{
		LLMModel:       e.cfg.LLM.Model,
		EmbeddingModel: e.cfg.Embedding.PrimaryEmbedModel,
		RerankerModel:  e.cfg.Embedding.PrimaryRerankModel,
	}
	if e.adapter != nil {
		info.EmbeddingModel = e.adapter.CurrentEmbedID()
		info.RerankerModel = e.adapter.CurrentRerankID()
	}
	return info
}

// tokenCost prices the call, or returns nil when no pricing is configured.
func (e *Engine) tokenCost(usage models.TokenUsage) *float64 {
	pricing := llm.Pricing{
		PromptPer1K:     e.cfg.LLM.CostPer1KPrompt,
		CompletionPer1K: e.cfg.LLM.CostPer1KCompletion,
	}
	if !pricing.Enabled() {
		return nil
	}
	cost := pricing.Cost(usage)
	return &cost
}

func (e *Engine) observeLLM(res *strategy.Result, usage models.TokenUsage) {
	if e.metrics == nil {
		return
	}
	model := e.cfg.LLM.Model
	if res.LLMMs > 0 {
		e.metrics.LLMLatency.WithLabelValues(model).Observe(float64(res.LLMMs) / 1000)
	}
	if usage.PromptTokens > 0 {
		e.metrics.LLMTokens.WithLabelValues(model, "prompt").Add(float64(usage.PromptTokens))
	}
	if usage.CompletionTokens > 0 {
		e.metrics.LLMTokens.WithLabelValues(model, "completion").Add(float64(usage.CompletionTokens))
	}
}

func (e *Engine) countRequest(op, status string) {
	if e.metrics != nil {
		e.metrics.RequestCount.WithLabelValues(op, status).Inc()
	}
}

func (e *Engine) countFailure(op string, err error) {
	if e.metrics != nil {
		e.metrics.FailureCount.WithLabelValues(op, apperr.KindOf(err)).Inc()
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

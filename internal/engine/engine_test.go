package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adaptiverag/internal/answercache"
	"adaptiverag/internal/apperr"
	"adaptiverag/internal/bandit"
	"adaptiverag/internal/classifier"
	"adaptiverag/internal/config"
	"adaptiverag/internal/governance"
	"adaptiverag/internal/models"
	"adaptiverag/internal/strategy"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

type strategyReply struct {
	res *strategy.Result
	err error
}

// fakeStrategy replays scripted results; the last reply repeats. hook, when
// set, runs during Execute so tests can cancel contexts mid-flight.
type fakeStrategy struct {
	mu      sync.Mutex
	name    string
	replies []strategyReply
	calls   int
	reqs    []*strategy.Request
	hook    func()
}

func newFakeStrategy(name string, replies ...strategyReply) *fakeStrategy {
	return &fakeStrategy{name: name, replies: replies}
}

func (f *fakeStrategy) Name() string        { return f.name }
func (f *fakeStrategy) DisplayName() string { return strategy.DisplayName(f.name) }

func (f *fakeStrategy) Execute(_ context.Context, req *strategy.Request) (*strategy.Result, error) {
	f.mu.Lock()
	f.calls++
	f.reqs = append(f.reqs, req)
	reply := strategyReply{res: answeredResult("ok", 0.9)}
	if len(f.replies) > 0 {
		i := f.calls - 1
		if i >= len(f.replies) {
			i = len(f.replies) - 1
		}
		reply = f.replies[i]
	}
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if reply.err != nil {
		return nil, reply.err
	}
	return reply.res, nil
}

func (f *fakeStrategy) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeStrategy) request(i int) *strategy.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i < 0 || i >= len(f.reqs) {
		return nil
	}
	return f.reqs[i]
}

// streamingStrategy additionally implements strategy.Streamer, delivering
// the answer in two deltas.
type streamingStrategy struct {
	*fakeStrategy
	streamCalls int
}

func (s *streamingStrategy) ExecuteStream(ctx context.Context, req *strategy.Request, onDelta func(delta string)) (*strategy.Result, error) {
	res, err := s.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.streamCalls++
	s.mu.Unlock()
	half := len(res.Answer) / 2
	onDelta(res.Answer[:half])
	onDelta(res.Answer[half:])
	return res, nil
}

func answeredResult(answer string, confidence float64) *strategy.Result {
	return &strategy.Result{
		Answer: answer,
		Citations: []models.Citation{
			{Source: "corpus.md", Content: "supporting passage", Score: 0.91},
		},
		Chunks: []models.RetrievedChunk{
			{
				Chunk: models.Chunk{ID: "c1", DocumentID: "doc-1", Source: "corpus.md", Text: "supporting passage"},
				Score: 0.91,
			},
		},
		Confidence:  confidence,
		Usage:       models.TokenUsage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
		Timings:     map[string]interface{}{"llm_ms": int64(340)},
		RetrievalMs: 12,
		LLMMs:       340,
		Iterations:  1,
	}
}

func newTestEngine(t *testing.T, strategies map[string]strategy.Strategy, warmers ...Warmer) (*Engine, *answercache.Cache) {
	t.Helper()
	logger := quietLogger()

	cls := classifier.New(config.ClassifierConfig{
		SemanticThreshold: 0.80,
		ConfidenceFloor:   0.55,
		LongQueryWords:    25,
		LLMEnabled:        false,
	}, nil, nil, logger)

	cache := answercache.New(config.CacheConfig{
		MaxSize:        100,
		TTL:            time.Hour,
		TFIDFThreshold: 0.30,
		DenseThreshold: 0.88,
	}, nil, nil, logger)

	router := bandit.NewRouter(filepath.Join(t.TempDir(), "bandit.json"), "", 0.2, nil, logger, bandit.WithSeed(11))

	tracker := governance.NewTracker(config.GovernanceConfig{
		SLOStandard: 10 * time.Second,
		SLOElevated: 15 * time.Second,
	}, nil, nil, logger)

	cfg := &config.Config{
		LLM: config.LLMConfig{Model: "test-model"},
		Retrieval: config.RetrievalConfig{
			TopK:             5,
			MaxCandidates:    50,
			FusionAlpha:      0.7,
			MaxContextChunks: 30,
			ContentCharLimit: 1200,
		},
		Embedding: config.EmbeddingConfig{
			PrimaryEmbedModel:  "bge-m3",
			PrimaryRerankModel: "bge-reranker-v2-m3",
		},
	}

	return New(cfg, cls, cache, router, strategies, tracker, nil, nil, logger, warmers...), cache
}

// fakeAdapter records difficulty hints and reports fixed model names.
type fakeAdapter struct {
	mu    sync.Mutex
	hints []string
}

func (f *fakeAdapter) AdaptToQuery(queryType string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hints = append(f.hints, queryType)
}

func (f *fakeAdapter) CurrentEmbedID() string  { return "adapted-embed" }
func (f *fakeAdapter) CurrentRerankID() string { return "adapted-rerank" }

func (f *fakeAdapter) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.hints))
	copy(out, f.hints)
	return out
}

func hybridOnly(replies ...strategyReply) (*fakeStrategy, map[string]strategy.Strategy) {
	hybrid := newFakeStrategy(strategy.NameHybrid, replies...)
	return hybrid, map[string]strategy.Strategy{strategy.NameHybrid: hybrid}
}

func TestAskAnswersAndRecordsOutcome(t *testing.T) {
	hybrid, strategies := hybridOnly(strategyReply{res: answeredResult("Paris is the capital of France.", 0.9)})
	eng, cache := newTestEngine(t, strategies)

	resp, err := eng.Ask(context.Background(), &models.AskRequest{Question: "  What is the capital of France?  "})
	require.NoError(t, err)

	assert.Equal(t, "Paris is the capital of France.", resp.Answer)
	assert.Equal(t, strategy.DisplayHybrid, resp.SelectedStrategy)
	assert.NotEmpty(t, resp.QueryID)
	assert.NotEmpty(t, resp.StrategyReason)
	assert.Equal(t, 0.9, resp.Confidence)
	assert.Equal(t, 1, resp.NumChunksRetrieved)
	assert.False(t, resp.CacheHit)
	assert.Equal(t, 1, resp.Iterations)
	assert.Nil(t, resp.Timings)

	require.NotNil(t, resp.TokenUsage)
	assert.Equal(t, 150, resp.TokenUsage.TotalTokens)
	require.NotNil(t, resp.TokenBreakdown)
	assert.Equal(t, 0, resp.TokenBreakdown.ClassificationTokens)
	assert.Equal(t, 150, resp.TokenBreakdown.GenerationTokens)
	assert.Nil(t, resp.TokenCostUSD)

	require.NotNil(t, resp.Models)
	assert.Equal(t, "test-model", resp.Models.LLMModel)
	assert.Equal(t, "bge-m3", resp.Models.EmbeddingModel)

	require.NotNil(t, resp.GovernanceContext)
	assert.Equal(t, "rag", resp.GovernanceContext.OperationType)
	assert.Equal(t, governance.TierR1, resp.GovernanceContext.RiskTier)
	assert.Equal(t, "passed", resp.GovernanceContext.Status)

	assert.Equal(t, 1, hybrid.callCount())
	req := hybrid.request(0)
	require.NotNil(t, req)
	assert.Equal(t, "What is the capital of France?", req.Question)
	assert.Equal(t, classifier.TypeFactual, req.Record.QueryType)
	assert.NotNil(t, req.Trace)

	state := eng.BanditState()
	assert.Equal(t, float64(1), state.Arms[strategy.NameHybrid].Trials)
	assert.Greater(t, state.Arms[strategy.NameHybrid].Mean, 0.5)
	assert.Equal(t, 1, cache.Len())
}

func TestAskServesRepeatFromExactCache(t *testing.T) {
	hybrid, strategies := hybridOnly(strategyReply{res: answeredResult("Paris is the capital of France.", 0.9)})
	eng, _ := newTestEngine(t, strategies)

	first, err := eng.Ask(context.Background(), &models.AskRequest{Question: "What is the capital of France?"})
	require.NoError(t, err)

	second, err := eng.Ask(context.Background(), &models.AskRequest{Question: "What is the capital of France?"})
	require.NoError(t, err)

	assert.True(t, second.CacheHit)
	assert.Equal(t, 1, second.CacheLayer)
	assert.Equal(t, strategy.DisplayCached, second.SelectedStrategy)
	assert.Contains(t, second.StrategyReason, "layer 1")
	assert.Equal(t, first.Answer, second.Answer)
	assert.Equal(t, first.Citations, second.Citations)
	assert.NotEqual(t, first.QueryID, second.QueryID)
	assert.Nil(t, second.TokenUsage)
	assert.Nil(t, second.TokenBreakdown)
	require.NotNil(t, second.GovernanceContext)

	assert.Equal(t, 1, hybrid.callCount())
	assert.Equal(t, float64(1), eng.BanditState().Arms[strategy.NameHybrid].Trials)
}

func TestAskAdaptsEmbeddingPairToQueryType(t *testing.T) {
	_, strategies := hybridOnly(strategyReply{res: answeredResult("Paris is the capital of France.", 0.9)})
	eng, _ := newTestEngine(t, strategies)
	adapter := &fakeAdapter{}
	eng.adapter = adapter

	resp, err := eng.Ask(context.Background(), &models.AskRequest{Question: "What is the capital of France?"})
	require.NoError(t, err)

	require.Equal(t, []string{string(classifier.TypeFactual)}, adapter.recorded())
	require.NotNil(t, resp.Models)
	assert.Equal(t, "adapted-embed", resp.Models.EmbeddingModel)
	assert.Equal(t, "adapted-rerank", resp.Models.RerankerModel)
}

func TestAskTokenPermutationHitsExactLayer(t *testing.T) {
	hybrid, strategies := hybridOnly(strategyReply{res: answeredResult("Paris is the capital of France.", 0.9)})
	eng, _ := newTestEngine(t, strategies)

	_, err := eng.Ask(context.Background(), &models.AskRequest{Question: "What is the capital of France?"})
	require.NoError(t, err)

	resp, err := eng.Ask(context.Background(), &models.AskRequest{Question: "of France, what IS the capital?"})
	require.NoError(t, err)

	assert.True(t, resp.CacheHit)
	assert.Equal(t, 1, resp.CacheLayer)
	assert.Equal(t, 1, hybrid.callCount())
}

func TestAskForcedGraphRouting(t *testing.T) {
	hybrid := newFakeStrategy(strategy.NameHybrid)
	graphStrat := newFakeStrategy(strategy.NameGraph, strategyReply{res: answeredResult("They are married.", 0.8)})
	eng, _ := newTestEngine(t, map[string]strategy.Strategy{
		strategy.NameHybrid: hybrid,
		strategy.NameGraph:  graphStrat,
	})

	resp, err := eng.Ask(context.Background(), &models.AskRequest{Question: "How is Elizabeth related to Darcy?"})
	require.NoError(t, err)

	assert.Equal(t, strategy.DisplayGraph, resp.SelectedStrategy)
	assert.Equal(t, 1, graphStrat.callCount())
	assert.Equal(t, 0, hybrid.callCount())
	assert.Equal(t, classifier.TypeRelationship, graphStrat.request(0).Record.QueryType)
}

func TestAskStructuredQuestionForcedToTable(t *testing.T) {
	hybrid := newFakeStrategy(strategy.NameHybrid)
	tableStrat := newFakeStrategy(strategy.NameTable, strategyReply{res: answeredResult("Total consumption is 42 kWh.", 0.85)})
	eng, _ := newTestEngine(t, map[string]strategy.Strategy{
		strategy.NameHybrid: hybrid,
		strategy.NameTable:  tableStrat,
	})

	resp, err := eng.Ask(context.Background(), &models.AskRequest{Question: "What is the total kwh reading per meter?"})
	require.NoError(t, err)

	assert.Equal(t, strategy.DisplayTable, resp.SelectedStrategy)
	assert.Equal(t, 1, tableStrat.callCount())
	assert.Equal(t, 0, hybrid.callCount())
}

func TestAskStrategyFailureSurfaces(t *testing.T) {
	_, strategies := hybridOnly(strategyReply{err: apperr.LLMUpstream("model rejected the request", nil)})
	eng, cache := newTestEngine(t, strategies)

	resp, err := eng.Ask(context.Background(), &models.AskRequest{Question: "What is the capital of France?"})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindLLMUpstream))

	// Even a failed request hands back a sealed trace with no answer text.
	require.NotNil(t, resp)
	assert.Empty(t, resp.Answer)
	assert.Empty(t, resp.Citations)
	require.NotNil(t, resp.GovernanceContext)
	assert.Equal(t, "rag", resp.GovernanceContext.OperationType)

	assert.Equal(t, float64(0), eng.BanditState().Arms[strategy.NameHybrid].Trials)
	assert.Equal(t, 0, cache.Len())
}

func TestAskEmptyQuestionFails(t *testing.T) {
	_, strategies := hybridOnly()
	eng, _ := newTestEngine(t, strategies)

	_, err := eng.Ask(context.Background(), &models.AskRequest{Question: "   "})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindInputValidation))
	assert.Equal(t, 400, apperr.StatusOf(err))
}

func TestAskStreamDeltasFromStreamer(t *testing.T) {
	streamer := &streamingStrategy{
		fakeStrategy: newFakeStrategy(strategy.NameHybrid, strategyReply{res: answeredResult("Paris is the capital of France.", 0.9)}),
	}
	eng, _ := newTestEngine(t, map[string]strategy.Strategy{strategy.NameHybrid: streamer})

	var deltas []string
	resp, err := eng.AskStream(context.Background(), &models.AskRequest{Question: "What is the capital of France?"}, func(delta string) {
		deltas = append(deltas, delta)
	})
	require.NoError(t, err)

	assert.Len(t, deltas, 2)
	assert.Equal(t, resp.Answer, strings.Join(deltas, ""))
	assert.Equal(t, "Paris is the capital of France.", resp.Answer)
}

func TestAskStreamSingleDeltaFallback(t *testing.T) {
	graphStrat := newFakeStrategy(strategy.NameGraph, strategyReply{res: answeredResult("They are married.", 0.8)})
	eng, _ := newTestEngine(t, map[string]strategy.Strategy{strategy.NameGraph: graphStrat})

	var deltas []string
	resp, err := eng.AskStream(context.Background(), &models.AskRequest{Question: "How is Elizabeth related to Darcy?"}, func(delta string) {
		deltas = append(deltas, delta)
	})
	require.NoError(t, err)

	require.Len(t, deltas, 1)
	assert.Equal(t, resp.Answer, deltas[0])
}

func TestAskStreamServesCachedAnswer(t *testing.T) {
	hybrid, strategies := hybridOnly(strategyReply{res: answeredResult("Paris is the capital of France.", 0.9)})
	eng, _ := newTestEngine(t, strategies)

	_, err := eng.Ask(context.Background(), &models.AskRequest{Question: "What is the capital of France?"})
	require.NoError(t, err)

	var deltas []string
	resp, err := eng.AskStream(context.Background(), &models.AskRequest{Question: "What is the capital of France?"}, func(delta string) {
		deltas = append(deltas, delta)
	})
	require.NoError(t, err)

	assert.True(t, resp.CacheHit)
	require.Len(t, deltas, 1)
	assert.Equal(t, resp.Answer, deltas[0])
	assert.Equal(t, 1, hybrid.callCount())
}

func TestAskSkipsCachingUncitedAnswers(t *testing.T) {
	uncited := &strategy.Result{
		Answer:     "I could not find relevant information to answer this question.",
		Citations:  []models.Citation{},
		Confidence: 0,
		Iterations: 1,
	}
	hybrid, strategies := hybridOnly(strategyReply{res: uncited})
	eng, cache := newTestEngine(t, strategies)

	resp, err := eng.Ask(context.Background(), &models.AskRequest{Question: "What is the capital of France?"})
	require.NoError(t, err)
	assert.Equal(t, 0, cache.Len())
	require.NotNil(t, resp.GovernanceContext)
	assert.GreaterOrEqual(t, resp.GovernanceContext.Warnings, 1)

	_, err = eng.Ask(context.Background(), &models.AskRequest{Question: "What is the capital of France?"})
	require.NoError(t, err)
	assert.Equal(t, 2, hybrid.callCount())
}

func TestAskIncludeTimings(t *testing.T) {
	res := answeredResult("Paris is the capital of France.", 0.9)
	_, strategies := hybridOnly(strategyReply{res: res})
	eng, _ := newTestEngine(t, strategies)

	resp, err := eng.Ask(context.Background(), &models.AskRequest{
		Question:       "What is the capital of France?",
		IncludeTimings: true,
	})
	require.NoError(t, err)
	assert.Equal(t, res.Timings, resp.Timings)
}

func TestFeedbackOnUnknownQuery(t *testing.T) {
	_, strategies := hybridOnly()
	eng, _ := newTestEngine(t, strategies)

	rating := 1.0
	_, err := eng.SubmitFeedback(context.Background(), &models.FeedbackRequest{QueryID: "missing", Rating: &rating})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindFeedbackNotFound))
	assert.Equal(t, 404, apperr.StatusOf(err))
}

func TestFeedbackMissingRating(t *testing.T) {
	_, strategies := hybridOnly()
	eng, _ := newTestEngine(t, strategies)

	_, err := eng.SubmitFeedback(context.Background(), &models.FeedbackRequest{QueryID: "q"})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindInputValidation))
}

func TestFeedbackPositiveUpdatesBandit(t *testing.T) {
	_, strategies := hybridOnly(strategyReply{res: answeredResult("Paris is the capital of France.", 0.9)})
	eng, _ := newTestEngine(t, strategies)

	resp, err := eng.Ask(context.Background(), &models.AskRequest{Question: "What is the capital of France?"})
	require.NoError(t, err)

	rating := 1.0
	fb, err := eng.SubmitFeedback(context.Background(), &models.FeedbackRequest{QueryID: resp.QueryID, Rating: &rating})
	require.NoError(t, err)

	assert.Equal(t, "accepted", fb.Status)
	assert.True(t, fb.BanditUpdated)
	assert.False(t, fb.CacheInvalidated)
	assert.Equal(t, "bandit updated", fb.Message)
	assert.Equal(t, float64(2), eng.BanditState().Arms[strategy.NameHybrid].Trials)
}

func TestFeedbackNegativeInvalidatesFreshCacheEntry(t *testing.T) {
	hybrid, strategies := hybridOnly(strategyReply{res: answeredResult("Paris is the capital of France.", 0.9)})
	eng, cache := newTestEngine(t, strategies)

	resp, err := eng.Ask(context.Background(), &models.AskRequest{Question: "What is the capital of France?"})
	require.NoError(t, err)
	require.Equal(t, 1, cache.Len())

	rating := 0.0
	fb, err := eng.SubmitFeedback(context.Background(), &models.FeedbackRequest{QueryID: resp.QueryID, Rating: &rating})
	require.NoError(t, err)

	assert.True(t, fb.CacheInvalidated)
	assert.True(t, fb.BanditUpdated)
	assert.Equal(t, 0, cache.Len())

	_, err = eng.Ask(context.Background(), &models.AskRequest{Question: "What is the capital of France?"})
	require.NoError(t, err)
	assert.Equal(t, 2, hybrid.callCount())
}

func TestFeedbackNegativeOnCacheHitSkipsBandit(t *testing.T) {
	hybrid, strategies := hybridOnly(strategyReply{res: answeredResult("Paris is the capital of France.", 0.9)})
	eng, cache := newTestEngine(t, strategies)

	_, err := eng.Ask(context.Background(), &models.AskRequest{Question: "What is the capital of France?"})
	require.NoError(t, err)

	cached, err := eng.Ask(context.Background(), &models.AskRequest{Question: "What is the capital of France?"})
	require.NoError(t, err)
	require.True(t, cached.CacheHit)

	rating := 0.2
	fb, err := eng.SubmitFeedback(context.Background(), &models.FeedbackRequest{QueryID: cached.QueryID, Rating: &rating})
	require.NoError(t, err)

	assert.True(t, fb.CacheInvalidated)
	assert.False(t, fb.BanditUpdated)
	assert.Equal(t, "cached answer invalidated", fb.Message)
	assert.Equal(t, 0, cache.Len())
	assert.Equal(t, float64(1), eng.BanditState().Arms[strategy.NameHybrid].Trials)

	_, err = eng.Ask(context.Background(), &models.AskRequest{Question: "What is the capital of France?"})
	require.NoError(t, err)
	assert.Equal(t, 2, hybrid.callCount())
}

func TestFeedbackDuplicateIgnored(t *testing.T) {
	_, strategies := hybridOnly(strategyReply{res: answeredResult("Paris is the capital of France.", 0.9)})
	eng, cache := newTestEngine(t, strategies)

	resp, err := eng.Ask(context.Background(), &models.AskRequest{Question: "What is the capital of France?"})
	require.NoError(t, err)

	rating := 1.0
	_, err = eng.SubmitFeedback(context.Background(), &models.FeedbackRequest{QueryID: resp.QueryID, Rating: &rating})
	require.NoError(t, err)

	low := 0.0
	second, err := eng.SubmitFeedback(context.Background(), &models.FeedbackRequest{QueryID: resp.QueryID, Rating: &low})
	require.NoError(t, err)

	assert.Equal(t, "duplicate", second.Status)
	assert.False(t, second.BanditUpdated)
	assert.False(t, second.CacheInvalidated)
	assert.Equal(t, float64(2), eng.BanditState().Arms[strategy.NameHybrid].Trials)
	assert.Equal(t, 1, cache.Len())
}

func TestWarmUpRunsEveryWarmerAndReportsFirstFailure(t *testing.T) {
	var order []string
	boom := errors.New("embedder offline")
	warmers := []Warmer{
		WarmerFunc(func(context.Context) error { order = append(order, "a"); return nil }),
		WarmerFunc(func(context.Context) error { order = append(order, "b"); return boom }),
		WarmerFunc(func(context.Context) error { order = append(order, "c"); return nil }),
	}
	_, strategies := hybridOnly()
	eng, _ := newTestEngine(t, strategies, warmers...)

	err := eng.WarmUp(context.Background())
	assert.Equal(t, boom, err)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	// A warmer failure does not stop the cold-start sweep.
	assert.Equal(t, float64(1), eng.BanditState().Arms[strategy.NameHybrid].Trials)
}

func TestWarmUpSeedsEveryRegisteredArmOnce(t *testing.T) {
	hybrid := newFakeStrategy(strategy.NameHybrid)
	iterative := newFakeStrategy(strategy.NameIterative)
	graphStrat := newFakeStrategy(strategy.NameGraph)
	tableStrat := newFakeStrategy(strategy.NameTable)
	eng, cache := newTestEngine(t, map[string]strategy.Strategy{
		strategy.NameHybrid:    hybrid,
		strategy.NameIterative: iterative,
		strategy.NameGraph:     graphStrat,
		strategy.NameTable:     tableStrat,
	})

	require.True(t, eng.BanditState().ColdStart)
	require.NoError(t, eng.WarmUp(context.Background()))

	state := eng.BanditState()
	for _, arm := range []string{strategy.NameHybrid, strategy.NameIterative, strategy.NameGraph, strategy.NameTable} {
		assert.Equal(t, float64(1), state.Arms[arm].Trials, arm)
	}
	assert.Equal(t, classifier.TypeRelationship, graphStrat.request(0).Record.QueryType)
	assert.Equal(t, classifier.TypeStructured, tableStrat.request(0).Record.QueryType)
	assert.Equal(t, 0, cache.Len())

	// Posteriors already observed, so a second warm-up does not re-seed.
	require.NoError(t, eng.WarmUp(context.Background()))
	assert.Equal(t, 1, hybrid.callCount())
}

func TestAskCancelledContextSkipsLearning(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hybrid, strategies := hybridOnly(strategyReply{res: answeredResult("Paris is the capital of France.", 0.9)})
	hybrid.hook = cancel
	eng, cache := newTestEngine(t, strategies)

	resp, err := eng.Ask(ctx, &models.AskRequest{Question: "What is the capital of France?"})
	require.NoError(t, err)
	assert.Equal(t, "Paris is the capital of France.", resp.Answer)

	assert.Equal(t, float64(0), eng.BanditState().Arms[strategy.NameHybrid].Trials)
	assert.Equal(t, 0, cache.Len())
}

func TestCloseIsIdempotentWithoutCacheFile(t *testing.T) {
	_, strategies := hybridOnly()
	eng, _ := newTestEngine(t, strategies)

	require.NoError(t, eng.Close())
	require.NoError(t, eng.Close())
}

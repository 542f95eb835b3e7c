package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"adaptiverag/internal/apperr"
	"adaptiverag/internal/config"
	"adaptiverag/internal/llm"
	"adaptiverag/internal/models"
	"adaptiverag/internal/retrieval"
)

// Hybrid is the baseline strategy: fused sparse+dense retrieval feeding one
// grounded generation call. Confidence is the best chunk's score.
type Hybrid struct {
	retriever Retriever
	llm       llm.Client
	cfg       config.RetrievalConfig
	logger    *logrus.Logger
}

// NewHybrid wires the baseline strategy.
func NewHybrid(retriever Retriever, client llm.Client, cfg config.RetrievalConfig, logger *logrus.Logger) *Hybrid {
	if logger == nil {
		logger = logrus.New()
	}
	return &Hybrid{retriever: retriever, llm: client, cfg: cfg, logger: logger}
}

func (h *Hybrid) Name() string        { return NameHybrid }
func (h *Hybrid) DisplayName() string { return DisplayHybrid }

// Execute answers the question in one retrieval plus one generation pass.
func (h *Hybrid) Execute(ctx context.Context, req *Request) (*Result, error) {
	return h.run(ctx, req, nil)
}

// ExecuteStream behaves like Execute but forwards generation deltas as they
// arrive.
func (h *Hybrid) ExecuteStream(ctx context.Context, req *Request, onDelta func(delta string)) (*Result, error) {
	return h.run(ctx, req, onDelta)
}

func (h *Hybrid) run(ctx context.Context, req *Request, onDelta func(delta string)) (*Result, error) {
	start := time.Now()

	retrievalStart := time.Now()
	res, err := retrieveWithRetry(ctx, h.retriever, req.Question, req.Options)
	retrievalMs := time.Since(retrievalStart).Milliseconds()

	if err != nil {
		if apperr.IsKind(err, apperr.KindRetrievalEmpty) {
			req.Trace.CheckpointRetrieval(0, NameHybrid)
			timings := hybridTimings(retrieval.Timings{}, 0, time.Since(start).Milliseconds())
			return emptyResult(timings, retrievalMs), nil
		}
		return nil, err
	}

	chunks := capChunks(res.Chunks, h.cfg.MaxContextChunks)
	req.Trace.CheckpointRetrieval(len(chunks), NameHybrid)

	prompt := fmt.Sprintf("Context passages:\n\n%s\n\nQuestion: %s", contextBlock(chunks, 1), req.Question)
	llmReq := &llm.Request{Messages: llm.SystemUser(groundedAnswerSystem, prompt)}

	llmStart := time.Now()
	var answer *llm.Result
	if onDelta != nil {
		answer, err = h.llm.CompleteStream(ctx, llmReq, onDelta)
	} else {
		answer, err = h.llm.Complete(ctx, llmReq)
	}
	llmMs := time.Since(llmStart).Milliseconds()

	if err != nil {
		req.Trace.CheckpointGeneration(err, completerModel(h.llm), 0)
		return nil, err
	}
	req.Trace.CheckpointGeneration(nil, answer.Model, answer.Usage.TotalTokens)

	endToEnd := time.Since(start).Milliseconds()
	return &Result{
		Answer:      answer.Text,
		Citations:   citationsFrom(chunks),
		Chunks:      chunks,
		Confidence:  maxScore(chunks),
		Usage:       answer.Usage,
		Timings:     hybridTimings(res.Timings, llmMs, endToEnd),
		RetrievalMs: retrievalMs,
		LLMMs:       llmMs,
		Iterations:  1,
	}, nil
}

func hybridTimings(t retrieval.Timings, llmMs, endToEnd int64) map[string]interface{} {
	return map[string]interface{}{
		"embed_ms":          t.EmbedMs,
		"vector_ms":         t.VectorMs,
		"candidate_prep_ms": t.CandidatePrepMs,
		"rerank_ms":         t.RerankMs,
		"llm_ms":            llmMs,
		"end_to_end_ms":     endToEnd,
	}
}

// retrieveOnly runs the retrieval half of the hybrid pipeline, used by the
// iterative strategy's follow-up rounds.
func (h *Hybrid) retrieveOnly(ctx context.Context, query string, opts retrieval.Options) ([]models.RetrievedChunk, *retrieval.Result, error) {
	res, err := retrieveWithRetry(ctx, h.retriever, query, opts)
	if err != nil {
		return nil, nil, err
	}
	return capChunks(res.Chunks, h.cfg.MaxContextChunks), res, nil
}

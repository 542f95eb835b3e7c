// Package strategy implements the four answer-generation styles the router
// chooses between. Each strategy shares one contract: take a classified
// question, produce a grounded answer with citations, and leave an audit
// trail on the request's governance context.
package strategy

import (
	"context"
	"fmt"
	"strings"

	"adaptiverag/internal/apperr"
	"adaptiverag/internal/classifier"
	"adaptiverag/internal/governance"
	"adaptiverag/internal/llm"
	"adaptiverag/internal/models"
	"adaptiverag/internal/retrieval"
)

// Arm identifiers, shared with the bandit router.
const (
	NameHybrid    = "hybrid"
	NameIterative = "iterative"
	NameGraph     = "graph"
	NameTable     = "table"
)

// Human-readable strategy names surfaced in responses.
const (
	DisplayHybrid    = "Hybrid RAG"
	DisplayIterative = "Iterative Self-RAG"
	DisplayGraph     = "Graph RAG"
	DisplayTable     = "Table RAG"
	DisplayCached    = "Cached"
)

// DisplayName maps an arm identifier to its response label.
func DisplayName(name string) string {
	switch name {
	case NameHybrid:
		return DisplayHybrid
	case NameIterative:
		return DisplayIterative
	case NameGraph:
		return DisplayGraph
	case NameTable:
		return DisplayTable
	default:
		return name
	}
}

// Request is one question on its way through a strategy. Options carries
// retrieval knobs already resolved from the API request and configuration.
// Trace may be nil; checkpoints are then dropped.
type Request struct {
	Question string
	Record   classifier.Record
	Options  retrieval.Options
	Trace    *governance.Context
}

// Result is a strategy's complete outcome. Chunks holds what retrieval
// produced so callers can gate caching and compute rewards; Timings is the
// per-stage latency map surfaced in the response.
type Result struct {
	Answer      string
	Citations   []models.Citation
	Chunks      []models.RetrievedChunk
	Confidence  float64
	Usage       models.TokenUsage
	ToolUsage   *models.ToolUsage
	Graph       interface{}
	Table       *models.TableResult
	Timings     map[string]interface{}
	RetrievalMs int64
	LLMMs       int64
	Iterations  int
}

// Strategy is one retrieval-and-generation style.
type Strategy interface {
	Name() string
	DisplayName() string
	Execute(ctx context.Context, req *Request) (*Result, error)
}

// Streamer is implemented by strategies that can deliver the final answer
// incrementally.
type Streamer interface {
	ExecuteStream(ctx context.Context, req *Request, onDelta func(delta string)) (*Result, error)
}

// Retriever is the retrieval slice strategies depend on.
// *retrieval.Retriever satisfies it.
type Retriever interface {
	Retrieve(ctx context.Context, query string, opts retrieval.Options) (*retrieval.Result, error)
}

// retrieveWithRetry retries one failed retrieval before surfacing the
// error. An empty result is a semantic outcome, not a fault, and is never
// retried.
func retrieveWithRetry(ctx context.Context, r Retriever, query string, opts retrieval.Options) (*retrieval.Result, error) {
	res, err := r.Retrieve(ctx, query, opts)
	if err != nil && !apperr.IsKind(err, apperr.KindRetrievalEmpty) {
		res, err = r.Retrieve(ctx, query, opts)
	}
	return res, err
}

// contextBlock renders chunks as numbered passages for prompts, the
// numbering citations refer back to.
func contextBlock(chunks []models.RetrievedChunk, startAt int) string {
	var b strings.Builder
	for i, chunk := range chunks {
		source := chunk.Source
		if source == "" {
			source = chunk.DocumentID
		}
		fmt.Fprintf(&b, "[%d] (%s) %s\n\n", startAt+i, source, chunk.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

// citationsFrom converts the context chunks into ordered citations.
func citationsFrom(chunks []models.RetrievedChunk) []models.Citation {
	citations := make([]models.Citation, 0, len(chunks))
	for _, chunk := range chunks {
		citations = append(citations, models.Citation{
			Source:   chunk.Source,
			Content:  chunk.Text,
			Score:    chunk.Score,
			Metadata: chunk.Metadata,
		})
	}
	return citations
}

// maxScore is the hybrid confidence rule: the best chunk's final score.
func maxScore(chunks []models.RetrievedChunk) float64 {
	best := 0.0
	for _, chunk := range chunks {
		if chunk.Score > best {
			best = chunk.Score
		}
	}
	return best
}

// capChunks bounds how many retrieved chunks become LLM context.
func capChunks(chunks []models.RetrievedChunk, limit int) []models.RetrievedChunk {
	if limit > 0 && len(chunks) > limit {
		return chunks[:limit]
	}
	return chunks
}

// emptyResult is the shared no-evidence outcome: a canned answer, zero
// confidence, and a successful return so the caller can still respond.
func emptyResult(timings map[string]interface{}, retrievalMs int64) *Result {
	return &Result{
		Answer:      noInformationAnswer,
		Citations:   []models.Citation{},
		Chunks:      nil,
		Confidence:  0,
		Timings:     timings,
		RetrievalMs: retrievalMs,
		Iterations:  1,
	}
}

// extractJSON pulls the outermost JSON object out of completion text that
// may wrap it in prose or code fences.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}

// completerModel reports the model label for governance records, tolerating
// a nil client.
func completerModel(c llm.Client) string {
	if c == nil {
		return ""
	}
	return c.Model()
}

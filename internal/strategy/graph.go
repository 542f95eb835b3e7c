package strategy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"adaptiverag/internal/apperr"
	"adaptiverag/internal/graph"
	"adaptiverag/internal/llm"
	"adaptiverag/internal/models"
)

// Graph answers relationship questions from the knowledge graph. Query
// entities are extracted from the question, missing ones trigger a
// just-in-time build, and the answer is grounded in the resulting
// neighborhood plus a small vector supplement.
type Graph struct {
	builder   *graph.Builder
	retriever Retriever
	llm       llm.Client
	logger    *logrus.Logger
}

// NewGraph wires the strategy. The builder owns the graph store and the
// just-in-time extraction pipeline.
func NewGraph(builder *graph.Builder, retriever Retriever, client llm.Client, logger *logrus.Logger) *Graph {
	if logger == nil {
		logger = logrus.New()
	}
	return &Graph{builder: builder, retriever: retriever, llm: client, logger: logger}
}

func (g *Graph) Name() string        { return NameGraph }
func (g *Graph) DisplayName() string { return DisplayGraph }

// Execute runs entity extraction, coverage-driven graph building, the
// neighborhood traversal, and grounded generation. Build failures degrade:
// the answer falls back to whatever graph and vector context exists.
func (g *Graph) Execute(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()
	var usage models.TokenUsage
	timings := map[string]interface{}{}

	entityStart := time.Now()
	entities, extractUsage := g.builder.ExtractQueryEntities(ctx, req.Question)
	usage.Add(extractUsage)
	timings["entity_ms"] = time.Since(entityStart).Milliseconds()

	_, missing := g.builder.Store().Coverage(entities)

	buildStart := time.Now()
	if len(missing) > 0 {
		buildUsage, err := g.builder.EnsureEntities(ctx, req.Question, missing)
		usage.Add(buildUsage)
		if err != nil {
			g.logger.WithError(err).WithField("missing", missing).Warn("graph build failed, answering from existing graph")
		}
	}
	buildMs := time.Since(buildStart).Milliseconds()
	timings["build_ms"] = buildMs

	sub := g.builder.Store().Neighborhood(entities, g.builder.MaxHops())

	vectorStart := time.Now()
	chunks, retrievalErr := g.supplement(ctx, req)
	vectorMs := time.Since(vectorStart).Milliseconds()
	timings["vector_ms"] = vectorMs
	retrievalMs := buildMs + vectorMs
	if retrievalErr != nil {
		g.logger.WithError(retrievalErr).Debug("vector supplement unavailable")
	}
	req.Trace.CheckpointRetrieval(len(chunks), NameGraph)

	if sub.Empty() && len(sub.Isolated) == 0 && len(chunks) == 0 {
		timings["llm_ms"] = int64(0)
		timings["end_to_end_ms"] = time.Since(start).Milliseconds()
		result := emptyResult(timings, retrievalMs)
		result.Usage = usage
		result.Graph = sub
		return result, nil
	}

	prompt := g.buildPrompt(req.Question, sub, chunks)
	llmStart := time.Now()
	answer, err := g.llm.Complete(ctx, &llm.Request{
		Messages: llm.SystemUser(graphAnswerSystem, prompt),
	})
	llmMs := time.Since(llmStart).Milliseconds()
	timings["llm_ms"] = llmMs
	timings["end_to_end_ms"] = time.Since(start).Milliseconds()
	if err != nil {
		req.Trace.CheckpointGeneration(err, completerModel(g.llm), 0)
		return nil, err
	}
	req.Trace.CheckpointGeneration(nil, answer.Model, answer.Usage.TotalTokens)
	usage.Add(answer.Usage)

	return &Result{
		Answer:      strings.TrimSpace(answer.Text),
		Citations:   citationsFrom(chunks),
		Chunks:      chunks,
		Confidence:  graphConfidence(sub, chunks),
		Usage:       usage,
		Graph:       sub,
		Timings:     timings,
		RetrievalMs: retrievalMs,
		LLMMs:       llmMs,
		Iterations:  1,
	}, nil
}

// supplement fetches a few passages so the answer can cite prose alongside
// graph facts. Empty or failed retrieval is not fatal here.
func (g *Graph) supplement(ctx context.Context, req *Request) ([]models.RetrievedChunk, error) {
	res, err := retrieveWithRetry(ctx, g.retriever, req.Question, req.Options)
	if err != nil {
		if apperr.IsKind(err, apperr.KindRetrievalEmpty) {
			return nil, nil
		}
		return nil, err
	}
	return capChunks(res.Chunks, supplementChunkLimit), nil
}

const supplementChunkLimit = 5

func (g *Graph) buildPrompt(question string, sub *graph.Subgraph, chunks []models.RetrievedChunk) string {
	var b strings.Builder
	b.WriteString("Graph context:\n\n")
	b.WriteString(sub.Describe())
	if len(chunks) > 0 {
		b.WriteString("\n\nSupplementary passages:\n\n")
		b.WriteString(contextBlock(chunks, 1))
	}
	fmt.Fprintf(&b, "\n\nQuestion: %s", question)
	return b.String()
}

// graphConfidence scores the answer by the strongest evidence available:
// the best relation confidence when the neighborhood has edges, otherwise
// the best supplement score.
func graphConfidence(sub *graph.Subgraph, chunks []models.RetrievedChunk) float64 {
	best := maxScore(chunks)
	if sub != nil {
		for _, r := range sub.Relations {
			if r.Confidence > best {
				best = r.Confidence
			}
		}
	}
	return clamp01(best)
}

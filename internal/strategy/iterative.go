package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"adaptiverag/internal/apperr"
	"adaptiverag/internal/config"
	"adaptiverag/internal/llm"
	"adaptiverag/internal/models"
)

// Iterative refines an answer over bounded retrieval rounds. Each round asks
// the model to rate its own confidence; reflection generates the follow-up
// query that fills the reported gap. Later rounds only send newly retrieved
// passages, which is what keeps the token cost of refinement low.
type Iterative struct {
	hybrid *Hybrid
	llm    llm.Client
	cfg    config.IterativeConfig
	logger *logrus.Logger
}

// NewIterative wires the strategy around the shared hybrid retrieval path.
func NewIterative(hybrid *Hybrid, client llm.Client, cfg config.IterativeConfig, logger *logrus.Logger) *Iterative {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 3
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.75
	}
	if cfg.MinImprovement <= 0 {
		cfg.MinImprovement = 0.05
	}
	return &Iterative{hybrid: hybrid, llm: client, cfg: cfg, logger: logger}
}

func (i *Iterative) Name() string        { return NameIterative }
func (i *Iterative) DisplayName() string { return DisplayIterative }

// outcome is one iteration's parsed answer.
type outcome struct {
	answer     string
	confidence float64
	reasoning  string
}

// Execute runs the refinement loop. Stopping rules in order: confidence
// reached the threshold (return the current answer), improvement fell below
// the minimum (return the best so far), or the iteration budget ran out
// (return the best so far).
func (i *Iterative) Execute(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()
	var (
		usage         models.TokenUsage
		iterTimings   []map[string]interface{}
		totalRetrMs   int64
		totalLLMMs    int64
		union         []models.RetrievedChunk
		seenContent   = make(map[string]bool)
		iterationsRun = 0
	)

	appendNew := func(chunks []models.RetrievedChunk) []models.RetrievedChunk {
		var added []models.RetrievedChunk
		for _, chunk := range chunks {
			if seenContent[chunk.Text] {
				continue
			}
			seenContent[chunk.Text] = true
			union = append(union, chunk)
			added = append(added, chunk)
		}
		return added
	}

	// Iteration 0: the full hybrid pass, generated with the self-assessing
	// prompt so its confidence is comparable with later rounds.
	retrStart := time.Now()
	chunks, _, err := i.hybrid.retrieveOnly(ctx, req.Question, req.Options)
	retrMs := time.Since(retrStart).Milliseconds()
	totalRetrMs += retrMs

	if err != nil {
		if apperr.IsKind(err, apperr.KindRetrievalEmpty) {
			req.Trace.CheckpointRetrieval(0, NameIterative)
			return emptyResult(map[string]interface{}{
				"iterations":    []map[string]interface{}{},
				"end_to_end_ms": time.Since(start).Milliseconds(),
			}, retrMs), nil
		}
		return nil, err
	}

	appendNew(chunks)
	req.Trace.CheckpointRetrieval(len(chunks), NameIterative)

	prompt := fmt.Sprintf("Context passages:\n\n%s\n\nQuestion: %s", contextBlock(union, 1), req.Question)
	cur, genUsage, llmMs, err := i.generate(ctx, req, prompt)
	totalLLMMs += llmMs
	usage.Add(genUsage)
	if err != nil {
		return nil, err
	}
	iterationsRun = 1
	best := cur
	iterTimings = append(iterTimings, map[string]interface{}{
		"iteration":    0,
		"retrieval_ms": retrMs,
		"llm_ms":       llmMs,
		"confidence":   cur.confidence,
	})

	for k := 1; k < i.cfg.MaxIterations; k++ {
		if cur.confidence >= i.cfg.ConfidenceThreshold {
			break
		}

		followUp, reflUsage := i.reflect(ctx, req.Question, cur.answer, cur.confidence)
		usage.Add(reflUsage)

		retrStart = time.Now()
		followChunks, _, err := i.hybrid.retrieveOnly(ctx, followUp, req.Options)
		retrMs = time.Since(retrStart).Milliseconds()
		totalRetrMs += retrMs
		if err != nil {
			if !apperr.IsKind(err, apperr.KindRetrievalEmpty) {
				i.logger.WithError(err).Warn("follow-up retrieval failed, keeping best answer")
			}
			break
		}

		prevCount := len(union)
		added := appendNew(followChunks)
		if len(added) == 0 {
			// Nothing new to reason over; further rounds cannot improve.
			break
		}

		incremental := fmt.Sprintf(
			"Question: %s\n\nYour previous answer, based on passages [1..%d] which are not repeated here:\n%s\n\nNewly retrieved passages:\n\n%s\n\nRevise the answer using all available evidence, keeping citations accurate.",
			req.Question, prevCount, cur.answer, contextBlock(added, prevCount+1),
		)

		next, genUsage, llmMs, err := i.generate(ctx, req, incremental)
		totalLLMMs += llmMs
		usage.Add(genUsage)
		if err != nil {
			i.logger.WithError(err).Warn("refinement generation failed, keeping best answer")
			break
		}
		iterationsRun++
		iterTimings = append(iterTimings, map[string]interface{}{
			"iteration":    k,
			"retrieval_ms": retrMs,
			"llm_ms":       llmMs,
			"confidence":   next.confidence,
		})

		improvement := next.confidence - cur.confidence
		cur = next
		if cur.confidence > best.confidence {
			best = cur
		}
		if improvement < i.cfg.MinImprovement && cur.confidence < i.cfg.ConfidenceThreshold {
			break
		}
	}

	return &Result{
		Answer:     best.answer,
		Citations:  citationsFrom(union),
		Chunks:     union,
		Confidence: best.confidence,
		Usage:      usage,
		Timings: map[string]interface{}{
			"iterations":    iterTimings,
			"retrieval_ms":  totalRetrMs,
			"llm_ms":        totalLLMMs,
			"end_to_end_ms": time.Since(start).Milliseconds(),
		},
		RetrievalMs: totalRetrMs,
		LLMMs:       totalLLMMs,
		Iterations:  iterationsRun,
	}, nil
}

// generate runs one sectioned completion and records the per-iteration
// governance checkpoint.
func (i *Iterative) generate(ctx context.Context, req *Request, prompt string) (outcome, models.TokenUsage, int64, error) {
	llmStart := time.Now()
	result, err := i.llm.Complete(ctx, &llm.Request{
		Messages: llm.SystemUser(sectionedAnswerSystem, prompt),
	})
	llmMs := time.Since(llmStart).Milliseconds()
	if err != nil {
		req.Trace.CheckpointGeneration(err, completerModel(i.llm), 0)
		return outcome{}, models.TokenUsage{}, llmMs, err
	}
	req.Trace.CheckpointGeneration(nil, result.Model, result.Usage.TotalTokens)

	answer, confidence, reasoning := parseSectioned(result.Text)
	return outcome{answer: answer, confidence: confidence, reasoning: reasoning}, result.Usage, llmMs, nil
}

// reflect asks what the draft is missing and returns the follow-up query.
// Any failure falls back to a broadened restatement of the question.
func (i *Iterative) reflect(ctx context.Context, question, answer string, confidence float64) (string, models.TokenUsage) {
	fallback := question + " details context"
	result, err := i.llm.Complete(ctx, &llm.Request{
		Messages: llm.SystemUser(reflectionSystem,
			fmt.Sprintf("Question: %s\n\nDraft answer (confidence %.2f):\n%s", question, confidence, answer)),
		MaxTokens:   256,
		Temperature: 0,
		JSONMode:    true,
	})
	if err != nil {
		i.logger.WithError(err).Debug("reflection failed, using fallback query")
		return fallback, models.TokenUsage{}
	}

	var parsed struct {
		MissingInfo   string `json:"missing_info"`
		FollowUpQuery string `json:"follow_up_query"`
	}
	if err := json.Unmarshal([]byte(extractJSON(result.Text)), &parsed); err != nil || strings.TrimSpace(parsed.FollowUpQuery) == "" {
		return fallback, result.Usage
	}
	return strings.TrimSpace(parsed.FollowUpQuery), result.Usage
}

var (
	answerSectionRe     = regexp.MustCompile(`(?is)\*\*\s*answer\s*:?\s*\*\*\s*:?\s*(.+?)\s*(?:\*\*\s*confidence|$)`)
	confidenceSectionRe = regexp.MustCompile(`(?i)\*\*\s*confidence\s*:?\s*\*\*\s*:?\s*([0-9]+(?:\.[0-9]+)?)\s*(%?)`)
	reasoningSectionRe  = regexp.MustCompile(`(?is)\*\*\s*reasoning\s*:?\s*\*\*\s*:?\s*(.+)$`)
)

// parseSectioned pulls the answer, confidence, and reasoning sections out of
// a sectioned completion. Missing sections degrade gracefully: the whole
// text becomes the answer and confidence defaults to 0.5.
func parseSectioned(text string) (answer string, confidence float64, reasoning string) {
	answer = strings.TrimSpace(text)
	confidence = 0.5

	if m := answerSectionRe.FindStringSubmatch(text); m != nil {
		answer = strings.TrimSpace(m[1])
	}
	if m := confidenceSectionRe.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			if m[2] == "%" || v > 1 {
				v /= 100
			}
			confidence = clamp01(v)
		}
	}
	if m := reasoningSectionRe.FindStringSubmatch(text); m != nil {
		reasoning = strings.TrimSpace(m[1])
	}
	return answer, confidence, reasoning
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

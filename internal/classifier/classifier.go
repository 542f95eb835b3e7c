// Package classifier assigns a query type to each incoming question. A
// deterministic cue path handles queries with explicit signals; an optional
// LLM path covers the rest. Results are memoized in a two-tier cache.
package classifier

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"adaptiverag/internal/apperr"
	"adaptiverag/internal/config"
	"adaptiverag/internal/llm"
	"adaptiverag/internal/models"
)

// QueryType enumerates the classification categories.
type QueryType string

const (
	TypeFactual      QueryType = "factual_detail"
	TypeComplex      QueryType = "complex_analysis"
	TypeRelationship QueryType = "relationship_query"
	TypeStructured   QueryType = "structured_data"
	TypeGeneral      QueryType = "general"
)

func validType(t QueryType) bool {
	switch t {
	case TypeFactual, TypeComplex, TypeRelationship, TypeStructured, TypeGeneral:
		return true
	}
	return false
}

// Source records which path produced a classification.
type Source string

const (
	SourceKeyword       Source = "keyword"
	SourceLLM           Source = "llm"
	SourceExactCache    Source = "exact_cache"
	SourceSemanticCache Source = "semantic_cache"
)

// Record is the classification outcome handed to the router.
type Record struct {
	Query      string            `json:"query"`
	QueryType  QueryType         `json:"query_type"`
	Confidence float64           `json:"confidence"`
	Source     Source            `json:"source"`
	Timestamp  time.Time         `json:"timestamp"`
	UseCount   int               `json:"use_count"`
	LLMUsed    bool              `json:"llm_used"`
	Cues       Cues              `json:"-"`
	Usage      models.TokenUsage `json:"-"`
}

// Completer is the slice of the LLM client classification needs.
type Completer interface {
	Complete(ctx context.Context, req *llm.Request) (*llm.Result, error)
}

// Classifier routes between the cue path, the cache, and the LLM.
type Classifier struct {
	cfg    config.ClassifierConfig
	cache  *Cache
	llm    Completer
	logger *logrus.Logger
}

// New builds a classifier. completer may be nil for rule-only operation.
func New(cfg config.ClassifierConfig, cache *Cache, completer Completer, logger *logrus.Logger) *Classifier {
	if logger == nil {
		logger = logrus.New()
	}
	return &Classifier{cfg: cfg, cache: cache, llm: completer, logger: logger}
}

// Classify returns the query's classification record. Cues are always
// recomputed, cached or not, because the router's force rules depend on them.
func (c *Classifier) Classify(ctx context.Context, query string) (*Record, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperr.Validation("query must not be empty", nil)
	}

	cues := DetectCues(query)

	if c.cache != nil {
		if rec, ok := c.cache.Lookup(query); ok {
			rec.Cues = cues
			return rec, nil
		}
	}

	rec := c.ruleClassify(query, cues)
	if rec.QueryType == TypeFactual && c.cfg.LLMEnabled && c.llm != nil {
		if llmRec := c.llmClassify(ctx, query); llmRec != nil {
			rec = llmRec
		}
	}
	rec.Cues = cues

	if c.cache != nil {
		c.cache.Put(rec)
	}
	return rec, nil
}

// ruleClassify is the deterministic path. Cue matches take priority over the
// word-count promotion; the order matters because the router forces the
// specialized strategies off these types.
func (c *Classifier) ruleClassify(query string, cues Cues) *Record {
	rec := &Record{
		Query:     query,
		Source:    SourceKeyword,
		Timestamp: time.Now(),
	}

	switch {
	case cues.Table:
		rec.QueryType = TypeStructured
		rec.Confidence = 0.9
	case cues.Graph:
		rec.QueryType = TypeRelationship
		rec.Confidence = 0.9
	case cues.Complex:
		rec.QueryType = TypeComplex
		rec.Confidence = 0.85
	case len(strings.Fields(query)) > c.cfg.LongQueryWords:
		rec.QueryType = TypeComplex
		rec.Confidence = 0.8
	default:
		rec.QueryType = TypeFactual
		rec.Confidence = 0.6
	}
	return rec
}

const classifyPrompt = `You classify questions for a retrieval system. Respond with a JSON object:
{"query_type": "<one of: factual_detail, complex_analysis, relationship_query, structured_data, general>", "confidence": <0.0-1.0>}

factual_detail: asks for a specific fact or short lookup.
complex_analysis: requires reasoning, comparison, or synthesis across sources.
relationship_query: asks how entities are connected or related.
structured_data: asks for tabular, numeric, or aggregated data.
general: none of the above.`

// llmClassify asks the model for a classification. Any failure falls back to
// the deterministic record and is not surfaced to the caller.
func (c *Classifier) llmClassify(ctx context.Context, query string) *Record {
	result, err := c.llm.Complete(ctx, &llm.Request{
		Messages:    llm.SystemUser(classifyPrompt, query),
		MaxTokens:   128,
		Temperature: 0.0,
		JSONMode:    true,
	})
	if err != nil {
		fallback := apperr.ClassificationFallback("llm classifier unavailable", err)
		c.logger.WithError(fallback).Debug("Falling back to keyword classification")
		return nil
	}

	var parsed struct {
		QueryType  QueryType `json:"query_type"`
		Confidence float64   `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(extractJSON(result.Text)), &parsed); err != nil || !validType(parsed.QueryType) {
		c.logger.WithField("response", result.Text).Debug("Unparseable classification, falling back to keyword path")
		return nil
	}

	if parsed.Confidence < 0 {
		parsed.Confidence = 0
	}
	if parsed.Confidence > 1 {
		parsed.Confidence = 1
	}

	return &Record{
		Query:      query,
		QueryType:  parsed.QueryType,
		Confidence: parsed.Confidence,
		Source:     SourceLLM,
		Timestamp:  time.Now(),
		LLMUsed:    true,
		Usage:      result.Usage,
	}
}

// extractJSON trims to the outermost JSON object, tolerating code fences and
// prose around the payload.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}

// Persist flushes the classification cache to disk.
func (c *Classifier) Persist() error {
	if c.cache == nil {
		return nil
	}
	return c.cache.Save()
}

// CacheStats reports cache hit counters.
func (c *Classifier) CacheStats() CacheStats {
	if c.cache == nil {
		return CacheStats{}
	}
	return c.cache.Stats()
}

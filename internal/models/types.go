// Package models holds the wire and domain types shared across packages.
package models

import "time"

// Chunk is the unit of indexed text. DocumentID groups chunks back to their
// source document; Ordinal preserves original order within it.
type Chunk struct {
	ID         string                 `json:"id"`
	DocumentID string                 `json:"document_id"`
	Ordinal    int                    `json:"ordinal"`
	Text       string                 `json:"text"`
	Source     string                 `json:"source"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// RetrievedChunk decorates a chunk with the scores accumulated on its way
// through retrieval. Score is the final ordering key; per-signal scores are
// kept for diagnostics and fusion audits.
type RetrievedChunk struct {
	Chunk
	VectorScore float64 `json:"vector_score,omitempty"`
	BM25Score   float64 `json:"bm25_score,omitempty"`
	FusedScore  float64 `json:"fused_score,omitempty"`
	RerankScore float64 `json:"rerank_score,omitempty"`
	Score       float64 `json:"score"`
	Origin      string  `json:"origin,omitempty"`
}

// Citation points an answer at its supporting evidence.
type Citation struct {
	Source   string                 `json:"source"`
	Content  string                 `json:"content"`
	Score    float64                `json:"score"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// TokenUsage mirrors provider usage accounting. Estimated marks values
// derived from a heuristic rather than reported by the provider.
type TokenUsage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	Estimated        bool `json:"estimated,omitempty"`
}

// Add accumulates usage from a sub-call into the receiver.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
	u.Estimated = u.Estimated || other.Estimated
}

// TokenBreakdown splits token spend by pipeline stage.
type TokenBreakdown struct {
	ClassificationTokens int `json:"classification_tokens"`
	CacheLookupTokens    int `json:"cache_lookup_tokens"`
	GenerationTokens     int `json:"generation_tokens"`
	TotalTokens          int `json:"total_tokens"`
}

// ModelInfo names the models that served a request.
type ModelInfo struct {
	LLMModel       string `json:"llm_model,omitempty"`
	EmbeddingModel string `json:"embedding_model,omitempty"`
	RerankerModel  string `json:"reranker_model,omitempty"`
}

// ToolUsage records a delegated external tool call.
type ToolUsage struct {
	Tool    string                 `json:"tool"`
	Success bool                   `json:"success"`
	TimeMs  int64                  `json:"time_ms"`
	Detail  map[string]interface{} `json:"detail,omitempty"`
}

// TableResult is the structured table distilled for a tabular answer.
type TableResult struct {
	QueryType string     `json:"query_type,omitempty"`
	Headers   []string   `json:"headers,omitempty"`
	Rows      [][]string `json:"rows,omitempty"`
	Summary   string     `json:"summary,omitempty"`
}

// GovernanceCheckpoint is one recorded criterion evaluation.
type GovernanceCheckpoint struct {
	Criterion string                 `json:"criterion"`
	Name      string                 `json:"name"`
	Status    string                 `json:"status"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// GovernanceSummary is the sealed audit trail attached to every response,
// successful or not.
type GovernanceSummary struct {
	TraceID        string                 `json:"trace_id"`
	OperationType  string                 `json:"operation_type"`
	RiskTier       string                 `json:"risk_tier"`
	ActiveCriteria []string               `json:"active_criteria"`
	Checkpoints    []GovernanceCheckpoint `json:"checkpoints"`
	Passed         int                    `json:"passed"`
	Warnings       int                    `json:"warnings"`
	Failed         int                    `json:"failed"`
	Status         string                 `json:"status"`
	DurationMs     int64                  `json:"duration_ms"`
}

// AskRequest is the question-answering entrypoint payload. Zero-valued knobs
// fall back to configured defaults.
type AskRequest struct {
	Question         string                 `json:"question" binding:"required"`
	TopK             int                    `json:"top_k,omitempty"`
	VectorLimit      int                    `json:"vector_limit,omitempty"`
	ContentCharLimit int                    `json:"content_char_limit,omitempty"`
	Reranker         string                 `json:"reranker,omitempty"`
	IncludeTimings   bool                   `json:"include_timings,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// AskResponse is the full answer envelope.
type AskResponse struct {
	Answer             string                 `json:"answer"`
	Citations          []Citation             `json:"citations"`
	QueryID            string                 `json:"query_id"`
	SelectedStrategy   string                 `json:"selected_strategy"`
	StrategyReason     string                 `json:"strategy_reason"`
	Confidence         float64                `json:"confidence"`
	NumChunksRetrieved int                    `json:"num_chunks_retrieved"`
	RetrievalTimeMs    int64                  `json:"retrieval_time_ms"`
	LLMTimeMs          int64                  `json:"llm_time_ms"`
	TotalTimeMs        int64                  `json:"total_time_ms"`
	Timings            map[string]interface{} `json:"timings,omitempty"`
	Models             *ModelInfo             `json:"models,omitempty"`
	TokenUsage         *TokenUsage            `json:"token_usage"`
	TokenCostUSD       *float64               `json:"token_cost_usd,omitempty"`
	TokenBreakdown     *TokenBreakdown        `json:"token_breakdown,omitempty"`
	ToolUsage          *ToolUsage             `json:"tool_usage,omitempty"`
	Graph              interface{}            `json:"graph,omitempty"`
	Table              *TableResult           `json:"table,omitempty"`
	Iterations         int                    `json:"iterations,omitempty"`
	CacheHit           bool                   `json:"cache_hit"`
	CacheLayer         int                    `json:"cache_layer,omitempty"`
	GovernanceContext  *GovernanceSummary     `json:"governance_context"`
}

// FeedbackRequest grades a previously answered query. Rating is a pointer so
// an explicit 0.0 survives decoding.
type FeedbackRequest struct {
	QueryID string                 `json:"query_id" binding:"required"`
	Rating  *float64               `json:"rating" binding:"required"`
	Comment string                 `json:"comment,omitempty"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// FeedbackResponse reports what the feedback changed.
type FeedbackResponse struct {
	QueryID          string `json:"query_id"`
	Status           string `json:"status"`
	BanditUpdated    bool   `json:"bandit_updated"`
	CacheInvalidated bool   `json:"cache_invalidated"`
	Message          string `json:"message,omitempty"`
}

// IngestRequest adds one document to the corpus.
type IngestRequest struct {
	DocumentID string                 `json:"document_id,omitempty"`
	Text       string                 `json:"text" binding:"required"`
	Source     string                 `json:"source,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// IngestResponse reports the indexing outcome.
type IngestResponse struct {
	DocumentID    string `json:"document_id"`
	ChunksIndexed int    `json:"chunks_indexed"`
}

// ArmState is one bandit arm's posterior as exposed over the API.
type ArmState struct {
	Alpha  float64 `json:"alpha"`
	Beta   float64 `json:"beta"`
	Trials float64 `json:"trials"`
	Mean   float64 `json:"mean"`
}

// BanditStateResponse exposes the router posterior for inspection.
type BanditStateResponse struct {
	Arms      map[string]ArmState `json:"arms"`
	ColdStart bool                `json:"cold_start"`
	UpdatedAt time.Time           `json:"updated_at"`
}

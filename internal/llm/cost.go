package llm

import "adaptiverag/internal/models"

// Pricing converts token usage to USD. Zero rates disable cost reporting.
type Pricing struct {
	PromptPer1K     float64
	CompletionPer1K float64
}

// Enabled reports whether any rate is configured.
func (p Pricing) Enabled() bool {
	return p.PromptPer1K > 0 || p.CompletionPer1K > 0
}

// Cost prices a usage record.
func (p Pricing) Cost(u models.TokenUsage) float64 {
	return float64(u.PromptTokens)/1000*p.PromptPer1K +
		float64(u.CompletionTokens)/1000*p.CompletionPer1K
}

package llm

import (
	"context"

	"adaptiverag/internal/models"
)

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes one completion call. Zero values defer to the client's
// configured defaults. JSONMode asks the provider for a JSON object response.
type Request struct {
	Messages    []Message
	Model       string
	MaxTokens   int
	Temperature float32
	JSONMode    bool
}

// Result is the outcome of a completion call. Usage is provider-reported
// when available, otherwise estimated and flagged as such.
type Result struct {
	Text         string
	Model        string
	FinishReason string
	Usage        models.TokenUsage
}

// Client is the completion surface the pipeline depends on. Streaming
// delivers deltas through onDelta and returns the accumulated result, so
// callers can gate on the full answer after the stream drains.
type Client interface {
	Complete(ctx context.Context, req *Request) (*Result, error)
	CompleteStream(ctx context.Context, req *Request, onDelta func(delta string)) (*Result, error)
	Model() string
}

// SystemUser is a convenience constructor for the common two-message prompt.
func SystemUser(system, user string) []Message {
	return []Message{
		{Role: RoleSystem, Content: system},
		{Role: RoleUser, Content: user},
	}
}

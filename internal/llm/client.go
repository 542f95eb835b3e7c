package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"adaptiverag/internal/apperr"
	"adaptiverag/internal/models"
)

// Config drives the OpenAI-compatible chat client. BaseURL may point at any
// server speaking the /chat/completions wire contract.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
	Retry       RetryConfig
}

// DefaultConfig returns defaults suitable for a local vLLM-style endpoint.
func DefaultConfig() Config {
	return Config{
		BaseURL:     "http://localhost:8000/v1",
		Model:       "qwen2.5-32b-instruct",
		Temperature: 0.2,
		MaxTokens:   1536,
		Timeout:     60 * time.Second,
		Retry:       DefaultRetryConfig(),
	}
}

// OpenAIClient implements Client over the OpenAI-compatible chat API.
type OpenAIClient struct {
	api    *openai.Client
	cfg    Config
	logger *logrus.Logger
}

func NewOpenAIClient(cfg Config, logger *logrus.Logger) *OpenAIClient {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	occ := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		occ.BaseURL = cfg.BaseURL
	}
	occ.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &OpenAIClient{
		api:    openai.NewClientWithConfig(occ),
		cfg:    cfg,
		logger: logger,
	}
}

// Model returns the default model name.
func (c *OpenAIClient) Model() string { return c.cfg.Model }

// Complete runs one chat completion, retrying transient failures.
func (c *OpenAIClient) Complete(ctx context.Context, req *Request) (*Result, error) {
	return ExecuteWithRetry(ctx, c.cfg.Retry, func(ctx context.Context) (*Result, error) {
		return c.complete(ctx, req)
	})
}

func (c *OpenAIClient) complete(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()

	resp, err := c.api.CreateChatCompletion(ctx, c.buildRequest(req, false))
	if err != nil {
		return nil, classifyError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, apperr.LLMUpstream("provider returned no choices", nil)
	}

	result := &Result{
		Text:         resp.Choices[0].Message.Content,
		Model:        resp.Model,
		FinishReason: string(resp.Choices[0].FinishReason),
		Usage: models.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	if result.Usage.TotalTokens == 0 {
		result.Usage = estimateUsage(req, result.Text)
	}
	if result.Model == "" {
		result.Model = c.effectiveModel(req)
	}

	c.logger.WithFields(logrus.Fields{
		"model":       result.Model,
		"tokens":      result.Usage.TotalTokens,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("LLM completion finished")

	return result, nil
}

// CompleteStream runs one streaming completion, delivering content deltas to
// onDelta as they arrive. Only stream establishment is retried; once deltas
// flow the call either finishes or fails.
func (c *OpenAIClient) CompleteStream(ctx context.Context, req *Request, onDelta func(delta string)) (*Result, error) {
	stream, err := c.openStream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var sb strings.Builder
	var usage *models.TokenUsage
	model := c.effectiveModel(req)
	finish := ""

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, classifyError(err)
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			usage = &models.TokenUsage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			sb.WriteString(delta)
			if onDelta != nil {
				onDelta(delta)
			}
		}
		if fr := chunk.Choices[0].FinishReason; fr != "" {
			finish = string(fr)
		}
	}

	result := &Result{Text: sb.String(), Model: model, FinishReason: finish}
	if usage != nil {
		result.Usage = *usage
	} else {
		result.Usage = estimateUsage(req, result.Text)
	}
	return result, nil
}

func (c *OpenAIClient) openStream(ctx context.Context, req *Request) (*openai.ChatCompletionStream, error) {
	var lastErr error
	delay := c.cfg.Retry.InitialDelay

	for attempt := 0; attempt <= c.cfg.Retry.MaxRetries; attempt++ {
		stream, err := c.api.CreateChatCompletionStream(ctx, c.buildRequest(req, true))
		if err == nil {
			return stream, nil
		}
		lastErr = classifyError(err)
		if !apperr.Retryable(lastErr) || attempt >= c.cfg.Retry.MaxRetries {
			return nil, lastErr
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context done during backoff: %w", ctx.Err())
		case <-time.After(addJitter(delay, c.cfg.Retry.JitterFactor)):
		}
		delay = time.Duration(float64(delay) * c.cfg.Retry.Multiplier)
		if delay > c.cfg.Retry.MaxDelay {
			delay = c.cfg.Retry.MaxDelay
		}
	}
	return nil, lastErr
}

func (c *OpenAIClient) effectiveModel(req *Request) string {
	if req.Model != "" {
		return req.Model
	}
	return c.cfg.Model
}

func (c *OpenAIClient) buildRequest(req *Request, stream bool) openai.ChatCompletionRequest {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.cfg.MaxTokens
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.cfg.Temperature
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	ccr := openai.ChatCompletionRequest{
		Model:       c.effectiveModel(req),
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}
	if req.JSONMode {
		ccr.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	if stream {
		ccr.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return ccr
}

// classifyError maps transport and provider errors onto the typed kinds the
// pipeline retries and reports on.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.LLMTimeout("llm call exceeded deadline", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500 {
			return apperr.LLMTransient(fmt.Sprintf("provider returned %d", apiErr.HTTPStatusCode), err)
		}
		return apperr.LLMUpstream(fmt.Sprintf("provider rejected request (%d)", apiErr.HTTPStatusCode), err)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500 {
			return apperr.LLMTransient(fmt.Sprintf("provider returned %d", reqErr.HTTPStatusCode), err)
		}
		return apperr.LLMUpstream(fmt.Sprintf("provider rejected request (%d)", reqErr.HTTPStatusCode), err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperr.LLMTimeout("llm call timed out", err)
	}

	// Connection refused, DNS failures and other transport errors are worth
	// one retry.
	return apperr.LLMTransient("llm call failed", err)
}

// EstimateTokens approximates token count from whitespace-delimited words.
// Used when a provider omits usage accounting, streaming included.
func EstimateTokens(text string) int {
	n := len(strings.Fields(text))
	if n == 0 {
		return 0
	}
	return int(math.Ceil(float64(n) * 1.3))
}

func estimateUsage(req *Request, completion string) models.TokenUsage {
	prompt := 0
	for _, m := range req.Messages {
		prompt += EstimateTokens(m.Content)
	}
	out := EstimateTokens(completion)
	return models.TokenUsage{
		PromptTokens:     prompt,
		CompletionTokens: out,
		TotalTokens:      prompt + out,
		Estimated:        true,
	}
}

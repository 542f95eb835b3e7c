// Package embedding adapts external embedding and reranking services behind
// one interface. Local mode speaks the TEI-style /embed and /rerank HTTP
// contract; remote mode goes through the OpenAI-compatible embeddings API.
// Model pairs (embedding plus reranker) always move together.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"adaptiverag/internal/apperr"
)

// Mode selects how vectors are produced.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
	ModeAuto   Mode = "auto"
)

// ModelPair couples an embedding endpoint with its reranker. Pairs must
// produce vectors of the same dimension; the collection dimension is pinned
// at startup.
type ModelPair struct {
	EmbedURL    string
	EmbedModel  string
	RerankURL   string
	RerankModel string
}

func (p ModelPair) usable() bool { return p.EmbedURL != "" }

// Config drives the adapter. Custom is an optional third pair operators can
// pin through Switch, for example a domain-tuned model neither default pair
// covers.
type Config struct {
	Mode                Mode
	VectorSize          int
	Timeout             time.Duration
	Primary             ModelPair
	Fallback            ModelPair
	Custom              ModelPair
	RemoteBaseURL       string
	RemoteAPIKey        string
	RemoteModel         string
	RerankSlowThreshold time.Duration
}

// DefaultConfig returns local-mode defaults.
func DefaultConfig() Config {
	return Config{
		Mode:       ModeLocal,
		VectorSize: 1024,
		Timeout:    30 * time.Second,
		Primary: ModelPair{
			EmbedURL:    "http://localhost:8081",
			EmbedModel:  "bge-large-en-v1.5",
			RerankURL:   "http://localhost:8082",
			RerankModel: "bge-reranker-large",
		},
		RerankSlowThreshold: 2 * time.Second,
	}
}

// Service is the embedding/rerank adapter. Safe for concurrent use.
// pinned holds the manual Switch target; empty means auto adaptation, where
// the latency latch and the classifier's difficulty signal steer selection.
type Service struct {
	cfg        Config
	httpClient *http.Client
	remoteAPI  *openai.Client
	cache      *VectorCache
	logger     *logrus.Logger

	mu            sync.RWMutex
	pinned        string
	usingFallback bool
	latched       bool
}

// NewService creates the adapter. cache may be nil. The remote API client is
// built whenever remote credentials exist, so Switch("remote") works from
// local mode too.
func NewService(cfg Config, cache *VectorCache, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	s := &Service{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cache:      cache,
		logger:     logger,
	}

	if cfg.Mode == ModeRemote || cfg.RemoteBaseURL != "" {
		occ := openai.DefaultConfig(cfg.RemoteAPIKey)
		if cfg.RemoteBaseURL != "" {
			occ.BaseURL = cfg.RemoteBaseURL
		}
		occ.HTTPClient = &http.Client{Timeout: cfg.Timeout}
		s.remoteAPI = openai.NewClientWithConfig(occ)
	}

	return s
}

// VectorSize returns the pinned embedding dimension.
func (s *Service) VectorSize() int { return s.cfg.VectorSize }

// CurrentModels names the active embedding and rerank models. The rerank
// model is empty when the remote API is active; it has no reranker.
func (s *Service) CurrentModels() (string, string) {
	if s.remoteActive() {
		return s.cfg.RemoteModel, ""
	}
	pair := s.currentPair()
	return pair.EmbedModel, pair.RerankModel
}

// CurrentEmbedID returns the active embedding model name.
func (s *Service) CurrentEmbedID() string {
	embed, _ := s.CurrentModels()
	return embed
}

// CurrentRerankID returns the active rerank model name.
func (s *Service) CurrentRerankID() string {
	_, rerank := s.CurrentModels()
	return rerank
}

func (s *Service) remoteActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pinned == "remote" {
		return true
	}
	return s.pinned == "" && s.cfg.Mode == ModeRemote
}

func (s *Service) currentPair() ModelPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch s.pinned {
	case "primary":
		return s.cfg.Primary
	case "fallback":
		return s.cfg.Fallback
	case "custom":
		return s.cfg.Custom
	}
	if s.usingFallback && s.cfg.Fallback.usable() {
		return s.cfg.Fallback
	}
	return s.cfg.Primary
}

// Switch pins the adapter to a model pair ("primary", "fallback", "custom"),
// to the remote API ("remote"), or restores "auto" adaptation. A manual pin
// holds until the next Switch and overrides the latency latch while it does.
// Restoring auto clears the pin but not the latch, so a latched reranker
// returns to the fallback pair for the rest of the process.
func (s *Service) Switch(target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch target {
	case "primary":
		s.pinned = "primary"
		s.usingFallback = false
	case "fallback":
		if !s.cfg.Fallback.usable() {
			return fmt.Errorf("no fallback pair configured")
		}
		s.pinned = "fallback"
		s.usingFallback = true
	case "custom":
		if !s.cfg.Custom.usable() {
			return fmt.Errorf("no custom pair configured")
		}
		s.pinned = "custom"
	case "remote":
		if s.remoteAPI == nil {
			return fmt.Errorf("no remote endpoint configured")
		}
		s.pinned = "remote"
	case "auto":
		s.pinned = ""
		s.usingFallback = s.latched
	default:
		return fmt.Errorf("unknown switch target %q", target)
	}

	s.logger.WithField("target", target).Info("Embedding pair switched")
	return nil
}

// AdaptToQuery lets classification difficulty pick the pair in auto mode.
// Demanding query types use the primary pair; simple lookups may run on the
// fallback. Manual pins and the latency latch take precedence.
func (s *Service) AdaptToQuery(queryType string) {
	if s.cfg.Mode == ModeRemote {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pinned != "" || s.latched || !s.cfg.Fallback.usable() {
		return
	}

	wantFallback := queryType == "factual_detail"
	if wantFallback != s.usingFallback {
		s.usingFallback = wantFallback
		s.logger.WithFields(logrus.Fields{
			"query_type": queryType,
			"fallback":   wantFallback,
		}).Debug("Embedding pair adapted to query difficulty")
	}
}

// Embed returns one L2-normalized vector per input text.
func (s *Service) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	model, _ := s.CurrentModels()
	vectors := make([][]float32, len(texts))

	// Read-through cache; misses are embedded in one upstream call.
	missIdx := make([]int, 0, len(texts))
	missTexts := make([]string, 0, len(texts))
	for i, text := range texts {
		if s.cache != nil {
			if vec, ok := s.cache.Get(ctx, model, text); ok {
				vectors[i] = vec
				continue
			}
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	if len(missTexts) > 0 {
		embedded, err := s.embedUpstream(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		if len(embedded) != len(missTexts) {
			return nil, fmt.Errorf("embedding service returned %d vectors for %d inputs", len(embedded), len(missTexts))
		}
		for j, vec := range embedded {
			normalizeVector(vec)
			vectors[missIdx[j]] = vec
			if s.cache != nil {
				s.cache.Put(ctx, model, missTexts[j], vec)
			}
		}
	}

	return vectors, nil
}

// EmbedOne embeds a single text.
func (s *Service) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("expected one vector, got %d", len(vecs))
	}
	return vecs[0], nil
}

func (s *Service) embedUpstream(ctx context.Context, texts []string) ([][]float32, error) {
	if s.remoteActive() {
		return s.embedRemote(ctx, texts)
	}
	return s.embedLocal(ctx, texts)
}

func (s *Service) embedLocal(ctx context.Context, texts []string) ([][]float32, error) {
	pair := s.currentPair()

	reqBody := map[string]interface{}{
		"inputs":    texts,
		"normalize": true,
	}
	respBody, err := s.post(ctx, pair.EmbedURL+"/embed", reqBody)
	if err != nil {
		return nil, fmt.Errorf("embed request failed: %w", err)
	}

	var vectors [][]float32
	if err := json.Unmarshal(respBody, &vectors); err != nil {
		return nil, fmt.Errorf("failed to parse embed response: %w", err)
	}
	return vectors, nil
}

func (s *Service) embedRemote(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := s.remoteAPI.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(s.cfg.RemoteModel),
	})
	if err != nil {
		return nil, fmt.Errorf("remote embeddings failed: %w", err)
	}

	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			continue
		}
		vectors[d.Index] = d.Embedding
	}
	for i, v := range vectors {
		if v == nil {
			return nil, fmt.Errorf("remote embeddings missing vector for input %d", i)
		}
	}
	return vectors, nil
}

// Rerank scores docs against the query, returning one score per doc in input
// order. A slow reranker latches the adapter to the fallback pair for the
// rest of the process.
func (s *Service) Rerank(ctx context.Context, query string, docs []string) ([]float64, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	if s.remoteActive() {
		return nil, fmt.Errorf("reranking unavailable in remote mode")
	}

	pair := s.currentPair()
	if pair.RerankURL == "" {
		return nil, fmt.Errorf("no reranker configured")
	}

	start := time.Now()
	reqBody := map[string]interface{}{
		"query": query,
		"texts": docs,
	}
	respBody, err := s.post(ctx, pair.RerankURL+"/rerank", reqBody)
	if err != nil {
		return nil, fmt.Errorf("rerank request failed: %w", err)
	}
	elapsed := time.Since(start)

	var ranked []struct {
		Index int     `json:"index"`
		Score float64 `json:"score"`
	}
	if err := json.Unmarshal(respBody, &ranked); err != nil {
		return nil, fmt.Errorf("failed to parse rerank response: %w", err)
	}

	scores := make([]float64, len(docs))
	for _, r := range ranked {
		if r.Index >= 0 && r.Index < len(scores) {
			scores[r.Index] = r.Score
		}
	}

	s.maybeLatch(elapsed, pair)
	return scores, nil
}

func (s *Service) maybeLatch(elapsed time.Duration, pair ModelPair) {
	if s.cfg.RerankSlowThreshold <= 0 || elapsed <= s.cfg.RerankSlowThreshold {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latched || s.pinned != "" || !s.cfg.Fallback.usable() || s.usingFallback {
		return
	}
	s.latched = true
	s.usingFallback = true
	s.logger.WithFields(logrus.Fields{
		"reranker":   pair.RerankModel,
		"elapsed_ms": elapsed.Milliseconds(),
		"threshold":  s.cfg.RerankSlowThreshold.String(),
	}).Warn("Reranker latency exceeded threshold, latched to fallback pair")
}

// Latched reports whether the latency latch has engaged.
func (s *Service) Latched() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latched
}

// Transient failures earn exactly one retry after a short jittered pause.
const (
	retryBaseDelay  = 200 * time.Millisecond
	retryJitterSpan = 200 * time.Millisecond
)

// post sends one JSON request. Network errors, 429, and 5xx responses are
// transient and retried once; any other 4xx is fatal and surfaces as-is. A
// transient failure that survives the retry comes back as LLM_UPSTREAM.
func (s *Service) post(ctx context.Context, url string, body interface{}) ([]byte, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal body: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= 1; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay + time.Duration(rand.Int63n(int64(retryJitterSpan))) // #nosec G404 -- jitter, not crypto
			s.logger.WithFields(logrus.Fields{
				"url":   url,
				"delay": delay.String(),
			}).Debug("Retrying transient embedding request")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		respBody, retryable, err := s.postOnce(ctx, url, jsonBody)
		if err == nil {
			return respBody, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}
	return nil, apperr.LLMUpstream("embedding service unavailable", lastErr)
}

func (s *Service) postOnce(ctx context.Context, url string, jsonBody []byte) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("service returned %d: %s", resp.StatusCode, string(respBody))
	}
	if resp.StatusCode >= 400 {
		return nil, false, fmt.Errorf("service returned %d: %s", resp.StatusCode, string(respBody))
	}
	return respBody, false, nil
}

func normalizeVector(vec []float32) {
	var sum float64
	for _, x := range vec {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}

// SortScoresDesc returns doc indices ordered by descending score.
func SortScoresDesc(scores []float64) []int {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] > scores[idx[b]] })
	return idx
}

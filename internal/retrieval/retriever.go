// Package retrieval fuses sparse and dense search into one ranked candidate
// list. BM25 and vector search run concurrently; scores are combined with a
// weighted fusion rule and optionally reordered by a reranker.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"adaptiverag/internal/apperr"
	"adaptiverag/internal/config"
	"adaptiverag/internal/models"
	"adaptiverag/internal/observability/metrics"
	"adaptiverag/internal/sparse"
	"adaptiverag/internal/vectordb/qdrant"
)

// Embedder produces query vectors and rerank scores.
type Embedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
	Rerank(ctx context.Context, query string, docs []string) ([]float64, error)
}

// VectorStore is the slice of the vector client retrieval depends on.
type VectorStore interface {
	Search(ctx context.Context, collection string, vector []float32, opts *qdrant.SearchOptions) ([]qdrant.ScoredPoint, error)
	GetPoints(ctx context.Context, collection string, ids []string) ([]qdrant.Point, error)
	Scroll(ctx context.Context, collection string, limit int, offset *string, filter map[string]interface{}) ([]qdrant.Point, *string, error)
}

// Options tunes a single retrieval call. Zero values fall back to the
// configured defaults.
type Options struct {
	TopK             int
	VectorLimit      int
	Alpha            float64
	ContentCharLimit int
	Rerank           bool
}

// Timings breaks the retrieval latency down by stage, in milliseconds.
type Timings struct {
	EmbedMs         int64
	VectorMs        int64
	CandidatePrepMs int64
	RerankMs        int64
}

// Result is a ranked, payload-bearing retrieval outcome.
type Result struct {
	Chunks   []models.RetrievedChunk
	Reranked bool
	Timings  Timings
}

// Retriever runs hybrid BM25 plus vector retrieval over one collection.
type Retriever struct {
	store      VectorStore
	embedder   Embedder
	index      *sparse.Index
	cfg        config.RetrievalConfig
	collection string
	indexPath  string
	logger     *logrus.Logger
	metrics    *metrics.Collector

	rebuildMu sync.Mutex
}

// NewRetriever wires the retriever. index may start empty; it is rebuilt
// lazily from the store on first use. collector may be nil.
func NewRetriever(store VectorStore, embedder Embedder, index *sparse.Index, cfg config.RetrievalConfig, collection, indexPath string, collector *metrics.Collector, logger *logrus.Logger) *Retriever {
	if logger == nil {
		logger = logrus.New()
	}
	return &Retriever{
		store:      store,
		embedder:   embedder,
		index:      index,
		cfg:        cfg,
		collection: collection,
		indexPath:  indexPath,
		logger:     logger,
		metrics:    collector,
	}
}

func (r *Retriever) options(o Options) Options {
	if o.TopK <= 0 {
		o.TopK = r.cfg.TopK
	}
	if o.VectorLimit <= 0 {
		o.VectorLimit = 2 * o.TopK
		if o.VectorLimit > r.cfg.MaxCandidates {
			o.VectorLimit = r.cfg.MaxCandidates
		}
	}
	if o.Alpha <= 0 || o.Alpha > 1 {
		o.Alpha = r.cfg.FusionAlpha
	}
	if o.ContentCharLimit <= 0 {
		o.ContentCharLimit = r.cfg.ContentCharLimit
	}
	return o
}

// Retrieve runs both retrieval legs, fuses the candidates, and returns the
// top-k chunks. Vector store failures are fatal; a missing or failed BM25
// side degrades to vector-only retrieval.
func (r *Retriever) Retrieve(ctx context.Context, query string, o Options) (*Result, error) {
	o = r.options(o)

	var (
		dense   []qdrant.ScoredPoint
		lexical []sparse.Result
		timings Timings
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		embedStart := time.Now()
		vector, err := r.embedder.EmbedOne(gctx, query)
		timings.EmbedMs = time.Since(embedStart).Milliseconds()
		if err != nil {
			return fmt.Errorf("failed to embed query: %w", err)
		}
		opts := qdrant.DefaultSearchOptions()
		opts.Limit = o.VectorLimit
		searchStart := time.Now()
		dense, err = r.store.Search(gctx, r.collection, vector, opts)
		timings.VectorMs = time.Since(searchStart).Milliseconds()
		return err
	})
	g.Go(func() error {
		r.ensureIndex(gctx)
		lexical = r.index.Search(query, o.VectorLimit)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	prepStart := time.Now()
	candidates := r.fuse(dense, lexical, o.Alpha)
	if len(candidates) == 0 {
		return nil, apperr.RetrievalEmpty("no chunks matched the query")
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].FusedScore != candidates[j].FusedScore {
			return candidates[i].FusedScore > candidates[j].FusedScore
		}
		return candidates[i].ID < candidates[j].ID
	})
	if len(candidates) > o.TopK {
		candidates = candidates[:o.TopK]
	}

	if err := r.fillPayloads(ctx, candidates); err != nil {
		return nil, err
	}
	timings.CandidatePrepMs = time.Since(prepStart).Milliseconds()

	result := &Result{Chunks: candidates}
	if o.Rerank && r.cfg.RerankEnabled {
		rerankStart := time.Now()
		result.Reranked = r.rerank(ctx, query, candidates)
		timings.RerankMs = time.Since(rerankStart).Milliseconds()
	}
	if !result.Reranked {
		for i := range candidates {
			candidates[i].Score = candidates[i].FusedScore
		}
	}

	for i := range candidates {
		candidates[i].Text = truncateRunes(candidates[i].Text, o.ContentCharLimit)
	}

	if r.metrics != nil {
		r.metrics.RetrievalChunks.Observe(float64(len(candidates)))
	}
	result.Timings = timings
	return result, nil
}

// fuse unions both candidate sets by chunk id. BM25 scores are min-max
// normalized within the candidate set before fusion; vector scores are cosine
// similarities clamped to [0,1].
func (r *Retriever) fuse(dense []qdrant.ScoredPoint, lexical []sparse.Result, alpha float64) []models.RetrievedChunk {
	byID := make(map[string]*models.RetrievedChunk, len(dense)+len(lexical))

	for _, p := range dense {
		chunk := chunkFromPayload(p.ID, p.Payload)
		byID[p.ID] = &models.RetrievedChunk{
			Chunk:       chunk,
			VectorScore: clamp01(float64(p.Score)),
			Origin:      "vector",
		}
	}

	minScore, maxScore := 0.0, 0.0
	for i, res := range lexical {
		if i == 0 || res.Score < minScore {
			minScore = res.Score
		}
		if res.Score > maxScore {
			maxScore = res.Score
		}
	}
	for _, res := range lexical {
		norm := 0.0
		switch {
		case maxScore > minScore:
			norm = (res.Score - minScore) / (maxScore - minScore)
		case maxScore > 0:
			norm = 1.0
		}
		if existing, ok := byID[res.ID]; ok {
			existing.BM25Score = norm
			existing.Origin = "both"
		} else {
			byID[res.ID] = &models.RetrievedChunk{
				Chunk:     models.Chunk{ID: res.ID},
				BM25Score: norm,
				Origin:    "bm25",
			}
		}
	}

	out := make([]models.RetrievedChunk, 0, len(byID))
	for _, c := range byID {
		c.FusedScore = alpha*c.VectorScore + (1-alpha)*c.BM25Score
		out = append(out, *c)
	}
	return out
}

// fillPayloads fetches text for chunks that only matched on the BM25 side.
func (r *Retriever) fillPayloads(ctx context.Context, chunks []models.RetrievedChunk) error {
	missing := make([]string, 0)
	for _, c := range chunks {
		if c.Text == "" {
			missing = append(missing, c.ID)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	points, err := r.store.GetPoints(ctx, r.collection, missing)
	if err != nil {
		return err
	}
	byID := make(map[string]qdrant.Point, len(points))
	for _, p := range points {
		byID[p.ID] = p
	}
	for i := range chunks {
		if chunks[i].Text != "" {
			continue
		}
		if p, ok := byID[chunks[i].ID]; ok {
			chunks[i].Chunk = chunkFromPayload(p.ID, p.Payload)
		}
	}
	return nil
}

// rerank reorders chunks by cross-encoder score. Failures keep fused order.
func (r *Retriever) rerank(ctx context.Context, query string, chunks []models.RetrievedChunk) bool {
	docs := make([]string, len(chunks))
	for i, c := range chunks {
		docs[i] = c.Text
	}

	scores, err := r.embedder.Rerank(ctx, query, docs)
	if err != nil || len(scores) != len(chunks) {
		r.logger.WithError(err).Warn("Rerank unavailable, keeping fused order")
		return false
	}

	for i := range chunks {
		chunks[i].RerankScore = scores[i]
		chunks[i].Score = scores[i]
	}
	sort.SliceStable(chunks, func(i, j int) bool {
		return chunks[i].RerankScore > chunks[j].RerankScore
	})
	return true
}

// ensureIndex rebuilds the BM25 index from the store when it is empty.
// Rebuilds are serialized; a failed rebuild degrades to vector-only search.
func (r *Retriever) ensureIndex(ctx context.Context) {
	if r.index.Len() > 0 {
		return
	}

	r.rebuildMu.Lock()
	defer r.rebuildMu.Unlock()
	if r.index.Len() > 0 {
		return
	}

	count, err := r.index.RebuildFromStore(ctx, r.store, r.collection, 256)
	if err != nil {
		r.logger.WithError(err).Warn("BM25 index rebuild failed, continuing vector-only")
		return
	}
	if count > 0 && r.indexPath != "" {
		if err := r.index.Save(r.indexPath); err != nil {
			r.logger.WithError(err).Warn("Failed to persist BM25 index")
		}
	}
}

// RebuildIndex forces a full BM25 rebuild from the store.
func (r *Retriever) RebuildIndex(ctx context.Context) (int, error) {
	r.rebuildMu.Lock()
	defer r.rebuildMu.Unlock()

	count, err := r.index.RebuildFromStore(ctx, r.store, r.collection, 256)
	if err != nil {
		return 0, err
	}
	if r.indexPath != "" {
		if err := r.index.Save(r.indexPath); err != nil {
			r.logger.WithError(err).Warn("Failed to persist BM25 index")
		}
	}
	return count, nil
}

func chunkFromPayload(id string, payload map[string]interface{}) models.Chunk {
	chunk := models.Chunk{ID: id}
	if payload == nil {
		return chunk
	}

	chunk.Text = stringField(payload, "text")
	if chunk.Text == "" {
		chunk.Text = stringField(payload, "content")
	}
	chunk.Source = stringField(payload, "source")
	if chunk.Source == "" {
		chunk.Source = stringField(payload, "title")
	}
	if chunk.Source == "" {
		chunk.Source = stringField(payload, "file_path")
	}
	chunk.DocumentID = stringField(payload, "document_id")
	if v, ok := payload["chunk_index"].(float64); ok {
		chunk.Ordinal = int(v)
	}

	meta := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		if k == "text" || k == "content" {
			continue
		}
		meta[k] = v
	}
	if len(meta) > 0 {
		chunk.Metadata = meta
	}
	return chunk
}

func stringField(payload map[string]interface{}, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
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

func truncateRunes(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

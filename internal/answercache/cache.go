// Package answercache serves previously generated answers. One store backs
// three lookup layers: an exact hash on the normalized query, a TF-IDF
// similarity tier, and a dense embedding tier. Layers are kept coherent on
// insert, evict, and invalidate.
package answercache

import (
	"context"
	"crypto/md5" // #nosec G401 -- cache key fingerprint, not security
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/sirupsen/logrus"

	"adaptiverag/internal/config"
	"adaptiverag/internal/models"
	"adaptiverag/internal/observability/metrics"
	"adaptiverag/internal/tfidf"
)

// Embedder supplies unit-normalized query vectors for the dense layer.
type Embedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

type entry struct {
	query      string
	answer     string
	citations  []models.Citation
	strategy   string
	confidence float64
	chunkCount int
	createdAt  time.Time
	lastAccess time.Time
	hits       int
	denseVec   []float32
}

// Hit is a cache lookup result. Layer is 1 (exact), 2 (TF-IDF), or
// 3 (dense); Similarity is 1.0 on layer 1.
type Hit struct {
	Answer       string
	Citations    []models.Citation
	Strategy     string
	Confidence   float64
	Layer        int
	Similarity   float64
	MatchedQuery string
	CreatedAt    time.Time
}

// Stats counts cache outcomes since process start.
type Stats struct {
	Entries       int `json:"entries"`
	ExactHits     int `json:"exact_hits"`
	TFIDFHits     int `json:"tfidf_hits"`
	DenseHits     int `json:"dense_hits"`
	Misses        int `json:"misses"`
	Evictions     int `json:"evictions"`
	Invalidations int `json:"invalidations"`
	Rejected      int `json:"rejected"`
}

// Cache is the three-layer answer cache. Safe for concurrent use.
type Cache struct {
	mu         sync.Mutex
	byHash     map[string]*entry
	vectorizer *tfidf.Vectorizer
	tfidfVecs  map[string][]float64

	cfg      config.CacheConfig
	embedder Embedder
	metrics  *metrics.Collector
	logger   *logrus.Logger
	stats    Stats
}

// New builds the cache. embedder may be nil, which disables the dense layer;
// collector may be nil.
func New(cfg config.CacheConfig, embedder Embedder, collector *metrics.Collector, logger *logrus.Logger) *Cache {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}
	return &Cache{
		byHash:     make(map[string]*entry),
		vectorizer: tfidf.NewVectorizer(0),
		tfidfVecs:  make(map[string][]float64),
		cfg:        cfg,
		embedder:   embedder,
		metrics:    collector,
		logger:     logger,
	}
}

// NormalizeQuery lowercases, strips punctuation, and sorts tokens so that
// word order and casing do not defeat the exact layer. Idempotent.
func NormalizeQuery(query string) string {
	tokens := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}

func hashQuery(normalized string) string {
	sum := md5.Sum([]byte(normalized)) // #nosec G401
	return hex.EncodeToString(sum[:])
}

// Lookup consults the three layers in order and returns the first hit.
func (c *Cache) Lookup(ctx context.Context, query string) (*Hit, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneExpiredLocked()

	// Layer 1: exact hash on the normalized query.
	hash := hashQuery(NormalizeQuery(query))
	if e, ok := c.byHash[hash]; ok {
		return c.hitLocked(e, 1, 1.0), true
	}

	// Layer 2: TF-IDF cosine over cached queries.
	if vec := c.vectorizer.Transform(query); vec != nil {
		bestScore := c.cfg.TFIDFThreshold
		var bestEntry *entry
		for h, cachedVec := range c.tfidfVecs {
			if score := tfidf.Cosine(vec, cachedVec); score >= bestScore {
				bestScore = score
				bestEntry = c.byHash[h]
			}
		}
		if bestEntry != nil {
			return c.hitLocked(bestEntry, 2, bestScore), true
		}
	}

	// Layer 3: dense embedding dot product.
	if c.embedder != nil {
		if queryVec, err := c.embedder.EmbedOne(ctx, query); err == nil {
			bestScore := c.cfg.DenseThreshold
			var bestEntry *entry
			for _, e := range c.byHash {
				if e.denseVec == nil {
					continue
				}
				if score := dot(queryVec, e.denseVec); score >= bestScore {
					bestScore = score
					bestEntry = e
				}
			}
			if bestEntry != nil {
				return c.hitLocked(bestEntry, 3, bestScore), true
			}
		} else {
			c.logger.WithError(err).Debug("Dense cache layer unavailable for this lookup")
		}
	}

	c.stats.Misses++
	if c.metrics != nil {
		c.metrics.CacheMisses.Inc()
	}
	return nil, false
}

func (c *Cache) hitLocked(e *entry, layer int, similarity float64) *Hit {
	e.hits++
	e.lastAccess = time.Now()
	switch layer {
	case 1:
		c.stats.ExactHits++
	case 2:
		c.stats.TFIDFHits++
	case 3:
		c.stats.DenseHits++
	}
	if c.metrics != nil {
		c.metrics.CacheHits.WithLabelValues(layerLabel(layer)).Inc()
	}

	citations := make([]models.Citation, len(e.citations))
	copy(citations, e.citations)
	return &Hit{
		Answer:       e.answer,
		Citations:    citations,
		Strategy:     e.strategy,
		Confidence:   e.confidence,
		Layer:        layer,
		Similarity:   similarity,
		MatchedQuery: e.query,
		CreatedAt:    e.createdAt,
	}
}

func layerLabel(layer int) string {
	switch layer {
	case 1:
		return "exact"
	case 2:
		return "tfidf"
	default:
		return "dense"
	}
}

// Put stores an answer in all three layers. Answers without at least one
// citation and one retrieved chunk are rejected by the quality gate.
func (c *Cache) Put(ctx context.Context, query, answer string, citations []models.Citation, strategy string, confidence float64, chunkCount int) bool {
	if len(citations) == 0 || chunkCount == 0 {
		c.mu.Lock()
		c.stats.Rejected++
		c.mu.Unlock()
		return false
	}

	var denseVec []float32
	if c.embedder != nil {
		vec, err := c.embedder.EmbedOne(ctx, query)
		if err != nil {
			c.logger.WithError(err).Debug("Caching without dense vector")
		} else {
			denseVec = vec
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	hash := hashQuery(NormalizeQuery(query))
	c.byHash[hash] = &entry{
		query:      query,
		answer:     answer,
		citations:  citations,
		strategy:   strategy,
		confidence: confidence,
		chunkCount: chunkCount,
		createdAt:  now,
		lastAccess: now,
		denseVec:   denseVec,
	}

	for len(c.byHash) > c.cfg.MaxSize {
		c.evictOldestLocked()
	}
	c.refitLocked()
	c.updateSizeMetricLocked()
	return true
}

// Invalidate removes the entry for query from every layer.
func (c *Cache) Invalidate(query string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	hash := hashQuery(NormalizeQuery(query))
	if _, ok := c.byHash[hash]; !ok {
		return false
	}
	delete(c.byHash, hash)
	c.refitLocked()
	c.stats.Invalidations++
	c.updateSizeMetricLocked()
	return true
}

func (c *Cache) evictOldestLocked() {
	oldestHash := ""
	var oldestTime time.Time
	for h, e := range c.byHash {
		if oldestHash == "" || e.createdAt.Before(oldestTime) {
			oldestHash = h
			oldestTime = e.createdAt
		}
	}
	if oldestHash != "" {
		delete(c.byHash, oldestHash)
		c.stats.Evictions++
	}
}

func (c *Cache) pruneExpiredLocked() {
	if c.cfg.TTL <= 0 {
		return
	}
	now := time.Now()
	removed := false
	for h, e := range c.byHash {
		if now.Sub(e.createdAt) > c.cfg.TTL {
			delete(c.byHash, h)
			removed = true
		}
	}
	if removed {
		c.refitLocked()
		c.updateSizeMetricLocked()
	}
}

// refitLocked rebuilds the TF-IDF layer over all cached queries.
func (c *Cache) refitLocked() {
	hashes := make([]string, 0, len(c.byHash))
	docs := make([]string, 0, len(c.byHash))
	for h, e := range c.byHash {
		hashes = append(hashes, h)
		docs = append(docs, e.query)
	}

	c.vectorizer = tfidf.NewVectorizer(0)
	c.vectorizer.Fit(docs)
	c.tfidfVecs = make(map[string][]float64, len(hashes))
	for i, h := range hashes {
		c.tfidfVecs[h] = c.vectorizer.Transform(docs[i])
	}
}

func (c *Cache) updateSizeMetricLocked() {
	if c.metrics != nil {
		c.metrics.CacheSize.Set(float64(len(c.byHash)))
	}
}

// Len returns the number of cached answers.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byHash)
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.byHash)
	return s
}

func dot(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

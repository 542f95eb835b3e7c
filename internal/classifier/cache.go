package classifier

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"adaptiverag/internal/tfidf"
)

// cacheEntry is the persisted per-query classification state.
type cacheEntry struct {
	QueryType  QueryType `json:"query_type"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
	LastUsed   time.Time `json:"last_used"`
	Uses       int       `json:"uses"`
	LLMUsed    bool      `json:"llm_used"`
}

// CacheStats counts cache outcomes since process start.
type CacheStats struct {
	ExactHits    int `json:"exact_hits"`
	SemanticHits int `json:"semantic_hits"`
	Misses       int `json:"misses"`
	LLMCalls     int `json:"llm_calls"`
}

// Cache is the two-tier classification cache. The exact tier is a direct
// map on the query string; the semantic tier matches by TF-IDF cosine
// against previously cached queries. Entries below the confidence floor are
// treated as misses so callers re-classify.
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]*cacheEntry
	vectorizer *tfidf.Vectorizer
	vectors    map[string][]float64

	threshold  float64
	floor      float64
	ttl        time.Duration
	maxEntries int

	path         string
	persistEvery int
	dirty        int

	stats  CacheStats
	logger *logrus.Logger
}

// NewCache builds the cache and loads any persisted state from path.
func NewCache(path string, threshold, floor float64, ttl time.Duration, maxEntries, persistEvery int, logger *logrus.Logger) *Cache {
	if logger == nil {
		logger = logrus.New()
	}
	if maxEntries <= 0 {
		maxEntries = 500
	}

	c := &Cache{
		entries:      make(map[string]*cacheEntry),
		vectorizer:   tfidf.NewVectorizer(0),
		vectors:      make(map[string][]float64),
		threshold:    threshold,
		floor:        floor,
		ttl:          ttl,
		maxEntries:   maxEntries,
		path:         path,
		persistEvery: persistEvery,
		logger:       logger,
	}
	c.load()
	return c
}

// Lookup consults the exact tier, then the semantic tier. The returned
// source is SourceExactCache or SourceSemanticCache on a hit.
func (c *Cache) Lookup(query string) (*Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if entry, ok := c.entries[query]; ok {
		if c.expired(entry, now) {
			c.removeLocked(query)
		} else if entry.Confidence >= c.floor {
			entry.Uses++
			entry.LastUsed = now
			c.stats.ExactHits++
			return c.recordFrom(query, entry, SourceExactCache), true
		}
	}

	if match, entry := c.semanticMatchLocked(query, now); entry != nil {
		entry.Uses++
		entry.LastUsed = now
		c.stats.SemanticHits++
		rec := c.recordFrom(match, entry, SourceSemanticCache)
		rec.Query = query
		return rec, true
	}

	c.stats.Misses++
	return nil, false
}

func (c *Cache) semanticMatchLocked(query string, now time.Time) (string, *cacheEntry) {
	vec := c.vectorizer.Transform(query)
	if vec == nil {
		return "", nil
	}

	bestScore := c.threshold
	bestQuery := ""
	for cached, cachedVec := range c.vectors {
		score := tfidf.Cosine(vec, cachedVec)
		if score >= bestScore {
			bestScore = score
			bestQuery = cached
		}
	}
	if bestQuery == "" {
		return "", nil
	}

	entry, ok := c.entries[bestQuery]
	if !ok {
		return "", nil
	}
	if c.expired(entry, now) {
		c.removeLocked(bestQuery)
		return "", nil
	}
	if entry.Confidence < c.floor {
		return "", nil
	}
	return bestQuery, entry
}

// Put stores a classification and refits the semantic tier. Persists to disk
// every persistEvery insertions.
func (c *Cache) Put(rec *Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[rec.Query] = &cacheEntry{
		QueryType:  rec.QueryType,
		Confidence: rec.Confidence,
		Timestamp:  rec.Timestamp,
		LastUsed:   rec.Timestamp,
		Uses:       1,
		LLMUsed:    rec.Source == SourceLLM,
	}
	if rec.Source == SourceLLM {
		c.stats.LLMCalls++
	}

	for len(c.entries) > c.maxEntries {
		c.evictOldestLocked()
	}
	c.refitLocked()

	c.dirty++
	if c.persistEvery > 0 && c.dirty >= c.persistEvery {
		c.saveLocked()
	}
}

func (c *Cache) evictOldestLocked() {
	oldestQuery := ""
	var oldestTime time.Time
	for q, e := range c.entries {
		if oldestQuery == "" || e.LastUsed.Before(oldestTime) {
			oldestQuery = q
			oldestTime = e.LastUsed
		}
	}
	if oldestQuery != "" {
		c.removeLocked(oldestQuery)
	}
}

func (c *Cache) removeLocked(query string) {
	delete(c.entries, query)
	delete(c.vectors, query)
}

// refitLocked rebuilds the TF-IDF space over all cached queries.
func (c *Cache) refitLocked() {
	queries := make([]string, 0, len(c.entries))
	for q := range c.entries {
		queries = append(queries, q)
	}

	c.vectorizer = tfidf.NewVectorizer(0)
	c.vectorizer.Fit(queries)
	c.vectors = make(map[string][]float64, len(queries))
	for _, q := range queries {
		c.vectors[q] = c.vectorizer.Transform(q)
	}
}

func (c *Cache) expired(entry *cacheEntry, now time.Time) bool {
	return c.ttl > 0 && now.Sub(entry.Timestamp) > c.ttl
}

func (c *Cache) recordFrom(query string, entry *cacheEntry, source Source) *Record {
	return &Record{
		Query:      query,
		QueryType:  entry.QueryType,
		Confidence: entry.Confidence,
		Source:     source,
		Timestamp:  entry.Timestamp,
		UseCount:   entry.Uses,
		LLMUsed:    entry.LLMUsed,
	}
}

// Stats returns a copy of the hit counters.
func (c *Cache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// Len returns the number of cached classifications.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

type cacheFile struct {
	Cache map[string]*cacheEntry `json:"cache"`
	Stats CacheStats             `json:"stats"`
}

// Save persists the cache. Called on shutdown and periodically from Put.
func (c *Cache) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveLocked()
}

func (c *Cache) saveLocked() error {
	if c.path == "" {
		return nil
	}

	data, err := json.MarshalIndent(cacheFile{Cache: c.entries, Stats: c.stats}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal classification cache: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write classification cache: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("failed to replace classification cache: %w", err)
	}

	c.dirty = 0
	return nil
}

func (c *Cache) load() {
	if c.path == "" {
		return
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return
	}

	var file cacheFile
	if err := json.Unmarshal(data, &file); err != nil {
		c.logger.WithError(err).Warn("Classification cache corrupt, starting fresh")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if file.Cache != nil {
		c.entries = file.Cache
	}
	c.stats = file.Stats
	c.refitLocked()
	c.logger.WithField("entries", len(c.entries)).Debug("Classification cache loaded")
}

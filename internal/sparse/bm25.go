// Package sparse maintains the lexical BM25 index that complements vector
// search. The index is derived entirely from the vector store's payloads and
// can always be rebuilt by scrolling the collection.
package sparse

import (
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"adaptiverag/internal/tfidf"
	"adaptiverag/internal/vectordb/qdrant"
)

// Okapi BM25 parameters.
const (
	defaultK1 = 1.5
	defaultB  = 0.75
)

// Result is one scored document.
type Result struct {
	ID    string
	Score float64
}

type docEntry struct {
	ID     string
	Length int
	Counts map[string]int
}

// Tokenizer splits text into index tokens.
type Tokenizer func(string) []string

// Index is an in-memory BM25 index. Safe for concurrent use.
type Index struct {
	mu       sync.RWMutex
	k1       float64
	b        float64
	tokenize Tokenizer
	docs     []docEntry
	byID     map[string]int
	docFreq  map[string]int
	totalLen int
	logger   *logrus.Logger
}

// NewIndex creates an empty index with standard Okapi parameters and the
// default tokenizer.
func NewIndex(logger *logrus.Logger) *Index {
	if logger == nil {
		logger = logrus.New()
	}
	return &Index{
		k1:       defaultK1,
		b:        defaultB,
		tokenize: tfidf.Tokenize,
		byID:     make(map[string]int),
		docFreq:  make(map[string]int),
		logger:   logger,
	}
}

// SetTokenizer replaces the tokenizer. Call before indexing; documents and
// queries must share one tokenizer.
func (idx *Index) SetTokenizer(tok Tokenizer) {
	if tok == nil {
		return
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.tokenize = tok
}

// Add indexes one document. Re-adding an existing ID replaces it.
func (idx *Index) Add(id, text string) {
	idx.mu.RLock()
	tokenize := idx.tokenize
	idx.mu.RUnlock()

	tokens := tokenize(text)
	counts := make(map[string]int, len(tokens))
	for _, t := range tokens {
		counts[t]++
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if pos, ok := idx.byID[id]; ok {
		idx.removeLocked(pos)
	}

	entry := docEntry{ID: id, Length: len(tokens), Counts: counts}
	idx.docs = append(idx.docs, entry)
	idx.byID[id] = len(idx.docs) - 1
	idx.totalLen += entry.Length
	for term := range counts {
		idx.docFreq[term]++
	}
}

// Remove drops a document from the index; unknown IDs are a no-op.
func (idx *Index) Remove(id string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if pos, ok := idx.byID[id]; ok {
		idx.removeLocked(pos)
	}
}

func (idx *Index) removeLocked(pos int) {
	entry := idx.docs[pos]
	idx.totalLen -= entry.Length
	for term := range entry.Counts {
		if idx.docFreq[term] <= 1 {
			delete(idx.docFreq, term)
		} else {
			idx.docFreq[term]--
		}
	}
	delete(idx.byID, entry.ID)

	last := len(idx.docs) - 1
	if pos != last {
		idx.docs[pos] = idx.docs[last]
		idx.byID[idx.docs[pos].ID] = pos
	}
	idx.docs = idx.docs[:last]
}

// Len returns the indexed document count.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.docs)
}

// Search scores all documents against the query and returns the top limit
// results with positive scores, best first.
func (idx *Index) Search(query string, limit int) []Result {
	if limit <= 0 {
		return nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	tokens := idx.tokenize(query)
	n := len(idx.docs)
	if len(tokens) == 0 || n == 0 {
		return nil
	}
	avgLen := float64(idx.totalLen) / float64(n)
	if avgLen == 0 {
		avgLen = 1
	}

	stats := make([]termStat, 0, len(tokens))
	for _, term := range tokens {
		df := float64(idx.docFreq[term])
		if df == 0 {
			continue
		}
		stats = append(stats, termStat{
			term: term,
			idf:  math.Log(1 + (float64(n)-df+0.5)/(df+0.5)),
		})
	}
	if len(stats) == 0 {
		return nil
	}

	var scores []Result
	if n < scoreShardMin {
		scores = idx.scoreRange(stats, 0, n, avgLen)
	} else {
		scores = idx.scoreSharded(stats, n, avgLen)
	}

	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].ID < scores[j].ID
	})
	if len(scores) > limit {
		scores = scores[:limit]
	}
	return scores
}

// scoreShardMin is the corpus size at which scoring moves off the calling
// goroutine onto parallel doc shards.
const scoreShardMin = 1024

// termStat is a query term with its precomputed IDF weight.
type termStat struct {
	term string
	idf  float64
}

// scoreRange scores docs[start:end]. The caller holds the read lock.
func (idx *Index) scoreRange(stats []termStat, start, end int, avgLen float64) []Result {
	var out []Result
	for i := start; i < end; i++ {
		doc := idx.docs[i]
		var score float64
		for _, ts := range stats {
			tf := float64(doc.Counts[ts.term])
			if tf == 0 {
				continue
			}
			denom := tf + idx.k1*(1-idx.b+idx.b*float64(doc.Length)/avgLen)
			score += ts.idf * tf * (idx.k1 + 1) / denom
		}
		if score > 0 {
			out = append(out, Result{ID: doc.ID, Score: score})
		}
	}
	return out
}

// scoreSharded fans scoring out over contiguous doc shards, one bounded
// goroutine each, and concatenates the per-shard results in shard order so
// output ordering matches the serial path.
func (idx *Index) scoreSharded(stats []termStat, n int, avgLen float64) []Result {
	workers := runtime.GOMAXPROCS(0)
	if workers > 8 {
		workers = 8
	}
	shard := (n + workers - 1) / workers

	parts := make([][]Result, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		start := w * shard
		end := start + shard
		if end > n {
			end = n
		}
		if start >= end {
			continue
		}
		wg.Add(1)
		go func(w, start, end int) {
			defer wg.Done()
			parts[w] = idx.scoreRange(stats, start, end, avgLen)
		}(w, start, end)
	}
	wg.Wait()

	var scores []Result
	for _, p := range parts {
		scores = append(scores, p...)
	}
	return scores
}

// indexVersion marks the persisted schema. Files written with a different
// version are rejected on load and rebuilt from the vector store.
const indexVersion = 1

// indexState is the gob persistence schema.
type indexState struct {
	Version  int
	K1       float64
	B        float64
	Docs     []docEntry
	DocFreq  map[string]int
	TotalLen int
}

// Save writes the index to path atomically.
func (idx *Index) Save(path string) error {
	idx.mu.RLock()
	docFreq := make(map[string]int, len(idx.docFreq))
	for term, df := range idx.docFreq {
		docFreq[term] = df
	}
	state := indexState{
		Version:  indexVersion,
		K1:       idx.k1,
		B:        idx.b,
		Docs:     append([]docEntry(nil), idx.docs...),
		DocFreq:  docFreq,
		TotalLen: idx.totalLen,
	}
	idx.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create index dir: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create index file: %w", err)
	}
	if err := gob.NewEncoder(f).Encode(&state); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to encode index: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close index file: %w", err)
	}
	return os.Rename(tmp, path)
}

// Load reads a previously saved index. Corrupt or unreadable files return an
// error; callers fall back to a rebuild.
func Load(path string, logger *logrus.Logger) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var state indexState
	if err := gob.NewDecoder(f).Decode(&state); err != nil {
		return nil, fmt.Errorf("failed to decode index: %w", err)
	}
	if state.Version != indexVersion {
		return nil, fmt.Errorf("index version %d, want %d", state.Version, indexVersion)
	}

	idx := NewIndex(logger)
	idx.k1 = state.K1
	idx.b = state.B
	idx.docs = state.Docs
	idx.docFreq = state.DocFreq
	if idx.docFreq == nil {
		idx.docFreq = make(map[string]int)
	}
	idx.totalLen = state.TotalLen
	idx.byID = make(map[string]int, len(state.Docs))
	for i, d := range state.Docs {
		idx.byID[d.ID] = i
	}
	return idx, nil
}

// Scroller pages through a vector collection's payloads.
type Scroller interface {
	Scroll(ctx context.Context, collection string, limit int, offset *string, filter map[string]interface{}) ([]qdrant.Point, *string, error)
}

// RebuildFromStore re-indexes every chunk payload in the collection. The new
// index is assembled off to the side and swapped in whole, so concurrent
// searches keep using the previous snapshot until the rebuild succeeds.
// Returns the number of documents indexed.
func (idx *Index) RebuildFromStore(ctx context.Context, store Scroller, collection string, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 256
	}

	idx.mu.RLock()
	tokenize := idx.tokenize
	idx.mu.RUnlock()

	var (
		docs     []docEntry
		byID     = make(map[string]int)
		docFreq  = make(map[string]int)
		totalLen int
	)
	var cursor *string
	for {
		points, next, err := store.Scroll(ctx, collection, batchSize, cursor, nil)
		if err != nil {
			return 0, fmt.Errorf("scroll failed during rebuild: %w", err)
		}
		for _, p := range points {
			text, _ := p.Payload["text"].(string)
			if text == "" {
				continue
			}
			if _, dup := byID[p.ID]; dup {
				continue
			}
			tokens := tokenize(text)
			counts := make(map[string]int, len(tokens))
			for _, t := range tokens {
				counts[t]++
			}
			docs = append(docs, docEntry{ID: p.ID, Length: len(tokens), Counts: counts})
			byID[p.ID] = len(docs) - 1
			totalLen += len(tokens)
			for term := range counts {
				docFreq[term]++
			}
		}
		if next == nil {
			break
		}
		cursor = next
	}

	idx.mu.Lock()
	idx.docs = docs
	idx.byID = byID
	idx.docFreq = docFreq
	idx.totalLen = totalLen
	idx.mu.Unlock()

	idx.logger.WithFields(logrus.Fields{
		"collection": collection,
		"documents":  len(docs),
	}).Info("Lexical index rebuilt")
	return len(docs), nil
}

package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"adaptiverag/internal/apperr"
	"adaptiverag/internal/config"
	"adaptiverag/internal/llm"
	"adaptiverag/internal/models"
	"adaptiverag/internal/retrieval"
)

// memoCap bounds the remembered build keys; oldest entries are evicted.
const memoCap = 256

// Searcher supplies candidate chunks for just-in-time construction.
// *retrieval.Retriever satisfies it.
type Searcher interface {
	Retrieve(ctx context.Context, query string, opts retrieval.Options) (*retrieval.Result, error)
}

// Completer is the completion slice the builder needs from the LLM client.
type Completer interface {
	Complete(ctx context.Context, req *llm.Request) (*llm.Result, error)
}

// Builder grows the graph on demand. Concurrent builds for the same entity
// set collapse onto one flight; completed sets are memoized so repeat
// questions skip extraction entirely. Failed builds are not memoized.
type Builder struct {
	store    *Store
	searcher Searcher
	llm      Completer
	mirror   *Neo4jMirror
	cfg      config.GraphConfig
	logger   *logrus.Logger

	flight singleflight.Group
	memoMu sync.Mutex
	memo   map[string]time.Time
}

// NewBuilder wires the builder. mirror may be nil when no external graph
// database is configured.
func NewBuilder(store *Store, searcher Searcher, completer Completer, mirror *Neo4jMirror, cfg config.GraphConfig, logger *logrus.Logger) *Builder {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.MaxQueryEntities <= 0 {
		cfg.MaxQueryEntities = 5
	}
	if cfg.MaxJITChunks <= 0 {
		cfg.MaxJITChunks = 50
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 4
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 30 * time.Second
	}
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = 2
	}
	return &Builder{
		store:    store,
		searcher: searcher,
		llm:      completer,
		mirror:   mirror,
		cfg:      cfg,
		logger:   logger,
		memo:     make(map[string]time.Time),
	}
}

// Store exposes the underlying graph for neighborhood queries.
func (b *Builder) Store() *Store { return b.store }

// MaxHops reports the configured neighborhood radius.
func (b *Builder) MaxHops() int { return b.cfg.MaxHops }

const queryEntityPrompt = `You extract the named entities a question is asking about.
Respond with a JSON object and nothing else:
{"entities": ["name", ...]}
Use lowercase canonical names (for example "elizabeth bennet", not "Elizabeth"). Return at most %d entities. Return an empty list if the question names none.`

// properNounPattern matches capitalized word runs, the fallback signal for
// entity names when the LLM path is unavailable.
var properNounPattern = regexp.MustCompile(`\b[A-Z][a-zA-Z]+(?:\s+[A-Z][a-zA-Z]+)*\b`)

var questionWords = map[string]bool{
	"who": true, "what": true, "when": true, "where": true, "why": true,
	"how": true, "which": true, "whose": true, "is": true, "are": true,
	"was": true, "were": true, "does": true, "did": true, "do": true,
	"the": true, "a": true, "an": true, "in": true, "of": true, "and": true,
	"list": true, "describe": true, "explain": true, "compare": true,
}

// ExtractQueryEntities pulls the entities a question refers to. The LLM path
// returns canonical names; on any failure a proper-noun scan of the question
// stands in so the strategy never dead-ends on extraction.
func (b *Builder) ExtractQueryEntities(ctx context.Context, question string) ([]string, models.TokenUsage) {
	var usage models.TokenUsage
	if b.llm != nil {
		result, err := b.llm.Complete(ctx, &llm.Request{
			Messages:    llm.SystemUser(fmt.Sprintf(queryEntityPrompt, b.cfg.MaxQueryEntities), question),
			MaxTokens:   128,
			Temperature: 0,
			JSONMode:    true,
		})
		if err == nil {
			usage = result.Usage
			var parsed struct {
				Entities []string `json:"entities"`
			}
			if jsonErr := json.Unmarshal([]byte(extractJSON(result.Text)), &parsed); jsonErr == nil {
				if names := canonicalSet(parsed.Entities, b.cfg.MaxQueryEntities); len(names) > 0 {
					return names, usage
				}
			}
		} else {
			b.logger.WithError(err).Debug("query entity extraction failed, using noun fallback")
		}
	}
	return b.fallbackEntities(question), usage
}

func (b *Builder) fallbackEntities(question string) []string {
	matches := properNounPattern.FindAllString(question, -1)
	var names []string
	for _, m := range matches {
		key := Canonical(m)
		if questionWords[key] {
			continue
		}
		names = append(names, key)
	}
	return canonicalSet(names, b.cfg.MaxQueryEntities)
}

func canonicalSet(names []string, limit int) []string {
	seen := make(map[string]struct{}, len(names))
	var out []string
	for _, n := range names {
		key := Canonical(n)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// EnsureEntities builds graph coverage for the missing entities by
// retrieving related chunks and extracting entities and relations from
// them. The accumulated LLM usage of the build is returned even when parts
// of it fail.
func (b *Builder) EnsureEntities(ctx context.Context, question string, missing []string) (models.TokenUsage, error) {
	missing = canonicalSet(missing, 0)
	if len(missing) == 0 {
		return models.TokenUsage{}, nil
	}
	key := buildKey(missing)

	b.memoMu.Lock()
	_, done := b.memo[key]
	b.memoMu.Unlock()
	if done {
		return models.TokenUsage{}, nil
	}

	v, err, _ := b.flight.Do(key, func() (interface{}, error) {
		usage, built, buildErr := b.build(ctx, question, missing)
		if buildErr == nil && built {
			b.remember(key)
		}
		return usage, buildErr
	})
	usage, _ := v.(models.TokenUsage)
	return usage, err
}

func buildKey(missing []string) string {
	sorted := append([]string(nil), missing...)
	sort.Strings(sorted)
	return strings.Join(sorted, "|")
}

func (b *Builder) remember(key string) {
	b.memoMu.Lock()
	defer b.memoMu.Unlock()
	if len(b.memo) >= memoCap {
		oldestKey, oldest := "", time.Time{}
		for k, t := range b.memo {
			if oldest.IsZero() || t.Before(oldest) {
				oldestKey, oldest = k, t
			}
		}
		delete(b.memo, oldestKey)
	}
	b.memo[key] = time.Now()
}

// build retrieves candidate chunks and runs extraction over them. The built
// flag reports whether anything was extracted; builds that found nothing to
// do are not memoized so a later ingest can still fill the gap.
func (b *Builder) build(ctx context.Context, question string, missing []string) (models.TokenUsage, bool, error) {
	var usage models.TokenUsage

	query := question + " " + strings.Join(missing, " ")
	result, err := b.searcher.Retrieve(ctx, query, retrieval.Options{
		TopK:   b.cfg.MaxJITChunks,
		Rerank: false,
	})
	if err != nil {
		if apperr.IsKind(err, apperr.KindRetrievalEmpty) {
			b.logger.WithField("missing", missing).Debug("no chunks found for graph build")
			return usage, false, nil
		}
		return usage, false, err
	}

	candidates := b.unprocessed(result.Chunks)
	if len(candidates) == 0 {
		return usage, false, nil
	}

	extracted, batchUsage := b.extractBatches(ctx, candidates)
	usage.Add(batchUsage)

	if countEntities(extracted) == 0 {
		// Total extraction failure. Retry a few chunks one at a time
		// before giving up on the build.
		fallbackN := b.cfg.BatchSize
		if fallbackN > len(candidates) {
			fallbackN = len(candidates)
		}
		for _, chunk := range candidates[:fallbackN] {
			singleCtx, cancel := context.WithTimeout(ctx, b.cfg.BatchTimeout)
			single, singleUsage, singleErr := b.extractBatch(singleCtx, []models.RetrievedChunk{chunk})
			cancel()
			usage.Add(singleUsage)
			if singleErr != nil {
				continue
			}
			extracted = append(extracted, single...)
			b.store.MarkProcessed(chunk.ID)
		}
		if countEntities(extracted) == 0 {
			return usage, false, fmt.Errorf("graph: extraction produced no entities for %v", missing)
		}
	}

	b.merge(extracted)
	b.mirrorExtractions(ctx, extracted)
	b.logger.WithFields(logrus.Fields{
		"missing":   missing,
		"chunks":    len(candidates),
		"entities":  b.store.EntityCount(),
		"relations": b.store.RelationCount(),
	}).Info("graph build complete")
	return usage, true, nil
}

func (b *Builder) unprocessed(chunks []models.RetrievedChunk) []models.RetrievedChunk {
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	keep := make(map[string]struct{})
	for _, id := range b.store.FilterUnprocessed(ids) {
		keep[id] = struct{}{}
	}
	var out []models.RetrievedChunk
	for _, c := range chunks {
		if _, ok := keep[c.ID]; ok {
			out = append(out, c)
			if len(out) >= b.cfg.MaxJITChunks {
				break
			}
		}
	}
	return out
}

// chunkExtraction is the per-chunk outcome of one extraction call.
type chunkExtraction struct {
	chunkID   string
	entities  []extractedEntity
	relations []extractedRelation
}

type extractedEntity struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type extractedRelation struct {
	Src        string  `json:"src"`
	Dst        string  `json:"dst"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

func countEntities(extractions []chunkExtraction) int {
	n := 0
	for _, ex := range extractions {
		n += len(ex.entities)
	}
	return n
}

// extractBatches fans the candidates out over parallel batch extractions.
// A failed batch is logged and skipped so its chunks stay eligible for a
// later build; chunks from successful batches are marked processed even
// when the model found nothing in them.
func (b *Builder) extractBatches(ctx context.Context, candidates []models.RetrievedChunk) ([]chunkExtraction, models.TokenUsage) {
	var (
		mu      sync.Mutex
		merged  []chunkExtraction
		usage   models.TokenUsage
		g, gctx = errgroup.WithContext(ctx)
	)
	for start := 0; start < len(candidates); start += b.cfg.BatchSize {
		end := start + b.cfg.BatchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		batch := candidates[start:end]
		g.Go(func() error {
			batchCtx, cancel := context.WithTimeout(gctx, b.cfg.BatchTimeout)
			defer cancel()
			extracted, batchUsage, err := b.extractBatch(batchCtx, batch)
			mu.Lock()
			usage.Add(batchUsage)
			if err != nil {
				b.logger.WithError(err).WithField("batch_size", len(batch)).Warn("graph batch extraction failed")
			} else {
				merged = append(merged, extracted...)
				for _, chunk := range batch {
					b.store.MarkProcessed(chunk.ID)
				}
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return merged, usage
}

const extractionPrompt = `You extract entities and relationships from text passages.
Respond with a JSON object and nothing else:
{"chunks": [{"index": 0, "entities": [{"name": "...", "type": "person|character|organization|location|role|other"}], "relations": [{"src": "...", "dst": "...", "type": "...", "confidence": 0.9}]}]}
Rules:
- one chunks element per passage, index matching the passage number
- entity names are lowercase canonical forms
- relation type must be one of: family, ally, enemy, colleague, role, member_of, reports_to, related_to
- relation src and dst must appear in that passage's entities
- confidence is between 0 and 1`

func (b *Builder) extractBatch(ctx context.Context, batch []models.RetrievedChunk) ([]chunkExtraction, models.TokenUsage, error) {
	var prompt strings.Builder
	for i, chunk := range batch {
		fmt.Fprintf(&prompt, "Passage %d:\n%s\n\n", i, chunk.Text)
	}
	result, err := b.llm.Complete(ctx, &llm.Request{
		Messages:    llm.SystemUser(extractionPrompt, strings.TrimSpace(prompt.String())),
		MaxTokens:   1024,
		Temperature: 0,
		JSONMode:    true,
	})
	if err != nil {
		return nil, models.TokenUsage{}, err
	}

	var parsed struct {
		Chunks []struct {
			Index     int                 `json:"index"`
			Entities  []extractedEntity   `json:"entities"`
			Relations []extractedRelation `json:"relations"`
		} `json:"chunks"`
	}
	if err := json.Unmarshal([]byte(extractJSON(result.Text)), &parsed); err != nil {
		return nil, result.Usage, fmt.Errorf("graph: malformed extraction response: %w", err)
	}

	var out []chunkExtraction
	for _, c := range parsed.Chunks {
		if c.Index < 0 || c.Index >= len(batch) {
			continue
		}
		out = append(out, chunkExtraction{
			chunkID:   batch[c.Index].ID,
			entities:  c.Entities,
			relations: c.Relations,
		})
	}
	return out, result.Usage, nil
}

// merge lands extraction results in the store, entities before edges so the
// endpoint invariant holds. Relation endpoints the extraction forgot to list
// are upserted as untyped entities rather than dropped.
func (b *Builder) merge(extractions []chunkExtraction) {
	for _, ex := range extractions {
		for _, e := range ex.entities {
			b.store.UpsertEntity(e.Name, e.Type, ex.chunkID)
		}
		for _, r := range ex.relations {
			if Canonical(r.Src) == "" || Canonical(r.Dst) == "" {
				continue
			}
			b.store.UpsertEntity(r.Src, "", ex.chunkID)
			b.store.UpsertEntity(r.Dst, "", ex.chunkID)
			if err := b.store.AddRelation(r.Src, r.Dst, r.Type, r.Confidence, ex.chunkID); err != nil {
				b.logger.WithError(err).Debug("dropping relation")
			}
		}
	}
}

func (b *Builder) mirrorExtractions(ctx context.Context, extractions []chunkExtraction) {
	if b.mirror == nil {
		return
	}
	var entities []Entity
	var relations []Relation
	for _, ex := range extractions {
		for _, e := range ex.entities {
			entities = append(entities, Entity{Name: Canonical(e.Name), Type: strings.ToLower(strings.TrimSpace(e.Type))})
		}
		for _, r := range ex.relations {
			if Canonical(r.Src) == "" || Canonical(r.Dst) == "" {
				continue
			}
			relations = append(relations, Relation{
				Src:        Canonical(r.Src),
				Dst:        Canonical(r.Dst),
				Type:       CoerceRelation(r.Type),
				Confidence: clamp01(r.Confidence),
				Evidence:   []string{ex.chunkID},
			})
		}
	}
	b.mirror.MirrorExtraction(ctx, entities, relations)
}

// extractJSON pulls the outermost JSON object out of a completion that may
// wrap it in prose or code fences.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}

// Package graph maintains the process-local knowledge graph backing the
// graph retrieval strategy: an entity table, directed relations between
// entities, and the machinery that builds both just in time from retrieved
// chunks.
package graph

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Relation vocabulary. Extraction output is coerced onto this set.
const (
	RelationFamily    = "family"
	RelationAlly      = "ally"
	RelationEnemy     = "enemy"
	RelationColleague = "colleague"
	RelationRole      = "role"
	RelationMemberOf  = "member_of"
	RelationReportsTo = "reports_to"
	RelationRelated   = "related_to"
)

var relationVocab = map[string]bool{
	RelationFamily:    true,
	RelationAlly:      true,
	RelationEnemy:     true,
	RelationColleague: true,
	RelationRole:      true,
	RelationMemberOf:  true,
	RelationReportsTo: true,
	RelationRelated:   true,
}

// ValidRelation reports whether t is part of the relation vocabulary.
func ValidRelation(t string) bool { return relationVocab[t] }

// CoerceRelation maps free-form extraction output onto the vocabulary,
// falling back to the generic related_to edge.
func CoerceRelation(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	if relationVocab[t] {
		return t
	}
	return RelationRelated
}

// Canonical normalizes an entity name to its table key.
func Canonical(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Entity is one node in the graph. ChunkIDs records which chunks mentioned
// it.
type Entity struct {
	Name     string   `json:"name"`
	Type     string   `json:"type,omitempty"`
	ChunkIDs []string `json:"chunk_ids,omitempty"`
}

// Relation is a directed edge. Evidence lists the chunks the edge was
// extracted from; Confidence is the maximum seen across extractions.
type Relation struct {
	Src        string   `json:"src"`
	Dst        string   `json:"dst"`
	Type       string   `json:"type"`
	Confidence float64  `json:"confidence"`
	Evidence   []string `json:"evidence,omitempty"`
}

// Subgraph is a neighborhood slice of the graph centered on query entities.
// Isolated lists query entities that exist nowhere in the graph, so callers
// can still render them as bare nodes.
type Subgraph struct {
	Entities  []Entity   `json:"entities"`
	Relations []Relation `json:"relations"`
	Isolated  []string   `json:"isolated,omitempty"`
}

// Empty reports whether the neighborhood found no known entities.
func (s *Subgraph) Empty() bool {
	return s == nil || len(s.Entities) == 0
}

// Describe serializes the subgraph for use as LLM context: one line per
// entity, one line per relation with its confidence.
func (s *Subgraph) Describe() string {
	if s.Empty() {
		if len(s.Isolated) == 0 {
			return "No graph context available."
		}
		return "Entities (no known connections):\n- " + strings.Join(s.Isolated, "\n- ")
	}
	var b strings.Builder
	b.WriteString("Entities:\n")
	for _, e := range s.Entities {
		if e.Type != "" {
			fmt.Fprintf(&b, "- %s (%s)\n", e.Name, e.Type)
		} else {
			fmt.Fprintf(&b, "- %s\n", e.Name)
		}
	}
	if len(s.Relations) > 0 {
		b.WriteString("Relationships:\n")
		for _, r := range s.Relations {
			fmt.Fprintf(&b, "- %s -[%s]-> %s (confidence %.2f)\n", r.Src, r.Type, r.Dst, r.Confidence)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

type entityNode struct {
	name     string
	typ      string
	chunkIDs map[string]struct{}
}

type relationEdge struct {
	src        string
	dst        string
	typ        string
	confidence float64
	evidence   map[string]struct{}
}

func edgeKey(src, dst, typ string) string {
	return src + "\x00" + dst + "\x00" + typ
}

// Store is the in-memory graph. All methods are safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	entities  map[string]*entityNode
	edges     map[string]*relationEdge
	adjacency map[string]map[string]struct{} // undirected traversal index
	processed map[string]struct{}
	logger    *logrus.Logger
}

// NewStore returns an empty graph.
func NewStore(logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.New()
	}
	return &Store{
		entities:  make(map[string]*entityNode),
		edges:     make(map[string]*relationEdge),
		adjacency: make(map[string]map[string]struct{}),
		processed: make(map[string]struct{}),
		logger:    logger,
	}
}

// UpsertEntity adds or merges an entity. The first non-empty type wins;
// chunk ids accumulate as a set.
func (s *Store) UpsertEntity(name, entityType string, chunkIDs ...string) {
	key := Canonical(name)
	if key == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertEntityLocked(key, entityType, chunkIDs)
}

func (s *Store) upsertEntityLocked(key, entityType string, chunkIDs []string) {
	node, ok := s.entities[key]
	if !ok {
		node = &entityNode{name: key, chunkIDs: make(map[string]struct{})}
		s.entities[key] = node
	}
	if node.typ == "" && entityType != "" {
		node.typ = strings.ToLower(strings.TrimSpace(entityType))
	}
	for _, id := range chunkIDs {
		if id != "" {
			node.chunkIDs[id] = struct{}{}
		}
	}
}

// AddRelation records a directed edge. Both endpoints must already exist;
// re-adding an edge merges evidence and keeps the maximum confidence.
func (s *Store) AddRelation(src, dst, relType string, confidence float64, evidence ...string) error {
	srcKey, dstKey := Canonical(src), Canonical(dst)
	if srcKey == "" || dstKey == "" {
		return fmt.Errorf("graph: relation endpoints must be named")
	}
	relType = CoerceRelation(relType)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[srcKey]; !ok {
		return fmt.Errorf("graph: unknown entity %q", srcKey)
	}
	if _, ok := s.entities[dstKey]; !ok {
		return fmt.Errorf("graph: unknown entity %q", dstKey)
	}

	key := edgeKey(srcKey, dstKey, relType)
	edge, ok := s.edges[key]
	if !ok {
		edge = &relationEdge{src: srcKey, dst: dstKey, typ: relType, evidence: make(map[string]struct{})}
		s.edges[key] = edge
		s.link(srcKey, dstKey)
		s.link(dstKey, srcKey)
	}
	if confidence > edge.confidence {
		edge.confidence = clamp01(confidence)
	}
	for _, id := range evidence {
		if id != "" {
			edge.evidence[id] = struct{}{}
		}
	}
	return nil
}

func (s *Store) link(from, to string) {
	set, ok := s.adjacency[from]
	if !ok {
		set = make(map[string]struct{})
		s.adjacency[from] = set
	}
	set[to] = struct{}{}
}

// HasEntity reports whether the named entity is known.
func (s *Store) HasEntity(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entities[Canonical(name)]
	return ok
}

// Coverage splits names into those present in the entity table and those
// missing from it. Results keep canonical form.
func (s *Store) Coverage(names []string) (existing, missing []string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		key := Canonical(n)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if _, ok := s.entities[key]; ok {
			existing = append(existing, key)
		} else {
			missing = append(missing, key)
		}
	}
	return existing, missing
}

// MarkProcessed records chunk ids that have been through extraction.
func (s *Store) MarkProcessed(chunkIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range chunkIDs {
		if id != "" {
			s.processed[id] = struct{}{}
		}
	}
}

// FilterUnprocessed returns the subset of ids not yet extracted, preserving
// order.
func (s *Store) FilterUnprocessed(chunkIDs []string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, id := range chunkIDs {
		if _, done := s.processed[id]; !done && id != "" {
			out = append(out, id)
		}
	}
	return out
}

// Neighborhood runs a breadth-first expansion from the seed entities up to
// maxHops away, traversing edges in both directions. The result carries
// every visited entity plus every edge whose endpoints were both visited;
// seeds unknown to the graph are reported as isolated.
func (s *Store) Neighborhood(seeds []string, maxHops int) *Subgraph {
	if maxHops < 0 {
		maxHops = 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	visited := make(map[string]struct{})
	var isolated []string
	frontier := make([]string, 0, len(seeds))
	seen := make(map[string]struct{}, len(seeds))
	for _, seed := range seeds {
		key := Canonical(seed)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if _, ok := s.entities[key]; ok {
			visited[key] = struct{}{}
			frontier = append(frontier, key)
		} else {
			isolated = append(isolated, key)
		}
	}

	for hop := 0; hop < maxHops && len(frontier) > 0; hop++ {
		var next []string
		for _, name := range frontier {
			for neighbor := range s.adjacency[name] {
				if _, ok := visited[neighbor]; ok {
					continue
				}
				visited[neighbor] = struct{}{}
				next = append(next, neighbor)
			}
		}
		frontier = next
	}

	sub := &Subgraph{Isolated: isolated}
	for name := range visited {
		node := s.entities[name]
		sub.Entities = append(sub.Entities, Entity{
			Name:     node.name,
			Type:     node.typ,
			ChunkIDs: sortedKeys(node.chunkIDs),
		})
	}
	sort.Slice(sub.Entities, func(i, j int) bool { return sub.Entities[i].Name < sub.Entities[j].Name })

	for _, edge := range s.edges {
		if _, ok := visited[edge.src]; !ok {
			continue
		}
		if _, ok := visited[edge.dst]; !ok {
			continue
		}
		sub.Relations = append(sub.Relations, Relation{
			Src:        edge.src,
			Dst:        edge.dst,
			Type:       edge.typ,
			Confidence: edge.confidence,
			Evidence:   sortedKeys(edge.evidence),
		})
	}
	sort.Slice(sub.Relations, func(i, j int) bool {
		a, b := sub.Relations[i], sub.Relations[j]
		if a.Src != b.Src {
			return a.Src < b.Src
		}
		if a.Dst != b.Dst {
			return a.Dst < b.Dst
		}
		return a.Type < b.Type
	})
	return sub
}

// EntityCount reports the number of known entities.
func (s *Store) EntityCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

// RelationCount reports the number of distinct edges.
func (s *Store) RelationCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.edges)
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
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

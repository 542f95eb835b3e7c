package engine

import (
	"sync"
	"time"
)

// askRecord is what the feedback path needs to know about a served answer.
type askRecord struct {
	ID         string
	Question   string
	Arm        string
	QueryType  string
	Confidence float64
	Chunks     int
	LatencyMs  float64
	AutoReward float64
	CacheHit   bool
	CacheLayer int
	AskedAt    time.Time

	graded bool
}

// history remembers recently served queries so feedback can be tied back to
// the strategy that produced them. Bounded; the oldest entries fall off
// first.
type history struct {
	mu    sync.Mutex
	limit int
	byID  map[string]*askRecord
	order []string
}

func newHistory(limit int) *history {
	if limit <= 0 {
		limit = 1
	}
	return &history{limit: limit, byID: make(map[string]*askRecord, limit)}
}

func (h *history) Add(rec askRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.byID[rec.ID]; exists {
		return
	}
	for len(h.order) >= h.limit {
		delete(h.byID, h.order[0])
		h.order = h.order[1:]
	}
	stored := rec
	h.byID[rec.ID] = &stored
	h.order = append(h.order, rec.ID)
}

// Claim looks up a served query and marks it graded. The second return
// reports whether this call was the first to grade it, so feedback is never
// applied twice for the same query.
func (h *history) Claim(id string) (askRecord, bool, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.byID[id]
	if !ok {
		return askRecord{}, false, false
	}
	first := !rec.graded
	rec.graded = true
	return *rec, first, true
}

func (h *history) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.order)
}

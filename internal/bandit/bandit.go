// Package bandit routes queries to retrieval strategies with a Thompson
// sampling policy. Each arm keeps a Beta posterior over reward; cue-based
// force rules and a safety net sit above the sampler.
package bandit

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"adaptiverag/internal/classifier"
	"adaptiverag/internal/models"
	"adaptiverag/internal/observability/metrics"
)

// Strategy arm names. The set is fixed; state files with unknown arms are
// rejected at load.
const (
	ArmHybrid    = "hybrid"
	ArmIterative = "iterative"
	ArmGraph     = "graph"
	ArmTable     = "table"
)

// AllArms lists every arm in presentation order.
var AllArms = []string{ArmHybrid, ArmIterative, ArmGraph, ArmTable}

type armState struct {
	Alpha  float64 `json:"alpha"`
	Beta   float64 `json:"beta"`
	Trials float64 `json:"trials"`
}

type stateFile struct {
	Arms      map[string]*armState `json:"arms"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// Decision is the routing outcome for one query.
type Decision struct {
	Arm     string
	Reason  string
	Sampled map[string]float64
	Forced  bool
}

// Router is the Thompson sampling strategy router.
type Router struct {
	mu        sync.Mutex
	arms      map[string]*armState
	coldStart bool
	updatedAt time.Time

	explorationBonus float64
	latencyBudgetMs  float64
	statePath        string
	rng              *rand.Rand
	metrics          *metrics.Collector
	logger           *logrus.Logger
}

// Option tweaks router construction.
type Option func(*Router)

// WithSeed fixes the sampling source, for reproducible tests.
func WithSeed(seed uint64) Option {
	return func(r *Router) { r.rng = rand.New(rand.NewSource(seed)) }
}

// WithLatencyBudget overrides the reward latency budget in milliseconds.
func WithLatencyBudget(ms float64) Option {
	return func(r *Router) {
		if ms > 0 {
			r.latencyBudgetMs = ms
		}
	}
}

// NewRouter loads arm state in priority order: the runtime state file, then
// the defaults file, then a cold start at Beta(1,1). collector may be nil.
func NewRouter(statePath, defaultsPath string, explorationBonus float64, collector *metrics.Collector, logger *logrus.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = logrus.New()
	}

	r := &Router{
		explorationBonus: explorationBonus,
		latencyBudgetMs:  8000,
		statePath:        statePath,
		rng:              rand.New(rand.NewSource(uint64(time.Now().UnixNano()))),
		metrics:          collector,
		logger:           logger,
	}
	for _, opt := range opts {
		opt(r)
	}

	if arms, updatedAt, err := loadState(statePath); err == nil {
		r.arms = arms
		r.updatedAt = updatedAt
		logger.WithField("path", statePath).Info("Bandit state restored")
	} else if arms, updatedAt, err := loadState(defaultsPath); err == nil {
		r.arms = arms
		r.updatedAt = updatedAt
		logger.WithField("path", defaultsPath).Info("Bandit warm-start defaults loaded")
	} else {
		r.arms = freshArms()
		r.coldStart = true
		logger.Info("Bandit cold start, all arms at Beta(1,1)")
	}

	return r
}

func freshArms() map[string]*armState {
	arms := make(map[string]*armState, len(AllArms))
	for _, name := range AllArms {
		arms[name] = &armState{Alpha: 1, Beta: 1}
	}
	return arms
}

func loadState(path string) (map[string]*armState, time.Time, error) {
	if path == "" {
		return nil, time.Time{}, fmt.Errorf("no state path")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, time.Time{}, err
	}

	var file stateFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to parse bandit state: %w", err)
	}

	arms := freshArms()
	for name, st := range file.Arms {
		if _, ok := arms[name]; !ok {
			return nil, time.Time{}, fmt.Errorf("unknown arm %q in state file", name)
		}
		if st.Alpha < 1 || st.Beta < 1 || st.Trials < 0 {
			return nil, time.Time{}, fmt.Errorf("invalid posterior for arm %q", name)
		}
		arms[name] = st
	}
	return arms, file.UpdatedAt, nil
}

// ColdStart reports whether no prior state was found at startup.
func (r *Router) ColdStart() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.coldStart
}

// availableArms narrows the arm set by query type. Factual lookups stay on
// hybrid; unknown types get the full set.
func availableArms(queryType classifier.QueryType) []string {
	switch queryType {
	case classifier.TypeFactual:
		return []string{ArmHybrid}
	case classifier.TypeComplex:
		return []string{ArmHybrid, ArmIterative}
	case classifier.TypeRelationship:
		return []string{ArmHybrid, ArmIterative, ArmGraph}
	case classifier.TypeStructured:
		return []string{ArmHybrid, ArmTable}
	default:
		return AllArms
	}
}

// Select picks an arm for the classified query.
//
// Order of precedence: force rules from cues, then Thompson sampling with an
// exploration bonus, then the safety-net escalation for strong cues the
// sampler ignored.
func (r *Router) Select(rec *classifier.Record) Decision {
	if rec.Cues.Graph || rec.QueryType == classifier.TypeRelationship {
		return r.forced(ArmGraph, "forced: relationship cues present")
	}
	if rec.Cues.Table && rec.QueryType == classifier.TypeStructured {
		return r.forced(ArmTable, "forced: table cues with structured_data classification")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := availableArms(rec.QueryType)
	maxTrials := 1.0
	for _, name := range candidates {
		if t := r.arms[name].Trials; t > maxTrials {
			maxTrials = t
		}
	}

	sampled := make(map[string]float64, len(candidates))
	best := candidates[0]
	bestScore := math.Inf(-1)
	for _, name := range candidates {
		st := r.arms[name]
		draw := distuv.Beta{Alpha: st.Alpha, Beta: st.Beta, Src: r.rng}.Rand()
		bonus := r.explorationBonus * (1 - st.Trials/maxTrials)
		score := draw + bonus
		sampled[name] = score
		if score > bestScore {
			bestScore = score
			best = name
		}
	}

	decision := Decision{
		Arm:     best,
		Reason:  fmt.Sprintf("thompson: %s (sample=%.3f)", best, bestScore),
		Sampled: sampled,
	}

	// Safety net: strong cues beat a generic sample unless the query is a
	// plain factual lookup. Relationship cues never reach this point; they
	// are forced above.
	if (decision.Arm == ArmHybrid || decision.Arm == ArmIterative) &&
		rec.QueryType != classifier.TypeFactual && rec.Cues.Table {
		decision.Arm = ArmTable
		decision.Reason = "safety net: escalated to table on table cues"
	}

	if r.metrics != nil {
		mode := "thompson"
		if decision.Arm != best {
			mode = "safety_net"
		}
		r.metrics.StrategySelected.WithLabelValues(decision.Arm, mode).Inc()
	}
	return decision
}

func (r *Router) forced(arm, reason string) Decision {
	if r.metrics != nil {
		r.metrics.StrategySelected.WithLabelValues(arm, "forced").Inc()
	}
	return Decision{Arm: arm, Reason: reason, Forced: true}
}

// RewardInputs are the observable outcomes the automated reward is computed
// from.
type RewardInputs struct {
	Confidence float64
	Chunks     int
	LatencyMs  float64
}

// ComputeReward blends answer confidence, retrieval coverage, and a latency
// penalty into [0,1].
func (r *Router) ComputeReward(in RewardInputs) float64 {
	confidence := clamp01(in.Confidence)
	coverage := 0.0
	if in.Chunks > 0 {
		coverage = 1.0
	}
	latencyPenalty := math.Max(0, 1-in.LatencyMs/r.latencyBudgetMs)
	return 0.4*confidence + 0.3*coverage + 0.3*latencyPenalty
}

// Update applies a reward to an arm's posterior and persists the state.
func (r *Router) Update(arm string, reward float64) error {
	reward = clamp01(reward)

	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.arms[arm]
	if !ok {
		return fmt.Errorf("unknown arm %q", arm)
	}
	st.Alpha += reward
	st.Beta += 1 - reward
	st.Trials++
	r.coldStart = false
	r.updatedAt = time.Now()

	if r.metrics != nil {
		r.metrics.BanditReward.WithLabelValues(arm).Observe(reward)
	}
	return r.persistLocked()
}

// persistLocked writes arm state atomically via a temp file rename.
func (r *Router) persistLocked() error {
	if r.statePath == "" {
		return nil
	}

	data, err := json.MarshalIndent(stateFile{Arms: r.arms, UpdatedAt: r.updatedAt}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal bandit state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.statePath), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp := r.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write bandit state: %w", err)
	}
	if err := os.Rename(tmp, r.statePath); err != nil {
		return fmt.Errorf("failed to replace bandit state: %w", err)
	}
	return nil
}

// State snapshots the posterior for the inspection endpoint.
func (r *Router) State() models.BanditStateResponse {
	r.mu.Lock()
	defer r.mu.Unlock()

	arms := make(map[string]models.ArmState, len(r.arms))
	for name, st := range r.arms {
		arms[name] = models.ArmState{
			Alpha:  st.Alpha,
			Beta:   st.Beta,
			Trials: st.Trials,
			Mean:   st.Alpha / (st.Alpha + st.Beta),
		}
	}
	return models.BanditStateResponse{
		Arms:      arms,
		ColdStart: r.coldStart,
		UpdatedAt: r.updatedAt,
	}
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

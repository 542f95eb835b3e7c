// Package governance records a per-operation audit trail. Every governed
// operation gets a context seeded from its risk tier; checkpoints accumulate
// into a sealed summary that ships with the response and is mirrored to the
// audit sink.
package governance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"adaptiverag/internal/config"
	"adaptiverag/internal/models"
	"adaptiverag/internal/observability/metrics"
)

// Checkpoint statuses.
const (
	StatusPassed  = "passed"
	StatusWarning = "warning"
	StatusFailed  = "failed"
)

// Criteria tracked across operations.
const (
	CriterionPolicyGate     = "policy_gate"
	CriterionPermission     = "permission"
	CriterionRetrieval      = "retrieval"
	CriterionEvidence       = "evidence"
	CriterionGeneration     = "generation"
	CriterionPrivacy        = "privacy"
	CriterionQuality        = "quality"
	CriterionReliability    = "reliability"
	CriterionDataGovernance = "data_governance"
	CriterionDashboard      = "dashboard"
	CriterionAudit          = "audit"
	CriterionCost           = "cost"
)

// Risk tiers, coarsest governance knob. R0 carries the base criteria;
// R1 and above carry the full set.
const (
	TierR0 = "R0"
	TierR1 = "R1"
	TierR2 = "R2"
	TierR3 = "R3"
)

var baseCriteria = []string{
	CriterionPolicyGate,
	CriterionPermission,
	CriterionPrivacy,
	CriterionQuality,
	CriterionAudit,
}

var elevatedCriteria = []string{
	CriterionPolicyGate,
	CriterionPermission,
	CriterionRetrieval,
	CriterionEvidence,
	CriterionGeneration,
	CriterionPrivacy,
	CriterionQuality,
	CriterionReliability,
	CriterionDataGovernance,
	CriterionDashboard,
	CriterionAudit,
	CriterionCost,
}

// operationTiers maps operation types to their governing tier. Unknown
// operations run at R0.
var operationTiers = map[string]string{
	"rag":        TierR1,
	"rag_stream": TierR1,
	"ingest":     TierR1,
	"feedback":   TierR0,
	"warmup":     TierR0,
	"code":       TierR0,
}

func criteriaFor(tier string) []string {
	if tier == TierR0 {
		return baseCriteria
	}
	return elevatedCriteria
}

// AuditSink receives sealed summaries. Implementations must be safe for
// concurrent use.
type AuditSink interface {
	Publish(ctx context.Context, summary *models.GovernanceSummary) error
	Close() error
}

// Tracker creates governance contexts. sink and collector may be nil.
type Tracker struct {
	cfg     config.GovernanceConfig
	metrics *metrics.Collector
	sink    AuditSink
	logger  *logrus.Logger
}

// NewTracker wires the tracker.
func NewTracker(cfg config.GovernanceConfig, collector *metrics.Collector, sink AuditSink, logger *logrus.Logger) *Tracker {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.SLOStandard <= 0 {
		cfg.SLOStandard = 10 * time.Second
	}
	if cfg.SLOElevated <= 0 {
		cfg.SLOElevated = 15 * time.Second
	}
	return &Tracker{cfg: cfg, metrics: collector, sink: sink, logger: logger}
}

// Start opens a governance context for one operation.
func (t *Tracker) Start(operationType string) *Context {
	tier, ok := operationTiers[operationType]
	if !ok {
		tier = TierR0
	}

	active := make(map[string]bool)
	for _, criterion := range criteriaFor(tier) {
		active[criterion] = true
	}

	return &Context{
		tracker:       t,
		TraceID:       uuid.NewString(),
		OperationType: operationType,
		RiskTier:      tier,
		active:        active,
		start:         time.Now(),
	}
}

// Context accumulates checkpoints for one operation. Safe for concurrent use;
// after Complete it becomes inert.
type Context struct {
	tracker       *Tracker
	TraceID       string
	OperationType string
	RiskTier      string

	mu          sync.Mutex
	active      map[string]bool
	checkpoints []models.GovernanceCheckpoint
	start       time.Time
	sealed      bool
	summary     *models.GovernanceSummary
}

// Checkpoint appends a record for criterion. Checkpoints for criteria outside
// the tier's active set, or after sealing, are dropped.
func (c *Context) Checkpoint(criterion, status, message string, metadata map[string]interface{}) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkpointLocked(criterion, status, message, metadata)
}

func (c *Context) checkpointLocked(criterion, status, message string, metadata map[string]interface{}) {
	if c.sealed || !c.active[criterion] {
		return
	}

	c.checkpoints = append(c.checkpoints, models.GovernanceCheckpoint{
		Criterion: criterion,
		Name:      criterion,
		Status:    status,
		Message:   message,
		Metadata:  metadata,
		Timestamp: time.Now(),
	})
	if c.tracker.metrics != nil {
		c.tracker.metrics.CheckpointCount.WithLabelValues(criterion, status, c.RiskTier).Inc()
	}
}

// CheckpointPolicyGate records whether the request passed input policy.
func (c *Context) CheckpointPolicyGate(allowed bool, message string) {
	status := StatusPassed
	if !allowed {
		status = StatusFailed
	}
	c.Checkpoint(CriterionPolicyGate, status, message, nil)
}

// CheckpointPermission records the caller's authorization result.
func (c *Context) CheckpointPermission(granted bool, message string) {
	status := StatusPassed
	if !granted {
		status = StatusFailed
	}
	c.Checkpoint(CriterionPermission, status, message, nil)
}

// CheckpointRetrieval records retrieval coverage. Zero chunks is a warning,
// not a failure; the caller decides whether to surface an error.
func (c *Context) CheckpointRetrieval(chunks int, strategy string) {
	status := StatusPassed
	message := fmt.Sprintf("%d chunks retrieved", chunks)
	if chunks == 0 {
		status = StatusWarning
		message = "no chunks retrieved"
	}
	c.Checkpoint(CriterionRetrieval, status, message, map[string]interface{}{
		"chunks":   chunks,
		"strategy": strategy,
	})
}

// CheckpointEvidence records citation coverage. Zero citations still passes:
// cache hits and synthesized answers legitimately carry none.
func (c *Context) CheckpointEvidence(citations int, fromCache bool) {
	message := fmt.Sprintf("%d citations attached", citations)
	if citations == 0 {
		if fromCache {
			message = "no citations (served from answer cache)"
		} else {
			message = "no citations (synthesized answer)"
		}
	}
	c.Checkpoint(CriterionEvidence, StatusPassed, message, map[string]interface{}{
		"citations":  citations,
		"from_cache": fromCache,
	})
}

// CheckpointGeneration records the LLM generation outcome.
func (c *Context) CheckpointGeneration(err error, model string, totalTokens int) {
	status := StatusPassed
	message := fmt.Sprintf("generation completed with %s", model)
	if err != nil {
		status = StatusFailed
		message = fmt.Sprintf("generation failed: %v", err)
	}
	c.Checkpoint(CriterionGeneration, status, message, map[string]interface{}{
		"model":        model,
		"total_tokens": totalTokens,
	})
}

// CheckpointPrivacy records the privacy screen outcome.
func (c *Context) CheckpointPrivacy(message string) {
	c.Checkpoint(CriterionPrivacy, StatusPassed, message, nil)
}

// CheckpointQuality records answer quality. Confidence below 0.5 is a
// warning.
func (c *Context) CheckpointQuality(confidence float64) {
	status := StatusPassed
	if confidence < 0.5 {
		status = StatusWarning
	}
	c.Checkpoint(CriterionQuality, status, fmt.Sprintf("answer confidence %.2f", confidence), map[string]interface{}{
		"confidence": confidence,
	})
}

// CheckpointReliability records degradations such as retries or fallbacks.
func (c *Context) CheckpointReliability(degraded bool, message string) {
	status := StatusPassed
	if degraded {
		status = StatusWarning
	}
	c.Checkpoint(CriterionReliability, status, message, nil)
}

// CheckpointDataGovernance records which data sources served the operation.
func (c *Context) CheckpointDataGovernance(collection string) {
	c.Checkpoint(CriterionDataGovernance, StatusPassed, fmt.Sprintf("served from collection %q", collection), nil)
}

// CheckpointDashboard records that operational metrics were exported.
func (c *Context) CheckpointDashboard() {
	c.Checkpoint(CriterionDashboard, StatusPassed, "metrics exported", nil)
}

// CheckpointAudit records that the audit trail entry was prepared.
func (c *Context) CheckpointAudit(message string) {
	c.Checkpoint(CriterionAudit, StatusPassed, message, nil)
}

// CheckpointCost records token spend for the operation.
func (c *Context) CheckpointCost(totalTokens int) {
	c.Checkpoint(CriterionCost, StatusPassed, fmt.Sprintf("%d tokens spent", totalTokens), map[string]interface{}{
		"total_tokens": totalTokens,
	})
}

// Complete seals the context: applies the SLO rule, emits duration and
// compliance metrics, publishes the summary to the audit sink, and returns
// the sealed summary. Idempotent.
func (c *Context) Complete(ctx context.Context) *models.GovernanceSummary {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sealed {
		return c.summary
	}

	duration := time.Since(c.start)
	c.applySLOLocked(duration)
	c.sealed = true

	summary := &models.GovernanceSummary{
		TraceID:        c.TraceID,
		OperationType:  c.OperationType,
		RiskTier:       c.RiskTier,
		ActiveCriteria: criteriaFor(c.RiskTier),
		Checkpoints:    c.checkpoints,
		DurationMs:     duration.Milliseconds(),
	}

	failedBy := make(map[string]bool)
	for _, cp := range c.checkpoints {
		switch cp.Status {
		case StatusPassed:
			summary.Passed++
		case StatusWarning:
			summary.Warnings++
		case StatusFailed:
			summary.Failed++
			failedBy[cp.Criterion] = true
		}
	}
	switch {
	case summary.Failed > 0:
		summary.Status = "failed"
	case summary.Warnings > 0:
		summary.Status = "passed_with_warnings"
	default:
		summary.Status = "passed"
	}

	if m := c.tracker.metrics; m != nil {
		m.OperationDuration.WithLabelValues(c.OperationType, c.RiskTier).Observe(duration.Seconds())
		for criterion := range c.active {
			value := 1.0
			if failedBy[criterion] {
				value = 0.0
			}
			m.ComplianceStatus.WithLabelValues(criterion, c.RiskTier).Set(value)
		}
	}

	c.summary = summary
	c.publishLocked(ctx, summary)
	return summary
}

// applySLOLocked records an overrun warning. R0 operations carry no SLO.
func (c *Context) applySLOLocked(duration time.Duration) {
	if c.RiskTier == TierR0 {
		return
	}

	threshold := c.tracker.cfg.SLOStandard
	if c.RiskTier != TierR1 {
		threshold = c.tracker.cfg.SLOElevated
	}
	if duration > threshold {
		c.checkpointLocked(CriterionReliability, StatusWarning,
			fmt.Sprintf("operation took %s, over the %s objective", duration.Round(time.Millisecond), threshold), nil)
	}
}

func (c *Context) publishLocked(ctx context.Context, summary *models.GovernanceSummary) {
	if c.tracker.sink == nil {
		return
	}
	if err := c.tracker.sink.Publish(ctx, summary); err != nil {
		c.tracker.logger.WithError(err).WithField("trace_id", summary.TraceID).Warn("Audit publish failed")
	}
}

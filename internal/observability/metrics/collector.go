// Package metrics exposes the prometheus instruments shared by the engine,
// the answer cache, the bandit router and the governance tracker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles every instrument the pipeline emits.
type Collector struct {
	gatherer prometheus.Gatherer

	// Request metrics
	RequestCount    *prometheus.CounterVec
	FailureCount    *prometheus.CounterVec
	RetrievalChunks prometheus.Histogram

	// Governance metrics
	CheckpointCount   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	ComplianceStatus  *prometheus.GaugeVec

	// Strategy and bandit metrics
	StrategySelected *prometheus.CounterVec
	BanditReward     *prometheus.HistogramVec

	// Answer cache metrics
	CacheHits   *prometheus.CounterVec
	CacheMisses prometheus.Counter
	CacheSize   prometheus.Gauge

	// LLM metrics
	LLMLatency *prometheus.HistogramVec
	LLMTokens  *prometheus.CounterVec
}

// NewCollector creates and registers every instrument on reg. Passing nil
// registers on the default registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		RequestCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rag_requests_total",
				Help: "Total requests by operation and outcome",
			},
			[]string{"operation", "status"},
		),
		FailureCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rag_failures_total",
				Help: "Total failures by operation and error kind",
			},
			[]string{"operation", "kind"},
		),
		RetrievalChunks: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rag_retrieval_chunks",
				Help:    "Chunks retrieved per request",
				Buckets: []float64{0, 1, 2, 5, 10, 20, 30, 50, 100},
			},
		),
		CheckpointCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governance_checkpoints_total",
				Help: "Governance checkpoints by criterion, status and risk tier",
			},
			[]string{"criterion", "status", "risk_tier"},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "governance_operation_duration_seconds",
				Help:    "End-to-end governed operation duration in seconds",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 15, 30, 60},
			},
			[]string{"operation_type", "risk_tier"},
		),
		ComplianceStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "governance_compliance_status",
				Help: "Latest compliance result per criterion (1 passed, 0 failed)",
			},
			[]string{"criterion", "risk_tier"},
		),
		StrategySelected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strategy_selected_total",
				Help: "Strategy selections by arm and selection mode",
			},
			[]string{"strategy", "mode"},
		),
		BanditReward: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bandit_reward",
				Help:    "Observed rewards applied to bandit arms",
				Buckets: prometheus.LinearBuckets(0, 0.1, 11),
			},
			[]string{"strategy"},
		),
		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "answer_cache_hits_total",
				Help: "Answer cache hits by layer",
			},
			[]string{"layer"},
		),
		CacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "answer_cache_misses_total",
				Help: "Total answer cache misses",
			},
		),
		CacheSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "answer_cache_entries",
				Help: "Current answer cache entry count",
			},
		),
		LLMLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llm_latency_seconds",
				Help:    "LLM call latency in seconds",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"model"},
		),
		LLMTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_tokens_total",
				Help: "Token spend by model and kind",
			},
			[]string{"model", "kind"},
		),
	}

	reg.MustRegister(
		c.RequestCount,
		c.FailureCount,
		c.RetrievalChunks,
		c.CheckpointCount,
		c.OperationDuration,
		c.ComplianceStatus,
		c.StrategySelected,
		c.BanditReward,
		c.CacheHits,
		c.CacheMisses,
		c.CacheSize,
		c.LLMLatency,
		c.LLMTokens,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	}

	return c
}

// Handler returns the HTTP handler serving the collector's registry.
func (c *Collector) Handler() http.Handler {
	if c.gatherer != nil {
		return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

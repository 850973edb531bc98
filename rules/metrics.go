package rules

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments evaluations with Prometheus collectors and keeps a
// minute-bucketed in-memory recorder so windowed aggregates can be served
// without reading the write-only audit trail.
type Metrics struct {
	evaluations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	ruleHits    *prometheus.CounterVec
	auditDrops  prometheus.Counter

	mu      sync.Mutex
	buckets map[int64]*metricsBucket // unix minute -> bucket
}

type metricsBucket struct {
	counts      map[Decision]int64
	total       int64
	durationSum time.Duration
}

// NewMetrics registers the engine's collectors with reg. Pass a fresh
// prometheus.NewRegistry() in tests to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		evaluations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rules_evaluations_total",
				Help: "Total number of rule evaluations by module and decision",
			},
			[]string{"module", "decision"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rules_evaluation_duration_seconds",
				Help:    "Rule evaluation duration by module",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"module"},
		),
		ruleHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rules_rule_hits_total",
				Help: "Total number of triggered rules by module and action type",
			},
			[]string{"module", "action"},
		),
		auditDrops: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "rules_audit_entries_dropped_total",
				Help: "Audit entries dropped because the async queue was full",
			},
		),
		buckets: make(map[int64]*metricsBucket),
	}
}

func (m *Metrics) observeEvaluation(module string, decision Decision, d time.Duration) {
	m.evaluations.WithLabelValues(module, string(decision)).Inc()
	m.duration.WithLabelValues(module).Observe(d.Seconds())

	minute := time.Now().Unix() / 60
	m.mu.Lock()
	b, ok := m.buckets[minute]
	if !ok {
		b = &metricsBucket{counts: make(map[Decision]int64)}
		m.buckets[minute] = b
	}
	b.counts[decision]++
	b.total++
	b.durationSum += d
	m.mu.Unlock()
}

func (m *Metrics) ruleHit(module, action string) {
	m.ruleHits.WithLabelValues(module, action).Inc()
}

// AuditDropped feeds the async sink's drop counter.
func (m *Metrics) AuditDropped() {
	m.auditDrops.Inc()
}

// MetricsReport aggregates evaluations over a time range.
type MetricsReport struct {
	From        time.Time          `json:"from"`
	To          time.Time          `json:"to"`
	Total       int64              `json:"total"`
	Counts      map[Decision]int64 `json:"counts"`
	AvgDuration time.Duration      `json:"avgDuration"`
}

// Range returns counts by decision and the average evaluation duration over
// [from, to].
func (m *Metrics) Range(from, to time.Time) *MetricsReport {
	report := &MetricsReport{
		From:   from,
		To:     to,
		Counts: make(map[Decision]int64),
	}

	lo := from.Unix() / 60
	hi := to.Unix() / 60

	m.mu.Lock()
	var durationSum time.Duration
	for minute, b := range m.buckets {
		if minute < lo || minute > hi {
			continue
		}
		for d, n := range b.counts {
			report.Counts[d] += n
		}
		report.Total += b.total
		durationSum += b.durationSum
	}
	m.mu.Unlock()

	if report.Total > 0 {
		report.AvgDuration = durationSum / time.Duration(report.Total)
	}
	return report
}

// GetMetrics returns aggregate evaluation counts by decision and the
// average duration over the given range. Returns an empty report when the
// engine was built without instrumentation.
func (en *Engine) GetMetrics(from, to time.Time) *MetricsReport {
	if en.metrics == nil {
		return &MetricsReport{From: from, To: to, Counts: make(map[Decision]int64)}
	}
	return en.metrics.Range(from, to)
}

// Prune discards buckets older than maxAge. Scheduled periodically so the
// recorder's memory footprint stays bounded.
func (m *Metrics) Prune(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge).Unix() / 60

	m.mu.Lock()
	for minute := range m.buckets {
		if minute < cutoff {
			delete(m.buckets, minute)
		}
	}
	m.mu.Unlock()
}

package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// LifecycleMetrics exposes counters/histograms for the conversation
// lifecycle: turns, outbound segments, follow-ups and CRM reconciliation.
type LifecycleMetrics struct {
	turnsTotal         *prometheus.CounterVec
	segmentsTotal      *prometheus.CounterVec
	followUpsTotal     *prometheus.CounterVec
	followUpsCancelled prometheus.Counter
	reconcileTotal     *prometheus.CounterVec
	engineLatency      *prometheus.HistogramVec
}

func NewLifecycleMetrics(reg prometheus.Registerer) *LifecycleMetrics {
	m := &LifecycleMetrics{
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "salesagent",
			Subsystem: "orchestrator",
			Name:      "turns_total",
			Help:      "Total consolidated turns processed",
		}, []string{"status"}),
		segmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "salesagent",
			Subsystem: "pacer",
			Name:      "segments_total",
			Help:      "Total outbound segments by delivery status",
		}, []string{"status"}),
		followUpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "salesagent",
			Subsystem: "followup",
			Name:      "fired_total",
			Help:      "Total follow-up executions by rung and outcome",
		}, []string{"rung", "status"}),
		followUpsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "salesagent",
			Subsystem: "followup",
			Name:      "cancelled_total",
			Help:      "Total follow-ups cancelled by inbound activity or staleness",
		}),
		reconcileTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "salesagent",
			Subsystem: "crm",
			Name:      "reconcile_total",
			Help:      "Total CRM reconciliation passes by outcome",
		}, []string{"status"}),
		engineLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "salesagent",
			Subsystem: "engine",
			Name:      "latency_seconds",
			Help:      "Latency of reply engine calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.turnsTotal, m.segmentsTotal, m.followUpsTotal, m.followUpsCancelled, m.reconcileTotal, m.engineLatency)
	return m
}

func (m *LifecycleMetrics) ObserveTurn(status string) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(status).Inc()
}

func (m *LifecycleMetrics) ObserveSegment(status string) {
	if m == nil {
		return
	}
	m.segmentsTotal.WithLabelValues(status).Inc()
}

func (m *LifecycleMetrics) ObserveFollowUp(rung int, status string) {
	if m == nil {
		return
	}
	m.followUpsTotal.WithLabelValues(strconv.Itoa(rung), status).Inc()
}

func (m *LifecycleMetrics) ObserveFollowUpsCancelled(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.followUpsCancelled.Add(float64(n))
}

func (m *LifecycleMetrics) ObserveReconcile(status string) {
	if m == nil {
		return
	}
	m.reconcileTotal.WithLabelValues(status).Inc()
}

func (m *LifecycleMetrics) ObserveEngineLatency(provider string, seconds float64) {
	if m == nil {
		return
	}
	m.engineLatency.WithLabelValues(provider).Observe(seconds)
}

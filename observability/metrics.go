package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerBridgeMetrics exposes the collectors recorded by the bridge daemon.
type LedgerBridgeMetrics struct {
	submissions    *prometheus.CounterVec
	submitLatency  *prometheus.HistogramVec
	calls          *prometheus.CounterVec
	reconciled     *prometheus.CounterVec
	replays        *prometheus.CounterVec
	journalPending prometheus.Gauge
}

var (
	bridgeMetricsOnce sync.Once
	bridgeRegistry    *LedgerBridgeMetrics
)

// LedgerBridge returns the lazily-initialised bridge metrics registry.
func LedgerBridge() *LedgerBridgeMetrics {
	bridgeMetricsOnce.Do(func() {
		bridgeRegistry = &LedgerBridgeMetrics{
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ledgerbridge",
				Name:      "submissions_total",
				Help:      "Total contract submissions segmented by function and outcome.",
			}, []string{"function", "outcome"}),
			submitLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "ledgerbridge",
				Name:      "submit_duration_seconds",
				Help:      "Time from broadcast request to observed receipt.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			}, []string{"function"}),
			calls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ledgerbridge",
				Name:      "calls_total",
				Help:      "Total read-only contract calls segmented by function and outcome.",
			}, []string{"function", "outcome"}),
			reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ledgerbridge",
				Name:      "reconciled_events_total",
				Help:      "Decoded events processed by the reconciler segmented by event and status.",
			}, []string{"event", "status"}),
			replays: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ledgerbridge",
				Name:      "replays_total",
				Help:      "Receipt replays segmented by resulting journal state.",
			}, []string{"state"}),
			journalPending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "ledgerbridge",
				Name:      "journal_pending",
				Help:      "Broadcast transactions awaiting reconciliation.",
			}),
		}
		prometheus.MustRegister(
			bridgeRegistry.submissions,
			bridgeRegistry.submitLatency,
			bridgeRegistry.calls,
			bridgeRegistry.reconciled,
			bridgeRegistry.replays,
			bridgeRegistry.journalPending,
		)
	})
	return bridgeRegistry
}

// ObserveSubmission records a submission outcome and, for submissions that
// produced a receipt, its latency.
func (m *LedgerBridgeMetrics) ObserveSubmission(function, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	function = labelValue(function)
	m.submissions.WithLabelValues(function, labelValue(outcome)).Inc()
	if d > 0 {
		m.submitLatency.WithLabelValues(function).Observe(d.Seconds())
	}
}

// RecordCall counts a read-only call.
func (m *LedgerBridgeMetrics) RecordCall(function, outcome string) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(labelValue(function), labelValue(outcome)).Inc()
}

// RecordReconciled counts a reconciled event.
func (m *LedgerBridgeMetrics) RecordReconciled(event, status string) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues(labelValue(event), labelValue(status)).Inc()
}

// RecordReplay counts a replay by the journal state it produced.
func (m *LedgerBridgeMetrics) RecordReplay(state string) {
	if m == nil {
		return
	}
	m.replays.WithLabelValues(labelValue(state)).Inc()
}

// SetJournalPending publishes the number of pending journal entries.
func (m *LedgerBridgeMetrics) SetJournalPending(n int) {
	if m == nil {
		return
	}
	m.journalPending.Set(float64(n))
}

func labelValue(v string) string {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

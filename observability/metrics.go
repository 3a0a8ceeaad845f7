package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics records traffic between the orchestrators and the ledger.
type LedgerMetrics struct {
	submissions  *prometheus.CounterVec
	reads        *prometheus.CounterVec
	finalityWait *prometheus.HistogramVec
}

var (
	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LedgerMetrics
)

// Ledger returns the lazily-initialised ledger metrics registry.
func Ledger() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "warlnest",
				Subsystem: "ledger",
				Name:      "submissions_total",
				Help:      "Total state-changing calls submitted to the ledger, by operation and outcome.",
			}, []string{"operation", "outcome"}),
			reads: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "warlnest",
				Subsystem: "ledger",
				Name:      "reads_total",
				Help:      "Total read-only calls against confirmed state, by operation and outcome.",
			}, []string{"operation", "outcome"}),
			finalityWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "warlnest",
				Subsystem: "ledger",
				Name:      "finality_wait_seconds",
				Help:      "Time spent waiting for submitted calls to reach finality.",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
			}, []string{"operation", "outcome"}),
		}
		prometheus.MustRegister(ledgerRegistry.submissions, ledgerRegistry.reads, ledgerRegistry.finalityWait)
	})
	return ledgerRegistry
}

// ObserveSubmission records the outcome of a Submit call.
func (m *LedgerMetrics) ObserveSubmission(operation, outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(operation, outcome).Inc()
}

// ObserveRead records the outcome of a Read call.
func (m *LedgerMetrics) ObserveRead(operation, outcome string) {
	if m == nil {
		return
	}
	m.reads.WithLabelValues(operation, outcome).Inc()
}

// ObserveFinalityWait records how long a finality wait took and how it ended.
func (m *LedgerMetrics) ObserveFinalityWait(operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.finalityWait.WithLabelValues(operation, outcome).Observe(elapsed.Seconds())
}

// Package metrics exposes the engine's Prometheus metrics.
//
// All Record* methods are safe on a nil *Collector, so components can run
// without metrics in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "engage"

// Collector holds every metric the engine records.
type Collector struct {
	sessionsStarted     prometheus.Counter
	verifications       *prometheus.CounterVec
	verificationScore   prometheus.Histogram
	completions         prometheus.Counter
	duplicateCompletion prometheus.Counter
	withdrawals         *prometheus.CounterVec
	withdrawnAmount     prometheus.Counter
	oracleErrors        *prometheus.CounterVec
	divergences         prometheus.Counter
	invariants          *prometheus.CounterVec
	reconcileRuns       prometheus.Counter

	gatherer prometheus.Gatherer
}

// NewCollector registers the metrics with reg. Pass a fresh
// prometheus.NewRegistry() in tests.
func NewCollector(reg *prometheus.Registry) *Collector {
	c := &Collector{
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Verification sessions started",
		}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Verification attempts by result and reason code",
		}, []string{"result", "reason"}),
		verificationScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "verification_score",
			Help:      "Confidence score of verification attempts",
			Buckets:   []float64{0, 30, 50, 70, 90, 95, 100},
		}),
		completions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_recorded_total",
			Help:      "Completion records written",
		}),
		duplicateCompletion: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_duplicate_total",
			Help:      "Completion inserts refused by the uniqueness guard",
		}),
		withdrawals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "withdrawals_total",
			Help:      "Withdrawal attempts by status",
		}, []string{"status"}),
		withdrawnAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "withdrawn_amount_total",
			Help:      "Sum of confirmed withdrawal amounts",
		}),
		oracleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_errors_total",
			Help:      "Oracle call failures by oracle and method",
		}, []string{"oracle", "method"}),
		divergences: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_divergences_total",
			Help:      "Users whose off-chain earned balance exceeds on-chain availability",
		}),
		invariants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invariant_violations_total",
			Help:      "Ledger consistency violations by operation",
		}, []string{"op"}),
		reconcileRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_runs_total",
			Help:      "Completed reconciliation passes",
		}),
		gatherer: reg,
	}

	reg.MustRegister(
		c.sessionsStarted, c.verifications, c.verificationScore,
		c.completions, c.duplicateCompletion,
		c.withdrawals, c.withdrawnAmount,
		c.oracleErrors, c.divergences, c.invariants, c.reconcileRuns,
	)
	return c
}

// Handler serves the registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func (c *Collector) RecordSessionStarted() {
	if c == nil {
		return
	}
	c.sessionsStarted.Inc()
}

func (c *Collector) RecordVerification(passed bool, reason string, score int) {
	if c == nil {
		return
	}
	result := "fail"
	if passed {
		result = "pass"
	}
	c.verifications.WithLabelValues(result, reason).Inc()
	c.verificationScore.Observe(float64(score))
}

func (c *Collector) RecordCompletion() {
	if c == nil {
		return
	}
	c.completions.Inc()
}

func (c *Collector) RecordDuplicateCompletion() {
	if c == nil {
		return
	}
	c.duplicateCompletion.Inc()
}

// RecordWithdrawal counts a withdrawal; amount is only added for confirmed ones.
func (c *Collector) RecordWithdrawal(status string, amount float64) {
	if c == nil {
		return
	}
	c.withdrawals.WithLabelValues(status).Inc()
	if status == "confirmed" {
		c.withdrawnAmount.Add(amount)
	}
}

func (c *Collector) RecordOracleError(oracle, method string) {
	if c == nil {
		return
	}
	c.oracleErrors.WithLabelValues(oracle, method).Inc()
}

func (c *Collector) RecordDivergence() {
	if c == nil {
		return
	}
	c.divergences.Inc()
}

func (c *Collector) RecordInvariant(op string) {
	if c == nil {
		return
	}
	c.invariants.WithLabelValues(op).Inc()
}

func (c *Collector) RecordReconcileRun() {
	if c == nil {
		return
	}
	c.reconcileRuns.Inc()
}

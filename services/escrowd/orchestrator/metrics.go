package orchestrator

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeApplied           = "applied"
	outcomeNoop              = "noop"
	outcomeValidation        = "validation_error"
	outcomeInsufficientFunds = "insufficient_funds"
	outcomeChainRejected     = "chain_rejected"
	outcomeReconciliationGap = "reconciliation_gap"
	outcomeError             = "error"
)

var (
	transitionMetricsOnce sync.Once
	transitionCounter     *prometheus.CounterVec
)

// transitionMetrics returns the lazily-initialised counter recording every
// orchestrator operation outcome.
func transitionMetrics() *prometheus.CounterVec {
	transitionMetricsOnce.Do(func() {
		transitionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "freework",
			Subsystem: "escrowd",
			Name:      "transitions_total",
			Help:      "Bid transition attempts segmented by operation and outcome.",
		}, []string{"operation", "outcome"})
		prometheus.MustRegister(transitionCounter)
	})
	return transitionCounter
}

func observeTransition(op Transition, outcome string) {
	transitionMetrics().WithLabelValues(string(op), outcome).Inc()
}

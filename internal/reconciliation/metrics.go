package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "slicepay",
		Subsystem: "reconciliation",
		Name:      "payout_mismatches",
		Help:      "Payout runs failing a check in the last reconciliation pass.",
	})

	reconcileMissedDays = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "slicepay",
		Subsystem: "reconciliation",
		Name:      "missed_payout_days",
		Help:      "Closed days with a community pool but no processed payout run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "slicepay",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "slicepay",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation runs that failed to read the ledger.",
	})
)

func init() {
	prometheus.MustRegister(reconcileMismatches, reconcileMissedDays, reconcileDuration, reconcileErrors)
}

package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	gwCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slicepay",
		Subsystem: "gateway",
		Name:      "calls_total",
		Help:      "Total payment gateway calls by gateway, operation and result.",
	}, []string{"gateway", "op", "result"}) // result: "ok", "declined", "error", "circuit_open"

	gwLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "slicepay",
		Subsystem: "gateway",
		Name:      "call_duration_seconds",
		Help:      "Payment gateway call latency in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"gateway", "op"})

	gwIdempotentReplays = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slicepay",
		Subsystem: "gateway",
		Name:      "idempotent_replays_total",
		Help:      "Capture or refund calls that found the operation already done.",
	}, []string{"gateway", "op"})
)

func init() {
	prometheus.MustRegister(gwCalls, gwLatency, gwIdempotentReplays)
}

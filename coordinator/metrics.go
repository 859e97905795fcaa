package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Claim results recorded by claimsTotal.
const (
	claimWon        = "won"
	claimContention = "contention"
	claimError      = "error"
)

var (
	claimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "genq",
			Subsystem: "coordinator",
			Name:      "claims_total",
			Help:      "Slot claim attempts by result",
		},
		[]string{"result"},
	)

	cycleErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "genq",
			Subsystem: "coordinator",
			Name:      "cycle_errors_total",
			Help:      "Admission cycles that failed on storage errors",
		},
	)

	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "genq",
			Subsystem: "coordinator",
			Name:      "cycles_total",
			Help:      "Admission cycles by wake trigger",
		},
		[]string{"trigger"},
	)

	reclaimsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "genq",
			Subsystem: "coordinator",
			Name:      "reclaims_total",
			Help:      "Stale slots reclaimed",
		},
	)

	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "genq",
			Subsystem: "coordinator",
			Name:      "transitions_total",
			Help:      "Job transitions performed by this worker",
		},
		[]string{"to"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "genq",
			Subsystem: "coordinator",
			Name:      "job_duration_seconds",
			Help:      "Time jobs held the execution slot",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"type", "outcome"},
	)

	slotHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "genq",
			Subsystem: "coordinator",
			Name:      "slot_held",
			Help:      "1 while this worker holds the execution slot",
		},
	)

	feedConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "genq",
			Subsystem: "coordinator",
			Name:      "feed_connected",
			Help:      "1 while the change feed subscription is live",
		},
	)
)

func init() {
	prometheus.MustRegister(
		claimsTotal,
		cycleErrorsTotal,
		cyclesTotal,
		reclaimsTotal,
		transitionsTotal,
		jobDuration,
		slotHeld,
		feedConnected,
	)
}

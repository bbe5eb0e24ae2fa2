package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobClaims = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyteller_job_claims_total",
			Help: "Story jobs claimed, by source (pending or stale).",
		},
		[]string{"source"},
	)
	jobOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyteller_job_outcomes_total",
			Help: "Processed story jobs by outcome.",
		},
		[]string{"outcome"},
	)
	jobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "storyteller_job_duration_seconds",
			Help:    "Duration of one job processing pass.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 900},
		},
	)
)

package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// gapQueries counts miscibility gap evaluations.
	// Labels: source (point, profile), status (two_phase, stable, out_of_range, failed)
	gapQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "demix",
		Subsystem: "api",
		Name:      "gap_queries_total",
		Help:      "Miscibility gap evaluations by result status",
	}, []string{"source", "status"})

	// profileDuration measures profile evaluation time.
	profileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "demix",
		Subsystem: "api",
		Name:      "profile_duration_seconds",
		Help:      "Time to evaluate a P-T profile",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	// profilePoints tracks profile sizes.
	profilePoints = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "demix",
		Subsystem: "api",
		Name:      "profile_points",
		Help:      "Points per submitted profile",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 9),
	})

	// rateLimited counts requests rejected by a rate limiter.
	rateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "demix",
		Subsystem: "api",
		Name:      "rate_limited_total",
		Help:      "Requests rejected with 429",
	}, []string{"endpoint"})
)

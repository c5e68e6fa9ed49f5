package regularize

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// initializationSweeps tracks how many full sweeps seeding needed
	initializationSweeps = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "deform_regularization_sweeps",
		Help:    "Full grid sweeps needed to seed a displacement field from its constraints",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	// regularizationIterations tracks outer red-black iterations until convergence
	regularizationIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "deform_regularization_iterations",
		Help:    "Red-black SOR iterations until convergence",
		Buckets: prometheus.ExponentialBuckets(1, 2, 16),
	})
)

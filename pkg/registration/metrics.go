package registration

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// registrationDuration tracks engine execution time
	registrationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "deform_registration_duration_seconds",
		Help:    "Registration engine execution time in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	})

	// validationErrors counts rejected inputs by validation stage
	validationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deform_validation_errors_total",
		Help: "Registration inputs rejected by validation, by stage",
	}, []string{"stage"})
)

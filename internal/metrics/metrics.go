// Package metrics exposes Prometheus collectors for the admission service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RegistrationsTotal counts registration attempts by outcome:
	// confirmed|waitlisted|rejected.
	RegistrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admitd_registrations_total",
			Help: "Total registration attempts by outcome",
		},
		[]string{"outcome"},
	)

	// PromotionsTotal counts waitlist entries promoted to confirmed.
	PromotionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "admitd_promotions_total",
			Help: "Total waitlist promotions into freed slots",
		},
	)

	// StoreConflictsTotal counts benign transaction conflicts that were
	// retried internally.
	StoreConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "admitd_store_conflicts_total",
			Help: "Total retried store transaction conflicts",
		},
	)

	// RequestDuration observes HTTP request handling time.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "admitd_http_request_duration_seconds",
			Help:    "Duration of HTTP request handling",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "status"},
	)
)

func init() {
	prometheus.MustRegister(RegistrationsTotal)
	prometheus.MustRegister(PromotionsTotal)
	prometheus.MustRegister(StoreConflictsTotal)
	prometheus.MustRegister(RequestDuration)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Package metrics provides Prometheus metrics for admission decisions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the admission pipeline.
type Metrics struct {
	enabled bool

	// Authentication metrics
	authRequestsTotal prometheus.Counter
	authFailuresTotal *prometheus.CounterVec

	// Throttle metrics
	throttleRejectionsTotal prometheus.Counter
	rateLimitKeys           prometheus.Gauge

	// Quota metrics
	quotaDenialsTotal   *prometheus.CounterVec
	featureDenialsTotal *prometheus.CounterVec

	// Pipeline metrics
	admissionDuration prometheus.Histogram
}

// New creates and registers Prometheus metrics.
// If enabled is false, returns a no-op Metrics instance.
func New(enabled bool) *Metrics {
	m := &Metrics{enabled: enabled}

	if !enabled {
		return m
	}

	m.authRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gate_auth_requests_total",
		Help: "Total successful authentications",
	})

	m.authFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gate_auth_failures_total",
		Help: "Total authentication failures",
	}, []string{"reason"})

	m.throttleRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gate_throttle_rejections_total",
		Help: "Total transport rate-limit rejections",
	})

	m.rateLimitKeys = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gate_rate_limit_keys",
		Help: "Current number of tracked rate-limit keys",
	})

	m.quotaDenialsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gate_quota_denials_total",
		Help: "Total quota exhaustion denials",
	}, []string{"tier", "limit_type"})

	m.featureDenialsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gate_feature_denials_total",
		Help: "Total tier feature-restriction denials",
	}, []string{"feature", "tier"})

	m.admissionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gate_admission_duration_seconds",
		Help:    "Admission pipeline duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	return m
}

// RecordAuthSuccess records a successful authentication.
func (m *Metrics) RecordAuthSuccess() {
	if !m.enabled {
		return
	}
	m.authRequestsTotal.Inc()
}

// RecordAuthFailure records a failed authentication.
func (m *Metrics) RecordAuthFailure(reason string) {
	if !m.enabled {
		return
	}
	m.authFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordThrottleRejection records a transport rate-limit rejection.
func (m *Metrics) RecordThrottleRejection() {
	if !m.enabled {
		return
	}
	m.throttleRejectionsTotal.Inc()
}

// SetRateLimitKeys sets the current tracked key count.
func (m *Metrics) SetRateLimitKeys(n int) {
	if !m.enabled {
		return
	}
	m.rateLimitKeys.Set(float64(n))
}

// RecordQuotaDenial records a quota exhaustion denial.
func (m *Metrics) RecordQuotaDenial(tier, limitType string) {
	if !m.enabled {
		return
	}
	m.quotaDenialsTotal.WithLabelValues(tier, limitType).Inc()
}

// RecordFeatureDenial records a tier feature-restriction denial.
func (m *Metrics) RecordFeatureDenial(feature, tier string) {
	if !m.enabled {
		return
	}
	m.featureDenialsTotal.WithLabelValues(feature, tier).Inc()
}

// ObserveAdmission records the duration of one pipeline pass.
func (m *Metrics) ObserveAdmission(durationSeconds float64) {
	if !m.enabled {
		return
	}
	m.admissionDuration.Observe(durationSeconds)
}

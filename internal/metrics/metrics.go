// Package metrics provides Prometheus instrumentation for the security subsystem.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keyguard",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "keyguard",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// RateLimitDecisions counts limiter outcomes by operation and result
	// (allowed, denied, fail_open, unknown_operation).
	RateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keyguard",
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Rate limiter decisions by operation and result.",
		},
		[]string{"operation", "result"},
	)

	// VerifierDecisions counts verification outcomes by operation and decision.
	VerifierDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keyguard",
			Subsystem: "verifier",
			Name:      "decisions_total",
			Help:      "Sensitive operation verifications by operation and decision.",
		},
		[]string{"operation", "decision"},
	)

	// RiskScore observes verifier risk scores.
	RiskScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "keyguard",
		Subsystem: "verifier",
		Name:      "risk_score",
		Help:      "Distribution of computed risk scores (0-100).",
		Buckets:   []float64{0, 20, 30, 50, 70, 80, 100},
	})

	// StoreOps counts key/value store calls by backend, operation and result.
	StoreOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keyguard",
			Subsystem: "kvstore",
			Name:      "operations_total",
			Help:      "Key/value store operations by backend, operation and result.",
		},
		[]string{"backend", "op", "result"},
	)

	// StoreLatency observes key/value store call latency.
	StoreLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "keyguard",
			Subsystem: "kvstore",
			Name:      "operation_duration_seconds",
			Help:      "Key/value store operation latency in seconds.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 2},
		},
		[]string{"backend", "op"},
	)

	// SecurityEvents counts recorded security events by type and severity.
	SecurityEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keyguard",
			Name:      "security_events_total",
			Help:      "Security events recorded by type and severity.",
		},
		[]string{"type", "severity"},
	)

	// SecurityEventsDropped counts events dropped by the async writer.
	SecurityEventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keyguard",
		Name:      "security_events_dropped_total",
		Help:      "Security events dropped because the async writer buffer was full.",
	})

	// EmergencyModeActive is 1 while emergency mode is active.
	EmergencyModeActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "keyguard",
		Name:      "emergency_mode_active",
		Help:      "1 while process-wide emergency mode is active, 0 otherwise.",
	})

	// EmergencyTransitions counts emergency mode state changes.
	EmergencyTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keyguard",
		Name:      "emergency_mode_transitions_total",
		Help:      "Emergency mode transitions by from-state, to-state and cause.",
	}, []string{"from_state", "to_state", "cause"})

	// MonitorScans counts activity monitor scans by result.
	MonitorScans = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keyguard",
		Subsystem: "monitor",
		Name:      "scans_total",
		Help:      "Activity monitor scans by result.",
	}, []string{"result"})

	// EncryptionOps counts encrypt/decrypt calls by operation and result.
	EncryptionOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keyguard",
		Subsystem: "encryption",
		Name:      "operations_total",
		Help:      "Encryption engine calls by operation and result.",
	}, []string{"op", "result"})

	// EphemeralMasterKey is 1 when the encryption engine runs on a generated key.
	EphemeralMasterKey = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "keyguard",
		Subsystem: "encryption",
		Name:      "ephemeral_key",
		Help:      "1 when no master key was configured and data encrypted this run is lost on restart.",
	})

	// CircuitTransitions counts backend circuit breaker state changes.
	CircuitTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keyguard",
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Circuit breaker state transitions by name, from-state and to-state.",
	}, []string{"name", "from_state", "to_state"})

	// TrustTiers counts classifications by tier.
	TrustTiers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keyguard",
		Subsystem: "trust",
		Name:      "classifications_total",
		Help:      "Trust classifications by resulting tier.",
	}, []string{"tier"})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		RateLimitDecisions,
		VerifierDecisions,
		RiskScore,
		StoreOps,
		StoreLatency,
		SecurityEvents,
		SecurityEventsDropped,
		EmergencyModeActive,
		EmergencyTransitions,
		MonitorScans,
		EncryptionOps,
		EphemeralMasterKey,
		TrustTiers,
		CircuitTransitions,
	)
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern keeps cardinality bounded
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

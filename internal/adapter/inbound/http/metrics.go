package http

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/message"
)

// Metrics holds all Prometheus metrics of the router.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	DispatchTotal    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	AuthFailures     prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sms_router",
				Name:      "requests_total",
				Help:      "Total number of API requests processed",
			},
			[]string{"method", "status"}, // status=ok/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sms_router",
				Name:      "request_duration_seconds",
				Help:      "API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		DispatchTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sms_router",
				Name:      "dispatch_total",
				Help:      "Total number of dispatched messages by outcome",
			},
			[]string{"direction", "status", "kind"},
		),
		DispatchDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sms_router",
				Name:      "dispatch_duration_seconds",
				Help:      "Time spent dispatching one message, including gateway and PBX round trips",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 15},
			},
			[]string{"direction"},
		),
		AuthFailures: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "sms_router",
				Name:      "auth_failures_total",
				Help:      "Total API requests rejected for a missing or invalid API key",
			},
		),
	}
}

// ObserveDispatch implements service.DispatchObserver.
func (m *Metrics) ObserveDispatch(direction message.Direction, status message.Status, kind message.Kind, elapsed time.Duration) {
	m.DispatchTotal.WithLabelValues(string(direction), string(status), string(kind)).Inc()
	m.DispatchDuration.WithLabelValues(string(direction)).Observe(elapsed.Seconds())
}

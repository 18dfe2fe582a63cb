package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Billing metrics
	WebhookEvents        *prometheus.CounterVec
	SeatSyncs            *prometheus.CounterVec
	ReconciliationRuns   *prometheus.CounterVec
	DunningNotifications prometheus.Counter
	OrgsSuspended        prometheus.Counter
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),

		WebhookEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_webhook_events_total",
				Help: "Webhook events by outcome",
			},
			[]string{"outcome"}, // applied, duplicate, noop, unattributed, rejected, parse_error, apply_error
		),
		SeatSyncs: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_seat_syncs_total",
				Help: "Seat synchronization passes by outcome",
			},
			[]string{"outcome"}, // converged, corrected, failed, coalesced
		),
		ReconciliationRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_reconciliation_runs_total",
				Help: "Reconciliation passes by outcome",
			},
			[]string{"outcome"}, // ok, discrepancies_found, deferred, error
		),
		DunningNotifications: promauto.NewCounter(prometheus.CounterOpts{
			Name: "billing_dunning_notifications_total",
			Help: "Dunning notifications sent",
		}),
		OrgsSuspended: promauto.NewCounter(prometheus.CounterOpts{
			Name: "billing_organizations_suspended_total",
			Help: "Organizations suspended after dunning grace expiry",
		}),
	}
}

// Middleware returns an Echo middleware that records request metrics
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}

			labels := []string{c.Request().Method, c.Path(), strconv.Itoa(status)}
			m.HTTPRequestsTotal.WithLabelValues(labels...).Inc()
			m.HTTPRequestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())

			return err
		}
	}
}

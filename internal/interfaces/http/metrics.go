package http

import (
	"context"
	nethttp "net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsRegistry holds the engine's Prometheus metrics.
type MetricsRegistry struct {
	registry *prometheus.Registry

	RequestDuration *prometheus.HistogramVec
	OrdersSubmitted prometheus.Counter
	OrdersRejected  prometheus.Counter

	QueuePending  prometheus.Gauge
	QueueDelayed  prometheus.Gauge
	QueueInFlight prometheus.Gauge

	ActiveSubscribers prometheus.Gauge
	ActiveWorkers     prometheus.Gauge
}

// NewMetricsRegistry registers all engine metrics on a fresh registry.
func NewMetricsRegistry() *MetricsRegistry {
	m := &MetricsRegistry{
		registry: prometheus.NewRegistry(),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dexrun_http_request_duration_seconds",
				Help:    "HTTP request duration by route and status class",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
			[]string{"route", "status"},
		),
		OrdersSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dexrun_orders_submitted_total",
			Help: "Orders accepted for execution",
		}),
		OrdersRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dexrun_orders_rejected_total",
			Help: "Submissions rejected by validation",
		}),
		QueuePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dexrun_queue_pending",
			Help: "Jobs waiting in the queue",
		}),
		QueueDelayed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dexrun_queue_delayed",
			Help: "Jobs waiting on retry backoff",
		}),
		QueueInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dexrun_queue_in_flight",
			Help: "Jobs currently leased by workers",
		}),
		ActiveSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dexrun_active_subscribers",
			Help: "Live subscription sinks",
		}),
		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dexrun_active_workers",
			Help: "Workers currently processing a job",
		}),
	}
	m.registry.MustRegister(
		m.RequestDuration,
		m.OrdersSubmitted, m.OrdersRejected,
		m.QueuePending, m.QueueDelayed, m.QueueInFlight,
		m.ActiveSubscribers, m.ActiveWorkers,
	)
	return m
}

// Handler serves the /metrics endpoint.
func (m *MetricsRegistry) Handler() nethttp.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Poll refreshes gauge metrics from live components until ctx ends.
func (s *Server) pollMetrics(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if depth, err := s.deps.Queue.Depth(ctx); err == nil {
				s.metrics.QueuePending.Set(float64(depth.Pending))
				s.metrics.QueueDelayed.Set(float64(depth.Delayed))
				s.metrics.QueueInFlight.Set(float64(depth.InFlight))
			}
			s.metrics.ActiveSubscribers.Set(float64(s.deps.Hub.Stats().ActiveSinks))
			s.metrics.ActiveWorkers.Set(float64(s.deps.Pool.Stats().ActiveWorkers))
		}
	}
}

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "motopoint", Name: "ride_transitions_total", Help: "Ride engine operations by outcome"},
		[]string{"operation", "outcome"},
	)
	RidesExpired    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "motopoint", Name: "rides_expired_total", Help: "Pending rides cancelled by the expiry sweeper"})
	SweepFailures   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "motopoint", Name: "sweep_failures_total", Help: "Expiry sweeps that failed"})
	WSSessions      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "motopoint", Name: "ws_sessions", Help: "Connected websocket views"})
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "motopoint", Name: "events_published_total", Help: "Ride change events handed to a sink"},
		[]string{"sink", "outcome"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "motopoint", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "motopoint",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

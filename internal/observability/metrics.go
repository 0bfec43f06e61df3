package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	DispatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_attempts_total", Help: "Dispatch attempts by outcome"},
		[]string{"outcome"},
	)
	AssignConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "assign_conflicts_total", Help: "Acceptances that lost the assignment race or arrived late"})
	DriverDeclines  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "driver_declines_total", Help: "Explicit and implicit ride declines"})
	MatchLatency    = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Time from ride request to driver assignment", Buckets: prometheus.ExponentialBuckets(0.25, 2, 8)})

	BookingTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "booking_transitions_total", Help: "Booking state transitions"},
		[]string{"from", "to"},
	)

	ActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "active_sessions", Help: "Open duplex connections"},
		[]string{"kind"},
	)
	BusDelivered = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "bus_delivered_total", Help: "Messages delivered to subscribers"})
	BusDropped   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "bus_dropped_total", Help: "Messages dropped because a subscriber buffer was full"})

	Drivers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "drivers", Help: "Drivers by availability"},
		[]string{"availability"},
	)
	LocationUpdates = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "location_updates_total", Help: "Driver location updates applied"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Package metrics declares the relay's Prometheus metrics, namespaced
// "vulcan_relay" and grouped into the signal/room/session/worker/rate_limit
// subsystems that mirror the component design in SPEC_FULL.md.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSignalConnections tracks live signal-plane WebSocket connections.
	ActiveSignalConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vulcan_relay",
		Subsystem: "signal",
		Name:      "connections_active",
		Help:      "Current number of active signal-plane connections",
	})

	// ActiveRooms is the gauge for the number of live rooms. No code in the
	// relay sets it, so it reports 0.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vulcan_relay",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of live rooms",
	})

	// RoomSessions tracks the number of sessions referencing each room.
	RoomSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "vulcan_relay",
		Subsystem: "room",
		Name:      "sessions_count",
		Help:      "Number of sessions currently referencing each room",
	}, []string{"room_id"})

	// SignalOperations counts dispatched signal operations by outcome.
	SignalOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vulcan_relay",
		Subsystem: "signal",
		Name:      "operations_total",
		Help:      "Total signal operations dispatched",
	}, []string{"operation", "status"})

	// SignalOperationDuration tracks signal operation handling latency.
	SignalOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "vulcan_relay",
		Subsystem: "signal",
		Name:      "operation_duration_seconds",
		Help:      "Time spent handling a signal operation",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"operation"})

	// ResourceCount is the gauge for live media-worker resources per type.
	// No code in the relay sets it, so it reports no series.
	ResourceCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "vulcan_relay",
		Subsystem: "session",
		Name:      "resources_active",
		Help:      "Current number of live resources held by sessions, by type",
	}, []string{"resource_type"})

	// QuotaRejections counts resource creation attempts rejected by the
	// per-session quota guard.
	QuotaRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vulcan_relay",
		Subsystem: "session",
		Name:      "quota_rejections_total",
		Help:      "Total resource creation attempts rejected for exceeding quota",
	}, []string{"resource_type"})

	// WorkerCircuitBreakerState tracks the breaker state guarding the media
	// worker: 0 closed, 1 open, 2 half-open.
	WorkerCircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "vulcan_relay",
		Subsystem: "worker",
		Name:      "circuit_breaker_state",
		Help:      "Current state of the media-worker circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"worker"})

	// WorkerCircuitBreakerTrips counts calls rejected by the breaker.
	WorkerCircuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vulcan_relay",
		Subsystem: "worker",
		Name:      "circuit_breaker_trips_total",
		Help:      "Total calls rejected by the media-worker circuit breaker",
	}, []string{"worker"})

	// RateLimitExceeded counts requests rejected by the rate limiter.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vulcan_relay",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded the rate limit",
	}, []string{"endpoint", "reason"})

	// RateLimitRequests counts requests checked against the rate limiter.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vulcan_relay",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total number of requests checked against the rate limiter",
	}, []string{"endpoint"})
)

func IncSignalConnection() { ActiveSignalConnections.Inc() }
func DecSignalConnection() { ActiveSignalConnections.Dec() }

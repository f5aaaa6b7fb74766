package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchesTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_settlement", Name: "matches_total", Help: "Total number of drivers reserved for rides"})
	MatchAttempts = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_settlement", Name: "match_attempts", Help: "Reservation attempts per successful match", Buckets: []float64{1, 2, 3, 5, 8, 13}})
	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_settlement", Name: "drivers_online", Help: "Number of online drivers"})

	PresenceMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_settlement", Name: "presence_messages_total", Help: "Driver presence messages by outcome"},
		[]string{"result"},
	)

	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_settlement", Name: "ride_transitions_total", Help: "Ride status transitions by target status"},
		[]string{"status"},
	)
	ShareFallbacks = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_settlement", Name: "share_fallbacks_total", Help: "SHARE rides dispatched solo after the search window"})

	SettlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_settlement", Name: "settlements_total", Help: "Settled rides by payment method"},
		[]string{"method"},
	)
	SettledAmount = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_settlement", Name: "settled_minor_units_total", Help: "Settled fare volume in minor units"},
		[]string{"currency"},
	)
	LedgerReconcileFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_settlement", Name: "ledger_reconcile_failures_total", Help: "Wallets frozen after a reconciliation mismatch"})
	CommissionRate          = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_settlement", Name: "commission_rate", Help: "Current platform commission rate"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_settlement", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_settlement",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

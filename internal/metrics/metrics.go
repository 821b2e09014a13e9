package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DepositsTotal counts deposit state transitions by resulting state
	DepositsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_deposits_total",
			Help: "Total number of deposit state transitions",
		},
		[]string{"state"},
	)

	// WithdrawalsTotal counts withdrawal state transitions by resulting state
	WithdrawalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_withdrawals_total",
			Help: "Total number of withdrawal state transitions",
		},
		[]string{"state"},
	)

	// BridgeMessages counts physical bridge messages sent per destination domain
	BridgeMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_bridge_messages_total",
			Help: "Total number of bridge messages dispatched",
		},
		[]string{"dest_domain"},
	)

	// DuplicateMessages counts inbound messages rejected by the dedup set
	DuplicateMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "settlement_duplicate_messages_total",
			Help: "Inbound bridge messages rejected as already processed",
		},
	)

	// CircuitBreakerTrips counts share-price deviation rejections per vault
	CircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_circuit_breaker_trips_total",
			Help: "Share price updates rejected by the deviation check",
		},
		[]string{"vault"},
	)

	// StaleRecoveries counts timed-out operations cleaned up, by kind
	StaleRecoveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_stale_recoveries_total",
			Help: "Pending operations recovered after timeout",
		},
		[]string{"kind"},
	)

	// PendingOperations tracks open deposits and withdrawals, by kind
	PendingOperations = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "settlement_pending_operations",
			Help: "Number of pending cross-chain operations",
		},
		[]string{"kind"},
	)

	// SettlementDuration tracks time from initiation to final settlement
	SettlementDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "settlement_duration_seconds",
			Help:    "Time between operation initiation and final settlement",
			Buckets: prometheus.ExponentialBuckets(0.5, 4, 10),
		},
		[]string{"kind"},
	)
)

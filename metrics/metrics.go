package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keyround_build_info",
			Help: "Build information of the keyround engine",
		},
		[]string{"version", "commit", "date"},
	)

	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyround_operations_total",
			Help: "Total number of settlement operations by outcome",
		},
		[]string{"op", "status"},
	)

	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keyround_operation_duration_seconds",
			Help:    "Duration of settlement operations including commit",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 0.1ms to ~1.6s
		},
		[]string{"op"},
	)

	KeysSoldTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keyround_keys_sold_total",
			Help: "Total number of keys sold across all rounds",
		},
	)

	VolumeTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keyround_volume_base_units_total",
			Help: "Total purchase cost paid in, in base units",
		},
	)

	PayoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyround_payouts_base_units_total",
			Help: "Total amount paid out of the vault, in base units",
		},
		[]string{"kind"},
	)

	CurrentRound = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "keyround_current_round",
			Help: "Number of the most recent round",
		},
	)

	PotBalance = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "keyround_pot_balance_base_units",
			Help: "Winner pot of the current round",
		},
	)

	VaultBalance = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "keyround_vault_balance_base_units",
			Help: "Custody vault balance",
		},
	)

	InvariantViolationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyround_invariant_violations_total",
			Help: "Total number of aborted operations caused by invariant violations",
		},
		[]string{"op"},
	)
)

// Payout kinds.
const (
	PayoutDividend = "dividend"
	PayoutPrize    = "prize"
	PayoutReferral = "referral"
)

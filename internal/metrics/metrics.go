// Package metrics defines the Prometheus instrumentation for the exchange
// engine. A Metrics value is injected into services so tests can run with an
// isolated registry instead of global state.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the engine's Prometheus collectors.
type Metrics struct {
	TradesTotal         *prometheus.CounterVec
	LiquidationsTotal   prometheus.Counter
	FundingSettlements  prometheus.Counter
	EngineBusyTotal     prometheus.Counter
	LedgerFaultsTotal   prometheus.Counter
	PriceBatchDuration  prometheus.Histogram
	PriceUpdatesSkipped prometheus.Counter
	ArchivedRowsTotal   prometheus.Counter
}

// New creates and registers the engine collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TradesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_trades_total",
			Help: "Executed trades by kind.",
		}, []string{"kind"}),
		LiquidationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exchange_liquidations_total",
			Help: "Forced liquidations of perp positions.",
		}),
		FundingSettlements: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exchange_funding_settlements_total",
			Help: "Funding payments applied to open perp positions.",
		}),
		EngineBusyTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exchange_engine_busy_total",
			Help: "Operations rejected because a per-entity lock stayed contended.",
		}),
		LedgerFaultsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exchange_ledger_faults_total",
			Help: "Unrecoverable audit-trail faults.",
		}),
		PriceBatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "exchange_price_batch_seconds",
			Help:    "Wall time of applying one price update batch.",
			Buckets: prometheus.DefBuckets,
		}),
		PriceUpdatesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exchange_price_updates_skipped_total",
			Help: "Price ticks skipped for invalid values.",
		}),
		ArchivedRowsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exchange_archived_rows_total",
			Help: "Audit rows exported to cold storage and pruned.",
		}),
	}

	reg.MustRegister(
		m.TradesTotal,
		m.LiquidationsTotal,
		m.FundingSettlements,
		m.EngineBusyTotal,
		m.LedgerFaultsTotal,
		m.PriceBatchDuration,
		m.PriceUpdatesSkipped,
		m.ArchivedRowsTotal,
	)
	return m
}

// NewUnregistered creates collectors without registering them, for tests.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}

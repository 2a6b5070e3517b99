// Package metrics exposes prometheus instrumentation for the ledger and the
// event sync pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

type Metrics struct {
	ledgerOps  *prometheus.CounterVec
	syncEvents *prometheus.CounterVec
}

// New registers the collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ledgerOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditledger_operations_total",
			Help: "Ledger operations by type and result.",
		}, []string{"operation", "result"}),
		syncEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditledger_sync_events_total",
			Help: "Stream events by type and processing outcome.",
		}, []string{"event_type", "outcome"}),
	}
	reg.MustRegister(m.ledgerOps, m.syncEvents)
	return m
}

func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer)
}

func (m *Metrics) IncLedgerOp(operation, result string) {
	m.ledgerOps.WithLabelValues(operation, result).Inc()
}

func (m *Metrics) IncSyncEvent(eventType, outcome string) {
	m.syncEvents.WithLabelValues(eventType, outcome).Inc()
}

var Module = fx.Module("metrics",
	fx.Provide(NewDefault),
)

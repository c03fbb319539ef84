package governor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fyrsmithlabs/actiond/internal/executor"
	"github.com/fyrsmithlabs/actiond/internal/registry"
)

// Metrics holds the Prometheus collectors for the action lifecycle.
type Metrics struct {
	// Decisions counts submissions by result (accepted, rejected, escalated, failed).
	Decisions *prometheus.CounterVec

	// Rollbacks counts rollback requests by action type and status.
	Rollbacks *prometheus.CounterVec

	// Outcomes counts assessed outcomes by status.
	Outcomes *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg. active reports the number
// of tracked actions for the active-actions gauge. A nil reg creates
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer, active func() int) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		Decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "actiond",
				Subsystem: "governor",
				Name:      "decisions_total",
				Help:      "Total number of submitted decisions by result",
			},
			[]string{"result"},
		),
		Rollbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "actiond",
				Subsystem: "governor",
				Name:      "rollbacks_total",
				Help:      "Total number of rollback requests by action type and status",
			},
			[]string{"action_type", "status"},
		),
		Outcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "actiond",
				Subsystem: "governor",
				Name:      "outcomes_total",
				Help:      "Total number of assessed outcomes by status",
			},
			[]string{"status"},
		),
	}
	if active != nil {
		factory.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "actiond",
				Subsystem: "governor",
				Name:      "active_actions",
				Help:      "Number of actions currently tracked, reservations included",
			},
			func() float64 { return float64(active()) },
		)
	}
	return m
}

// ObserveRollback matches executor.Config.OnRollback.
func (m *Metrics) ObserveRollback(a registry.ActiveAction, res executor.RollbackResult) {
	if m == nil {
		return
	}
	m.Rollbacks.WithLabelValues(string(a.Decision.Type), string(res.Status)).Inc()
}

// Package governance exposes read-only counters over the approval and
// learning subsystems for external dashboards. It never mutates state.
package governance

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors incremented by the subsystems.
// A nil *Metrics is valid everywhere and records nothing.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	eventsTotal     *prometheus.CounterVec
	goldenPaths     *prometheus.CounterVec
	playbookUpdates *prometheus.CounterVec
	degradedTotal   *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "loopdesk",
				Name:      "hitl_requests_total",
				Help:      "HITL requests by tenant and outcome (submitted, claimed, completed, expired, reassigned).",
			},
			[]string{"tenant", "outcome"},
		),
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "loopdesk",
				Name:      "activity_events_total",
				Help:      "Activity events appended, by tenant and event type.",
			},
			[]string{"tenant", "type"},
		),
		goldenPaths: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "loopdesk",
				Name:      "golden_paths_total",
				Help:      "Golden path records ingested, by tenant and mode (stored, buffered).",
			},
			[]string{"tenant", "mode"},
		),
		playbookUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "loopdesk",
				Name:      "playbook_updates_total",
				Help:      "Playbooks created or updated by extraction, by tenant.",
			},
			[]string{"tenant"},
		),
		degradedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "loopdesk",
				Name:      "degraded_operations_total",
				Help:      "Operations served by an in-memory fallback, by component.",
			},
			[]string{"component"},
		),
	}
}

// Register attaches all collectors to the supplied registerer.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if m == nil {
		return nil
	}
	collectors := []prometheus.Collector{
		m.requestsTotal,
		m.eventsTotal,
		m.goldenPaths,
		m.playbookUpdates,
		m.degradedTotal,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

func (m *Metrics) RequestOutcome(tenant, outcome string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(tenant, outcome).Inc()
}

func (m *Metrics) EventAppended(tenant, eventType string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(tenant, eventType).Inc()
}

func (m *Metrics) GoldenPath(tenant, mode string) {
	if m == nil {
		return
	}
	m.goldenPaths.WithLabelValues(tenant, mode).Inc()
}

func (m *Metrics) PlaybookUpdated(tenant string) {
	if m == nil {
		return
	}
	m.playbookUpdates.WithLabelValues(tenant).Inc()
}

func (m *Metrics) Degraded(component string) {
	if m == nil {
		return
	}
	m.degradedTotal.WithLabelValues(component).Inc()
}

package network

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of a Manager.
type Metrics struct {
	registry *prometheus.Registry

	State          prometheus.Gauge
	Transitions    *prometheus.CounterVec
	Resets         *prometheus.CounterVec
	LSSRuns        *prometheus.CounterVec
	Scans          prometheus.Counter
	NodesFound     prometheus.Gauge
	GuardedNodes   prometheus.Gauge
	MonitorEvents  *prometheus.CounterVec
	ObserverPanics prometheus.Counter
}

// NewMetrics registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.NewRegistry())
}

// NewMetricsWith registers every collector on reg.
func NewMetricsWith(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		State: f.NewGauge(prometheus.GaugeOpts{
			Name: "canlink_network_state",
			Help: "Published network state (0 disconnected, 1 connected)",
		}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "canlink_state_transitions_total",
			Help: "Published state changes by target state",
		}, []string{"state"}),
		Resets: f.NewCounterVec(prometheus.CounterOpts{
			Name: "canlink_resets_total",
			Help: "Network resets by trigger and result",
		}, []string{"trigger", "result"}),
		LSSRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "canlink_lss_runs_total",
			Help: "LSS reconfiguration runs by result",
		}, []string{"result"}),
		Scans: f.NewCounter(prometheus.CounterOpts{
			Name: "canlink_scans_total",
			Help: "Completed bus scans",
		}),
		NodesFound: f.NewGauge(prometheus.GaugeOpts{
			Name: "canlink_nodes_found",
			Help: "Nodes reported by the last scan",
		}),
		GuardedNodes: f.NewGauge(prometheus.GaugeOpts{
			Name: "canlink_guarded_nodes",
			Help: "Nodes under node guarding",
		}),
		MonitorEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "canlink_monitor_events_total",
			Help: "Heartbeat monitor events by kind",
		}, []string{"event"}),
		ObserverPanics: f.NewCounter(prometheus.CounterOpts{
			Name: "canlink_observer_panics_total",
			Help: "State observers that panicked",
		}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) recordState(s State) {
	m.State.Set(float64(s))
	m.Transitions.WithLabelValues(s.String()).Inc()
}

func (m *Metrics) recordReset(trigger string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Resets.WithLabelValues(trigger, result).Inc()
}

func (m *Metrics) recordLSS(committed bool, err error) {
	result := "committed"
	switch {
	case err != nil:
		result = "failed"
	case !committed:
		result = "not_found"
	}
	m.LSSRuns.WithLabelValues(result).Inc()
}

func (m *Metrics) recordScan(found int) {
	m.Scans.Inc()
	m.NodesFound.Set(float64(found))
}

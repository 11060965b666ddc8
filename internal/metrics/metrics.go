package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "trackersync"

// Metrics is the sync engine's instrumentation. A nil *Metrics is valid and
// records nothing, so library code never needs to check for it.
type Metrics struct {
	connectionState  *prometheus.GaugeVec
	reconnects       prometheus.Counter
	connectFailures  *prometheus.CounterVec
	framesReceived   prometheus.Counter
	eventsApplied    *prometheus.CounterVec
	eventsDropped    *prometheus.CounterVec
	editsFinished    *prometheus.CounterVec
	pendingEdits     *prometheus.GaugeVec
	replicaRecords   *prometheus.GaugeVec
	viewComputeTimer prometheus.Histogram
}

// New registers every collector on reg. Pass a fresh registry per engine so
// several engines can coexist in one process (tests do).
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		connectionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "1 for the current push connection state, 0 otherwise.",
		}, []string{"state"}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnect attempts scheduled after a connection failure.",
		}),
		connectFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_failures_total",
			Help:      "Connection failures by reason.",
		}, []string{"reason"}),
		framesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Push frames received after the auth handshake.",
		}),
		eventsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_applied_total",
			Help:      "Push events applied to a replica, by event type.",
		}, []string{"type"}),
		eventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Push frames dropped without touching a replica, by reason.",
		}, []string{"reason"}),
		editsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "optimistic_edits_total",
			Help:      "Optimistic edits reconciled, by entity kind and outcome.",
		}, []string{"kind", "result"}),
		pendingEdits: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "optimistic_edits_pending",
			Help:      "Optimistic edits awaiting an API response, by entity kind.",
		}, []string{"kind"}),
		replicaRecords: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "replica_records",
			Help:      "Records held per replica.",
		}, []string{"kind"}),
		viewComputeTimer: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "view_compute_seconds",
			Help:      "Time spent computing a derived task view.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}
}

// SetConnectionState flips the gauge so exactly one state label reads 1.
func (m *Metrics) SetConnectionState(current string, all []string) {
	if m == nil {
		return
	}
	for _, state := range all {
		value := 0.0
		if state == current {
			value = 1
		}
		m.connectionState.WithLabelValues(state).Set(value)
	}
}

func (m *Metrics) ReconnectScheduled() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) ConnectFailed(reason string) {
	if m == nil {
		return
	}
	m.connectFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) FrameReceived() {
	if m == nil {
		return
	}
	m.framesReceived.Inc()
}

func (m *Metrics) EventApplied(eventType string) {
	if m == nil {
		return
	}
	m.eventsApplied.WithLabelValues(eventType).Inc()
}

func (m *Metrics) EventDropped(reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) EditFinished(kind, result string) {
	if m == nil {
		return
	}
	m.editsFinished.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) SetPendingEdits(kind string, n int) {
	if m == nil {
		return
	}
	m.pendingEdits.WithLabelValues(kind).Set(float64(n))
}

func (m *Metrics) SetReplicaRecords(kind string, n int) {
	if m == nil {
		return
	}
	m.replicaRecords.WithLabelValues(kind).Set(float64(n))
}

func (m *Metrics) ObserveViewCompute(seconds float64) {
	if m == nil {
		return
	}
	m.viewComputeTimer.Observe(seconds)
}

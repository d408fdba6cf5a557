package livesync

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "livesync"

// Counters for the synchronization layer.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	eventsApplied   *prometheus.CounterVec
	snapshotItems   *prometheus.CounterVec
	snapshotLoads   *prometheus.CounterVec
	mutations       *prometheus.CounterVec
	channelsOpen    prometheus.Gauge
	channelDialErrs prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	metrics := &Metrics{
		eventsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "events_applied_total",
				Help:      "Channel events and mutation results applied to a collection.",
			},
			[]string{"kind", "action"},
		),
		snapshotItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "snapshot_items_total",
				Help:      "Entities merged from snapshot reads.",
			},
			[]string{"kind"},
		),
		snapshotLoads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "snapshot_loads_total",
				Help:      "Snapshot reads by result (ok, error, discarded).",
			},
			[]string{"kind", "result"},
		),
		mutations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "mutations_total",
				Help:      "Commands by result (ok, error, in_flight).",
			},
			[]string{"command", "result"},
		),
		channelsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "channels_open",
				Help:      "Push channels currently connected.",
			},
		),
		channelDialErrs: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "channel_errors_total",
				Help:      "Push channel dial, handshake and read failures.",
			},
		),
	}
	reg.MustRegister(
		metrics.eventsApplied,
		metrics.snapshotItems,
		metrics.snapshotLoads,
		metrics.mutations,
		metrics.channelsOpen,
		metrics.channelDialErrs,
	)
	return metrics
}

func (self *Metrics) EventApplied(kind EntityKind, action Action) {
	if self == nil {
		return
	}
	self.eventsApplied.WithLabelValues(string(kind), string(action)).Inc()
}

func (self *Metrics) SnapshotApplied(kind EntityKind, count int) {
	if self == nil {
		return
	}
	self.snapshotItems.WithLabelValues(string(kind)).Add(float64(count))
}

func (self *Metrics) SnapshotLoad(kind EntityKind, result string) {
	if self == nil {
		return
	}
	self.snapshotLoads.WithLabelValues(string(kind), result).Inc()
}

func (self *Metrics) Mutation(command string, result string) {
	if self == nil {
		return
	}
	self.mutations.WithLabelValues(command, result).Inc()
}

func (self *Metrics) ChannelConnected() {
	if self == nil {
		return
	}
	self.channelsOpen.Inc()
}

func (self *Metrics) ChannelDisconnected() {
	if self == nil {
		return
	}
	self.channelsOpen.Dec()
}

func (self *Metrics) ChannelError() {
	if self == nil {
		return
	}
	self.channelDialErrs.Inc()
}

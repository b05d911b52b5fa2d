package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	registry *prometheus.Registry

	ConnectionState     prometheus.Gauge
	ReconnectsTotal     prometheus.Counter
	TurnsCompletedTotal prometheus.Counter

	FramesTotal         *prometheus.CounterVec
	AudioChunksTotal    *prometheus.CounterVec
	AttachFailuresTotal *prometheus.CounterVec
	EvictionsTotal      prometheus.Counter
	AttachedTabs        prometheus.Gauge
	MonitoredTabs       prometheus.Gauge
}

func New() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shoplens",
			Name:      "connection_ready",
			Help:      "1 when the backend session is ready for media",
		}),
		ReconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shoplens",
			Name:      "reconnects_total",
			Help:      "Total reconnection attempts",
		}),
		TurnsCompletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shoplens",
			Name:      "turns_completed_total",
			Help:      "Total completed reply turns",
		}),
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shoplens",
			Name:      "frames_total",
			Help:      "Total video frames by outcome",
		}, []string{"outcome"}),
		AudioChunksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shoplens",
			Name:      "audio_chunks_total",
			Help:      "Total audio chunks by outcome",
		}, []string{"outcome"}),
		AttachFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shoplens",
			Name:      "attach_failures_total",
			Help:      "Total attachment failures by kind",
		}, []string{"kind"}),
		EvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shoplens",
			Name:      "evictions_total",
			Help:      "Total evicted tab attachments",
		}),
		AttachedTabs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shoplens",
			Name:      "attached_tabs",
			Help:      "Current attached tab count",
		}),
		MonitoredTabs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shoplens",
			Name:      "monitored_tabs",
			Help:      "Current restricted-URL watch count",
		}),
	}
	r.MustRegister(
		m.ConnectionState,
		m.ReconnectsTotal,
		m.TurnsCompletedTotal,
		m.FramesTotal,
		m.AudioChunksTotal,
		m.AttachFailuresTotal,
		m.EvictionsTotal,
		m.AttachedTabs,
		m.MonitoredTabs,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Frame outcomes.
const (
	OutcomeSent         = "sent"
	OutcomeDroppedGate  = "dropped_gate"
	OutcomeDroppedTab   = "dropped_tab_switch"
	OutcomeDroppedQueue = "dropped_stale_queue"
	OutcomeQueued       = "queued"
)

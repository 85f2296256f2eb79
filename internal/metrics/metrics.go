// Package metrics exposes Prometheus instrumentation for the MCOM engine:
// frame counters by kind and direction, stall and partial-ack counters, and
// ready-queue depth gauges.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the counters and gauges the engine reports to.
type Metrics struct {
	FramesTx      *prometheus.CounterVec
	FramesRx      *prometheus.CounterVec
	Stalls        prometheus.Counter
	PartialAcks   prometheus.Counter
	ReadyQueueLen *prometheus.GaugeVec
}

// New registers and returns a fresh Metrics bundle against reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the default
// global registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesTx: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcom",
			Name:      "frames_tx_total",
			Help:      "Frames transmitted, by kind.",
		}, []string{"kind"}),
		FramesRx: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcom",
			Name:      "frames_rx_total",
			Help:      "Frames received, by kind.",
		}, []string{"kind"}),
		Stalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mcom",
			Name:      "channel_stalls_total",
			Help:      "Number of times a channel's rx buffer stalled.",
		}),
		PartialAcks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mcom",
			Name:      "partial_acks_total",
			Help:      "Number of partial ACKs emitted.",
		}),
		ReadyQueueLen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mcom",
			Name:      "ready_queue_length",
			Help:      "Number of channels currently queued on a ready-queue pool.",
		}, []string{"pool"}),
	}
	reg.MustRegister(m.FramesTx, m.FramesRx, m.Stalls, m.PartialAcks, m.ReadyQueueLen)
	return m
}

// ObserveFrameTx records a transmitted frame of the given kind.
func (m *Metrics) ObserveFrameTx(kind string) {
	if m == nil {
		return
	}
	m.FramesTx.WithLabelValues(kind).Inc()
}

// ObserveFrameRx records a received frame of the given kind.
func (m *Metrics) ObserveFrameRx(kind string) {
	if m == nil {
		return
	}
	m.FramesRx.WithLabelValues(kind).Inc()
}

// ObserveStall records a channel transitioning into rx-stalled.
func (m *Metrics) ObserveStall() {
	if m == nil {
		return
	}
	m.Stalls.Inc()
}

// ObservePartialAck records a partial ACK having been emitted.
func (m *Metrics) ObservePartialAck() {
	if m == nil {
		return
	}
	m.PartialAcks.Inc()
}

// ObserveReadyQueueDepth records the current depth of a named ready-queue
// pool ("tx" or "rx").
func (m *Metrics) ObserveReadyQueueDepth(pool string, depth int) {
	if m == nil {
		return
	}
	m.ReadyQueueLen.WithLabelValues(pool).Set(float64(depth))
}

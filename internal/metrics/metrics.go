// Package metrics exposes Prometheus instrumentation for the ingestion tier.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tunneltel"

// Metrics bundles the collectors used across the pipeline.
type Metrics struct {
	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	idleClosed        prometheus.Counter
	framesReceived    prometheus.Counter
	framesDropped     *prometheus.CounterVec
	decodeErrors      *prometheus.CounterVec
	recordsIngested   *prometheus.CounterVec
	anomalies         *prometheus.CounterVec
	observerFailures  *prometheus.CounterVec
	notifications     *prometheus.CounterVec
	pipelineLatency   prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "server", Name: "connections_active",
			Help: "Upstream connections currently open.",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "server", Name: "connections_total",
			Help: "Upstream connections accepted.",
		}),
		idleClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "server", Name: "idle_closed_total",
			Help: "Connections closed by the idle watchdog.",
		}),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "server", Name: "frames_received_total",
			Help: "Frames read from upstream connections.",
		}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "server", Name: "frames_dropped_total",
			Help: "Frames dropped before processing, by reason.",
		}, []string{"reason"}),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "decode_errors_total",
			Help: "Frames that could not be turned into records, by reason.",
		}, []string{"reason"}),
		recordsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "records_ingested_total",
			Help: "Records produced by the pipeline, by source.",
		}, []string{"source"}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "anomalies_total",
			Help: "Records screened as abnormal, by source.",
		}, []string{"source"}),
		observerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "eventbus", Name: "observer_failures_total",
			Help: "Observer invocations that returned an error or panicked.",
		}, []string{"observer"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "alerting", Name: "notifications_total",
			Help: "Notification delivery outcomes.",
		}, []string{"status"}),
		pipelineLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "frame_duration_seconds",
			Help:    "Time from frame receipt to publish completion.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.connectionsActive, m.connectionsTotal, m.idleClosed, m.framesReceived,
			m.framesDropped, m.decodeErrors, m.recordsIngested, m.anomalies,
			m.observerFailures, m.notifications, m.pipelineLatency,
		)
	}
	return m
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
	m.connectionsActive.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

func (m *Metrics) IdleClosed() {
	if m == nil {
		return
	}
	m.idleClosed.Inc()
}

func (m *Metrics) FrameReceived() {
	if m == nil {
		return
	}
	m.framesReceived.Inc()
}

func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) DecodeError(reason string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordIngested(source string, abnormal bool) {
	if m == nil {
		return
	}
	m.recordsIngested.WithLabelValues(source).Inc()
	if abnormal {
		m.anomalies.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) ObserverFailed(observer string) {
	if m == nil {
		return
	}
	m.observerFailures.WithLabelValues(observer).Inc()
}

func (m *Metrics) Notification(status string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveFrame(seconds float64) {
	if m == nil {
		return
	}
	m.pipelineLatency.Observe(seconds)
}

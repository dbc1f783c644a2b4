// Package metrics exposes the bridge's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "speechbridge"

type Metrics struct {
	ActiveSessions  prometheus.Gauge
	SessionsStarted prometheus.Counter
	SessionsStopped *prometheus.CounterVec

	AudioFrames        prometheus.Counter
	AudioBytes         prometheus.Counter
	AudioFramesDropped *prometheus.CounterVec

	TranscriptResults *prometheus.CounterVec

	BufferFlushes         *prometheus.CounterVec
	BufferFlushedSegments prometheus.Counter

	PhrasesPublished prometheus.Counter

	UpstreamHandshakeSeconds prometheus.Histogram
	PresignRequests          *prometheus.CounterVec
}

// New registers every collector on reg. Each injector owns one registry, so
// construction is never global.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of currently streaming sessions",
		}),
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total number of sessions started",
		}),
		SessionsStopped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_stopped_total",
			Help:      "Total number of sessions stopped",
		}, []string{"reason"}),

		AudioFrames: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_total",
			Help:      "Total audio frames accepted into sessions",
		}),
		AudioBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Total audio bytes accepted into sessions",
		}),
		AudioFramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_dropped_total",
			Help:      "Total audio frames dropped",
		}, []string{"reason"}),

		TranscriptResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_results_total",
			Help:      "Total transcript results received from the upstream",
		}, []string{"kind"}),

		BufferFlushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_flushes_total",
			Help:      "Total transcript buffer flushes",
		}, []string{"status"}),
		BufferFlushedSegments: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_flushed_segments_total",
			Help:      "Total segments persisted by buffer flushes",
		}),

		PhrasesPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phrases_published_total",
			Help:      "Total phrase chunks handed to the translation pipeline",
		}),

		UpstreamHandshakeSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_handshake_seconds",
			Help:      "Time to establish the upstream recognition stream",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		PresignRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presign_requests_total",
			Help:      "Total presigned URL requests",
		}, []string{"status"}),
	}
}

func (m *Metrics) SessionStarted() {
	m.SessionsStarted.Inc()
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionStopped(reason string) {
	m.ActiveSessions.Dec()
	m.SessionsStopped.WithLabelValues(reason).Inc()
}

func (m *Metrics) FrameAccepted(bytes int) {
	m.AudioFrames.Inc()
	m.AudioBytes.Add(float64(bytes))
}

func (m *Metrics) FrameDropped(reason string) {
	m.AudioFramesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) ResultReceived(isPartial bool) {
	if isPartial {
		m.TranscriptResults.WithLabelValues("partial").Inc()
		return
	}
	m.TranscriptResults.WithLabelValues("final").Inc()
}

func (m *Metrics) FlushSucceeded(segments int) {
	m.BufferFlushes.WithLabelValues("ok").Inc()
	m.BufferFlushedSegments.Add(float64(segments))
}

func (m *Metrics) FlushFailed() {
	m.BufferFlushes.WithLabelValues("error").Inc()
}

func (m *Metrics) PhrasePublished() {
	m.PhrasesPublished.Inc()
}

func (m *Metrics) HandshakeObserved(seconds float64) {
	m.UpstreamHandshakeSeconds.Observe(seconds)
}

func (m *Metrics) PresignIssued(err error) {
	if err != nil {
		m.PresignRequests.WithLabelValues("error").Inc()
		return
	}
	m.PresignRequests.WithLabelValues("ok").Inc()
}

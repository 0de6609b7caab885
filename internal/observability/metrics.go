package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handshake and task step names used as metric labels.
const (
	StepToken      = "create_token"
	StepNewSession = "new_session"
	StepStart      = "start"
	StepTask       = "task"
	StepStop       = "stop"
)

// Metrics groups all Prometheus instruments used by the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ActiveSessions   prometheus.Gauge
	SessionEvents    *prometheus.CounterVec
	HandshakeSteps   *prometheus.CounterVec
	HandshakeLatency *prometheus.HistogramVec
	StreamFrames     *prometheus.CounterVec
	Dispatches       *prometheus.CounterVec
	MediaEvents      *prometheus.CounterVec

	stages *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active avatar sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		HandshakeSteps: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_steps_total",
			Help:      "Streaming API calls by step and outcome.",
		}, []string{"step", "outcome"}),
		HandshakeLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_step_latency_ms",
			Help:      "Streaming API call latency in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2000, 4000, 8000},
		}, []string{"step"}),
		StreamFrames: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_frames_total",
			Help:      "Event stream frames by direction and type.",
		}, []string{"direction", "type"}),
		Dispatches: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Outbound message dispatches by path and outcome.",
		}, []string{"path", "outcome"}),
		MediaEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_events_total",
			Help:      "Media transport events by type.",
		}, []string{"event"}),
		stages: newStageWindow(256),
	}
}

// ObserveStep records one streaming API call.
func (m *Metrics) ObserveStep(step string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.HandshakeSteps.WithLabelValues(step, outcome).Inc()
	m.HandshakeLatency.WithLabelValues(step).Observe(float64(d.Milliseconds()))
	m.stages.Observe(step, float64(d.Microseconds())/1000, err == nil)
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveFrame(direction, frameType string) {
	if m == nil {
		return
	}
	m.StreamFrames.WithLabelValues(direction, frameType).Inc()
}

func (m *Metrics) ObserveDispatch(path, outcome string) {
	if m == nil {
		return
	}
	m.Dispatches.WithLabelValues(path, outcome).Inc()
}

func (m *Metrics) ObserveMediaEvent(event string) {
	if m == nil {
		return
	}
	m.MediaEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// SnapshotHandshakeStages returns rolling latency stats per streaming API step.
func (m *Metrics) SnapshotHandshakeStages() StageSnapshot {
	if m == nil || m.stages == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	}
	return m.stages.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

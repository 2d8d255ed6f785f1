package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ActiveSessions prometheus.Gauge
	SessionEvents  *prometheus.CounterVec
	WSMessages     *prometheus.CounterVec
	TurnsTotal     *prometheus.CounterVec
	TurnDuration   prometheus.Histogram
	SynthesisJobs  *prometheus.CounterVec
	SynthesisWait  prometheus.Histogram
	Interrupts     *prometheus.CounterVec
	DroppedInputs  *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegistry(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry registers instruments on reg instead of the global
// registry, which lets tests build several independent instances.
func NewMetricsWithRegistry(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of connected avatar clients.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		TurnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Conversation turns by scope and outcome.",
		}, []string{"scope", "outcome"}),
		TurnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_ms",
			Help:      "Wall time of a conversation turn in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 4000, 8000, 16000, 32000},
		}),
		SynthesisJobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synthesis_jobs_total",
			Help:      "Sentence synthesis jobs by result.",
		}, []string{"result"}),
		SynthesisWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "synthesis_barrier_wait_ms",
			Help:      "Time a finished synthesis job waited for its emission slot.",
			Buckets:   []float64{0, 5, 10, 25, 50, 100, 250, 500, 1000, 2000},
		}),
		Interrupts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interrupts_total",
			Help:      "Interrupt requests by scope and result.",
		}, []string{"scope", "result"}),
		DroppedInputs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_inputs_total",
			Help:      "Inbound triggers dropped before reaching a turn, by reason.",
		}, []string{"reason"}),
	}
}

func (m *Metrics) ObserveTurn(scope, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(scope, outcome).Inc()
	m.TurnDuration.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveSynthesisJob(result string, barrierWait time.Duration) {
	if m == nil {
		return
	}
	m.SynthesisJobs.WithLabelValues(result).Inc()
	if barrierWait >= 0 {
		m.SynthesisWait.Observe(float64(barrierWait.Milliseconds()))
	}
}

func (m *Metrics) ObserveInterrupt(scope, result string) {
	if m == nil {
		return
	}
	m.Interrupts.WithLabelValues(scope, result).Inc()
}

func (m *Metrics) ObserveDroppedInput(reason string) {
	if m == nil {
		return
	}
	m.DroppedInputs.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
	m.SessionEvents.WithLabelValues("opened").Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionEvents.WithLabelValues("closed").Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

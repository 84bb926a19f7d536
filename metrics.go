package agentbridge

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/marrasen/agentbridge/stream"
	"github.com/marrasen/agentbridge/tasks"
)

// Metrics exposes Prometheus collectors that report orchestrator activity.
// A nil *Metrics records nothing.
type Metrics struct {
	tasksActive      prometheus.Gauge
	permitsWaiting   prometheus.Gauge
	tasksTotal       *prometheus.CounterVec
	taskDuration     *prometheus.HistogramVec
	framesTotal      *prometheus.CounterVec
	callbackFailures prometheus.Counter
	lateEvents       prometheus.Counter
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns metrics registered with the global Prometheus
// registry. The collectors are created once so that several orchestrators in
// one process share them.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs metrics on reg, reusing collectors that are
// already registered. Any other registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		tasksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentbridge",
			Subsystem: "orchestrator",
			Name:      "tasks_active",
			Help:      "Number of tasks holding a concurrency permit.",
		}),
		permitsWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentbridge",
			Subsystem: "orchestrator",
			Name:      "permits_waiting",
			Help:      "Number of submissions queued for a concurrency permit.",
		}),
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentbridge",
			Subsystem: "orchestrator",
			Name:      "tasks_total",
			Help:      "Finished tasks by final status.",
		}, []string{"status"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentbridge",
			Subsystem: "orchestrator",
			Name:      "task_duration_seconds",
			Help:      "Time from admission to the terminal state.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"status"}),
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentbridge",
			Subsystem: "orchestrator",
			Name:      "frames_total",
			Help:      "Output frames produced by kind.",
		}, []string{"kind"}),
		callbackFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentbridge",
			Subsystem: "orchestrator",
			Name:      "stream_callback_failures_total",
			Help:      "Stream callbacks that returned an error or panicked.",
		}),
		lateEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentbridge",
			Subsystem: "orchestrator",
			Name:      "late_events_total",
			Help:      "Runtime events discarded because their task had finished.",
		}),
	}

	register := func(c prometheus.Collector) prometheus.Collector {
		if err := reg.Register(c); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				return already.ExistingCollector
			}
			panic(err)
		}
		return c
	}
	m.tasksActive = register(m.tasksActive).(prometheus.Gauge)
	m.permitsWaiting = register(m.permitsWaiting).(prometheus.Gauge)
	m.tasksTotal = register(m.tasksTotal).(*prometheus.CounterVec)
	m.taskDuration = register(m.taskDuration).(*prometheus.HistogramVec)
	m.framesTotal = register(m.framesTotal).(*prometheus.CounterVec)
	m.callbackFailures = register(m.callbackFailures).(prometheus.Counter)
	m.lateEvents = register(m.lateEvents).(prometheus.Counter)
	return m
}

func (m *Metrics) taskAdmitted() {
	if m == nil {
		return
	}
	m.tasksActive.Inc()
}

func (m *Metrics) taskFinished(status tasks.Status, d time.Duration) {
	if m == nil {
		return
	}
	m.tasksActive.Dec()
	m.tasksTotal.WithLabelValues(string(status)).Inc()
	m.taskDuration.WithLabelValues(string(status)).Observe(d.Seconds())
}

func (m *Metrics) waiting(delta float64) {
	if m == nil {
		return
	}
	m.permitsWaiting.Add(delta)
}

func (m *Metrics) frame(kind stream.FrameType) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) callbackFailed() {
	if m == nil {
		return
	}
	m.callbackFailures.Inc()
}

func (m *Metrics) lateEvent() {
	if m == nil {
		return
	}
	m.lateEvents.Inc()
}

package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	appendTotal    *prometheus.CounterVec
	appendDuration prometheus.Histogram
	liveSubs       prometheus.Gauge
	droppedSubs    prometheus.Counter

	mailboxDepth *prometheus.GaugeVec
	castTotal    *prometheus.CounterVec
	callTotal    *prometheus.CounterVec
	panicTotal   *prometheus.CounterVec

	restartTotal    *prometheus.CounterVec
	childState      *prometheus.GaugeVec
	escalationTotal prometheus.Counter

	harnessTurnTotal    *prometheus.CounterVec
	harnessTurnDuration *prometheus.HistogramVec
	harnessStepTotal    *prometheus.CounterVec
	toolCallTotal       *prometheus.CounterVec
	toolCallDuration    *prometheus.HistogramVec

	providerCallTotal    *prometheus.CounterVec
	providerCallDuration *prometheus.HistogramVec

	taskTotal    *prometheus.CounterVec
	taskDuration prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			appendTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "eventlog_append_total",
					Help: "Total event log appends by event type and status.",
				},
				[]string{"event_type", "status"},
			),
			appendDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "eventlog_append_duration_seconds",
					Help:    "Event log append duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			liveSubs: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "eventlog_live_subscribers",
					Help: "Current live event stream subscriber count.",
				},
			),
			droppedSubs: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "eventlog_dropped_subscribers_total",
					Help: "Total subscribers dropped for falling behind.",
				},
			),
			mailboxDepth: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "mailbox_depth",
					Help: "Current inbox depth by actor.",
				},
				[]string{"actor"},
			),
			castTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "mailbox_cast_total",
					Help: "Total fire-and-forget messages by actor.",
				},
				[]string{"actor"},
			),
			callTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "mailbox_call_total",
					Help: "Total request/reply calls by actor and status.",
				},
				[]string{"actor", "status"},
			),
			panicTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "mailbox_panic_total",
					Help: "Total handler panics caught at the mailbox boundary.",
				},
				[]string{"actor"},
			),
			restartTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "supervisor_restart_total",
					Help: "Total child restarts by supervisor and child.",
				},
				[]string{"supervisor", "child"},
			),
			childState: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "supervisor_child_state",
					Help: "Child state as an enum gauge (0 stopped, 1 running, 2 failed, 3 permanently failed).",
				},
				[]string{"supervisor", "child"},
			),
			escalationTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "supervisor_escalation_total",
					Help: "Total restart budget exhaustions escalated upward.",
				},
			),
			harnessTurnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "harness_turn_total",
					Help: "Total harness turns by agent role and terminal status.",
				},
				[]string{"role", "status"},
			),
			harnessTurnDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "harness_turn_duration_seconds",
					Help:    "Harness turn duration in seconds by agent role.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"role"},
			),
			harnessStepTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "harness_step_total",
					Help: "Total planning steps by agent role.",
				},
				[]string{"role"},
			),
			toolCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_call_total",
					Help: "Total tool calls by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_call_duration_seconds",
					Help:    "Tool call duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			providerCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "provider_call_total",
					Help: "Total provider backend calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			providerCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "provider_call_duration_seconds",
					Help:    "Provider backend call duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			taskTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "conductor_task_total",
					Help: "Total conductor tasks by terminal status.",
				},
				[]string{"status"},
			),
			taskDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "conductor_task_duration_seconds",
					Help:    "Conductor task duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
		}

		prometheus.MustRegister(
			m.appendTotal,
			m.appendDuration,
			m.liveSubs,
			m.droppedSubs,
			m.mailboxDepth,
			m.castTotal,
			m.callTotal,
			m.panicTotal,
			m.restartTotal,
			m.childState,
			m.escalationTotal,
			m.harnessTurnTotal,
			m.harnessTurnDuration,
			m.harnessStepTotal,
			m.toolCallTotal,
			m.toolCallDuration,
			m.providerCallTotal,
			m.providerCallDuration,
			m.taskTotal,
			m.taskDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordAppend(eventType string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.appendTotal.WithLabelValues(eventType, status).Inc()
	m.appendDuration.Observe(duration.Seconds())
}

func SetLiveSubscribers(n int) {
	getMetrics().liveSubs.Set(float64(n))
}

func RecordDroppedSubscriber() {
	getMetrics().droppedSubs.Inc()
}

func SetMailboxDepth(actor string, depth int) {
	getMetrics().mailboxDepth.WithLabelValues(actor).Set(float64(depth))
}

func RecordCast(actor string) {
	getMetrics().castTotal.WithLabelValues(actor).Inc()
}

func RecordCall(actor, status string) {
	getMetrics().callTotal.WithLabelValues(actor, status).Inc()
}

func RecordPanic(actor string) {
	getMetrics().panicTotal.WithLabelValues(actor).Inc()
}

func RecordRestart(supervisor, child string) {
	getMetrics().restartTotal.WithLabelValues(supervisor, child).Inc()
}

func SetChildState(supervisor, child string, state int) {
	getMetrics().childState.WithLabelValues(supervisor, child).Set(float64(state))
}

func RecordEscalation() {
	getMetrics().escalationTotal.Inc()
}

func RecordHarnessTurn(role, status string, duration time.Duration) {
	m := getMetrics()
	m.harnessTurnTotal.WithLabelValues(role, status).Inc()
	m.harnessTurnDuration.WithLabelValues(role).Observe(duration.Seconds())
}

func RecordHarnessStep(role string) {
	getMetrics().harnessStepTotal.WithLabelValues(role).Inc()
}

func RecordToolCall(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolCallTotal.WithLabelValues(tool, status).Inc()
	m.toolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordProviderCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.providerCallTotal.WithLabelValues(provider, status).Inc()
	m.providerCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordTask(status string, duration time.Duration) {
	m := getMetrics()
	m.taskTotal.WithLabelValues(status).Inc()
	m.taskDuration.Observe(duration.Seconds())
}

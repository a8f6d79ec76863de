// Package observability holds the Prometheus metrics and the CloudWatch
// operator alert sink used by the booking saga.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "booking_saga"

// Metrics groups the saga collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	transitions      *prometheus.CounterVec
	outcomes         *prometheus.CounterVec
	executorAttempts *prometheus.CounterVec
	executorDuration *prometheus.HistogramVec
	webhooks         *prometheus.CounterVec
	callbacksExpired prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "State transitions committed by the orchestrator.",
		}, []string{"from", "to"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_finished_total",
			Help:      "Executions that reached a terminal status.",
		}, []string{"status"}),
		executorAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executor_attempts_total",
			Help:      "Step executor invocations by result (ok, retryable, fatal).",
		}, []string{"step", "result"}),
		executorDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "executor_duration_seconds",
			Help:      "Step executor latency including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_total",
			Help:      "Provider webhook deliveries by HTTP status.",
		}, []string{"code"}),
		callbacksExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_expired_total",
			Help:      "Pending callbacks failed by the timeout sweeper.",
		}),
	}
	reg.MustRegister(
		m.transitions,
		m.outcomes,
		m.executorAttempts,
		m.executorDuration,
		m.webhooks,
		m.callbacksExpired,
	)
	return m
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) Finished(status string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(status).Inc()
}

func (m *Metrics) ExecutorAttempt(step, result string) {
	if m == nil {
		return
	}
	m.executorAttempts.WithLabelValues(step, result).Inc()
}

func (m *Metrics) ExecutorDuration(step string, d time.Duration) {
	if m == nil {
		return
	}
	m.executorDuration.WithLabelValues(step).Observe(d.Seconds())
}

func (m *Metrics) Webhook(code int) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (m *Metrics) CallbacksExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.callbacksExpired.Add(float64(n))
}

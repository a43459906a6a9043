// Package metrics exports Prometheus instrumentation of task invocations.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sipwise/ngcp-taskagent/internal/taskagent"
)

const namespace = "taskagent"

// Collector implements taskagent.Observer.
type Collector struct {
	invocationsTotal   *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	agentsResponded    *prometheus.HistogramVec
	agentErrorsTotal   *prometheus.CounterVec
	inFlight           prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewCollector registers the metrics with reg. A nil reg uses a fresh
// registry that also carries the Go and process collectors.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	f := promauto.With(reg)

	return &Collector{
		invocationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_total",
				Help:      "Total number of task invocations by outcome",
			},
			[]string{"task", "outcome"},
		),
		invocationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "invocation_duration_seconds",
				Help:      "Time from publish to completion of a task invocation",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"task"},
		),
		agentsResponded: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "agents_responded",
				Help:      "Number of distinct agents that answered an invocation",
				Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64},
			},
			[]string{"task"},
		),
		agentErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "agent_errors_total",
				Help:      "Invocations in which at least one agent reported an error",
			},
			[]string{"task"},
		),
		inFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "invocations_in_flight",
				Help:      "Task invocations currently waiting for agents",
			},
		),
		gatherer: reg,
	}
}

func (c *Collector) InvocationStarted(*taskagent.Envelope) {
	c.inFlight.Inc()
}

func (c *Collector) InvocationFinished(env *taskagent.Envelope, res *taskagent.Result) {
	c.inFlight.Dec()
	c.invocationsTotal.WithLabelValues(env.Task, string(res.Outcome)).Inc()
	c.invocationDuration.WithLabelValues(env.Task).Observe(res.Duration.Seconds())
	c.agentsResponded.WithLabelValues(env.Task).Observe(float64(len(res.Agents)))
	if res.HasError {
		c.agentErrorsTotal.WithLabelValues(env.Task).Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

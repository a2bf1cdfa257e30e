// Package metrics exposes governance counters on a private Prometheus
// registry. All recording methods are safe on a nil *Collector.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "finguard"

type Collector struct {
	registry *prometheus.Registry

	submissions    *prometheus.CounterVec
	ruleEvalTime   prometheus.Histogram
	transitions    *prometheus.CounterVec
	slaFires       *prometheus.CounterVec
	ledgerAppends  *prometheus.CounterVec
	ledgerHalted   prometheus.Gauge
	deliveries     *prometheus.CounterVec
	activeWorkflow prometheus.Gauge
}

// New creates a collector. If registry is nil a fresh registry is used.
func New(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	c := &Collector{
		registry: registry,
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Governance requests submitted, by outcome.",
		}, []string{"action_type", "outcome"}),
		ruleEvalTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rule_evaluation_duration_seconds",
			Help:      "Duration of rule evaluation per request.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_transitions_total",
			Help:      "Workflow state transitions, by target status.",
		}, []string{"status"}),
		slaFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sla_fires_total",
			Help:      "SLA timer fires, by result (applied, noop, error).",
		}, []string{"result"}),
		ledgerAppends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_appends_total",
			Help:      "Audit entries appended, by event type.",
		}, []string{"event_type"}),
		ledgerHalted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_halted",
			Help:      "1 while the audit ledger is halted on corruption.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collaborator_deliveries_total",
			Help:      "Commit/discard deliveries to the action collaborator.",
		}, []string{"action", "result"}),
		activeWorkflow: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workflows_active",
			Help:      "Workflow instances started and not yet terminal in this process.",
		}),
	}
	registry.MustRegister(
		c.submissions,
		c.ruleEvalTime,
		c.transitions,
		c.slaFires,
		c.ledgerAppends,
		c.ledgerHalted,
		c.deliveries,
		c.activeWorkflow,
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) Submission(actionType, outcome string, evalTime time.Duration) {
	if c == nil {
		return
	}
	c.submissions.WithLabelValues(actionType, outcome).Inc()
	c.ruleEvalTime.Observe(evalTime.Seconds())
}

func (c *Collector) Transition(status string, terminal bool) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(status).Inc()
	if terminal {
		c.activeWorkflow.Dec()
	}
}

func (c *Collector) WorkflowStarted() {
	if c == nil {
		return
	}
	c.activeWorkflow.Inc()
}

func (c *Collector) SLAFire(result string) {
	if c == nil {
		return
	}
	c.slaFires.WithLabelValues(result).Inc()
}

func (c *Collector) LedgerAppend(eventType string) {
	if c == nil {
		return
	}
	c.ledgerAppends.WithLabelValues(eventType).Inc()
}

func (c *Collector) LedgerHalted(halted bool) {
	if c == nil {
		return
	}
	if halted {
		c.ledgerHalted.Set(1)
		return
	}
	c.ledgerHalted.Set(0)
}

func (c *Collector) Delivery(action, result string) {
	if c == nil {
		return
	}
	c.deliveries.WithLabelValues(action, result).Inc()
}

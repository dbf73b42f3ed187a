package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WorkflowMetrics captures orchestrator-level workflow metrics.
type WorkflowMetrics interface {
	IncRunStarted(workflow string)
	IncRunCompleted(workflow, status string)
	IncNodeDispatched(workflow string)
	IncNodeCompleted(workflow, status string)
	IncApprovalRequested(workflow string)
	ObserveRunDuration(workflow string, durationSeconds float64)
}

// GatewayMetrics captures request metrics for the API gateway.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements WorkflowMetrics without emitting anything.
type Noop struct{}

func (Noop) IncRunStarted(string)               {}
func (Noop) IncRunCompleted(string, string)     {}
func (Noop) IncNodeDispatched(string)           {}
func (Noop) IncNodeCompleted(string, string)    {}
func (Noop) IncApprovalRequested(string)        {}
func (Noop) ObserveRunDuration(string, float64) {}

// Prom implements WorkflowMetrics backed by Prometheus collectors.
type Prom struct {
	runsStarted        *prometheus.CounterVec
	runsCompleted      *prometheus.CounterVec
	nodesDispatched    *prometheus.CounterVec
	nodesCompleted     *prometheus.CounterVec
	approvalsRequested *prometheus.CounterVec
	runDuration        *prometheus.HistogramVec
	once               sync.Once
}

// NewProm constructs workflow metrics under the given namespace.
func NewProm(namespace string) *Prom {
	p := &Prom{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Workflow runs started by workflow",
		}, []string{"workflow"}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_completed_total",
			Help:      "Workflow runs completed by workflow and status",
		}, []string{"workflow", "status"}),
		nodesDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_dispatched_total",
			Help:      "Workflow nodes dispatched by workflow",
		}, []string{"workflow"}),
		nodesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_completed_total",
			Help:      "Workflow nodes completed by workflow and status",
		}, []string{"workflow", "status"}),
		approvalsRequested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_requested_total",
			Help:      "Approval requests created by workflow",
		}, []string{"workflow"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Workflow run wall time",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"workflow"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.runsStarted, p.runsCompleted, p.nodesDispatched,
			p.nodesCompleted, p.approvalsRequested, p.runDuration)
	})
}

func (p *Prom) IncRunStarted(workflow string) {
	p.runsStarted.WithLabelValues(workflow).Inc()
}

func (p *Prom) IncRunCompleted(workflow, status string) {
	p.runsCompleted.WithLabelValues(workflow, status).Inc()
}

func (p *Prom) IncNodeDispatched(workflow string) {
	p.nodesDispatched.WithLabelValues(workflow).Inc()
}

func (p *Prom) IncNodeCompleted(workflow, status string) {
	p.nodesCompleted.WithLabelValues(workflow, status).Inc()
}

func (p *Prom) IncApprovalRequested(workflow string) {
	p.approvalsRequested.WithLabelValues(workflow).Inc()
}

func (p *Prom) ObserveRunDuration(workflow string, durationSeconds float64) {
	p.runDuration.WithLabelValues(workflow).Observe(durationSeconds)
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- Gateway metrics ---

type gatewayProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	once     sync.Once
}

// NewGatewayProm constructs a GatewayMetrics with counters/histograms.
func NewGatewayProm(namespace string) GatewayMetrics {
	g := &gatewayProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	g.once.Do(func() {
		prometheus.MustRegister(g.requests, g.latency)
	})
	return g
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(route).Observe(durationSeconds)
}

package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements MetricsCollector using Prometheus
type Collector struct {
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge

	nodesExecuted *prometheus.CounterVec
	nodeDuration  *prometheus.HistogramVec

	toolCalls    *prometheus.CounterVec
	toolFailures *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec

	llmCalls   *prometheus.CounterVec
	llmTokens  *prometheus.CounterVec
	llmLatency *prometheus.HistogramVec

	workerPoolIdle    prometheus.Gauge
	workerPoolBusy    prometheus.Gauge
	workerPoolStopped prometheus.Gauge
}

// NewCollector registers the engine metrics with reg. A nil reg uses the
// default registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		runsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagflow_runs_started_total",
				Help: "Total number of workflow runs started",
			},
			[]string{"workflow_id"},
		),
		runsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagflow_runs_completed_total",
				Help: "Total number of workflow runs finished, by status",
			},
			[]string{"status"},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dagflow_run_duration_seconds",
				Help:    "Workflow run duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),
		activeRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dagflow_active_runs",
				Help: "Number of currently active runs",
			},
		),
		nodesExecuted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagflow_nodes_executed_total",
				Help: "Total number of nodes settled, by kind and final state",
			},
			[]string{"kind", "state"},
		),
		nodeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dagflow_node_duration_seconds",
				Help:    "Node execution duration in seconds",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"kind"},
		),
		toolCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagflow_tool_calls_total",
				Help: "Total number of tool invocations",
			},
			[]string{"tool"},
		),
		toolFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagflow_tool_failures_total",
				Help: "Total number of failed tool invocations",
			},
			[]string{"tool"},
		),
		toolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dagflow_tool_duration_seconds",
				Help:    "Tool invocation duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"tool"},
		),
		llmCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagflow_llm_calls_total",
				Help: "Total number of LLM API calls",
			},
			[]string{"model"},
		),
		llmTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagflow_llm_tokens_total",
				Help: "Total number of LLM tokens used",
			},
			[]string{"model", "type"},
		),
		llmLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dagflow_llm_latency_seconds",
				Help:    "LLM API call latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20},
			},
			[]string{"model"},
		),
		workerPoolIdle: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dagflow_worker_pool_idle",
				Help: "Number of idle workers",
			},
		),
		workerPoolBusy: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dagflow_worker_pool_busy",
				Help: "Number of busy workers",
			},
		),
		workerPoolStopped: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dagflow_worker_pool_stopped",
				Help: "Number of stopped workers",
			},
		),
	}
}

// RecordRunStarted counts a started run
func (c *Collector) RecordRunStarted(workflowID string) {
	c.runsStarted.WithLabelValues(workflowID).Inc()
}

// RecordRunCompleted counts a finished run and observes its duration
func (c *Collector) RecordRunCompleted(status string, duration time.Duration) {
	c.runsCompleted.WithLabelValues(status).Inc()
	c.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordNodeExecuted counts a settled node
func (c *Collector) RecordNodeExecuted(kind, state string, duration time.Duration) {
	c.nodesExecuted.WithLabelValues(kind, state).Inc()
	c.nodeDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordToolCall counts a tool invocation
func (c *Collector) RecordToolCall(tool string, duration time.Duration, err error) {
	c.toolCalls.WithLabelValues(tool).Inc()
	c.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if err != nil {
		c.toolFailures.WithLabelValues(tool).Inc()
	}
}

// RecordLLMCall counts an LLM call and its tokens
func (c *Collector) RecordLLMCall(model string, latency time.Duration, inputTokens, outputTokens int) {
	c.llmCalls.WithLabelValues(model).Inc()
	c.llmLatency.WithLabelValues(model).Observe(latency.Seconds())
	c.llmTokens.WithLabelValues(model, "input").Add(float64(inputTokens))
	c.llmTokens.WithLabelValues(model, "output").Add(float64(outputTokens))
}

// RecordWorkerPoolStatus records worker pool status
func (c *Collector) RecordWorkerPoolStatus(idle, busy, stopped int) {
	c.workerPoolIdle.Set(float64(idle))
	c.workerPoolBusy.Set(float64(busy))
	c.workerPoolStopped.Set(float64(stopped))
}

// SetActiveRuns sets the number of currently active runs
func (c *Collector) SetActiveRuns(count int) {
	c.activeRuns.Set(float64(count))
}

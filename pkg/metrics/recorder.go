// Package metrics provides Prometheus-based instrumentation for the
// orchestrator: request/task counters and duration histograms, plus a
// QueryService for reading aggregated per-workflow metrics back out.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder records LLM call and task dispatch metrics.
type Recorder struct {
	llmRequestsTotal *prometheus.CounterVec
	llmTokensTotal   *prometheus.CounterVec
	llmRequestDur    *prometheus.HistogramVec

	tasksDispatchedTotal *prometheus.CounterVec
	tasksCompletedTotal  *prometheus.CounterVec
	tasksFailedTotal     *prometheus.CounterVec
	taskDuration         *prometheus.HistogramVec

	branchesCreatedTotal *prometheus.CounterVec
}

// NewRecorder constructs and registers a Recorder against the default
// Prometheus registry.
func NewRecorder() *Recorder {
	return &Recorder{
		llmRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_llm_requests_total",
				Help: "Total number of LLM requests by model, workflow, agent role, and outcome",
			},
			[]string{"model", "workflow_id", "agent_role", "status"},
		),
		llmTokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_llm_tokens_total",
				Help: "Total tokens used in LLM requests",
			},
			[]string{"model", "workflow_id", "agent_role", "type"},
		),
		llmRequestDur: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_llm_request_duration_seconds",
				Help:    "Duration of LLM requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model", "agent_role"},
		),
		tasksDispatchedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_tasks_dispatched_total",
				Help: "Total number of tasks dispatched to an agent",
			},
			[]string{"workflow_id", "agent_role"},
		),
		tasksCompletedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_tasks_completed_total",
				Help: "Total number of tasks that completed successfully",
			},
			[]string{"workflow_id", "agent_role"},
		),
		tasksFailedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_tasks_failed_total",
				Help: "Total number of tasks that exhausted their retries and failed",
			},
			[]string{"workflow_id", "agent_role"},
		),
		taskDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_task_duration_seconds",
				Help:    "Duration of one task's dispatch-to-result cycle",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"agent_role"},
		),
		branchesCreatedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_branches_created_total",
				Help: "Total number of repair branch tasks created by the debugger",
			},
			[]string{"workflow_id", "branch_reason"},
		),
	}
}

// ObserveLLMRequest records one router.SendChat call's outcome.
func (r *Recorder) ObserveLLMRequest(model, workflowID, agentRole string, promptTokens, completionTokens int, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	r.llmRequestsTotal.WithLabelValues(model, workflowID, agentRole, status).Inc()
	if success {
		r.llmTokensTotal.WithLabelValues(model, workflowID, agentRole, "prompt").Add(float64(promptTokens))
		r.llmTokensTotal.WithLabelValues(model, workflowID, agentRole, "completion").Add(float64(completionTokens))
	}
	r.llmRequestDur.WithLabelValues(model, agentRole).Observe(duration.Seconds())
}

// ObserveTaskDispatched records one task being handed to an agent.
func (r *Recorder) ObserveTaskDispatched(workflowID, agentRole string) {
	r.tasksDispatchedTotal.WithLabelValues(workflowID, agentRole).Inc()
}

// ObserveTaskCompleted records one task finishing successfully.
func (r *Recorder) ObserveTaskCompleted(workflowID, agentRole string, duration time.Duration) {
	r.tasksCompletedTotal.WithLabelValues(workflowID, agentRole).Inc()
	r.taskDuration.WithLabelValues(agentRole).Observe(duration.Seconds())
}

// ObserveTaskFailed records one task exhausting its retries.
func (r *Recorder) ObserveTaskFailed(workflowID, agentRole string, duration time.Duration) {
	r.tasksFailedTotal.WithLabelValues(workflowID, agentRole).Inc()
	r.taskDuration.WithLabelValues(agentRole).Observe(duration.Seconds())
}

// ObserveBranchCreated records one repair branch task being appended.
func (r *Recorder) ObserveBranchCreated(workflowID, branchReason string) {
	r.branchesCreatedTotal.WithLabelValues(workflowID, branchReason).Inc()
}

package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// WorkflowMetrics represents aggregated LLM usage for one workflow.
type WorkflowMetrics struct {
	WorkflowID       string  `json:"workflow_id"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	TasksCompleted   int64   `json:"tasks_completed"`
	TasksFailed      int64   `json:"tasks_failed"`
	BranchesCreated  int64   `json:"branches_created"`
}

// QueryService provides methods to query metrics from Prometheus.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

func (q *QueryService) scalarSum(ctx context.Context, query string) (float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, fmt.Errorf("query %q: %w", query, err)
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return float64(vector[0].Value), nil
	}
	return 0, nil
}

// GetWorkflowMetrics aggregates token usage and task outcomes for one
// workflow across every agent role that participated in it.
func (q *QueryService) GetWorkflowMetrics(ctx context.Context, workflowID string) (*WorkflowMetrics, error) {
	m := &WorkflowMetrics{WorkflowID: workflowID}

	prompt, err := q.scalarSum(ctx, fmt.Sprintf(`sum(orchestrator_llm_tokens_total{workflow_id=%q, type="prompt"})`, workflowID))
	if err != nil {
		return nil, fmt.Errorf("failed to query prompt tokens: %w", err)
	}
	m.PromptTokens = int64(prompt)

	completion, err := q.scalarSum(ctx, fmt.Sprintf(`sum(orchestrator_llm_tokens_total{workflow_id=%q, type="completion"})`, workflowID))
	if err != nil {
		return nil, fmt.Errorf("failed to query completion tokens: %w", err)
	}
	m.CompletionTokens = int64(completion)
	m.TotalTokens = m.PromptTokens + m.CompletionTokens

	completed, err := q.scalarSum(ctx, fmt.Sprintf(`sum(orchestrator_tasks_completed_total{workflow_id=%q})`, workflowID))
	if err != nil {
		return nil, fmt.Errorf("failed to query completed tasks: %w", err)
	}
	m.TasksCompleted = int64(completed)

	failed, err := q.scalarSum(ctx, fmt.Sprintf(`sum(orchestrator_tasks_failed_total{workflow_id=%q})`, workflowID))
	if err != nil {
		return nil, fmt.Errorf("failed to query failed tasks: %w", err)
	}
	m.TasksFailed = int64(failed)

	branches, err := q.scalarSum(ctx, fmt.Sprintf(`sum(orchestrator_branches_created_total{workflow_id=%q})`, workflowID))
	if err != nil {
		return nil, fmt.Errorf("failed to query branch count: %w", err)
	}
	m.BranchesCreated = int64(branches)

	return m, nil
}

// GetWorkflowMetricsByRole breaks a workflow's token usage down per
// agent role, mirroring per-model cost breakdowns from the donor
// query service but keyed on agent_role instead of model.
func (q *QueryService) GetWorkflowMetricsByRole(ctx context.Context, workflowID string) (map[string]*WorkflowMetrics, error) {
	result := make(map[string]*WorkflowMetrics)

	rolesQuery := fmt.Sprintf(`group by (agent_role) (orchestrator_llm_tokens_total{workflow_id=%q})`, workflowID)
	rolesResult, _, err := q.queryAPI.Query(ctx, rolesQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query agent roles: %w", err)
	}

	var roles []string
	if vector, ok := rolesResult.(model.Vector); ok {
		for _, sample := range vector {
			if role, ok := sample.Metric["agent_role"]; ok {
				roles = append(roles, string(role))
			}
		}
	}

	for _, role := range roles {
		m := &WorkflowMetrics{WorkflowID: workflowID}

		prompt, err := q.scalarSum(ctx, fmt.Sprintf(`sum(orchestrator_llm_tokens_total{workflow_id=%q, agent_role=%q, type="prompt"})`, workflowID, role))
		if err != nil {
			return nil, fmt.Errorf("failed to query prompt tokens for role %s: %w", role, err)
		}
		m.PromptTokens = int64(prompt)

		completion, err := q.scalarSum(ctx, fmt.Sprintf(`sum(orchestrator_llm_tokens_total{workflow_id=%q, agent_role=%q, type="completion"})`, workflowID, role))
		if err != nil {
			return nil, fmt.Errorf("failed to query completion tokens for role %s: %w", role, err)
		}
		m.CompletionTokens = int64(completion)
		m.TotalTokens = m.PromptTokens + m.CompletionTokens

		result[role] = m
	}

	return result, nil
}

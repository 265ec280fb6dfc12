// Package architect implements the Architect agent: it turns a task's
// title/description into a machine-readable Contract (interfaces,
// data models, examples, a test skeleton, fixtures) that the Coder
// agent consumes.
package architect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/taskforge/orchestrator/pkg/llm"
	"github.com/taskforge/orchestrator/pkg/logx"
	"github.com/taskforge/orchestrator/pkg/orchestrator"
	"github.com/taskforge/orchestrator/pkg/router"
)

// escalatedModel is tried once if the primary model preference is
// refused by every provider's safety filter even after the router's
// own workload escalation is exhausted.
const escalatedModel = "gemini-2.5-pro"

// Contract is the Architect's output, consumed by the Coder.
type Contract struct {
	ContractID   string           `json:"contract_id"`
	Name         string           `json:"name"`
	Description  string           `json:"description"`
	Interfaces   []map[string]any `json:"interfaces"`
	DataModels   []map[string]any `json:"data_models"`
	Examples     []map[string]any `json:"examples"`
	TestSkeleton map[string]any   `json:"test_skeleton"`
	Fixtures     []string         `json:"fixtures"`
	CreatedAt    time.Time        `json:"created_at"`
}

const promptTemplate = `You are designing a machine-readable contract for a software
component. Given a task's title and description, produce:

1. interfaces: function/class signatures (name, params with types,
   return type, a one-line docstring).
2. data_models: named structs/records with typed fields.
3. examples: at least 3 input/output pairs covering a normal case, an
   edge case, and an error case.
4. test_skeleton: an outline of the test file(s) that will exercise
   this contract.
5. fixtures: any fixture file paths the tests will need.

TASK: %s
DESCRIPTION: %s

Output valid JSON only, matching:
{
  "name": "...",
  "description": "...",
  "interfaces": [...],
  "data_models": [...],
  "examples": [...],
  "test_skeleton": {...},
  "fixtures": [...]
}`

// Agent implements orchestrator.Agent for the architect role.
type Agent struct {
	router     *router.Router
	model      string
	outputDir  string
	log        *logx.Logger
}

// New constructs an architect Agent. outputDir is where generated
// contract JSON files are written.
func New(r *router.Router, modelPreference, outputDir string) *Agent {
	return &Agent{router: r, model: modelPreference, outputDir: outputDir, log: logx.NewLogger("architect")}
}

// Handle designs a Contract for the given task and persists it.
func (a *Agent) Handle(ctx context.Context, req orchestrator.TaskRequest) (orchestrator.TaskResult, error) {
	start := time.Now()
	convID := fmt.Sprintf("architect_%s", req.TaskID)

	prompt := fmt.Sprintf(promptTemplate, req.TaskTitle, req.TaskDescription)

	result, err := a.router.SendChat(ctx, router.ChatRequest{
		ConvID:                   convID,
		Prompt:                   prompt,
		ModelPreference:          a.model,
		ExpectedCompletionTokens: 2048,
		MaxOutputTokens:          4096,
		Temperature:              0.3,
		Workload:                 router.WorkloadLight,
		WorkflowID:               req.WorkflowID,
		Metadata:                 map[string]string{"workflow_id": req.WorkflowID, "agent_role": "architect"},
	})
	if err != nil {
		var safetyErr *llm.SafetyBlockError
		if errors.As(err, &safetyErr) && a.model != escalatedModel {
			a.log.Warn("contract design blocked by safety filter, retrying with %s", escalatedModel)
			result, err = a.router.SendChat(ctx, router.ChatRequest{
				ConvID:                   convID + "_escalated",
				Prompt:                   prompt,
				ModelPreference:          escalatedModel,
				ExpectedCompletionTokens: 2048,
				MaxOutputTokens:          4096,
				Temperature:              0.3,
				Workload:                 router.WorkloadLight,
				WorkflowID:               req.WorkflowID,
				Metadata:                 map[string]string{"workflow_id": req.WorkflowID, "agent_role": "architect"},
			})
		}
		if err != nil {
			return orchestrator.TaskResult{
				TaskID: req.TaskID,
				Status: "failed",
				Error:  fmt.Sprintf("router call failed: %v", err),
			}, nil
		}
	}

	contractData, err := parseContract(result.Content)
	if err != nil {
		return orchestrator.TaskResult{
			TaskID: req.TaskID,
			Status: "failed",
			Error:  fmt.Sprintf("parse contract: %v", err),
		}, nil
	}

	contract := Contract{
		ContractID:   fmt.Sprintf("contract_%s", req.TaskID),
		Name:         stringField(contractData, "name"),
		Description:  stringField(contractData, "description"),
		Interfaces:   objectArray(contractData, "interfaces"),
		DataModels:   objectArray(contractData, "data_models"),
		Examples:     objectArray(contractData, "examples"),
		TestSkeleton: objectField(contractData, "test_skeleton"),
		Fixtures:     stringArray(contractData, "fixtures"),
		CreatedAt:    time.Now().UTC(),
	}

	contractPath, err := a.saveContract(contract)
	if err != nil {
		return orchestrator.TaskResult{
			TaskID: req.TaskID,
			Status: "failed",
			Error:  fmt.Sprintf("save contract: %v", err),
		}, nil
	}

	a.log.Info("designed contract %s: %d interfaces, %d examples", contract.Name, len(contract.Interfaces), len(contract.Examples))

	artifacts := []orchestrator.TaskResultArtifact{{Path: contractPath, Type: "contract"}}
	for _, f := range contract.Fixtures {
		artifacts = append(artifacts, orchestrator.TaskResultArtifact{Path: f, Type: "fixture"})
	}

	return orchestrator.TaskResult{
		TaskID:          req.TaskID,
		AgentID:         "architect",
		Status:          "completed",
		Artifacts:       artifacts,
		Validation:      orchestrator.TaskValidation{Success: true},
		DurationSeconds: time.Since(start).Seconds(),
	}, nil
}

func (a *Agent) saveContract(c Contract) (string, error) {
	if err := os.MkdirAll(a.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", a.outputDir, err)
	}
	path := filepath.Join(a.outputDir, c.ContractID+".json")
	raw, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal contract: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("write contract file: %w", err)
	}
	return path, nil
}

var fencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

func parseContract(text string) (map[string]any, error) {
	text = strings.TrimSpace(text)
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		return nil, err
	}
	return data, nil
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func objectField(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return map[string]any{}
}

func objectArray(m map[string]any, key string) []map[string]any {
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if obj, ok := item.(map[string]any); ok {
			out = append(out, obj)
		}
	}
	return out
}

func stringArray(m map[string]any, key string) []string {
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/taskforge/orchestrator/pkg/orchestrator"
	"github.com/taskforge/orchestrator/pkg/todo"
)

// workflowRecord is the on-disk pairing of a TodoList and its runtime
// WorkflowState, written to workflows/<workflow_id>.json after every
// command that mutates the workflow. This is the filesystem
// persisted-state layer a one-shot CLI process needs to resume a
// workflow an earlier invocation created.
type workflowRecord struct {
	TodoList *todo.TodoList              `json:"todo_list"`
	State    *orchestrator.WorkflowState `json:"state"`
}

func workflowsDir(projectDir string) string {
	return filepath.Join(projectDir, "workflows")
}

func workflowPath(projectDir, workflowID string) string {
	return filepath.Join(workflowsDir(projectDir), workflowID+".json")
}

func saveWorkflow(projectDir string, list *todo.TodoList, state *orchestrator.WorkflowState) error {
	if err := os.MkdirAll(workflowsDir(projectDir), 0o755); err != nil {
		return fmt.Errorf("create workflows dir: %w", err)
	}
	rec := workflowRecord{TodoList: list, State: state}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal workflow record: %w", err)
	}
	return os.WriteFile(workflowPath(projectDir, state.WorkflowID), data, 0o644)
}

func loadWorkflow(projectDir, workflowID string) (*workflowRecord, error) {
	data, err := os.ReadFile(workflowPath(projectDir, workflowID))
	if err != nil {
		return nil, fmt.Errorf("read workflow %s: %w", workflowID, err)
	}
	var rec workflowRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse workflow %s: %w", workflowID, err)
	}
	return &rec, nil
}

func listWorkflows(projectDir string) ([]string, error) {
	entries, err := os.ReadDir(workflowsDir(projectDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read workflows dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		ids = append(ids, e.Name()[:len(e.Name())-len(".json")])
	}
	return ids, nil
}

// resume re-hydrates an Orchestrator with a previously persisted
// workflow so execute/test/iterate/status can continue it.
func resume(sys *system, projectDir, workflowID string) (*workflowRecord, error) {
	rec, err := loadWorkflow(projectDir, workflowID)
	if err != nil {
		return nil, err
	}
	if err := sys.orch.RestoreWorkflow(rec.TodoList, rec.State); err != nil {
		return nil, fmt.Errorf("restore workflow %s: %w", workflowID, err)
	}
	return rec, nil
}

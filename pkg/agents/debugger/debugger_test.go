package debugger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/orchestrator/pkg/bus"
	"github.com/taskforge/orchestrator/pkg/orchestrator"
	"github.com/taskforge/orchestrator/pkg/todo"
)

func TestClassifyDetectsTimeout(t *testing.T) {
	a := New(nil)
	c := a.Classify(FailureContext{TimedOut: true, ErrorMessage: "command exceeded 30s"})
	assert.Equal(t, KindTimeout, c.Kind)
	assert.Equal(t, todo.RoleCoder, c.TargetAgent)
	assert.InDelta(t, 0.95, c.Confidence, 0.001)
}

func TestClassifyDetectsMissingDependency(t *testing.T) {
	a := New(nil)
	c := a.Classify(FailureContext{ErrorMessage: "ImportError: no module named foo"})
	assert.Equal(t, KindMissingDependency, c.Kind)
	assert.Equal(t, todo.RoleCoder, c.TargetAgent)
}

func TestClassifyDetectsSpecMismatch(t *testing.T) {
	a := New(nil)
	c := a.Classify(FailureContext{ErrorMessage: "AssertionError: expected 5, got 3"})
	assert.Equal(t, KindSpecMismatch, c.Kind)
	assert.Equal(t, todo.RoleArchitect, c.TargetAgent)
}

func TestClassifyDefaultsToImplementationBug(t *testing.T) {
	a := New(nil)
	c := a.Classify(FailureContext{ErrorMessage: "nil pointer dereference"})
	assert.Equal(t, KindImplementationBug, c.Kind)
	assert.Equal(t, todo.RoleCoder, c.TargetAgent)
}

func TestBuildBranchRequestHonorsFailureRoutingOverride(t *testing.T) {
	a := New(nil)
	req := a.BuildBranchRequest(FailureContext{
		ParentTaskID:   "task_1",
		ErrorMessage:   "nil pointer dereference",
		FailureRouting: map[string]string{"implementation_bug": "debugger"},
	})
	assert.Equal(t, todo.AgentRole("debugger"), req.AgentRole)
	assert.Contains(t, req.Description, "FAILURE ANALYSIS")
	assert.Contains(t, req.Description, "SUGGESTED FIXES")
}

func TestRepairAppendsBranchThroughOrchestrator(t *testing.T) {
	list := &todo.TodoList{
		TodoListID: "tl1",
		CreatedAt:  "2026-01-01T00:00:00Z",
		Items: []todo.TodoItem{{
			ID:          "task_root",
			Title:       "Root task",
			Description: "does a thing",
			AgentRole:   todo.RoleCoder,
			Priority:    1,
			AcceptanceCriteria: todo.AcceptanceCriteria{
				Tests: []todo.TestCommand{{Cmd: "true"}},
			},
		}},
	}
	orch := orchestrator.New(map[todo.AgentRole]orchestrator.Agent{}, bus.New(nil))
	tlID, err := orch.LoadTodoList(list)
	require.NoError(t, err)
	wfID, err := orch.CreateWorkflow(tlID)
	require.NoError(t, err)

	d := New(orch)
	item, err := d.Repair(wfID, FailureContext{
		ParentTaskID: "task_root",
		ParentTitle:  "Root task",
		ErrorMessage: "AssertionError: expected success",
	})
	require.NoError(t, err)
	assert.Equal(t, todo.RoleArchitect, item.AgentRole)
	assert.True(t, item.IsTemporary)
}

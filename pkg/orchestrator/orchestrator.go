// Package orchestrator owns workflows and their task states: it loads
// a validated todo.TodoList, derives a topological dispatch order,
// and drives each task through an Agent, publishing progress on the
// bus and handling branch insertion for repair tasks.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/orchestrator/pkg/bus"
	"github.com/taskforge/orchestrator/pkg/logx"
	"github.com/taskforge/orchestrator/pkg/metrics"
	"github.com/taskforge/orchestrator/pkg/todo"
)

// WorkflowStatus is the lifecycle state of a WorkflowState.
type WorkflowStatus string

const (
	WorkflowCreated   WorkflowStatus = "created"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowPaused    WorkflowStatus = "paused"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// TaskStatus is the lifecycle state of a TaskState.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskReady      TaskStatus = "ready"
	TaskDispatched TaskStatus = "dispatched"
	TaskRunning    TaskStatus = "running"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskRetrying   TaskStatus = "retrying"
)

// TaskState is the runtime value tracked per task.
type TaskState struct {
	TaskID       string
	Status       TaskStatus
	RetryCount   int
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Error        string
	Artifacts    []string
	TestReportID string
}

// WorkflowState is the runtime value tracked per workflow.
type WorkflowState struct {
	WorkflowID    string
	TodoListID    string
	CorrelationID string
	Status        WorkflowStatus
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	Tasks         map[string]*TaskState
	Error         string
}

// TaskRequest is the dispatch payload an Agent receives.
type TaskRequest struct {
	TaskID             string
	TaskTitle          string
	TaskDescription    string
	AgentRole          todo.AgentRole
	CorrelationID      string
	WorkflowID         string
	AcceptanceCriteria todo.AcceptanceCriteria
	ContractPath       string
	FixturePaths       []string
	FailureRouting     map[string]string
	Metadata           map[string]string
}

// TaskResultArtifact describes one file an Agent produced.
type TaskResultArtifact struct {
	Path string
	Type string
}

// TaskValidation summarizes an Agent's own acceptance checks.
type TaskValidation struct {
	Success  bool
	Errors   []string
	Warnings []string
}

// TaskResult is what an Agent returns for a dispatched task.
type TaskResult struct {
	TaskID          string
	AgentID         string
	Status          string // "completed" or "failed"
	Artifacts       []TaskResultArtifact
	Validation      TaskValidation
	DurationSeconds float64
	Error           string
}

// Agent handles one dispatched task synchronously.
type Agent interface {
	Handle(ctx context.Context, req TaskRequest) (TaskResult, error)
}

// BranchRequest is what a Debugger-style handler uses to insert a
// repair TodoItem into a running workflow.
type BranchRequest struct {
	ParentTaskID string
	BranchReason string
	AgentRole    todo.AgentRole
	Title        string
	Description  string
	Metadata     map[string]string
}

var ErrWorkflowNotFound = fmt.Errorf("orchestrator: workflow not found")
var ErrTodoListNotFound = fmt.Errorf("orchestrator: todo list not found")

// Orchestrator owns workflows, their todo lists, and dispatch to
// registered Agents.
type Orchestrator struct {
	mu        sync.Mutex
	todoLists map[string]*todo.TodoList
	workflows map[string]*WorkflowState
	agents    map[todo.AgentRole]Agent
	bus       *bus.Bus
	log       *logx.Logger
	recorder  *metrics.Recorder
}

// New constructs an Orchestrator dispatching over the given agent
// registry and publishing progress on b (may be nil to disable events).
func New(agents map[todo.AgentRole]Agent, b *bus.Bus) *Orchestrator {
	return &Orchestrator{
		todoLists: make(map[string]*todo.TodoList),
		workflows: make(map[string]*WorkflowState),
		agents:    agents,
		bus:       b,
		log:       logx.NewLogger("orchestrator"),
	}
}

// WithRecorder attaches a metrics.Recorder; task dispatch, completion,
// and failure counts are reported to it when set. Returns o so it can
// be chained onto New.
func (o *Orchestrator) WithRecorder(rec *metrics.Recorder) *Orchestrator {
	o.recorder = rec
	return o
}

// LoadTodoList validates and registers a TodoList, returning its id.
func (o *Orchestrator) LoadTodoList(list *todo.TodoList) (string, error) {
	if errs := todo.Validate(list); len(errs) > 0 {
		return "", fmt.Errorf("orchestrator: invalid todo list: %v", errs)
	}
	if errs := todo.ValidateDependencies(list); len(errs) > 0 {
		return "", fmt.Errorf("orchestrator: invalid dependencies: %v", errs)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.todoLists[list.TodoListID] = list
	o.log.Info("loaded todo list %s with %d items", list.TodoListID, len(list.Items))
	return list.TodoListID, nil
}

// CreateWorkflow creates a new WorkflowState from a loaded TodoList.
func (o *Orchestrator) CreateWorkflow(todoListID string) (string, error) {
	o.mu.Lock()
	list, ok := o.todoLists[todoListID]
	if !ok {
		o.mu.Unlock()
		return "", ErrTodoListNotFound
	}

	workflowID := fmt.Sprintf("wf_%s", uuid.New().String()[:12])
	correlationID := fmt.Sprintf("corr_%s", uuid.New().String()[:12])

	tasks := make(map[string]*TaskState, len(list.Items))
	for _, item := range list.Items {
		tasks[item.ID] = &TaskState{TaskID: item.ID, Status: TaskPending}
	}

	wf := &WorkflowState{
		WorkflowID:    workflowID,
		TodoListID:    todoListID,
		CorrelationID: correlationID,
		Status:        WorkflowCreated,
		CreatedAt:     time.Now().UTC(),
		Tasks:         tasks,
	}
	o.workflows[workflowID] = wf
	o.mu.Unlock()

	o.publish(bus.WorkflowEvents, "WORKFLOW_CREATED", correlationID, workflowID, "", map[string]any{
		"todo_list_id":  todoListID,
		"workflow_name": list.WorkflowName,
		"total_tasks":   len(list.Items),
	})

	o.log.Info("created workflow %s from todo list %s", workflowID, todoListID)
	return workflowID, nil
}

// RestoreWorkflow re-registers a previously persisted TodoList and
// WorkflowState, for a CLI process resuming a workflow created by an
// earlier invocation. Missing task states (e.g. for branch tasks
// appended after the snapshot was taken) are filled in as pending.
func (o *Orchestrator) RestoreWorkflow(list *todo.TodoList, wf *WorkflowState) error {
	if errs := todo.Validate(list); len(errs) > 0 {
		return fmt.Errorf("orchestrator: invalid todo list: %v", errs)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.todoLists[list.TodoListID] = list
	for _, item := range list.Items {
		if _, ok := wf.Tasks[item.ID]; !ok {
			if wf.Tasks == nil {
				wf.Tasks = make(map[string]*TaskState)
			}
			wf.Tasks[item.ID] = &TaskState{TaskID: item.ID, Status: TaskPending}
		}
	}
	o.workflows[wf.WorkflowID] = wf
	o.log.Info("restored workflow %s from todo list %s", wf.WorkflowID, list.TodoListID)
	return nil
}

// ExecuteWorkflow runs every pending task of a workflow to completion
// (or to its first terminal failure), in topological/priority order.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, workflowID string) (*WorkflowState, error) {
	o.mu.Lock()
	wf, ok := o.workflows[workflowID]
	if !ok {
		o.mu.Unlock()
		return nil, ErrWorkflowNotFound
	}
	list := o.todoLists[wf.TodoListID]
	now := time.Now().UTC()
	wf.Status = WorkflowRunning
	wf.StartedAt = &now
	o.mu.Unlock()

	order := executionOrder(list)

	for _, taskID := range order {
		item := findItem(list, taskID)
		state := wf.Tasks[taskID]
		if state == nil || state.Status == TaskCompleted {
			continue
		}

		if !dependenciesSatisfied(item, wf) {
			o.failWorkflow(wf, taskID, "dependencies not satisfied")
			break
		}

		o.log.Info("executing task %s (%s): %s", taskID, item.AgentRole, item.Title)
		state.Status = TaskDispatched
		o.publish(bus.AgentRequests, "TASK_DISPATCHED", wf.CorrelationID, wf.WorkflowID, taskID, map[string]any{
			"agent_role": string(item.AgentRole),
		})
		if o.recorder != nil {
			o.recorder.ObserveTaskDispatched(wf.WorkflowID, string(item.AgentRole))
		}

		taskStart := time.Now()
		ok := o.executeTask(ctx, wf, item, state)
		if o.recorder != nil {
			if ok {
				o.recorder.ObserveTaskCompleted(wf.WorkflowID, string(item.AgentRole), time.Since(taskStart))
			} else {
				o.recorder.ObserveTaskFailed(wf.WorkflowID, string(item.AgentRole), time.Since(taskStart))
			}
		}
		if !ok {
			o.failWorkflow(wf, taskID, fmt.Sprintf("task %s failed", taskID))
			break
		}
	}

	o.mu.Lock()
	if wf.Status == WorkflowRunning && allCompleted(wf) {
		wf.Status = WorkflowCompleted
	}
	completedAt := time.Now().UTC()
	wf.CompletedAt = &completedAt
	finalStatus := wf.Status
	o.mu.Unlock()

	eventType := "WORKFLOW_COMPLETED"
	if finalStatus != WorkflowCompleted {
		eventType = "WORKFLOW_FAILED"
	}
	o.publish(bus.WorkflowEvents, eventType, wf.CorrelationID, wf.WorkflowID, "", map[string]any{
		"status":          string(finalStatus),
		"completed_tasks": countByStatus(wf, TaskCompleted),
		"failed_tasks":    countByStatus(wf, TaskFailed),
	})

	return wf, nil
}

func (o *Orchestrator) executeTask(ctx context.Context, wf *WorkflowState, item *todo.TodoItem, state *TaskState) bool {
	agent, ok := o.agents[item.AgentRole]
	if !ok {
		state.Status = TaskFailed
		state.Error = fmt.Sprintf("no agent registered for role %q", item.AgentRole)
		return false
	}

	maxRetries := item.MaxRetries
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			state.Status = TaskRetrying
			state.RetryCount = attempt
			o.log.Info("retrying task %s (attempt %d/%d)", item.ID, attempt+1, maxRetries+1)
		}

		start := time.Now().UTC()
		state.Status = TaskRunning
		state.StartedAt = &start

		req := TaskRequest{
			TaskID:             item.ID,
			TaskTitle:          item.Title,
			TaskDescription:    item.Description,
			AgentRole:          item.AgentRole,
			CorrelationID:      wf.CorrelationID,
			WorkflowID:         wf.WorkflowID,
			AcceptanceCriteria: item.AcceptanceCriteria,
			ContractPath:       item.FixturePath,
			FailureRouting:     item.FailureRouting,
			Metadata:           map[string]string{"workflow_id": wf.WorkflowID},
		}

		result, err := agent.Handle(ctx, req)
		if err != nil {
			state.Error = err.Error()
			o.log.Warn("task %s attempt %d errored: %v", item.ID, attempt+1, err)
			continue
		}

		if result.Status == "completed" || result.Status == "ready" {
			state.Status = TaskCompleted
			completed := time.Now().UTC()
			state.CompletedAt = &completed
			for _, a := range result.Artifacts {
				state.Artifacts = append(state.Artifacts, a.Path)
			}
			o.publish(bus.AgentResults, "TASK_COMPLETED", wf.CorrelationID, wf.WorkflowID, item.ID, map[string]any{
				"agent_id": result.AgentID,
			})
			return true
		}

		state.Error = result.Error
		o.log.Warn("task %s attempt %d failed: %s", item.ID, attempt+1, result.Error)
	}

	state.Status = TaskFailed
	o.publish(bus.AgentResults, "TASK_FAILED", wf.CorrelationID, wf.WorkflowID, item.ID, map[string]any{
		"error": state.Error,
	})
	return false
}

func (o *Orchestrator) failWorkflow(wf *WorkflowState, taskID, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	wf.Status = WorkflowFailed
	wf.Error = reason
	o.log.Error("workflow %s failed at task %s: %s", wf.WorkflowID, taskID, reason)
}

// ReloadWorkflowTasks adds TaskStates for any TodoItems appended to the
// workflow's TodoList since CreateWorkflow (used by the iterative loop
// and branch insertion after Debugger repair items are appended).
func (o *Orchestrator) ReloadWorkflowTasks(workflowID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	wf, ok := o.workflows[workflowID]
	if !ok {
		return ErrWorkflowNotFound
	}
	list, ok := o.todoLists[wf.TodoListID]
	if !ok {
		return ErrTodoListNotFound
	}
	for _, item := range list.Items {
		if _, exists := wf.Tasks[item.ID]; !exists {
			wf.Tasks[item.ID] = &TaskState{TaskID: item.ID, Status: TaskPending}
		}
	}
	return nil
}

// AppendBranchTask inserts a new TodoItem into the workflow's TodoList
// as a repair branch, enforcing max_branch_depth and rejecting a
// parent/branch cycle.
func (o *Orchestrator) AppendBranchTask(workflowID string, branch BranchRequest) (*todo.TodoItem, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	wf, ok := o.workflows[workflowID]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	list, ok := o.todoLists[wf.TodoListID]
	if !ok {
		return nil, ErrTodoListNotFound
	}

	depth := branchDepth(list, branch.ParentTaskID)
	maxDepth := list.MaxBranchDepth()
	if depth >= maxDepth {
		return nil, fmt.Errorf("orchestrator: branch depth %d at or beyond max_branch_depth %d for parent %s", depth, maxDepth, branch.ParentTaskID)
	}

	newID := fmt.Sprintf("task_branch_%s", uuid.New().String()[:8])
	item := todo.TodoItem{
		ID:               newID,
		Title:            branch.Title,
		Description:      branch.Description,
		AgentRole:        branch.AgentRole,
		Priority:         1,
		MaxRetries:       3,
		MaxDebugAttempts: 3,
		ParentID:         branch.ParentTaskID,
		BranchReason:     branch.BranchReason,
		IsTemporary:      true,
		AcceptanceCriteria: todo.AcceptanceCriteria{
			Tests: []todo.TestCommand{{Cmd: "true"}},
		},
	}

	list.Items = append(list.Items, item)
	wf.Tasks[newID] = &TaskState{TaskID: newID, Status: TaskPending}

	o.publish(bus.WorkflowEvents, "WORKFLOW_BRANCH_CREATED", wf.CorrelationID, wf.WorkflowID, newID, map[string]any{
		"parent_task_id": branch.ParentTaskID,
		"branch_reason":  branch.BranchReason,
	})
	if o.recorder != nil {
		o.recorder.ObserveBranchCreated(wf.WorkflowID, branch.BranchReason)
	}

	return &item, nil
}

// branchDepth counts how many parent_id hops separate taskID from a
// root (non-branch) task.
func branchDepth(list *todo.TodoList, taskID string) int {
	depth := 0
	current := taskID
	for {
		item := findItem(list, current)
		if item == nil || item.ParentID == "" {
			return depth
		}
		depth++
		current = item.ParentID
		if depth > len(list.Items) {
			return depth // cycle guard
		}
	}
}

// Status returns a snapshot of a workflow's current state.
func (o *Orchestrator) Status(workflowID string) (*WorkflowState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	wf, ok := o.workflows[workflowID]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	snapshot := *wf
	snapshot.Tasks = make(map[string]*TaskState, len(wf.Tasks))
	for id, ts := range wf.Tasks {
		copied := *ts
		snapshot.Tasks[id] = &copied
	}
	return &snapshot, nil
}

// FindTaskItem returns the TodoItem backing taskID within workflowID's
// todo list, letting callers (e.g. the iterative loop) read a failed
// task's title, description, and failure-routing table without
// reaching into orchestrator internals.
func (o *Orchestrator) FindTaskItem(workflowID, taskID string) (*todo.TodoItem, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	wf, ok := o.workflows[workflowID]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	list, ok := o.todoLists[wf.TodoListID]
	if !ok {
		return nil, ErrTodoListNotFound
	}
	item := findItem(list, taskID)
	if item == nil {
		return nil, fmt.Errorf("orchestrator: task %s not found in todo list %s", taskID, wf.TodoListID)
	}
	return item, nil
}

func (o *Orchestrator) publish(channel, eventType, correlationID, workflowID, taskID string, data any) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(channel, bus.Event{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		Timestamp:     time.Now().UTC(),
		Source:        "orchestrator",
		CorrelationID: correlationID,
		WorkflowID:    workflowID,
		TaskID:        taskID,
		Data:          data,
	}); err != nil {
		o.log.Warn("publish %s on %s failed: %v", eventType, channel, err)
	}
}

func findItem(list *todo.TodoList, id string) *todo.TodoItem {
	for i := range list.Items {
		if list.Items[i].ID == id {
			return &list.Items[i]
		}
	}
	return nil
}

func dependenciesSatisfied(item *todo.TodoItem, wf *WorkflowState) bool {
	for _, dep := range item.Dependencies {
		state, ok := wf.Tasks[dep]
		if !ok || state.Status != TaskCompleted {
			return false
		}
	}
	return true
}

func allCompleted(wf *WorkflowState) bool {
	for _, t := range wf.Tasks {
		if t.Status != TaskCompleted {
			return false
		}
	}
	return true
}

func countByStatus(wf *WorkflowState, status TaskStatus) int {
	n := 0
	for _, t := range wf.Tasks {
		if t.Status == status {
			n++
		}
	}
	return n
}

// executionOrder runs Kahn's algorithm over the TodoList's dependency
// graph, re-sorting the ready queue by ascending priority on every
// iteration so that higher-priority (lower number) tasks are chosen
// first among all currently unblocked tasks.
func executionOrder(list *todo.TodoList) []string {
	items := make(map[string]*todo.TodoItem, len(list.Items))
	inDegree := make(map[string]int, len(list.Items))
	dependents := make(map[string][]string, len(list.Items))

	for i := range list.Items {
		item := &list.Items[i]
		items[item.ID] = item
		inDegree[item.ID] = 0
	}
	for i := range list.Items {
		item := &list.Items[i]
		for _, dep := range item.Dependencies {
			dependents[dep] = append(dependents[dep], item.ID)
			inDegree[item.ID]++
		}
	}

	var ready []string
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}

	var order []string
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			return items[ready[i]].Priority < items[ready[j]].Priority
		})
		current := ready[0]
		ready = ready[1:]
		order = append(order, current)

		for _, next := range dependents[current] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	return order
}

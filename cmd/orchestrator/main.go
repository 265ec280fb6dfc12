// Command orchestrator is the CLI front end for the multi-agent
// orchestrator: it submits natural-language requests as TodoLists,
// executes and tests workflows, and drives the iterative repair loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/taskforge/orchestrator/pkg/iterative"
	"github.com/taskforge/orchestrator/pkg/orchestrator"
	"github.com/taskforge/orchestrator/pkg/planner"
	"github.com/taskforge/orchestrator/pkg/todo"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx := context.Background()
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "submit":
		err = runSubmit(ctx, args)
	case "execute":
		err = runExecute(ctx, args)
	case "test":
		err = runTest(ctx, args)
	case "iterate":
		err = runIterate(ctx, args)
	case "status":
		err = runStatus(ctx, args)
	case "list":
		err = runList(ctx, args)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: orchestrator <command> [flags]

commands:
  submit <request>      produce and persist a TodoList, load into the orchestrator
  execute <workflow_id>  run pending tasks
  test <workflow_id>     run tests on current artifacts
  iterate <workflow_id>  run the iterative repair loop
  status <workflow_id>   print a workflow's current state
  list                   list known workflow ids`)
}

func projectDirFlag(fs *flag.FlagSet) *string {
	return fs.String("projectdir", ".", "project directory holding .orchestrator state and workflows/")
}

func runSubmit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	projectDir := projectDirFlag(fs)
	workflowName := fs.String("name", "", "optional workflow name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("submit requires a request string")
	}
	request := fs.Arg(0)

	sys, err := bootstrap(ctx, *projectDir)
	if err != nil {
		return err
	}

	list, err := sys.planner.Plan(ctx, planner.Request{UserRequest: request, WorkflowName: *workflowName})
	if err != nil {
		return fmt.Errorf("plan request: %w", err)
	}

	todoListID, err := sys.orch.LoadTodoList(list)
	if err != nil {
		return fmt.Errorf("load todo list: %w", err)
	}
	workflowID, err := sys.orch.CreateWorkflow(todoListID)
	if err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}
	state, err := sys.orch.Status(workflowID)
	if err != nil {
		return fmt.Errorf("read new workflow state: %w", err)
	}
	if err := saveWorkflow(*projectDir, list, state); err != nil {
		return fmt.Errorf("persist workflow: %w", err)
	}

	fmt.Println(workflowID)
	return nil
}

func runExecute(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("execute", flag.ExitOnError)
	projectDir := projectDirFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("execute requires a workflow id")
	}
	workflowID := fs.Arg(0)

	sys, err := bootstrap(ctx, *projectDir)
	if err != nil {
		return err
	}
	rec, err := resume(sys, *projectDir, workflowID)
	if err != nil {
		return err
	}

	state, err := sys.orch.ExecuteWorkflow(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("execute workflow: %w", err)
	}
	if err := saveWorkflow(*projectDir, rec.TodoList, state); err != nil {
		return fmt.Errorf("persist workflow: %w", err)
	}

	printWorkflowState(state)
	return exitCodeForStatus(string(state.Status))
}

func runTest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("test", flag.ExitOnError)
	projectDir := projectDirFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("test requires a workflow id")
	}
	workflowID := fs.Arg(0)

	sys, err := bootstrap(ctx, *projectDir)
	if err != nil {
		return err
	}
	rec, err := resume(sys, *projectDir, workflowID)
	if err != nil {
		return err
	}

	failures := 0
	ran := 0
	for _, item := range rec.TodoList.Items {
		if item.AgentRole != todo.RoleTester {
			continue
		}
		ran++
		result, err := sys.tester.Handle(ctx, orchestrator.TaskRequest{
			TaskID:             item.ID,
			TaskTitle:          item.Title,
			TaskDescription:    item.Description,
			AgentRole:          item.AgentRole,
			WorkflowID:         workflowID,
			AcceptanceCriteria: item.AcceptanceCriteria,
			FixturePaths:       []string{item.FixturePath},
		})
		if err != nil {
			return fmt.Errorf("run tester task %s: %w", item.ID, err)
		}
		if state := rec.State.Tasks[item.ID]; state != nil {
			state.Error = result.Error
			if result.Status == "completed" {
				state.Status = orchestrator.TaskCompleted
			} else {
				state.Status = orchestrator.TaskFailed
				failures++
			}
		}
		fmt.Printf("%s: %s\n", item.ID, result.Status)
	}

	if err := saveWorkflow(*projectDir, rec.TodoList, rec.State); err != nil {
		return fmt.Errorf("persist workflow: %w", err)
	}
	if ran == 0 {
		fmt.Printf("workflow %s: no tester tasks found\n", workflowID)
	}
	if failures > 0 {
		return fmt.Errorf("%d test task(s) failed", failures)
	}
	return nil
}

func runIterate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("iterate", flag.ExitOnError)
	projectDir := projectDirFlag(fs)
	maxRounds := fs.Int("n", 5, "maximum repair rounds")
	autoFix := fs.Bool("autofix", true, "append debugger repair branches on failure")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("iterate requires a workflow id")
	}
	workflowID := fs.Arg(0)

	sys, err := bootstrap(ctx, *projectDir)
	if err != nil {
		return err
	}
	rec, err := resume(sys, *projectDir, workflowID)
	if err != nil {
		return err
	}

	loop := iterative.New(sys.orch, sys.debugger, iterative.Options{MaxIterations: *maxRounds, AutoFix: *autoFix})
	report, err := loop.RunUntilSuccess(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("run iterative loop: %w", err)
	}

	state, err := sys.orch.Status(workflowID)
	if err != nil {
		return fmt.Errorf("read workflow state: %w", err)
	}
	if err := saveWorkflow(*projectDir, rec.TodoList, state); err != nil {
		return fmt.Errorf("persist workflow: %w", err)
	}

	for _, it := range report.Iterations {
		fmt.Printf("iteration %d: %s (failed=%v repaired=%v)\n", it.Iteration, it.Status, it.FailedTasks, it.RepairedIDs)
	}
	if !report.Success {
		return fmt.Errorf("workflow %s did not reach completion within %d iterations", workflowID, *maxRounds)
	}
	fmt.Printf("workflow %s completed\n", workflowID)
	return nil
}

func runStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	projectDir := projectDirFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("status requires a workflow id")
	}
	workflowID := fs.Arg(0)

	rec, err := loadWorkflow(*projectDir, workflowID)
	if err != nil {
		return err
	}
	printWorkflowState(rec.State)
	return exitCodeForStatus(string(rec.State.Status))
}

func runList(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	projectDir := projectDirFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ids, err := listWorkflows(*projectDir)
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

func printWorkflowState(state *orchestrator.WorkflowState) {
	completed := 0
	for _, ts := range state.Tasks {
		if ts.Status == orchestrator.TaskCompleted {
			completed++
		}
	}
	fmt.Printf("workflow %s: %s (%d/%d tasks completed)\n",
		state.WorkflowID, state.Status, completed, len(state.Tasks))
	for taskID, ts := range state.Tasks {
		if ts.Error != "" {
			fmt.Printf("  %s: %s (%s)\n", taskID, ts.Status, ts.Error)
		} else {
			fmt.Printf("  %s: %s\n", taskID, ts.Status)
		}
	}
}

func exitCodeForStatus(status string) error {
	if status == "completed" {
		return nil
	}
	return fmt.Errorf("workflow ended in state %q", status)
}

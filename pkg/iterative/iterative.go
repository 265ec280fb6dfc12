// Package iterative implements the IterativeLoop: it drives a
// workflow through repeated execute→test→classify→repair cycles,
// stopping when every task completes, when a cycle produces no new
// repair task, or when a fixed iteration budget is exhausted.
package iterative

import (
	"context"
	"fmt"
	"time"

	"github.com/taskforge/orchestrator/pkg/agents/debugger"
	"github.com/taskforge/orchestrator/pkg/logx"
	"github.com/taskforge/orchestrator/pkg/orchestrator"
)

// Options configures one RunUntilSuccess call.
type Options struct {
	MaxIterations int  // default 5
	AutoFix       bool // if false, stop after the first failing iteration
}

// DefaultOptions mirrors the reference loop's defaults.
var DefaultOptions = Options{MaxIterations: 5, AutoFix: true}

// IterationRecord captures one pass through the loop.
type IterationRecord struct {
	Iteration   int
	Status      string // "completed", "execution_failed", "stopped", "no_fix_generated"; empty when repair tasks were created
	StartedAt   time.Time
	DurationSec float64
	FailedTasks []string
	RepairedIDs []string
}

// Report is RunUntilSuccess's final outcome.
type Report struct {
	WorkflowID string
	Success    bool
	Iterations []IterationRecord
}

// Loop is the IterativeLoop.
type Loop struct {
	orch *orchestrator.Orchestrator
	dbg  *debugger.Agent
	opts Options
	log  *logx.Logger
}

// New constructs a Loop bound to orch, using dbg to classify and
// repair task failures between iterations.
func New(orch *orchestrator.Orchestrator, dbg *debugger.Agent, opts Options) *Loop {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultOptions.MaxIterations
	}
	return &Loop{orch: orch, dbg: dbg, opts: opts, log: logx.NewLogger("iterative")}
}

// RunUntilSuccess executes workflowID, and on task failure consults
// the Debugger to classify and branch a repair task, retrying up to
// opts.MaxIterations times.
func (l *Loop) RunUntilSuccess(ctx context.Context, workflowID string) (Report, error) {
	report := Report{WorkflowID: workflowID}

	for iteration := 1; iteration <= l.opts.MaxIterations; iteration++ {
		start := time.Now()
		record := IterationRecord{Iteration: iteration, StartedAt: start}

		wf, err := l.orch.ExecuteWorkflow(ctx, workflowID)
		if err != nil {
			record.Status = "execution_failed"
			record.DurationSec = time.Since(start).Seconds()
			report.Iterations = append(report.Iterations, record)
			return report, fmt.Errorf("iterative: execute workflow: %w", err)
		}

		if wf.Status == orchestrator.WorkflowCompleted {
			record.Status = "completed"
			record.DurationSec = time.Since(start).Seconds()
			report.Iterations = append(report.Iterations, record)
			report.Success = true
			l.log.Info("workflow %s succeeded on iteration %d", workflowID, iteration)
			return report, nil
		}

		failed := failedTasks(wf)
		record.FailedTasks = failed

		if !l.opts.AutoFix || iteration == l.opts.MaxIterations {
			record.Status = "stopped"
			record.DurationSec = time.Since(start).Seconds()
			report.Iterations = append(report.Iterations, record)
			l.log.Warn("workflow %s stopped after iteration %d: auto_fix=%v failed=%v", workflowID, iteration, l.opts.AutoFix, failed)
			return report, nil
		}

		var repaired []string
		for _, taskID := range failed {
			state := wf.Tasks[taskID]
			item, err := l.orch.FindTaskItem(workflowID, taskID)
			if err != nil {
				l.log.Warn("could not load task %s for repair: %v", taskID, err)
				continue
			}
			fc := debugger.FailureContext{
				ParentTaskID:      taskID,
				ParentTitle:       item.Title,
				ParentDescription: item.Description,
				ErrorMessage:      state.Error,
				FailureRouting:    item.FailureRouting,
				FixturePath:       item.FixturePath,
				OriginalTests:     item.AcceptanceCriteria.Tests,
				ExpectedArtifacts: item.AcceptanceCriteria.ExpectedArtifacts,
			}
			branch, err := l.dbg.Repair(workflowID, fc)
			if err != nil {
				l.log.Warn("could not create repair branch for %s: %v", taskID, err)
				continue
			}
			repaired = append(repaired, branch.ID)
		}
		record.RepairedIDs = repaired
		record.DurationSec = time.Since(start).Seconds()
		if len(repaired) == 0 {
			record.Status = "no_fix_generated"
		}
		report.Iterations = append(report.Iterations, record)

		if len(repaired) == 0 {
			l.log.Warn("workflow %s: no fixes generated at iteration %d, stopping", workflowID, iteration)
			return report, nil
		}

		if err := l.orch.ReloadWorkflowTasks(workflowID); err != nil {
			return report, fmt.Errorf("iterative: reload workflow tasks: %w", err)
		}
	}

	return report, nil
}

func failedTasks(wf *orchestrator.WorkflowState) []string {
	var ids []string
	for id, state := range wf.Tasks {
		if state.Status == orchestrator.TaskFailed {
			ids = append(ids, id)
		}
	}
	return ids
}

// Package debugger implements the Debugger agent: it classifies a
// failed task's error text into a failure kind, picks a target agent
// to retry with, and constructs a branch TodoItem carrying concrete
// repair instructions. Actual branch insertion (and its depth check)
// is delegated to the orchestrator.
package debugger

import (
	"fmt"
	"strings"

	"github.com/taskforge/orchestrator/pkg/logx"
	"github.com/taskforge/orchestrator/pkg/orchestrator"
	"github.com/taskforge/orchestrator/pkg/todo"
)

// Kind is the failure classification assigned to a task failure.
type Kind string

const (
	KindTimeout           Kind = "timeout"
	KindMissingDependency Kind = "missing_dependency"
	KindSpecMismatch      Kind = "spec_mismatch"
	KindImplementationBug Kind = "implementation_bug"
)

// Classification is the Debugger's verdict on one failure.
type Classification struct {
	Kind        Kind
	TargetAgent todo.AgentRole
	Confidence  float64
	Summary     string
}

// FailureContext is what the Debugger needs to classify and build a
// branch task for one failed task.
type FailureContext struct {
	ParentTaskID      string
	ParentTitle       string
	ParentDescription string
	ErrorMessage      string
	Trace             string
	TimedOut          bool
	FailureRouting    map[string]string
	FixturePath       string
	OriginalTests     []todo.TestCommand
	ExpectedArtifacts []string
}

// Agent is the Debugger agent.
type Agent struct {
	orch *orchestrator.Orchestrator
	log  *logx.Logger
}

// New constructs a Debugger bound to orch for branch insertion.
func New(orch *orchestrator.Orchestrator) *Agent {
	return &Agent{orch: orch, log: logx.NewLogger("debugger")}
}

// Classify maps a failure's error text to a Kind, target agent, and
// confidence: timeouts route to the coder (0.95), import and
// undefined-symbol errors are a missing dependency routed to the coder
// (0.90), assertion-shaped failures are treated as a spec mismatch
// routed to the architect (0.85), and everything else, syntax errors
// included, falls back to a generic implementation bug routed to the
// coder (0.80).
func (a *Agent) Classify(fc FailureContext) Classification {
	if fc.TimedOut || strings.Contains(strings.ToLower(fc.ErrorMessage), "timeout") {
		return Classification{
			Kind:        KindTimeout,
			TargetAgent: todo.RoleCoder,
			Confidence:  0.95,
			Summary:     fmt.Sprintf("Execution timed out: %s", truncate(fc.ErrorMessage, 200)),
		}
	}

	msg := strings.ToLower(fc.ErrorMessage)

	switch {
	case containsAny(msg, "importerror", "modulenotfounderror", "no module named", "cannot import", "missing_dependency", "undefined:"):
		return Classification{
			Kind:        KindMissingDependency,
			TargetAgent: todo.RoleCoder,
			Confidence:  0.90,
			Summary:     fmt.Sprintf("Missing dependency: %s", truncate(fc.ErrorMessage, 200)),
		}
	case containsAny(msg, "assertionerror", "assert ", "expected", "should be", "must be", "schema_invalid", "invalid_artifacts"):
		return Classification{
			Kind:        KindSpecMismatch,
			TargetAgent: todo.RoleArchitect,
			Confidence:  0.85,
			Summary:     fmt.Sprintf("Contract mismatch: %s", truncate(fc.ErrorMessage, 200)),
		}
	default:
		return Classification{
			Kind:        KindImplementationBug,
			TargetAgent: todo.RoleCoder,
			Confidence:  0.80,
			Summary:     fmt.Sprintf("Runtime error: %s", truncate(fc.ErrorMessage, 200)),
		}
	}
}

// BuildBranchRequest classifies fc and builds the orchestrator
// BranchRequest to append, picking the target agent from
// fc.FailureRouting when the classification's kind has an explicit
// routing entry, and falling back to the classifier's own suggestion
// otherwise.
func (a *Agent) BuildBranchRequest(fc FailureContext) orchestrator.BranchRequest {
	c := a.Classify(fc)

	targetAgent := c.TargetAgent
	if routed, ok := fc.FailureRouting[string(c.Kind)]; ok && routed != "" {
		targetAgent = todo.AgentRole(routed)
	}

	instructions := buildDebugInstructions(fc, c)

	return orchestrator.BranchRequest{
		ParentTaskID: fc.ParentTaskID,
		BranchReason: string(c.Kind),
		AgentRole:    targetAgent,
		Title:        fmt.Sprintf("Debug: %s failed (%s)", fc.ParentTaskID, c.Kind),
		Description:  instructions,
		Metadata: map[string]string{
			"confidence":   fmt.Sprintf("%.2f", c.Confidence),
			"fixture_path": fc.FixturePath,
		},
	}
}

// Repair classifies the failure described by fc and appends a branch
// task to workflowID via the orchestrator, enforcing its branch-depth
// limit.
func (a *Agent) Repair(workflowID string, fc FailureContext) (*todo.TodoItem, error) {
	req := a.BuildBranchRequest(fc)
	item, err := a.orch.AppendBranchTask(workflowID, req)
	if err != nil {
		a.log.Warn("could not create repair branch for %s: %v", fc.ParentTaskID, err)
		return nil, err
	}
	a.log.Info("created repair branch %s for %s (target=%s)", item.ID, fc.ParentTaskID, req.AgentRole)
	return item, nil
}

func buildDebugInstructions(fc FailureContext, c Classification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "FAILURE ANALYSIS\nClassification: %s (confidence %.2f)\n%s\n\n", c.Kind, c.Confidence, c.Summary)
	if fc.Trace != "" {
		fmt.Fprintf(&b, "TRACEBACK\n%s\n\n", truncate(fc.Trace, 2000))
	}
	b.WriteString("SUGGESTED FIXES\n")
	for _, fix := range suggestedFixes(c.Kind) {
		fmt.Fprintf(&b, "- %s\n", fix)
	}
	fmt.Fprintf(&b, "\nPARENT TASK CONTEXT\nTask: %s\n%s\n", fc.ParentTitle, fc.ParentDescription)
	return b.String()
}

func suggestedFixes(kind Kind) []string {
	switch kind {
	case KindTimeout:
		return []string{
			"Check for an unbounded loop or blocking call missing a timeout.",
			"Reduce the input size used by the test fixture.",
			"Profile the implementation for an accidental quadratic path.",
		}
	case KindMissingDependency:
		return []string{
			"Add the missing import or module dependency.",
			"Verify the package name matches what go.mod declares.",
		}
	case KindSpecMismatch:
		return []string{
			"Re-check the contract's interfaces against the implementation's signatures.",
			"Confirm the example inputs/outputs in the contract still match expected behavior.",
			"Consider whether the contract itself needs revising.",
		}
	default:
		return []string{
			"Re-read the stack trace for the failing line and surrounding state.",
			"Add a targeted unit test reproducing the failure before fixing it.",
			"Check for nil dereferences or unchecked type assertions.",
		}
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

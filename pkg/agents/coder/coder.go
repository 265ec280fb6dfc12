// Package coder implements the Coder agent: it reads an Architect
// contract and generates an implementation against it, runs fast
// static checks, and falls back to a template when generation is
// blocked by a safety filter.
package coder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/taskforge/orchestrator/pkg/llm"
	"github.com/taskforge/orchestrator/pkg/logx"
	"github.com/taskforge/orchestrator/pkg/orchestrator"
	"github.com/taskforge/orchestrator/pkg/router"
)

const escalatedModel = "gemini-2.5-pro"

// ValidationResult is the outcome of the Coder's fast static checks.
type ValidationResult struct {
	Success   bool
	VetOutput string
	Errors    []string
	Warnings  []string
}

// Agent implements orchestrator.Agent for the coder role.
type Agent struct {
	router      *router.Router
	model       string
	temperature float32
	workspace   string
	log         *logx.Logger
}

// New constructs a coder Agent. workspace is the root directory
// generated files are written under.
func New(r *router.Router, modelPreference, workspace string) *Agent {
	return &Agent{
		router:      r,
		model:       modelPreference,
		temperature: 0.1,
		workspace:   workspace,
		log:         logx.NewLogger("coder"),
	}
}

// contract is the subset of an Architect contract the Coder needs.
type contract struct {
	ContractID string           `json:"contract_id"`
	Name       string           `json:"name"`
	Interfaces []map[string]any `json:"interfaces"`
}

func (a *Agent) loadContract(path string) (*contract, error) {
	full := filepath.Join(a.workspace, path)
	raw, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read contract %s: %w", path, err)
	}
	var c contract
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse contract %s: %w", path, err)
	}
	if c.ContractID == "" || c.Interfaces == nil {
		return nil, fmt.Errorf("contract %s missing required fields contract_id/interfaces", path)
	}
	return &c, nil
}

// Handle implements orchestrator.Agent.
func (a *Agent) Handle(ctx context.Context, req orchestrator.TaskRequest) (orchestrator.TaskResult, error) {
	start := time.Now()

	if req.ContractPath == "" {
		return orchestrator.TaskResult{
			TaskID: req.TaskID,
			Status: "failed",
			Error:  fmt.Sprintf("task %s missing contract_path", req.TaskID),
		}, nil
	}

	c, err := a.loadContract(req.ContractPath)
	if err != nil {
		return orchestrator.TaskResult{TaskID: req.TaskID, Status: "failed", Error: err.Error()}, nil
	}

	code, err := a.generateCode(ctx, req, c)
	if err != nil {
		a.log.Warn("generation failed for task %s, falling back to template: %v", req.TaskID, err)
		code = templateForContract(c)
	}

	filename := uniqueFilename(req, c)
	implPath := filepath.Join("generated", filename)
	testPath := filepath.Join("generated", strings.TrimSuffix(filename, ".go")+"_test.go")

	validation := a.validateCode(code)
	if !validation.Success {
		return orchestrator.TaskResult{
			TaskID:     req.TaskID,
			AgentID:    "coder",
			Status:     "failed",
			Validation: orchestrator.TaskValidation{Success: false, Errors: validation.Errors, Warnings: validation.Warnings},
			Error:      fmt.Sprintf("static analysis failed: %v", validation.Errors),
		}, nil
	}

	if err := a.saveFile(implPath, code); err != nil {
		return orchestrator.TaskResult{TaskID: req.TaskID, Status: "failed", Error: err.Error()}, nil
	}
	testCode := testSkeletonFor(c, filename)
	if err := a.saveFile(testPath, testCode); err != nil {
		return orchestrator.TaskResult{TaskID: req.TaskID, Status: "failed", Error: err.Error()}, nil
	}

	a.log.Info("generated %s for contract %s", implPath, c.ContractID)

	return orchestrator.TaskResult{
		TaskID:  req.TaskID,
		AgentID: "coder",
		Status:  "ready",
		Artifacts: []orchestrator.TaskResultArtifact{
			{Path: implPath, Type: "implementation"},
			{Path: testPath, Type: "test"},
		},
		Validation:      orchestrator.TaskValidation{Success: true, Warnings: validation.Warnings},
		DurationSeconds: time.Since(start).Seconds(),
	}, nil
}

func (a *Agent) generateCode(ctx context.Context, req orchestrator.TaskRequest, c *contract) (string, error) {
	prompt := a.buildPrompt(req, c)
	convID := fmt.Sprintf("coder_%s", req.TaskID)

	result, err := a.router.SendChat(ctx, router.ChatRequest{
		ConvID:                   convID,
		Prompt:                   prompt,
		ModelPreference:          a.model,
		ExpectedCompletionTokens: 4096,
		MaxOutputTokens:          8192,
		Temperature:              a.temperature,
		Workload:                 router.WorkloadMedium,
		WorkflowID:               req.WorkflowID,
		Metadata:                 map[string]string{"workflow_id": req.WorkflowID, "agent_role": "coder"},
	})
	if err != nil {
		var safetyErr *llm.SafetyBlockError
		if errors.As(err, &safetyErr) && a.model != escalatedModel {
			a.log.Warn("code generation blocked by safety filter, retrying with %s", escalatedModel)
			result, err = a.router.SendChat(ctx, router.ChatRequest{
				ConvID:                   convID + "_escalated",
				Prompt:                   prompt,
				ModelPreference:          escalatedModel,
				ExpectedCompletionTokens: 4096,
				MaxOutputTokens:          8192,
				Temperature:              a.temperature,
				Workload:                 router.WorkloadMedium,
				WorkflowID:               req.WorkflowID,
				Metadata:                 map[string]string{"workflow_id": req.WorkflowID, "agent_role": "coder"},
			})
		}
		if err != nil {
			return "", err
		}
	}
	return stripCodeFence(result.Content), nil
}

func (a *Agent) buildPrompt(req orchestrator.TaskRequest, c *contract) string {
	interfaces, _ := json.MarshalIndent(c.Interfaces, "", "  ")
	var fixtures string
	if len(req.FixturePaths) > 0 {
		fixtures = strings.Join(req.FixturePaths, ", ")
	} else {
		fixtures = "none"
	}
	return fmt.Sprintf(`You are implementing a Go package against a fixed contract.

TASK: %s
DESCRIPTION: %s
CONTRACT ID: %s

INTERFACES:
%s

FIXTURES AVAILABLE: %s

Requirements:
1. Generate idiomatic, compilable Go code implementing every interface above.
2. Include explicit error returns; no panics for expected failure paths.
3. Use deterministic behavior; no wall-clock or random seeding without an
   explicit, fixed seed.
4. Bound every loop with an explicit termination condition.
5. No network calls.

Output ONLY the raw Go source code. No markdown fences, no commentary.`,
		req.TaskTitle, req.TaskDescription, c.ContractID, string(interfaces), fixtures)
}

var codeFencePattern = regexp.MustCompile("(?s)```(?:go)?\\s*(.*?)\\s*```")

func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if m := codeFencePattern.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return text
}

// validateCode runs a fast syntax check (always available) and an
// optional `gofmt -l` pass if gofmt is present on PATH.
func (a *Agent) validateCode(code string) ValidationResult {
	fset := token.NewFileSet()
	if _, err := parser.ParseFile(fset, "generated.go", code, parser.AllErrors); err != nil {
		return ValidationResult{Success: false, Errors: []string{fmt.Sprintf("syntax: %v", err)}}
	}

	vetOutput, warn := a.runVet(code)
	return ValidationResult{Success: true, VetOutput: vetOutput, Warnings: warn}
}

func (a *Agent) runVet(code string) (string, []string) {
	if _, err := exec.LookPath("go"); err != nil {
		return "", []string{"go toolchain not found, skipped vet"}
	}
	dir, err := os.MkdirTemp("", "coder-vet-*")
	if err != nil {
		return "", []string{fmt.Sprintf("vet setup failed: %v", err)}
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "main.go")
	if err := os.WriteFile(path, []byte(code), 0o644); err != nil {
		return "", []string{fmt.Sprintf("vet setup failed: %v", err)}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "gofmt", "-l", path)
	out, _ := cmd.CombinedOutput()
	output := string(out)
	if strings.TrimSpace(output) != "" {
		return output, []string{"gofmt: formatting differs from canonical"}
	}
	return output, nil
}

func (a *Agent) saveFile(relPath, content string) error {
	full := filepath.Join(a.workspace, relPath)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", relPath, err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", relPath, err)
	}
	return nil
}

var nonAlnumSpace = regexp.MustCompile(`[^a-zA-Z0-9\s]`)

// uniqueFilename builds a deterministic, chronologically sortable
// filename: {yyyymmdd_hhmmss}_{workflow_id}_{task_id}_{slug}.go
func uniqueFilename(req orchestrator.TaskRequest, c *contract) string {
	timestamp := time.Now().UTC().Format("20060102_150405")

	workflowID := req.WorkflowID
	if workflowID == "" {
		workflowID = "nowf"
	}
	workflowID = strings.Replace(workflowID, "workflow_", "wf_", 1)

	taskID := strings.TrimPrefix(req.TaskID, "task_")
	if len(taskID) > 20 {
		taskID = taskID[:20]
	}

	slug := strings.ToLower(nonAlnumSpace.ReplaceAllString(req.TaskTitle, ""))
	words := strings.Fields(slug)
	if len(words) > 6 {
		words = words[:6]
	}
	slug = strings.Join(words, "_")
	if slug == "" {
		slug = "component"
	}

	return fmt.Sprintf("%s_%s_%s_%s.go", timestamp, workflowID, taskID, slug)
}

func templateForContract(c *contract) string {
	return fmt.Sprintf(`// Package generated is a stub implementation for contract %s.
// TODO: fill in the interfaces defined by the contract.
package generated
`, c.ContractID)
}

func testSkeletonFor(c *contract, implFilename string) string {
	return fmt.Sprintf(`package generated

import "testing"

// Exercises the implementation generated for contract %s
// (%s).
func TestGeneratedImplementation(t *testing.T) {
	t.Skip("fill in assertions against the contract's examples")
}
`, c.ContractID, implFilename)
}

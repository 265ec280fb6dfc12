// Package tester implements the Tester agent: it runs the generated
// implementation's test suite in an isolated subprocess with a bounded
// timeout, validates the expected artifacts (a JSON report plus a
// metrics CSV and an events log), scans captured logs for leaked
// secrets, and reports pass/fail with structured failure detail.
package tester

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"time"

	"github.com/taskforge/orchestrator/pkg/logx"
	"github.com/taskforge/orchestrator/pkg/orchestrator"
)

// requiredArtifacts are the files every successful test run must produce.
var requiredArtifacts = []string{"test_report.json", "metrics.csv", "events.log"}

// secretPatterns mirrors the reference scanner's regex set.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey)[\s:=]+['"]?([a-zA-Z0-9_-]{20,})['"]?`),
	regexp.MustCompile(`(?i)(secret[_-]?key|secretkey)[\s:=]+['"]?([a-zA-Z0-9_-]{20,})['"]?`),
	regexp.MustCompile(`(?i)(token)[\s:=]+['"]?([a-zA-Z0-9_-]{20,})['"]?`),
	regexp.MustCompile(`(?i)(password|passwd|pwd)[\s:=]+['"]?([^\s'";]{8,})['"]?`),
}

// SecretFinding is one potential secret detected in a scanned log file.
type SecretFinding struct {
	Pattern string
	Match   string
	Line    int
}

// Failure is one structured check failure, matching the orchestrator
// dispatch protocol's failures list.
type Failure struct {
	Check   string `json:"check"`
	Message string `json:"message"`
	Trace   string `json:"trace,omitempty"`
}

// Agent implements orchestrator.Agent for the tester role.
type Agent struct {
	workspace      string
	defaultTimeout time.Duration
	seed           int64
	log            *logx.Logger
}

// New constructs a tester Agent rooted at workspace.
func New(workspace string) *Agent {
	return &Agent{
		workspace:      workspace,
		defaultTimeout: 300 * time.Second,
		seed:           42,
		log:            logx.NewLogger("tester"),
	}
}

// Handle runs the test pipeline for req and reports pass/fail.
func (a *Agent) Handle(ctx context.Context, req orchestrator.TaskRequest) (orchestrator.TaskResult, error) {
	start := time.Now()

	runDir := filepath.Join(a.workspace, "test_runs", req.TaskID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return orchestrator.TaskResult{TaskID: req.TaskID, Status: "failed", Error: err.Error()}, nil
	}

	timeout := a.defaultTimeout
	for _, tc := range req.AcceptanceCriteria.Tests {
		if tc.TimeoutSeconds > 0 {
			timeout = time.Duration(tc.TimeoutSeconds) * time.Second
			break
		}
	}

	var failures []Failure

	for _, tc := range req.AcceptanceCriteria.Tests {
		f, timedOut := a.runCommand(ctx, runDir, tc.Cmd, timeout, tc.ExpectedExitCode)
		if f != nil {
			failures = append(failures, *f)
			if timedOut {
				return a.fail(req, start, failures, "timeout")
			}
		}
	}
	if len(failures) > 0 {
		return a.fail(req, start, failures, "test_failures")
	}

	reportPath := filepath.Join(runDir, "test_report.json")
	if _, err := os.Stat(reportPath); err != nil {
		return a.fail(req, start, []Failure{{Check: "report_missing", Message: "test_report.json not found"}}, "artifact_missing")
	}

	if err := validateReportSchema(reportPath); err != nil {
		return a.fail(req, start, []Failure{{Check: "report_schema", Message: err.Error()}}, "schema_invalid")
	}

	missing := a.validateArtifacts(runDir, req.AcceptanceCriteria.ExpectedArtifacts)
	if len(missing) > 0 {
		return a.fail(req, start, []Failure{{Check: "artifacts", Message: fmt.Sprintf("missing artifacts: %v", missing)}}, "invalid_artifacts")
	}

	findings, err := scanForSecrets(filepath.Join(runDir, "events.log"))
	if err != nil {
		a.log.Warn("secret scan failed to read events.log: %v", err)
	}
	if len(findings) > 0 {
		return a.fail(req, start, []Failure{{Check: "secrets", Message: fmt.Sprintf("found %d potential secrets in logs", len(findings))}}, "secrets_detected")
	}

	metrics := extractMetrics(reportPath)
	a.log.Info("all checks passed for task %s: %v", req.TaskID, metrics)

	artifacts := make([]orchestrator.TaskResultArtifact, 0, len(requiredArtifacts))
	for _, name := range requiredArtifacts {
		artifacts = append(artifacts, orchestrator.TaskResultArtifact{Path: filepath.Join(runDir, name), Type: "report"})
	}

	return orchestrator.TaskResult{
		TaskID:          req.TaskID,
		AgentID:         "tester",
		Status:          "completed",
		Artifacts:       artifacts,
		Validation:      orchestrator.TaskValidation{Success: true},
		DurationSeconds: time.Since(start).Seconds(),
	}, nil
}

func (a *Agent) fail(req orchestrator.TaskRequest, start time.Time, failures []Failure, classification string) (orchestrator.TaskResult, error) {
	errs := make([]string, 0, len(failures))
	for _, f := range failures {
		errs = append(errs, fmt.Sprintf("%s: %s", f.Check, f.Message))
	}
	a.log.Warn("test run for task %s failed (%s): %v", req.TaskID, classification, errs)
	return orchestrator.TaskResult{
		TaskID:          req.TaskID,
		AgentID:         "tester",
		Status:          "failed",
		Validation:      orchestrator.TaskValidation{Success: false, Errors: errs},
		Error:           classification,
		DurationSeconds: time.Since(start).Seconds(),
	}, nil
}

// runCommand runs one acceptance-criteria test command as a local
// subprocess with a bounded timeout and a fixed random seed, rather
// than inside a container (container sandboxing is out of scope here).
func (a *Agent) runCommand(ctx context.Context, dir, cmdLine string, timeout time.Duration, expectedExit int) (*Failure, bool) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", cmdLine)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), fmt.Sprintf("TEST_RANDOM_SEED=%d", a.seed))

	out, err := cmd.CombinedOutput()
	if runCtx.Err() == context.DeadlineExceeded {
		return &Failure{Check: "timeout", Message: fmt.Sprintf("command %q exceeded %s", cmdLine, timeout), Trace: string(out)}, true
	}

	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if err != nil {
		return &Failure{Check: "exec", Message: err.Error(), Trace: string(out)}, false
	}

	if exitCode != expectedExit {
		return &Failure{
			Check:   "command",
			Message: fmt.Sprintf("command %q exited %d, expected %d", cmdLine, exitCode, expectedExit),
			Trace:   string(out),
		}, false
	}
	return nil, false
}

func (a *Agent) validateArtifacts(dir string, expected []string) []string {
	want := append(append([]string{}, requiredArtifacts...), expected...)
	var missing []string
	for _, name := range want {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil || info.Size() == 0 {
			missing = append(missing, name)
		}
	}
	return missing
}

// reportStructure is the minimal shape validateReportSchema checks
// when no richer schema is wired in.
type reportStructure struct {
	Summary map[string]any `json:"summary"`
	Tests   []any          `json:"tests"`
}

func validateReportSchema(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var report reportStructure
	if err := json.Unmarshal(raw, &report); err != nil {
		return fmt.Errorf("malformed JSON: %w", err)
	}
	if report.Summary == nil {
		return fmt.Errorf("test report missing required key: summary")
	}
	if report.Tests == nil {
		return fmt.Errorf("test report missing required key: tests")
	}
	return nil
}

func extractMetrics(path string) map[string]any {
	raw, err := os.ReadFile(path)
	if err != nil {
		return map[string]any{}
	}
	var report reportStructure
	if err := json.Unmarshal(raw, &report); err != nil {
		return map[string]any{}
	}
	return report.Summary
}

func scanForSecrets(path string) ([]SecretFinding, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var findings []SecretFinding
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		for _, pattern := range secretPatterns {
			for _, match := range pattern.FindAllString(line, -1) {
				findings = append(findings, SecretFinding{Pattern: pattern.String(), Match: truncate(match, 50), Line: lineNum})
			}
		}
	}
	return findings, scanner.Err()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

package tester

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/orchestrator/pkg/orchestrator"
	"github.com/taskforge/orchestrator/pkg/todo"
)

func writeValidArtifacts(t *testing.T, runDir string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(runDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "test_report.json"),
		[]byte(`{"summary": {"total": 1, "passed": 1}, "tests": [{"name": "t1", "passed": true}]}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "metrics.csv"), []byte("name,value\nlatency,1.2\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "events.log"), []byte("run started\nrun completed\n"), 0o644))
}

func TestHandlePassesWhenCommandSucceedsAndArtifactsValid(t *testing.T) {
	workspace := t.TempDir()
	agent := New(workspace)

	req := orchestrator.TaskRequest{
		TaskID:    "task_1",
		AgentRole: todo.RoleTester,
		AcceptanceCriteria: todo.AcceptanceCriteria{
			Tests: []todo.TestCommand{{Cmd: "echo setup placeholder"}},
		},
	}
	writeValidArtifacts(t, filepath.Join(workspace, "test_runs", "task_1"))

	result, err := agent.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "completed", result.Status)
	assert.True(t, result.Validation.Success)
}

func TestHandleFailsWhenCommandExitsNonZero(t *testing.T) {
	workspace := t.TempDir()
	agent := New(workspace)

	req := orchestrator.TaskRequest{
		TaskID: "task_2",
		AcceptanceCriteria: todo.AcceptanceCriteria{
			Tests: []todo.TestCommand{{Cmd: "exit 1"}},
		},
	}
	result, err := agent.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "failed", result.Status)
	assert.Equal(t, "test_failures", result.Error)
}

func TestHandleFailsWhenReportMissing(t *testing.T) {
	workspace := t.TempDir()
	agent := New(workspace)

	req := orchestrator.TaskRequest{TaskID: "task_3"}
	result, err := agent.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "failed", result.Status)
	assert.Equal(t, "artifact_missing", result.Error)
}

func TestHandleFailsWhenSecretsDetectedInEventsLog(t *testing.T) {
	workspace := t.TempDir()
	agent := New(workspace)
	runDir := filepath.Join(workspace, "test_runs", "task_4")
	writeValidArtifacts(t, runDir)
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "events.log"),
		[]byte(`api_key: "abcdefghijklmnopqrstuvwx"`+"\n"), 0o644))

	result, err := agent.Handle(context.Background(), orchestrator.TaskRequest{TaskID: "task_4"})
	require.NoError(t, err)
	assert.Equal(t, "failed", result.Status)
	assert.Equal(t, "secrets_detected", result.Error)
}

func TestScanForSecretsFindsTokenPattern(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.log")
	require.NoError(t, os.WriteFile(path, []byte(`token: "zzzzzzzzzzzzzzzzzzzzzzzz"`+"\n"), 0o644))

	findings, err := scanForSecrets(path)
	require.NoError(t, err)
	assert.Len(t, findings, 1)
}

func TestScanForSecretsReturnsNilForMissingFile(t *testing.T) {
	findings, err := scanForSecrets(filepath.Join(t.TempDir(), "missing.log"))
	require.NoError(t, err)
	assert.Nil(t, findings)
}

func TestValidateReportSchemaRejectsMissingSummary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test_report.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"tests": []}`), 0o644))
	err := validateReportSchema(path)
	assert.Error(t, err)
}

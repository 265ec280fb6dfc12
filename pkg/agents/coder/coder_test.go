package coder

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/orchestrator/pkg/convstore"
	"github.com/taskforge/orchestrator/pkg/keymanager"
	"github.com/taskforge/orchestrator/pkg/llm"
	"github.com/taskforge/orchestrator/pkg/orchestrator"
	"github.com/taskforge/orchestrator/pkg/router"
)

type fakeRateLimiter struct{ cooldowns map[string]bool }

func (f *fakeRateLimiter) IsInCooldown(_ context.Context, keyID string) (bool, error) {
	return f.cooldowns[keyID], nil
}
func (f *fakeRateLimiter) ReserveRPMSlot(_ context.Context, _ string, _ int) (bool, error) {
	return true, nil
}
func (f *fakeRateLimiter) ReserveTokenBudget(_ context.Context, _ string, _, _ int) (bool, error) {
	return true, nil
}
func (f *fakeRateLimiter) SetCooldown(_ context.Context, keyID string, _ time.Duration) error {
	f.cooldowns[keyID] = true
	return nil
}
func (f *fakeRateLimiter) HealthCheck(_ context.Context) bool { return true }

type fakeSecretFetcher struct{}

func (fakeSecretFetcher) Fetch(keyID string) (string, error) { return "secret-" + keyID, nil }

type fakeProviderClient struct {
	responses []string
	calls     int
}

func (f *fakeProviderClient) ChatCompletion(_ context.Context, _ llm.Request) (llm.Response, error) {
	f.calls++
	i := f.calls - 1
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	return llm.Response{Content: f.responses[i], Model: "test-model", FinishReason: "stop"}, nil
}

func newTestAgent(t *testing.T, responses []string) (*Agent, string) {
	t.Helper()
	limiter := &fakeRateLimiter{cooldowns: map[string]bool{}}
	km := keymanager.New(limiter, fakeSecretFetcher{})
	km.LoadKeys([]keymanager.APIKey{
		{KeyID: "k1", ModelName: "test-model", Provider: "fake", RPM: 100, TPM: 100000, Active: true},
	})

	dbPath := filepath.Join(t.TempDir(), "conv.db")
	store, err := convstore.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	client := &fakeProviderClient{responses: responses}
	resolver := func(string) (llm.Client, error) { return client, nil }
	r := router.New(km, store, resolver, router.Options{MaxRetries: 0, BaseBackoffMs: 1})

	workspace := t.TempDir()
	return New(r, "test-model", workspace), workspace
}

func writeContract(t *testing.T, workspace, relPath string) {
	t.Helper()
	full := filepath.Join(workspace, relPath)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	doc := map[string]any{
		"contract_id": "contract_task_1",
		"interfaces":  []map[string]any{{"name": "DoThing", "returns": "error"}},
	}
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(full, raw, 0o644))
}

func TestHandleGeneratesAndSavesImplementation(t *testing.T) {
	code := "```go\npackage generated\n\nfunc DoThing() error {\n\treturn nil\n}\n```"
	agent, workspace := newTestAgent(t, []string{code})
	writeContract(t, workspace, "contracts/contract_task_1.json")

	result, err := agent.Handle(context.Background(), orchestrator.TaskRequest{
		TaskID:          "task_widget",
		TaskTitle:       "Build a Widget",
		TaskDescription: "implements the widget contract",
		WorkflowID:      "workflow_abc123def456",
		ContractPath:    "contracts/contract_task_1.json",
	})
	require.NoError(t, err)
	assert.Equal(t, "ready", result.Status)
	require.Len(t, result.Artifacts, 2)

	implPath := filepath.Join(workspace, result.Artifacts[0].Path)
	raw, err := os.ReadFile(implPath)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "func DoThing")
}

func TestHandleFailsWithoutContractPath(t *testing.T) {
	agent, _ := newTestAgent(t, []string{"irrelevant"})
	result, err := agent.Handle(context.Background(), orchestrator.TaskRequest{TaskID: "task_x"})
	require.NoError(t, err)
	assert.Equal(t, "failed", result.Status)
	assert.Contains(t, result.Error, "contract_path")
}

func TestHandleRejectsSyntacticallyInvalidGeneration(t *testing.T) {
	// Syntactically invalid Go returned by the model fails validateCode's
	// syntax check, so Handle reports the task as failed.
	agent, workspace := newTestAgent(t, []string{"package generated\n\nfunc broken( {"})
	writeContract(t, workspace, "contracts/contract_task_1.json")

	result, err := agent.Handle(context.Background(), orchestrator.TaskRequest{
		TaskID:          "task_widget",
		TaskTitle:       "Build a Widget",
		TaskDescription: "implements the widget contract",
		ContractPath:    "contracts/contract_task_1.json",
	})
	require.NoError(t, err)
	assert.Equal(t, "failed", result.Status)
	assert.False(t, result.Validation.Success)
}

func TestUniqueFilenameIsDeterministicallyShaped(t *testing.T) {
	req := orchestrator.TaskRequest{TaskID: "task_compute_rsi", TaskTitle: "Compute RSI Indicator!!", WorkflowID: "workflow_abc123def456"}
	c := &contract{ContractID: "contract_task_compute_rsi"}
	name := uniqueFilename(req, c)
	assert.Contains(t, name, "wf_abc123def456")
	assert.Contains(t, name, "compute_rsi")
	assert.Contains(t, name, "_compute_rsi_indicator")
}

func TestStripCodeFenceHandlesPlainAndFenced(t *testing.T) {
	assert.Equal(t, "package x", stripCodeFence("```go\npackage x\n```"))
	assert.Equal(t, "package x", stripCodeFence("package x"))
}

package logx

import (
	"context"
	"os"
	"testing"
)

// Use the same contextKey type as defined in context_debug_test.go.

// TestContextAwareDebugLogging exercises the Debug(ctx, domain, format, args...)
// pattern end to end: domain filtering, convenience helpers, and the
// environment-variable override path.
func TestContextAwareDebugLogging(t *testing.T) {
	// Enable debug logging for this demo.
	SetDebugConfig(true, false, ".")
	SetDebugDomains([]string{"coder", "architect", "orchestrator"})

	// Create context with agent ID using typed key to avoid collisions.
	ctx := context.WithValue(context.Background(), agentIDKey, "coder-1")

	t.Log("=== Context-Aware Debug Logging Demo ===")

	// 1. Domain-filtered debug logging.
	Debug(ctx, "coder", "Task processing started: %s", "implement contract validation")
	Debug(ctx, "architect", "Contract review: %s", "all interfaces satisfied")
	Debug(ctx, "orchestrator", "Task dispatch: %s -> %s", "task_003", "coder")

	// This should be filtered out if we only enable coder,architect domains.
	Debug(ctx, "unknown", "This should not appear")

	// 2. Convenient helper functions.
	DebugState(ctx, "coder", "transition", "DISPATCHED -> RUNNING", "contract loaded")
	DebugMessage(ctx, "orchestrator", "TASK_DISPATCHED", "queued for processing")
	DebugFlow(ctx, "coder", "code-generation", "complete", "2 files created")

	// 3. Environment variable control demo.
	t.Log("--- Testing environment variable control ---")

	// Test with different domain filtering.
	SetDebugDomains([]string{"coder"}) // Only enable coder domain
	Debug(ctx, "coder", "This should appear (coder domain enabled)")
	Debug(ctx, "architect", "This should NOT appear (architect domain disabled)")

	// 4. File logging demo (if enabled via environment)
	if os.Getenv("DEBUG_FILE") == "1" {
		t.Log("--- File logging enabled via DEBUG_FILE=1 ---")
		DebugToFile(ctx, "coder", "test_debug.log", "File debug test: %s", "generation complete")
	}

	t.Log("=== context-aware debug logging demo complete ===")

	// Reset for other tests.
	SetDebugConfig(false, false, ".")
	SetDebugDomains(nil)
}

// TestEnvironmentVariableControlDemo shows how to use environment variables.
func TestEnvironmentVariableControlDemo(t *testing.T) {
	t.Log("=== Environment Variable Control Examples ===")
	t.Log("To enable debug logging for specific domains:")
	t.Log("  DEBUG=1 DEBUG_DOMAINS=coder,architect go test")
	t.Log("  DEBUG=1 DEBUG_FILE=1 DEBUG_DIR=./logs go test")
	t.Log("")
	t.Log("To enable debug for all domains:")
	t.Log("  DEBUG=1 go test")
	t.Log("")
	t.Log("To enable file logging:")
	t.Log("  DEBUG=1 DEBUG_FILE=1 go test")
}

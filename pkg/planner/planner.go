// Package planner turns a natural-language request into a validated
// todo.TodoList by prompting an LLM through the router, repairing its
// output against the schema up to a fixed number of attempts.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/orchestrator/pkg/logx"
	"github.com/taskforge/orchestrator/pkg/router"
	"github.com/taskforge/orchestrator/pkg/todo"
)

// maxAttempts mirrors the reference planner's retry budget for
// schema/dependency/parse repair.
const maxAttempts = 3

const systemPrompt = `You are the planning service of a multi-agent coding system. Given a
natural-language request, produce a TodoList: a directed graph of tasks
that, executed in dependency order, fulfills the request.

CRITICAL JSON SCHEMA REQUIREMENTS:

Root TodoList object:
- todo_list_id: string
- workflow_name: string
- created_at: string (ISO 8601)
- created_by: string, use "planner"
- metadata: object (optional)
- items: array of TodoItem, at least 1

TodoItem object (all fields required unless marked optional):
- id: string matching ^task_[a-zA-Z0-9_-]+$ — MUST start with "task_"
- title: string, 5-200 characters
- description: string, at least 10 characters
- agent_role: one of "architect", "coder", "tester", "debugger", "optimizer"
- priority: integer 1-10, 1 is highest
- dependencies: array of task ids this task waits on (optional)
- max_retries: integer 0-10, typically 3
- timeout_seconds: integer (optional, default 300)
- acceptance_criteria: object with a "tests" array (at least 1 entry),
  each test an object with a "cmd" field
- input_artifacts / output_artifacts: arrays of file paths (optional)
- failure_routing: map from failure class to the agent_role that
  should handle it (optional but recommended)

Common mistakes to avoid:
- task ids like "step_1" or "1" instead of "task_..."
- acceptance_criteria as a string instead of an object
- tests as strings instead of objects with a "cmd" field
- omitting priority or max_retries

Output only valid JSON matching this schema. No prose, no markdown
fences.`

// Request is the planner's input.
type Request struct {
	UserRequest  string
	RepoContext  map[string]any
	WorkflowName string
	ConvIDSeed   int64
}

// Planner creates TodoLists from natural-language requests.
type Planner struct {
	router *router.Router
	model  string
	log    *logx.Logger
}

// New constructs a Planner over the given Router, using modelPreference
// (e.g. "gemini-2.5-flash") when asking the router to select a key.
func New(r *router.Router, modelPreference string) *Planner {
	return &Planner{router: r, model: modelPreference, log: logx.NewLogger("planner")}
}

// Plan generates a validated TodoList for the given request, repairing
// schema or dependency-graph violations by re-prompting with structured
// error feedback, up to maxAttempts.
func (p *Planner) Plan(ctx context.Context, req Request) (*todo.TodoList, error) {
	workflowName := req.WorkflowName
	if workflowName == "" {
		workflowName = generateWorkflowName(req.UserRequest)
	}

	prompt := p.buildPrompt(req, workflowName)
	convID := fmt.Sprintf("planner_%s", uuid.New().String()[:8])

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		result, err := p.router.SendChat(ctx, router.ChatRequest{
			ConvID:                   convID,
			Prompt:                   prompt,
			ModelPreference:          p.model,
			ExpectedCompletionTokens: 2048,
			MaxOutputTokens:          4096,
			Temperature:              0.3,
			SystemPrompt:             systemPrompt,
		})
		if err != nil {
			lastErr = fmt.Errorf("planner: router call failed: %w", err)
			p.log.Warn("attempt %d/%d: %v", attempt+1, maxAttempts, lastErr)
			if attempt == maxAttempts-1 {
				return nil, lastErr
			}
			continue
		}

		list, parseErr := todo.ParseJSON([]byte(stripMarkdownFence(result.Content)))
		if parseErr != nil {
			lastErr = fmt.Errorf("planner: %w", parseErr)
			p.log.Warn("attempt %d/%d: json parse failed: %v", attempt+1, maxAttempts, parseErr)
			if attempt < maxAttempts-1 {
				prompt += "\n\nPrevious output was not valid JSON. Output ONLY valid JSON, no prose."
				continue
			}
			return nil, lastErr
		}

		if errs := todo.Validate(list); len(errs) > 0 {
			lastErr = fmt.Errorf("planner: invalid todo list: %s", strings.Join(errs, "; "))
			p.log.Warn("attempt %d/%d: schema invalid: %v", attempt+1, maxAttempts, errs)
			if attempt < maxAttempts-1 {
				prompt += "\n\n SCHEMA VALIDATION FAILED:\n" + strings.Join(errs, "\n") +
					"\n\nFIX INSTRUCTIONS:\n" +
					"1. All task ids must start with 'task_'\n" +
					"2. acceptance_criteria must be an object with a 'tests' array, not a string\n" +
					"3. Each test must be an object with a 'cmd' field, not a string\n" +
					"4. Include 'priority' and 'max_retries' in every task\n" +
					"Generate corrected JSON:"
				continue
			}
			return nil, lastErr
		}

		if errs := todo.ValidateDependencies(list); len(errs) > 0 {
			lastErr = fmt.Errorf("planner: invalid dependencies: %s", strings.Join(errs, "; "))
			p.log.Warn("attempt %d/%d: dependency graph invalid: %v", attempt+1, maxAttempts, errs)
			if attempt < maxAttempts-1 {
				prompt += "\n\n DEPENDENCY VALIDATION FAILED:\n" + strings.Join(errs, "\n") +
					"\n\nEnsure all dependency task ids exist and the graph has no cycles.\nGenerate corrected JSON:"
				continue
			}
			return nil, lastErr
		}

		p.log.Info("created valid plan %s with %d tasks", list.TodoListID, len(list.Items))
		return list, nil
	}

	return nil, fmt.Errorf("planner: failed to produce a valid plan after %d attempts: %w", maxAttempts, lastErr)
}

func (p *Planner) buildPrompt(req Request, workflowName string) string {
	todoListID := fmt.Sprintf("workflow_%s", uuid.New().String()[:12])
	timestamp := time.Now().UTC().Format(time.RFC3339)

	var b strings.Builder
	fmt.Fprintf(&b, "USER REQUEST:\n%s\n", req.UserRequest)

	if len(req.RepoContext) > 0 {
		ctxJSON, err := json.MarshalIndent(req.RepoContext, "", "  ")
		if err == nil {
			fmt.Fprintf(&b, "\nRepository Context:\n%s\n", ctxJSON)
		}
	}

	fmt.Fprintf(&b, "\nCreate a TodoList with these top-level fields:\n"+
		"- todo_list_id: %q\n"+
		"- workflow_name: %q\n"+
		"- created_at: %q\n"+
		"- created_by: \"planner\"\n"+
		"- metadata.max_branch_depth: 2\n"+
		"- metadata.max_debug_attempts: 3\n\n"+
		"Break the request into the smallest set of dependency-ordered tasks\n"+
		"that can each be independently implemented and tested. Include\n"+
		"failure_routing for every task so the orchestrator knows which\n"+
		"agent role to escalate to on failure.\n\n"+
		"Output valid JSON only:",
		todoListID, workflowName, timestamp)

	return b.String()
}

var fencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// stripMarkdownFence removes a surrounding ```json ... ``` fence if the
// model ignored the system prompt's "no markdown fences" instruction.
func stripMarkdownFence(text string) string {
	text = strings.TrimSpace(text)
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return text
}

// generateWorkflowName derives a short workflow name from the user's
// request when none was supplied.
func generateWorkflowName(userRequest string) string {
	name := userRequest
	if len(name) > 50 {
		name = name[:50]
	}
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == ' ' {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	name = strings.Join(strings.Fields(b.String()), " ")
	if name == "" {
		return "Workflow"
	}
	return name
}

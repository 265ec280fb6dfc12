// Package todo defines the TodoList/TodoItem data model produced by
// the planner and consumed by the orchestrator: structs, JSON Schema
// validation, and dependency-graph checks (existence, acyclicity).
package todo

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// AgentRole is one of the five roles a TodoItem can be routed to.
type AgentRole string

const (
	RoleArchitect AgentRole = "architect"
	RoleCoder     AgentRole = "coder"
	RoleTester    AgentRole = "tester"
	RoleDebugger  AgentRole = "debugger"
	RoleOptimizer AgentRole = "optimizer"
)

var validRoles = map[AgentRole]bool{
	RoleArchitect: true,
	RoleCoder:     true,
	RoleTester:    true,
	RoleDebugger:  true,
	RoleOptimizer: true,
}

// taskIDPattern is the id format the planner is required to emit:
// "task_" followed by alphanumerics, underscores, or hyphens.
var taskIDPattern = regexp.MustCompile(`^task_[A-Za-z0-9_-]+$`)

// TestCommand is one acceptance test invocation.
type TestCommand struct {
	Cmd              string `json:"cmd"`
	TimeoutSeconds   int    `json:"timeout_seconds,omitempty"`
	Fixture          string `json:"fixture,omitempty"`
	ExpectedExitCode int    `json:"expected_exit_code"`
}

// AcceptanceCriteria gates a TodoItem's completion.
type AcceptanceCriteria struct {
	Tests             []TestCommand    `json:"tests"`
	ExpectedArtifacts []string         `json:"expected_artifacts,omitempty"`
	Metrics           map[string]any   `json:"metrics,omitempty"`
	ValidationRules   []map[string]any `json:"validation_rules,omitempty"`
}

// TodoItem is a single unit of work in a TodoList.
type TodoItem struct {
	ID                 string             `json:"id"`
	Title              string             `json:"title"`
	Description        string             `json:"description"`
	AgentRole          AgentRole          `json:"agent_role"`
	Priority           int                `json:"priority"`
	Dependencies       []string           `json:"dependencies,omitempty"`
	MaxRetries         int                `json:"max_retries"`
	TimeoutSeconds     int                `json:"timeout_seconds,omitempty"`
	AcceptanceCriteria AcceptanceCriteria `json:"acceptance_criteria"`
	InputArtifacts     []string           `json:"input_artifacts,omitempty"`
	OutputArtifacts    []string           `json:"output_artifacts,omitempty"`
	FailureRouting     map[string]string  `json:"failure_routing,omitempty"`
	FixturePath        string             `json:"fixture_path,omitempty"`

	// ParentID/BranchReason/IsTemporary/MaxDebugAttempts are set when
	// this item was inserted mid-run by the debugger's branching path,
	// rather than emitted by the planner.
	ParentID         string `json:"parent_id,omitempty"`
	BranchReason     string `json:"branch_reason,omitempty"`
	IsTemporary      bool   `json:"is_temporary,omitempty"`
	MaxDebugAttempts int    `json:"max_debug_attempts,omitempty"`
}

// TodoList is the root artifact produced by the planner.
type TodoList struct {
	TodoListID   string            `json:"todo_list_id"`
	WorkflowName string            `json:"workflow_name"`
	CreatedAt    string            `json:"created_at"`
	CreatedBy    string            `json:"created_by,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Items        []TodoItem        `json:"items"`
}

// MaxBranchDepth reads the conventional metadata key, defaulting to 2.
func (t TodoList) MaxBranchDepth() int {
	return metadataInt(t.Metadata, "max_branch_depth", 2)
}

// MaxDebugAttempts reads the conventional metadata key, defaulting to 3.
func (t TodoList) MaxDebugAttempts() int {
	return metadataInt(t.Metadata, "max_debug_attempts", 3)
}

func metadataInt(meta map[string]string, key string, def int) int {
	v, ok := meta[key]
	if !ok {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return def
	}
	return n
}

// ParseJSON decodes raw planner output into a TodoList. It does not
// validate the result; call Validate/ValidateDependencies separately.
func ParseJSON(data []byte) (*TodoList, error) {
	var list TodoList
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("todo: parse json: %w", err)
	}
	return &list, nil
}

// Validate checks the TodoList against the embedded JSON Schema and
// the structural invariants spec.md requires beyond what JSON Schema
// conveniently expresses (role enum membership already lives in the
// schema; this also re-checks it in Go so callers get a typed error
// without round-tripping through the schema validator's string list).
func Validate(list *TodoList) []string {
	var errs []string

	raw, err := json.Marshal(list)
	if err != nil {
		return []string{fmt.Sprintf("marshal for validation: %v", err)}
	}
	if schemaErrs := validateAgainstSchema(raw); len(schemaErrs) > 0 {
		errs = append(errs, schemaErrs...)
	}

	seen := map[string]bool{}
	for _, item := range list.Items {
		if !taskIDPattern.MatchString(item.ID) {
			errs = append(errs, fmt.Sprintf("item id %q does not match ^task_[A-Za-z0-9_-]+$", item.ID))
		}
		if seen[item.ID] {
			errs = append(errs, fmt.Sprintf("duplicate item id %q", item.ID))
		}
		seen[item.ID] = true
		if !validRoles[item.AgentRole] {
			errs = append(errs, fmt.Sprintf("item %q: invalid agent_role %q", item.ID, item.AgentRole))
		}
		if item.Priority < 1 || item.Priority > 10 {
			errs = append(errs, fmt.Sprintf("item %q: priority %d out of range [1,10]", item.ID, item.Priority))
		}
		if item.MaxRetries < 0 || item.MaxRetries > 10 {
			errs = append(errs, fmt.Sprintf("item %q: max_retries %d out of range [0,10]", item.ID, item.MaxRetries))
		}
		if len(item.AcceptanceCriteria.Tests) == 0 {
			errs = append(errs, fmt.Sprintf("item %q: acceptance_criteria.tests must have at least one entry", item.ID))
		}
	}
	if len(list.Items) == 0 {
		errs = append(errs, "todo list must contain at least one item")
	}

	return errs
}

// ValidateDependencies checks that every dependency id exists within
// the list and that the dependency graph is acyclic.
func ValidateDependencies(list *TodoList) []string {
	var errs []string

	ids := map[string]bool{}
	for _, item := range list.Items {
		ids[item.ID] = true
	}
	for _, item := range list.Items {
		for _, dep := range item.Dependencies {
			if dep == item.ID {
				errs = append(errs, fmt.Sprintf("item %q depends on itself", item.ID))
				continue
			}
			if !ids[dep] {
				errs = append(errs, fmt.Sprintf("item %q depends on unknown id %q", item.ID, dep))
			}
		}
	}
	if len(errs) > 0 {
		return errs
	}

	if cycle := findCycle(list); cycle != nil {
		errs = append(errs, fmt.Sprintf("dependency cycle detected: %s", strings.Join(cycle, " -> ")))
	}
	return errs
}

// findCycle runs a DFS over the dependency graph and returns the first
// cycle found as an ordered id path, or nil if the graph is acyclic.
func findCycle(list *TodoList) []string {
	deps := map[string][]string{}
	for _, item := range list.Items {
		deps[item.ID] = item.Dependencies
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var path []string

	var ids []string
	for _, item := range list.Items {
		ids = append(ids, item.ID)
	}
	sort.Strings(ids)

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		path = append(path, id)
		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				cut := indexOf(path, dep)
				return append(append([]string{}, path[cut:]...), dep)
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return nil
	}

	for _, id := range ids {
		if color[id] == white {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

var compiledSchema *jsonschema.Schema

func validateAgainstSchema(raw []byte) []string {
	schema, err := compileSchema()
	if err != nil {
		return []string{fmt.Sprintf("compile schema: %v", err)}
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return []string{fmt.Sprintf("unmarshal for schema validation: %v", err)}
	}

	if err := schema.Validate(doc); err != nil {
		return []string{err.Error()}
	}
	return nil
}

func compileSchema() (*jsonschema.Schema, error) {
	if compiledSchema != nil {
		return compiledSchema, nil
	}

	var schemaDoc any
	if err := json.Unmarshal([]byte(todoListSchemaJSON), &schemaDoc); err != nil {
		return nil, fmt.Errorf("unmarshal embedded schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("todo_list.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("todo_list.json")
	if err != nil {
		return nil, fmt.Errorf("compile todo_list schema: %w", err)
	}
	compiledSchema = schema
	return compiledSchema, nil
}

// todoListSchemaJSON is the JSON Schema a planner-generated TodoList
// must satisfy, transcribed from the planner's own prompt-embedded
// schema documentation.
const todoListSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["todo_list_id", "workflow_name", "created_at", "items"],
  "properties": {
    "todo_list_id": {"type": "string", "pattern": "^[a-zA-Z0-9_-]+$"},
    "workflow_name": {"type": "string"},
    "created_at": {"type": "string"},
    "created_by": {"type": "string"},
    "metadata": {"type": "object"},
    "items": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "title", "description", "agent_role", "priority", "max_retries", "acceptance_criteria"],
        "properties": {
          "id": {"type": "string", "pattern": "^task_[a-zA-Z0-9_-]+$"},
          "title": {"type": "string", "minLength": 5, "maxLength": 200},
          "description": {"type": "string", "minLength": 10},
          "agent_role": {"type": "string", "enum": ["architect", "coder", "tester", "debugger", "optimizer"]},
          "priority": {"type": "integer", "minimum": 1, "maximum": 10},
          "dependencies": {"type": "array", "items": {"type": "string", "pattern": "^task_[a-zA-Z0-9_-]+$"}},
          "max_retries": {"type": "integer", "minimum": 0, "maximum": 10},
          "timeout_seconds": {"type": "integer"},
          "acceptance_criteria": {
            "type": "object",
            "required": ["tests"],
            "properties": {
              "tests": {
                "type": "array",
                "minItems": 1,
                "items": {
                  "type": "object",
                  "required": ["cmd"],
                  "properties": {
                    "cmd": {"type": "string"},
                    "timeout_seconds": {"type": "integer"},
                    "expected_exit_code": {"type": "integer"},
                    "fixture": {"type": "string"}
                  }
                }
              },
              "expected_artifacts": {"type": "array", "items": {"type": "string"}},
              "metrics": {"type": "object"},
              "validation_rules": {"type": "array"}
            }
          },
          "input_artifacts": {"type": "array", "items": {"type": "string"}},
          "output_artifacts": {"type": "array", "items": {"type": "string"}},
          "failure_routing": {"type": "object"},
          "fixture_path": {"type": "string"}
        }
      }
    }
  }
}`

// Package compiler turns declarative workflow definitions into validated,
// topologically ordered execution plans.
package compiler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/loomworks/loom/pkg/models"
)

// AgentSet is the registry view the compiler needs: membership plus the
// available names for error reporting. A nil or empty set disables the
// agent-reference check.
type AgentSet interface {
	Has(name string) bool
	Names() []string
}

type Compiler struct {
	logger   *slog.Logger
	validate *validator.Validate

	mu       sync.RWMutex
	compiled map[string]*models.CompiledWorkflow
}

func New(logger *slog.Logger) *Compiler {
	return &Compiler{
		logger:   logger.With("module", "workflow_compiler"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		compiled: make(map[string]*models.CompiledWorkflow),
	}
}

// Compile validates a definition and produces its execution plan. The result
// is cached by workflow name; recompiling under the same name overwrites the
// cache entry.
func (c *Compiler) Compile(def *models.WorkflowDefinition, agents AgentSet) (*models.CompiledWorkflow, error) {
	workflow, err := c.build(def, agents)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.compiled[workflow.Name] = workflow
	c.mu.Unlock()

	c.logger.Info("Compiled workflow",
		"workflow", workflow.Name,
		"steps", len(workflow.Steps),
		"execution_order", workflow.ExecutionOrder)

	return workflow, nil
}

// CompileDocument validates a raw definition document against the definition
// schema, decodes it and compiles it.
func (c *Compiler) CompileDocument(doc map[string]any, agents AgentSet) (*models.CompiledWorkflow, error) {
	def, err := decodeDocument(doc)
	if err != nil {
		return nil, err
	}

	return c.Compile(def, agents)
}

// ValidateWorkflow performs the same checks as Compile without touching the
// cache, for dry-run validation.
func (c *Compiler) ValidateWorkflow(def *models.WorkflowDefinition, agents AgentSet) error {
	_, err := c.build(def, agents)

	return err
}

// ValidateDocument is the dry-run counterpart of CompileDocument.
func (c *Compiler) ValidateDocument(doc map[string]any, agents AgentSet) error {
	def, err := decodeDocument(doc)
	if err != nil {
		return err
	}

	return c.ValidateWorkflow(def, agents)
}

// Compiled returns a previously compiled workflow by name.
func (c *Compiler) Compiled(name string) (*models.CompiledWorkflow, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	workflow, ok := c.compiled[name]

	return workflow, ok
}

func (c *Compiler) build(def *models.WorkflowDefinition, agents AgentSet) (*models.CompiledWorkflow, error) {
	if def == nil {
		return nil, &ValidationError{Message: "definition is empty"}
	}

	if err := c.validate.Struct(def); err != nil {
		return nil, &ValidationError{Workflow: def.Name, Message: err.Error()}
	}

	order := make([]string, 0, len(def.Agents))
	steps := make(map[string]*models.WorkflowStep, len(def.Agents))

	for _, step := range def.Agents {
		if _, exists := steps[step.Name]; exists {
			return nil, &ValidationError{
				Workflow: def.Name,
				Step:     step.Name,
				Message:  "duplicate step name",
			}
		}

		order = append(order, step.Name)
		steps[step.Name] = step
	}

	for _, step := range def.Agents {
		for _, dep := range step.DependsOn {
			if dep == step.Name {
				return nil, &ValidationError{
					Workflow: def.Name,
					Step:     step.Name,
					Message:  "step depends on itself",
				}
			}

			if _, declared := steps[dep]; !declared {
				return nil, &ValidationError{
					Workflow: def.Name,
					Step:     step.Name,
					Message:  fmt.Sprintf("depends on undeclared step %q", dep),
				}
			}
		}
	}

	if agents != nil && len(agents.Names()) > 0 {
		for _, step := range def.Agents {
			if !agents.Has(step.Agent) {
				return nil, &ValidationError{
					Workflow: def.Name,
					Step:     step.Name,
					Message: fmt.Sprintf("references unknown agent %q (available: %s)",
						step.Agent, strings.Join(agents.Names(), ", ")),
				}
			}
		}
	}

	graph := buildGraph(order, steps)

	if cycle := findCycle(order, graph); cycle != nil {
		return nil, &CycleError{Workflow: def.Name, Path: cycle}
	}

	sorted := topoSort(order, graph)
	if len(sorted) != len(order) {
		// The DFS above should have caught any cycle; this guards the
		// invariant that the plan always covers every step.
		return nil, &CycleError{Workflow: def.Name, Path: sorted}
	}

	return &models.CompiledWorkflow{
		Name:           def.Name,
		Description:    def.Description,
		Steps:          steps,
		Graph:          graph,
		ExecutionOrder: sorted,
		CompiledAt:     time.Now(),
	}, nil
}

// decodeDocument turns a raw document into a typed definition. depends_on
// accepts either a single string or a list of strings.
func decodeDocument(doc map[string]any) (*models.WorkflowDefinition, error) {
	if err := validateDocument(doc); err != nil {
		return nil, err
	}

	normalized := normalizeDependsOn(doc)

	payload, err := json.Marshal(normalized)
	if err != nil {
		return nil, &ValidationError{Message: "definition is not serializable: " + err.Error()}
	}

	var def models.WorkflowDefinition
	if err := json.Unmarshal(payload, &def); err != nil {
		return nil, &ValidationError{Message: "definition does not decode: " + err.Error()}
	}

	return &def, nil
}

func normalizeDependsOn(doc map[string]any) map[string]any {
	agents, ok := doc["agents"].([]any)
	if !ok {
		return doc
	}

	for _, raw := range agents {
		step, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		if dep, ok := step["depends_on"].(string); ok {
			step["depends_on"] = []any{dep}
		}
	}

	return doc
}

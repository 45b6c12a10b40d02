// Package models defines the core domain models for DAG-based workflow orchestration.
package models

import "time"

// WorkflowStep is a single unit of work inside a workflow definition. The
// Agent field references an executable capability registered at process start;
// DependsOn lists the names of steps that must complete before this one runs.
type WorkflowStep struct {
	Name      string         `json:"name"       validate:"required"`
	Agent     string         `json:"agent"      validate:"required"`
	Inputs    map[string]any `json:"inputs,omitempty"`
	Outputs   map[string]any `json:"outputs,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty"`
}

// WorkflowDefinition is the declarative document submitted by callers. The
// step list is named "agents" on the wire for compatibility with the tooling
// that produces these documents.
type WorkflowDefinition struct {
	Name        string          `json:"name"        validate:"required,min=1"`
	Description string          `json:"description,omitempty"`
	Agents      []*WorkflowStep `json:"agents"      validate:"required,min=1,dive,required"`
}

// CompiledWorkflow is the validated execution plan produced by the compiler.
// Graph maps a step name to its dependents; ExecutionOrder is a topological
// sort of Graph. Instances are immutable after compilation.
type CompiledWorkflow struct {
	Name           string                   `json:"name"`
	Description    string                   `json:"description,omitempty"`
	Steps          map[string]*WorkflowStep `json:"steps"`
	Graph          map[string][]string      `json:"dependency_graph"`
	ExecutionOrder []string                 `json:"execution_order"`
	CompiledAt     time.Time                `json:"compiled_at"`
}

// OrderedSteps returns the workflow's steps in execution order.
func (w *CompiledWorkflow) OrderedSteps() []*WorkflowStep {
	steps := make([]*WorkflowStep, 0, len(w.ExecutionOrder))
	for _, name := range w.ExecutionOrder {
		steps = append(steps, w.Steps[name])
	}

	return steps
}

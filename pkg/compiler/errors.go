package compiler

import (
	"fmt"
	"strings"
)

// ValidationError reports a malformed workflow definition. Step is empty for
// document-level problems.
type ValidationError struct {
	Workflow string
	Step     string
	Message  string
}

func (e *ValidationError) Error() string {
	switch {
	case e.Step != "" && e.Workflow != "":
		return fmt.Sprintf("workflow %q: step %q: %s", e.Workflow, e.Step, e.Message)
	case e.Workflow != "":
		return fmt.Sprintf("workflow %q: %s", e.Workflow, e.Message)
	default:
		return "workflow definition: " + e.Message
	}
}

// CycleError reports a dependency cycle. Path is a closed walk through the
// dependency graph, first and last element equal.
type CycleError struct {
	Workflow string
	Path     []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("workflow %q: dependency cycle detected: %s",
		e.Workflow, strings.Join(e.Path, " -> "))
}

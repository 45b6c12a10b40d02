package compiler

import (
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/models"
)

func newTestCompiler() *Compiler {
	return New(slog.New(slog.NewTextHandler(os.Stdout, nil)))
}

// fakeAgentSet implements AgentSet for tests.
type fakeAgentSet map[string]bool

func (f fakeAgentSet) Has(name string) bool { return f[name] }

func (f fakeAgentSet) Names() []string {
	names := make([]string, 0, len(f))
	for name := range f {
		names = append(names, name)
	}

	return names
}

func step(name, agent string, deps ...string) *models.WorkflowStep {
	return &models.WorkflowStep{Name: name, Agent: agent, DependsOn: deps}
}

func definition(name string, steps ...*models.WorkflowStep) *models.WorkflowDefinition {
	return &models.WorkflowDefinition{Name: name, Agents: steps}
}

func TestCompile_SimpleChain(t *testing.T) {
	compiler := newTestCompiler()

	workflow, err := compiler.Compile(definition("wf1",
		step("a", "X"),
		step("b", "Y", "a"),
	), nil)

	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, workflow.ExecutionOrder)
	assert.Equal(t, []string{"b"}, workflow.Graph["a"])
	assert.Empty(t, workflow.Graph["b"])
}

func TestCompile_OrderRespectsAllDependencies(t *testing.T) {
	compiler := newTestCompiler()

	workflow, err := compiler.Compile(definition("diamond",
		step("fetch", "X"),
		step("left", "X", "fetch"),
		step("right", "X", "fetch"),
		step("merge", "X", "left", "right"),
	), nil)
	require.NoError(t, err)

	index := make(map[string]int, len(workflow.ExecutionOrder))
	for i, name := range workflow.ExecutionOrder {
		index[name] = i
	}

	for name, workflowStep := range workflow.Steps {
		for _, dep := range workflowStep.DependsOn {
			assert.Less(t, index[dep], index[name],
				"%s must precede %s", dep, name)
		}
	}
}

func TestCompile_DeterministicTieBreak(t *testing.T) {
	compiler := newTestCompiler()

	def := definition("ties",
		step("c", "X"),
		step("a", "X"),
		step("b", "X"),
	)

	first, err := compiler.Compile(def, nil)
	require.NoError(t, err)

	second, err := compiler.Compile(def, nil)
	require.NoError(t, err)

	// Independent steps keep definition order, and repeat compiles agree.
	assert.Equal(t, []string{"c", "a", "b"}, first.ExecutionOrder)
	assert.Equal(t, first.ExecutionOrder, second.ExecutionOrder)
}

func TestCompile_CycleReportsClosedWalk(t *testing.T) {
	compiler := newTestCompiler()

	_, err := compiler.Compile(definition("cyclic",
		step("a", "X", "b"),
		step("b", "Y", "a"),
	), nil)
	require.Error(t, err)

	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)

	require.GreaterOrEqual(t, len(cycleErr.Path), 3)
	assert.Equal(t, cycleErr.Path[0], cycleErr.Path[len(cycleErr.Path)-1])
	assert.Contains(t, err.Error(), "a")
	assert.Contains(t, err.Error(), "b")

	// Every hop in the reported path is an edge of the dependency graph.
	for i := 0; i+1 < len(cycleErr.Path); i++ {
		from, to := cycleErr.Path[i], cycleErr.Path[i+1]
		assert.True(t, from == "a" && to == "b" || from == "b" && to == "a",
			"unexpected edge %s -> %s", from, to)
	}
}

func TestCompile_SelfDependency(t *testing.T) {
	compiler := newTestCompiler()

	_, err := compiler.Compile(definition("selfish",
		step("a", "X", "a"),
	), nil)

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "a", validationErr.Step)
}

func TestCompile_UndeclaredDependency(t *testing.T) {
	compiler := newTestCompiler()

	_, err := compiler.Compile(definition("dangling",
		step("a", "X", "ghost"),
	), nil)

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Contains(t, validationErr.Message, "ghost")
}

func TestCompile_DuplicateStepName(t *testing.T) {
	compiler := newTestCompiler()

	_, err := compiler.Compile(definition("dupes",
		step("a", "X"),
		step("a", "Y"),
	), nil)

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Contains(t, validationErr.Message, "duplicate")
}

func TestCompile_NilAndEmptyDefinitions(t *testing.T) {
	compiler := newTestCompiler()

	_, err := compiler.Compile(nil, nil)
	assert.Error(t, err)

	_, err = compiler.Compile(&models.WorkflowDefinition{Name: "empty"}, nil)
	assert.Error(t, err)

	_, err = compiler.Compile(definition(""), nil)
	assert.Error(t, err)
}

func TestCompile_UnknownAgentReportsAvailableSet(t *testing.T) {
	compiler := newTestCompiler()
	agents := fakeAgentSet{"writer": true, "reviewer": true}

	_, err := compiler.Compile(definition("wf1",
		step("a", "editor"),
	), agents)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "editor")
	assert.Contains(t, err.Error(), "writer")
	assert.Contains(t, err.Error(), "reviewer")
}

func TestCompile_KnownAgentsPass(t *testing.T) {
	compiler := newTestCompiler()
	agents := fakeAgentSet{"X": true, "Y": true}

	_, err := compiler.Compile(definition("wf1",
		step("a", "X"),
		step("b", "Y", "a"),
	), agents)
	assert.NoError(t, err)
}

func TestCompile_CachesByName(t *testing.T) {
	compiler := newTestCompiler()

	first, err := compiler.Compile(definition("wf1", step("a", "X")), nil)
	require.NoError(t, err)

	cached, ok := compiler.Compiled("wf1")
	require.True(t, ok)
	assert.Same(t, first, cached)

	// Recompiling under the same name overwrites the entry.
	second, err := compiler.Compile(definition("wf1", step("z", "X")), nil)
	require.NoError(t, err)

	cached, ok = compiler.Compiled("wf1")
	require.True(t, ok)
	assert.Same(t, second, cached)
}

func TestValidateWorkflow_DoesNotCache(t *testing.T) {
	compiler := newTestCompiler()

	err := compiler.ValidateWorkflow(definition("dry", step("a", "X")), nil)
	require.NoError(t, err)

	_, ok := compiler.Compiled("dry")
	assert.False(t, ok)
}

func TestCompileDocument_ScenarioFromTooling(t *testing.T) {
	compiler := newTestCompiler()

	doc := map[string]any{
		"name": "wf1",
		"agents": []any{
			map[string]any{"name": "a", "agent": "X"},
			map[string]any{"name": "b", "agent": "Y", "depends_on": []any{"a"}},
		},
	}

	workflow, err := compiler.CompileDocument(doc, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, workflow.ExecutionOrder)
}

func TestCompileDocument_DependsOnAcceptsSingleString(t *testing.T) {
	compiler := newTestCompiler()

	doc := map[string]any{
		"name": "wf1",
		"agents": []any{
			map[string]any{"name": "a", "agent": "X"},
			map[string]any{"name": "b", "agent": "Y", "depends_on": "a"},
		},
	}

	workflow, err := compiler.CompileDocument(doc, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, workflow.Steps["b"].DependsOn)
}

func TestCompileDocument_MalformedDocuments(t *testing.T) {
	compiler := newTestCompiler()

	cases := []struct {
		name string
		doc  map[string]any
	}{
		{"empty document", map[string]any{}},
		{"missing name", map[string]any{"agents": []any{map[string]any{"name": "a", "agent": "X"}}}},
		{"non-string name", map[string]any{"name": 7, "agents": []any{map[string]any{"name": "a", "agent": "X"}}}},
		{"agents not a list", map[string]any{"name": "wf", "agents": "nope"}},
		{"agents empty", map[string]any{"name": "wf", "agents": []any{}}},
		{"step missing agent", map[string]any{"name": "wf", "agents": []any{map[string]any{"name": "a"}}}},
		{"depends_on wrong type", map[string]any{"name": "wf", "agents": []any{
			map[string]any{"name": "a", "agent": "X", "depends_on": 42},
		}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := compiler.CompileDocument(tc.doc, nil)
			assert.Error(t, err)
		})
	}
}

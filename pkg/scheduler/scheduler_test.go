package scheduler

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/compiler"
	"github.com/loomworks/loom/pkg/engine"
	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/registry"
	"github.com/loomworks/loom/pkg/state"
)

func newTestScheduler(t *testing.T) (*Scheduler, *engine.Engine, *registry.Registry) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))

	store := state.NewStore(logger, state.Config{})
	t.Cleanup(func() { store.Close() })

	agents := registry.NewRegistry(logger)

	jobEngine := engine.New(logger, store, agents, engine.Config{PollInterval: 5 * time.Millisecond})
	t.Cleanup(func() { jobEngine.Stop(2 * time.Second) })

	sched := New(logger, jobEngine)
	t.Cleanup(sched.Stop)

	return sched, jobEngine, agents
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))

	return len(p), nil
}

func compiled(t *testing.T, agents *registry.Registry) *models.CompiledWorkflow {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	wf, err := compiler.New(logger).Compile(&models.WorkflowDefinition{
		Name: "tick",
		Agents: []*models.WorkflowStep{
			{Name: "a", Agent: "noop"},
		},
	}, agents)
	require.NoError(t, err)

	return wf
}

func TestScheduler_AddValidatesCronExpression(t *testing.T) {
	sched, _, agents := newTestScheduler(t)
	agents.RegisterAgent("noop", func(context.Context, map[string]any) (any, error) { return nil, nil })

	err := sched.Add(Schedule{Name: "bad", CronExpr: "not a cron", Workflow: compiled(t, agents)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid cron expression")
}

func TestScheduler_AddRejectsDuplicateName(t *testing.T) {
	sched, _, agents := newTestScheduler(t)
	agents.RegisterAgent("noop", func(context.Context, map[string]any) (any, error) { return nil, nil })

	wf := compiled(t, agents)
	require.NoError(t, sched.Add(Schedule{Name: "daily", CronExpr: "0 0 * * *", Workflow: wf}))

	err := sched.Add(Schedule{Name: "daily", CronExpr: "0 0 * * *", Workflow: wf})
	require.ErrorIs(t, err, ErrScheduleExists)
}

func TestScheduler_RemoveUnknownSchedule(t *testing.T) {
	sched, _, _ := newTestScheduler(t)

	require.ErrorIs(t, sched.Remove("missing"), ErrScheduleNotFound)
}

func TestScheduler_AddAndRemove(t *testing.T) {
	sched, _, agents := newTestScheduler(t)
	agents.RegisterAgent("noop", func(context.Context, map[string]any) (any, error) { return nil, nil })

	wf := compiled(t, agents)
	require.NoError(t, sched.Add(Schedule{Name: "hourly", CronExpr: "0 * * * *", Workflow: wf}))
	require.NoError(t, sched.Add(Schedule{Name: "daily", CronExpr: "0 0 * * *", Workflow: wf}))

	assert.ElementsMatch(t, []string{"hourly", "daily"}, sched.Names())

	require.NoError(t, sched.Remove("hourly"))
	assert.ElementsMatch(t, []string{"daily"}, sched.Names())
}

func TestScheduler_FiresAndSubmitsJobs(t *testing.T) {
	sched, jobEngine, agents := newTestScheduler(t)
	agents.RegisterAgent("noop", func(context.Context, map[string]any) (any, error) { return nil, nil })

	require.NoError(t, sched.Add(Schedule{
		Name:     "fast",
		CronExpr: "@every 100ms",
		Workflow: compiled(t, agents),
	}))

	sched.Start()

	require.Eventually(t, func() bool {
		return len(jobEngine.ListJobs(models.JobStateCompleted)) >= 2
	}, 3*time.Second, 20*time.Millisecond)

	for _, job := range jobEngine.ListJobs("") {
		assert.Contains(t, job.ID, "fast-")
		assert.Equal(t, "tick", job.WorkflowName)
	}
}

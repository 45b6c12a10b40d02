// Package engine runs compiled workflows as jobs: a single worker loop
// executes steps in dependency order, drives the job state machine with
// bounded retries, and writes progress through the state store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/registry"
	"github.com/loomworks/loom/pkg/state"
	"github.com/loomworks/loom/pkg/tracing"
)

var (
	// ErrJobNotFound is returned for operations on unknown job ids.
	ErrJobNotFound = errors.New("job not found")

	// ErrDuplicateJob is returned when a job id is submitted twice.
	ErrDuplicateJob = errors.New("job already submitted")

	// ErrNilJob is returned when SubmitJob receives nil.
	ErrNilJob = errors.New("job is nil")
)

const (
	defaultPollInterval = 25 * time.Millisecond
	stopPollInterval    = 5 * time.Millisecond

	tracerName = "github.com/loomworks/loom/pkg/engine"
)

// Config tunes an Engine. Zero values take the defaults.
type Config struct {
	// PollInterval is how long the idle worker sleeps between queue checks.
	PollInterval time.Duration
}

// Engine owns the job table, the job queue and the single worker. The three
// share one lock; the engine never calls into the state store while holding it.
type Engine struct {
	logger *slog.Logger
	tracer trace.Tracer
	store  *state.Store
	agents *registry.Registry
	poll   time.Duration

	mu         sync.Mutex
	jobs       map[string]*models.Job
	queue      []string
	current    string
	running    bool
	workerDone chan struct{}
}

func New(logger *slog.Logger, store *state.Store, agents *registry.Registry, cfg Config) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	return &Engine{
		logger: logger.With("module", "job_engine"),
		tracer: otel.Tracer(tracerName),
		store:  store,
		agents: agents,
		poll:   cfg.PollInterval,
		jobs:   make(map[string]*models.Job),
	}
}

// SubmitJob enqueues a pending job and starts the worker if it is not
// running. The job id must be unique; an empty id is rejected by models
// construction, not here.
func (e *Engine) SubmitJob(job *models.Job) (string, error) {
	if job == nil {
		return "", ErrNilJob
	}

	now := time.Now()

	e.mu.Lock()

	if _, exists := e.jobs[job.ID]; exists {
		e.mu.Unlock()

		return "", fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}

	job.State = models.JobStatePending
	if job.Results == nil {
		job.Results = make(map[string]any)
	}

	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}

	job.UpdatedAt = now

	e.jobs[job.ID] = job
	e.queue = append(e.queue, job.ID)
	shouldStart := !e.running
	e.mu.Unlock()

	e.store.Set(job.ID, state.KeyJobStatus, string(models.JobStatePending))

	if shouldStart {
		e.Start()
	}

	e.logger.Info("Job submitted",
		"job_id", job.ID,
		"workflow", job.WorkflowName,
		"steps", len(job.Steps))

	return job.ID, nil
}

// Start launches the worker loop. Calling Start on a running engine is a no-op.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return
	}

	e.running = true
	e.workerDone = make(chan struct{})

	go e.worker(e.workerDone)

	e.logger.Info("Worker started")
}

// Stop shuts the worker down, waiting up to timeout for the in-flight job to
// finish. If the timeout elapses with a job still active, that job is forced
// back to pending and requeued at the front of the queue with its current
// step preserved, so a restart resumes forward progress. Stop reports whether
// the worker drained cleanly.
func (e *Engine) Stop(timeout time.Duration) bool {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()

		return true
	}

	e.running = false
	e.mu.Unlock()

	e.logger.Info("Stopping worker", "timeout", timeout)

	deadline := time.Now().Add(timeout)

	for {
		e.mu.Lock()
		idle := e.current == ""
		e.mu.Unlock()

		if idle {
			return true
		}

		if !time.Now().Before(deadline) {
			break
		}

		time.Sleep(stopPollInterval)
	}

	e.requeueCurrent()

	return false
}

// GetJobStatus returns a snapshot of the job.
func (e *Engine) GetJobStatus(id string) (*models.Job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	job, ok := e.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	return job.Clone(), nil
}

// ListJobs returns snapshots of all jobs, or only those in the given state.
// Results are ordered by creation time.
func (e *Engine) ListJobs(filter models.JobState) []*models.Job {
	e.mu.Lock()

	out := make([]*models.Job, 0, len(e.jobs))
	for _, job := range e.jobs {
		if filter == "" || job.State == filter {
			out = append(out, job.Clone())
		}
	}

	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}

		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	return out
}

// CancelJob cancels a pending or running job. Cancelling a running job does
// not interrupt the current step; the worker observes the cancellation at the
// next step boundary. Cancelling a terminal job is logged and ignored.
func (e *Engine) CancelJob(id string) error {
	e.mu.Lock()

	job, ok := e.jobs[id]
	if !ok {
		e.mu.Unlock()

		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	from := job.State
	if !from.CanTransitionTo(models.JobStateCancelled) {
		e.mu.Unlock()
		e.logger.Warn("Ignoring illegal job state transition",
			"job_id", id, "from", from, "to", models.JobStateCancelled)

		return nil
	}

	now := time.Now()
	job.State = models.JobStateCancelled
	job.UpdatedAt = now
	job.CompletedAt = &now

	if from == models.JobStatePending {
		e.dequeueLocked(id)
	}

	e.mu.Unlock()

	e.store.Set(id, state.KeyJobStatus, string(models.JobStateCancelled))
	e.logger.Info("Job cancelled", "job_id", id, "was", from)

	return nil
}

// ClearCompletedJobs evicts jobs that reached a resting terminal outcome
// (completed, cancelled, or permanently failed) from the job table, returning
// the number removed.
func (e *Engine) ClearCompletedJobs() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0

	for id, job := range e.jobs {
		switch job.State {
		case models.JobStateCompleted, models.JobStateCancelled, models.JobStateFailed:
			delete(e.jobs, id)

			removed++
		default:
		}
	}

	return removed
}

func (e *Engine) isRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.running
}

// worker is the single cooperative loop: dequeue one job at a time, execute
// it, sleep briefly when idle. The queue plus the current-job marker enforce
// exclusivity.
func (e *Engine) worker(done chan struct{}) {
	defer close(done)

	for {
		e.mu.Lock()

		// A restart replaces workerDone; a stale loop from before the
		// restart must exit rather than compete with its successor.
		if !e.running || e.workerDone != done {
			e.mu.Unlock()

			e.logger.Info("Worker stopped")

			return
		}

		var job *models.Job

		if e.current == "" && len(e.queue) > 0 {
			id := e.queue[0]
			e.queue = e.queue[1:]

			if j, ok := e.jobs[id]; ok {
				job = j
				e.current = id
			}
		}

		e.mu.Unlock()

		if job != nil {
			e.execute(job)
		} else {
			time.Sleep(e.poll)
		}
	}
}

func (e *Engine) execute(job *models.Job) {
	// The current-job marker is always cleared, whatever the outcome, so
	// the worker loop cannot deadlock on a failed job.
	defer func() {
		e.mu.Lock()
		if e.current == job.ID {
			e.current = ""
		}
		e.mu.Unlock()
	}()

	ctx, span := e.tracer.Start(context.Background(), "job.execute",
		trace.WithAttributes(
			attribute.String(tracing.JobIDKey, job.ID),
			attribute.String(tracing.WorkflowNameKey, job.WorkflowName),
			attribute.Int(tracing.RetryCountKey, job.RetryCount),
		))
	defer span.End()

	if !e.transition(job, models.JobStateRunning, false) {
		// Typically a cancellation raced the dequeue.
		return
	}

	e.mu.Lock()

	now := time.Now()
	if job.StartedAt == nil {
		job.StartedAt = &now
	}

	start := job.CurrentStep
	steps := job.Steps
	e.mu.Unlock()

	logger := e.logger.With("job_id", job.ID, "workflow", job.WorkflowName)
	logger.Info("Executing job", "from_step", start, "steps", len(steps))

	var execErr error

	for i := start; i < len(steps); i++ {
		if !e.isRunning() {
			e.requeueInterrupted(job)

			return
		}

		if e.jobState(job) == models.JobStateCancelled {
			logger.Info("Job cancelled, stopping at step boundary", "step_index", i)

			return
		}

		step := steps[i]

		result, err := e.executeStep(ctx, job, step, i)
		if err != nil {
			execErr = err

			break
		}

		e.mu.Lock()
		job.Results[step.Name] = result
		job.CurrentStep = i + 1
		job.UpdatedAt = time.Now()
		e.mu.Unlock()

		e.store.Set(job.ID, state.StepKey(step.Name), result)
	}

	if execErr != nil {
		e.fail(job, execErr, span)

		return
	}

	if e.jobState(job) == models.JobStateCancelled {
		return
	}

	if e.transition(job, models.JobStateCompleted, false) {
		e.mu.Lock()

		done := time.Now()
		job.CompletedAt = &done
		e.mu.Unlock()

		logger.Info("Job completed", "steps", len(steps))
	}
}

func (e *Engine) executeStep(ctx context.Context, job *models.Job, step *models.WorkflowStep, index int) (any, error) {
	stepCtx, span := e.tracer.Start(ctx, "step.execute",
		trace.WithAttributes(
			attribute.String(tracing.StepNameKey, step.Name),
			attribute.String(tracing.AgentNameKey, step.Agent),
			attribute.Int(tracing.StepIndexKey, index),
		))
	defer span.End()

	callback, err := e.agents.Callback(step.Agent)
	if err != nil {
		tracing.SetError(span, err)

		return nil, err
	}

	result, err := invokeCallback(stepCtx, callback, step.Inputs)
	if err != nil {
		tracing.SetError(span, err)

		return nil, fmt.Errorf("step %q: %w", step.Name, err)
	}

	return result, nil
}

// fail drives the retry-or-permanent-failure branch. Retries re-enqueue the
// job under the same id; RetryCount never exceeds MaxRetries.
func (e *Engine) fail(job *models.Job, execErr error, span trace.Span) {
	tracing.SetError(span, execErr, attribute.String(tracing.JobIDKey, job.ID))

	e.mu.Lock()
	job.Error = execErr.Error()
	e.mu.Unlock()

	e.store.Set(job.ID, state.KeyJobError, execErr.Error())

	if !e.transition(job, models.JobStateFailed, false) {
		return
	}

	e.mu.Lock()
	retry := job.RetryCount < job.MaxRetries
	if retry {
		job.RetryCount++
	} else {
		done := time.Now()
		job.CompletedAt = &done
	}

	attempt := job.RetryCount
	e.mu.Unlock()

	if !retry {
		e.logger.Error("Job failed permanently",
			"job_id", job.ID, "error", execErr, "retries", attempt)

		return
	}

	if e.transition(job, models.JobStatePending, false) {
		e.mu.Lock()
		e.queue = append(e.queue, job.ID)
		e.mu.Unlock()

		e.logger.Warn("Job failed, retrying",
			"job_id", job.ID, "error", execErr,
			"attempt", attempt, "max_retries", job.MaxRetries)
	}
}

// transition applies a state change after validating it against the state
// machine. An illegal transition is logged and ignored; it is not an error
// because it can arise from benign races, cancel against completion being the
// usual one. force bypasses validation for the shutdown-requeue path.
func (e *Engine) transition(job *models.Job, to models.JobState, force bool) bool {
	e.mu.Lock()

	from := job.State
	if from == to {
		e.mu.Unlock()

		return false
	}

	if !from.CanTransitionTo(to) {
		if !force {
			e.mu.Unlock()
			e.logger.Warn("Ignoring illegal job state transition",
				"job_id", job.ID, "from", from, "to", to)

			return false
		}

		e.logger.Info("Forcing job state transition",
			"job_id", job.ID, "from", from, "to", to)
	}

	job.State = to
	job.UpdatedAt = time.Now()
	e.mu.Unlock()

	e.store.Set(job.ID, state.KeyJobStatus, string(to))

	return true
}

func (e *Engine) jobState(job *models.Job) models.JobState {
	e.mu.Lock()
	defer e.mu.Unlock()

	return job.State
}

// requeueCurrent forces the in-flight job back to pending at the front of the
// queue. Called when Stop's timeout elapses with the job still active.
func (e *Engine) requeueCurrent() {
	e.mu.Lock()
	id := e.current
	job := e.jobs[id]
	e.current = ""
	e.mu.Unlock()

	if job == nil {
		return
	}

	if e.transition(job, models.JobStatePending, true) {
		e.mu.Lock()
		e.queue = append([]string{id}, e.queue...)
		currentStep := job.CurrentStep
		e.mu.Unlock()

		e.logger.Warn("Shutdown timeout elapsed, requeued active job",
			"job_id", id, "current_step", currentStep)
	}
}

// requeueInterrupted handles the worker observing the stop flag mid-job. If
// Stop already forced the job back to pending, nothing is left to do.
func (e *Engine) requeueInterrupted(job *models.Job) {
	e.mu.Lock()
	pending := job.State == models.JobStatePending
	e.mu.Unlock()

	if pending {
		return
	}

	if e.transition(job, models.JobStatePending, true) {
		e.mu.Lock()
		e.queue = append([]string{job.ID}, e.queue...)
		currentStep := job.CurrentStep
		e.mu.Unlock()

		e.logger.Info("Worker stopping, requeued in-flight job",
			"job_id", job.ID, "current_step", currentStep)
	}
}

func (e *Engine) dequeueLocked(id string) {
	for i, queued := range e.queue {
		if queued == id {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)

			return
		}
	}
}

// invokeCallback shields the worker from panicking agent code; a panic
// surfaces as a step failure subject to the normal retry policy.
func invokeCallback(ctx context.Context, callback registry.StepCallback, inputs map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step callback panicked: %v", r)
		}
	}()

	return callback(ctx, inputs)
}

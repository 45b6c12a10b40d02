package models

import (
	"time"

	"github.com/google/uuid"
)

// JobState represents the lifecycle state of a job.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// DefaultMaxRetries is applied by NewJob when the caller does not override it.
const DefaultMaxRetries = 3

// jobTransitions is the legal state machine. Completed and cancelled are
// terminal; failed may only go back to pending (the retry path).
var jobTransitions = map[JobState][]JobState{
	JobStatePending:   {JobStateRunning, JobStateCancelled},
	JobStateRunning:   {JobStateCompleted, JobStateFailed, JobStateCancelled},
	JobStateFailed:    {JobStatePending},
	JobStateCompleted: {},
	JobStateCancelled: {},
}

// CanTransitionTo reports whether moving from s to next is a legal transition.
func (s JobState) CanTransitionTo(next JobState) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}

	return false
}

// IsTerminal reports whether the state has no outgoing transitions.
func (s JobState) IsTerminal() bool {
	return len(jobTransitions[s]) == 0
}

// Job is a single run of a compiled workflow. It is owned by the execution
// engine for its lifetime and mutated only under the engine's lock.
type Job struct {
	ID           string          `json:"id"`
	WorkflowName string          `json:"workflow_name"`
	Steps        []*WorkflowStep `json:"steps"`
	State        JobState        `json:"state"`
	CurrentStep  int             `json:"current_step"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	Error        string          `json:"error,omitempty"`
	Results      map[string]any  `json:"results,omitempty"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
}

// NewJob builds a pending job from a compiled workflow. The step list is
// copied in execution order so the job stays valid even if the workflow is
// recompiled later. An empty id is replaced with a generated one.
func NewJob(id string, workflow *CompiledWorkflow) *Job {
	if id == "" {
		id = "job-" + uuid.New().String()[:8]
	}

	now := time.Now()

	return &Job{
		ID:           id,
		WorkflowName: workflow.Name,
		Steps:        workflow.OrderedSteps(),
		State:        JobStatePending,
		CreatedAt:    now,
		UpdatedAt:    now,
		Results:      make(map[string]any),
		MaxRetries:   DefaultMaxRetries,
	}
}

// Clone returns a snapshot of the job safe to hand to callers. Step pointers
// are shared; steps are immutable after compilation.
func (j *Job) Clone() *Job {
	copied := *j

	copied.Steps = make([]*WorkflowStep, len(j.Steps))
	copy(copied.Steps, j.Steps)

	copied.Results = make(map[string]any, len(j.Results))
	for k, v := range j.Results {
		copied.Results[k] = v
	}

	return &copied
}

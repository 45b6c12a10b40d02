package state

import "time"

// ChangeType classifies a state mutation.
type ChangeType string

const (
	ChangeTypeSet    ChangeType = "set"    // key created
	ChangeTypeUpdate ChangeType = "update" // key overwritten
	ChangeTypeDelete ChangeType = "delete" // key removed
)

// Change is an immutable record of one state mutation. It is appended to the
// store's history and broadcast to watchers; it is never mutated after
// construction.
type Change struct {
	CorrelationID string     `json:"correlation_id"`
	Key           string     `json:"key"`
	OldValue      any        `json:"old_value,omitempty"`
	NewValue      any        `json:"new_value,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
	Type          ChangeType `json:"change_type"`
}

// Keys the execution engine writes through the store. The correlation
// summary derives job progress from them.
const (
	KeyJobStatus = "job:status"
	KeyJobError  = "job:error"

	stepKeyPrefix = "step:"
)

// StepKey returns the store key under which a step's result is recorded.
func StepKey(stepName string) string {
	return stepKeyPrefix + stepName
}

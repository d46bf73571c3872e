// Package worker implements the apprentice side of a ceremony: an ephemeral
// execution unit that receives exactly one task plus read-only references to
// its dependency results, performs the work, writes one terminal outcome into
// the shared record, and exits.
package worker

import (
	"time"

	"github.com/kingrea/loom/internal/ceremony"
)

// RunState enumerates the worker lifecycle as observed by the orchestrator.
// Lost is inferred by the health monitor, never self-reported.
type RunState string

const (
	RunStateSpawning RunState = "spawning"
	RunStateRunning  RunState = "running"
	RunStateComplete RunState = "reported_complete"
	RunStateFailed   RunState = "reported_failed"
	RunStateLost     RunState = "lost"
)

// Handle is the orchestrator's bookkeeping for one spawned worker. Workers
// never hold their own handle.
type Handle struct {
	WorkerID  string
	TaskID    string
	Attempt   int
	SpawnedAt time.Time
	State     RunState
}

// Assignment is everything a worker receives: one task's identity and payload
// plus the results of the dependencies it declared. Workers never see the
// full record.
type Assignment struct {
	CeremonyID  string
	TaskID      string
	Kind        string
	Description string
	Attempt     int
	// DependencyResults maps dependency task IDs to their result payloads.
	DependencyResults map[string]string
}

// Outcome is the single terminal report a worker produces.
type Outcome struct {
	Status ceremony.TaskStatus
	Result string
	Err    *ceremony.TaskError
}

// Failed builds a failed outcome with a structured error.
func Failed(kind, message string, attempt int, nonRetryable bool) Outcome {
	return Outcome{
		Status: ceremony.StatusFailed,
		Err: &ceremony.TaskError{
			Kind:         kind,
			Message:      message,
			Attempt:      attempt,
			NonRetryable: nonRetryable,
		},
	}
}

// Completed builds a successful outcome carrying the result payload.
func Completed(result string) Outcome {
	return Outcome{Status: ceremony.StatusComplete, Result: result}
}

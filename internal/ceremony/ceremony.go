// Package ceremony defines the data model for one orchestration session: the
// ceremony itself, its ordered task set, and the status vocabulary shared by
// the record layer, the scheduler, and the orchestrator.
package ceremony

import (
	"fmt"
	"time"
)

// State enumerates ceremony lifecycle phases.
type State string

const (
	StateActive   State = "active"
	StateComplete State = "complete"
	StatePartial  State = "partial"
	StateFailed   State = "failed"
)

// ParseState validates a state string read from a record. Unknown values are
// rejected rather than coerced so corruption surfaces at parse time.
func ParseState(value string) (State, error) {
	switch State(value) {
	case StateActive, StateComplete, StatePartial, StateFailed:
		return State(value), nil
	}
	return "", fmt.Errorf("ceremony: unknown state %q", value)
}

// TaskStatus enumerates per-task lifecycle phases.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusAssigned   TaskStatus = "assigned"
	StatusInProgress TaskStatus = "in_progress"
	StatusComplete   TaskStatus = "complete"
	StatusFailed     TaskStatus = "failed"
	StatusBlocked    TaskStatus = "blocked"
)

// ParseTaskStatus validates a task status string read from a record.
func ParseTaskStatus(value string) (TaskStatus, error) {
	switch TaskStatus(value) {
	case StatusPending, StatusAssigned, StatusInProgress, StatusComplete, StatusFailed, StatusBlocked:
		return TaskStatus(value), nil
	}
	return "", fmt.Errorf("ceremony: unknown task status %q", value)
}

// Terminal reports whether a task status will never change again without a
// replay resetting it.
func (s TaskStatus) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusBlocked
}

// Error kinds carried by TaskError.Kind.
const (
	ErrKindTaskFailed        = "task_failed"
	ErrKindWorkerTimeout     = "worker_timeout"
	ErrKindWorkerPanic       = "worker_panic"
	ErrKindCeremonyCancelled = "ceremony_cancelled"
	ErrKindDependencyFailed  = "dependency_failed"
)

// TaskError is the structured diagnostic attached to a failed or blocked task.
type TaskError struct {
	Kind    string
	Message string
	// Attempt records the attempt count when the failure became terminal.
	Attempt int
	// NonRetryable marks self-reported failures that must not consume further
	// attempts. Inferred failures (timeouts) are always retryable.
	NonRetryable bool
}

func (e *TaskError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return e.Kind
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Task is one bounded unit of work. IDs are stable across replays; a retry
// never regenerates the ID, only increments Attempts.
type Task struct {
	ID          string
	Kind        string
	Description string
	DependsOn   []string
	Status      TaskStatus
	// AssignedWorker holds the worker ID while Status is assigned/in_progress
	// and is cleared on completion or abandonment.
	AssignedWorker string
	Attempts       int
	// Result carries the opaque result payload once Status is complete.
	Result string
	Error  *TaskError
}

// Ceremony is one orchestration session. Tasks preserve declaration order,
// which is also the scheduler's tie-break order.
type Ceremony struct {
	ID             string
	State          State
	CreatedAt      time.Time
	CompletedAt    time.Time
	MaxConcurrency int
	Tasks          []*Task
}

// Task retrieves a task by ID.
func (c *Ceremony) Task(id string) (*Task, bool) {
	for _, task := range c.Tasks {
		if task.ID == id {
			return task, true
		}
	}
	return nil, false
}

// Clone returns a deep copy so snapshots handed to callers cannot mutate the
// orchestrator's working state.
func (c *Ceremony) Clone() *Ceremony {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Tasks = make([]*Task, len(c.Tasks))
	for i, task := range c.Tasks {
		copyTask := *task
		copyTask.DependsOn = cloneStrings(task.DependsOn)
		if task.Error != nil {
			copyErr := *task.Error
			copyTask.Error = &copyErr
		}
		clone.Tasks[i] = &copyTask
	}
	return &clone
}

// Settled reports whether no task can still make progress inside the current
// scheduling loop: nothing pending, assigned, or in progress.
func (c *Ceremony) Settled() bool {
	for _, task := range c.Tasks {
		if !task.Status.Terminal() {
			return false
		}
	}
	return true
}

// FinalState derives the terminal ceremony state from task statuses: complete
// when every task completed, partial on a mix, failed when nothing completed.
func (c *Ceremony) FinalState() State {
	completed := 0
	for _, task := range c.Tasks {
		if task.Status == StatusComplete {
			completed++
		}
	}
	switch completed {
	case len(c.Tasks):
		return StateComplete
	case 0:
		return StateFailed
	default:
		return StatePartial
	}
}

// BlockDependents transitively marks every task depending on failedID as
// blocked and returns the affected task IDs. Already-terminal tasks are left
// untouched.
func (c *Ceremony) BlockDependents(failedID string, reason *TaskError) []string {
	var blocked []string
	frontier := []string{failedID}
	seen := map[string]bool{failedID: true}
	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]
		for _, task := range c.Tasks {
			if seen[task.ID] || !dependsOn(task, current) {
				continue
			}
			seen[task.ID] = true
			frontier = append(frontier, task.ID)
			if task.Status.Terminal() {
				continue
			}
			task.Status = StatusBlocked
			task.AssignedWorker = ""
			if reason != nil {
				copyErr := *reason
				task.Error = &copyErr
			}
			blocked = append(blocked, task.ID)
		}
	}
	return blocked
}

func dependsOn(task *Task, id string) bool {
	for _, dep := range task.DependsOn {
		if dep == id {
			return true
		}
	}
	return false
}

func cloneStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	copy(out, values)
	return out
}

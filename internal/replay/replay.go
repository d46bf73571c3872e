// Package replay computes and applies recovery plans for ceremonies that did
// not finish cleanly. A plan only ever resets task rows; result sections from
// prior attempts are moved aside, never destroyed, so the record keeps its
// full audit trail across replays.
package replay

import (
	"errors"
	"fmt"
	"time"

	"github.com/kingrea/loom/internal/ceremony"
	"github.com/kingrea/loom/internal/record"
)

// Mode selects a recovery strategy.
type Mode string

const (
	// ModeResume re-enters the scheduling loop, resetting every task that is
	// not complete while preserving attempt counts.
	ModeResume Mode = "resume"
	// ModeRestart resets every task that is not complete and clears attempt
	// counts, re-running from scratch.
	ModeRestart Mode = "restart"
	// ModeSelective resets exactly the caller-supplied task IDs.
	ModeSelective Mode = "selective"
	// ModeDebug is resume with concurrency forced to one and every attempt's
	// result section retained for post-mortem inspection.
	ModeDebug Mode = "debug"
)

// ErrCeremonyComplete is returned when a replay mode cannot apply to a
// ceremony that already completed. Selective replays are exempt so a stale
// result can still be forced to re-execute.
var ErrCeremonyComplete = errors.New("replay: ceremony already complete")

// ErrNothingToReset is returned when a plan would reset no tasks.
var ErrNothingToReset = errors.New("replay: no tasks to reset")

// ParseMode validates a mode string from the CLI.
func ParseMode(value string) (Mode, error) {
	switch Mode(value) {
	case ModeResume, ModeRestart, ModeSelective, ModeDebug:
		return Mode(value), nil
	}
	return "", fmt.Errorf("replay: unknown mode %q", value)
}

// Plan is a computed recovery plan, ready to apply.
type Plan struct {
	Mode     Mode
	Ceremony string
	// Reset lists the task IDs whose rows return to pending, in declaration
	// order.
	Reset []string
	// ClearAttempts zeroes attempt counts on reset tasks (restart only).
	ClearAttempts bool
	// MaxConcurrency overrides the ceremony's bound when positive.
	MaxConcurrency int
	// RetainAttempts keeps every intermediate result section during the
	// replayed run, not just the pre-reset ones.
	RetainAttempts bool
}

// DefaultMode picks the heuristic strategy for a ceremony: resume when any
// work already completed, otherwise restart.
func DefaultMode(c *ceremony.Ceremony) Mode {
	for _, task := range c.Tasks {
		if task.Status == ceremony.StatusComplete {
			return ModeResume
		}
	}
	return ModeRestart
}

// PlanFor computes a recovery plan. selected is consulted only in selective
// mode, where it must name existing tasks.
func PlanFor(c *ceremony.Ceremony, mode Mode, selected []string) (Plan, error) {
	if mode != ModeSelective && c.State == ceremony.StateComplete {
		return Plan{}, fmt.Errorf("%w: %s", ErrCeremonyComplete, c.ID)
	}
	plan := Plan{Mode: mode, Ceremony: c.ID}
	switch mode {
	case ModeResume, ModeRestart, ModeDebug:
		for _, task := range c.Tasks {
			if task.Status != ceremony.StatusComplete {
				plan.Reset = append(plan.Reset, task.ID)
			}
		}
		plan.ClearAttempts = mode == ModeRestart
		if mode == ModeDebug {
			plan.MaxConcurrency = 1
			plan.RetainAttempts = true
		}
	case ModeSelective:
		if len(selected) == 0 {
			return Plan{}, fmt.Errorf("replay: selective mode requires task IDs")
		}
		want := make(map[string]bool, len(selected))
		for _, id := range selected {
			want[id] = true
		}
		for _, task := range c.Tasks {
			if want[task.ID] {
				plan.Reset = append(plan.Reset, task.ID)
				delete(want, task.ID)
			}
		}
		for _, taskID := range selected {
			if want[taskID] {
				return Plan{}, fmt.Errorf("replay: ceremony %s has no task %s", c.ID, taskID)
			}
		}
	default:
		return Plan{}, fmt.Errorf("replay: unknown mode %q", mode)
	}
	if len(plan.Reset) == 0 {
		return Plan{}, fmt.Errorf("%w: ceremony %s", ErrNothingToReset, c.ID)
	}
	return plan, nil
}

// Apply resets the planned tasks and reopens the ceremony. Existing result
// sections for reset tasks are retained as numbered attempts first, so the
// replayed run starts with a clean result slot and an intact history.
func Apply(store *record.Store, plan Plan) (*ceremony.Ceremony, error) {
	c, err := store.Read(plan.Ceremony)
	if err != nil {
		return nil, err
	}
	for _, taskID := range plan.Reset {
		task, ok := c.Task(taskID)
		if !ok {
			return nil, fmt.Errorf("replay: ceremony %s has no task %s", plan.Ceremony, taskID)
		}
		attempt := task.Attempts
		if attempt == 0 {
			attempt = 1
		}
		if err := store.RetainAttempt(plan.Ceremony, taskID, attempt); err != nil {
			return nil, fmt.Errorf("replay: retain attempt for %s: %w", taskID, err)
		}
	}
	reset := make(map[string]bool, len(plan.Reset))
	for _, taskID := range plan.Reset {
		reset[taskID] = true
	}
	return store.Update(plan.Ceremony, func(c *ceremony.Ceremony) error {
		for _, task := range c.Tasks {
			if !reset[task.ID] {
				continue
			}
			task.Status = ceremony.StatusPending
			task.AssignedWorker = ""
			task.Result = ""
			task.Error = nil
			if plan.ClearAttempts {
				task.Attempts = 0
			}
		}
		c.State = ceremony.StateActive
		c.CompletedAt = time.Time{}
		return nil
	})
}

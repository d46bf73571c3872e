// Package scheduler decides which tasks may run next. It is stateless: every
// decision is a pure function of a ceremony snapshot plus the current runtime
// constraints, which keeps scheduling reproducible across resumes.
package scheduler

import (
	"fmt"

	"github.com/kingrea/loom/internal/ceremony"
)

// Request captures the runtime constraints for one scheduling decision.
type Request struct {
	// Running lists task IDs with a live worker so they are not dispatched twice.
	Running []string
	// MaxConcurrency caps simultaneously running workers, including Running.
	// Values <= 0 disable the cap.
	MaxConcurrency int
}

// Batch describes the scheduler's decision.
type Batch struct {
	Tasks   []*ceremony.Task
	Skipped map[string]SkipReason
}

// SkipReason explains why a task was excluded from the eligible set.
type SkipReason struct {
	Reason SkipReasonCode
	Detail string
}

// SkipReasonCode enumerates scheduler skip reasons.
type SkipReasonCode string

const (
	SkipReasonDependencies SkipReasonCode = "dependencies-incomplete"
	SkipReasonConcurrency  SkipReasonCode = "concurrency"
	SkipReasonActive       SkipReasonCode = "already-running"
)

// Eligible returns tasks that may be assigned now: pending, every dependency
// complete, not already running, within the concurrency budget. Ties break in
// declaration order so the same record always schedules the same way.
func Eligible(c *ceremony.Ceremony, req Request) Batch {
	batch := Batch{}
	running := make(map[string]bool, len(req.Running))
	for _, id := range req.Running {
		if id != "" {
			running[id] = true
		}
	}
	slots := -1
	if req.MaxConcurrency > 0 {
		slots = req.MaxConcurrency - len(running)
		if slots < 0 {
			slots = 0
		}
	}
	for _, task := range c.Tasks {
		if task.Status != ceremony.StatusPending {
			continue
		}
		if running[task.ID] {
			batch.addSkip(task.ID, SkipReason{Reason: SkipReasonActive, Detail: "worker already running"})
			continue
		}
		if incomplete := incompleteDeps(c, task); len(incomplete) > 0 {
			batch.addSkip(task.ID, SkipReason{Reason: SkipReasonDependencies, Detail: fmt.Sprintf("waiting on %v", incomplete)})
			continue
		}
		if slots == 0 {
			batch.addSkip(task.ID, SkipReason{Reason: SkipReasonConcurrency, Detail: fmt.Sprintf("max concurrency %d reached", req.MaxConcurrency)})
			continue
		}
		batch.Tasks = append(batch.Tasks, task)
		if slots > 0 {
			slots--
		}
	}
	return batch
}

// HasProgressPotential reports whether the scheduling loop can still move the
// ceremony forward. False means no task is pending, assigned, or in progress
// while at least one task is not complete: time to finalize, not spin.
func HasProgressPotential(c *ceremony.Ceremony) bool {
	for _, task := range c.Tasks {
		switch task.Status {
		case ceremony.StatusPending, ceremony.StatusAssigned, ceremony.StatusInProgress:
			return true
		}
	}
	return false
}

func incompleteDeps(c *ceremony.Ceremony, task *ceremony.Task) []string {
	var incomplete []string
	for _, dep := range task.DependsOn {
		depTask, ok := c.Task(dep)
		if !ok || depTask.Status != ceremony.StatusComplete {
			incomplete = append(incomplete, dep)
		}
	}
	return incomplete
}

func (b *Batch) addSkip(id string, reason SkipReason) {
	if b.Skipped == nil {
		b.Skipped = make(map[string]SkipReason)
	}
	b.Skipped[id] = reason
}

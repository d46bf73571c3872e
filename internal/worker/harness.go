package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/kingrea/loom/internal/ceremony"
	"github.com/kingrea/loom/internal/record"
)

// Harness wraps a runner with the worker contract: heartbeat while running,
// exactly one terminal outcome written to the record on every exit path that
// can still communicate. A harness that dies silently is the supported LOST
// failure mode, detected by the health monitor.
type Harness struct {
	store     *record.Store
	registry  *Registry
	heartbeat time.Duration
	clock     func() time.Time
}

// HarnessOption customizes a Harness.
type HarnessOption func(*Harness)

// WithHeartbeatInterval overrides how often the harness touches its heartbeat
// file while the runner executes.
func WithHeartbeatInterval(interval time.Duration) HarnessOption {
	return func(h *Harness) {
		if interval > 0 {
			h.heartbeat = interval
		}
	}
}

// WithClock injects a deterministic clock for tests.
func WithClock(clock func() time.Time) HarnessOption {
	return func(h *Harness) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewHarness builds a harness over the record store and runner registry.
func NewHarness(store *record.Store, registry *Registry, opts ...HarnessOption) *Harness {
	h := &Harness{
		store:     store,
		registry:  registry,
		heartbeat: 2 * time.Second,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Execute runs one assignment to a terminal outcome and writes it into the
// record. The returned error reports harness-level trouble (most importantly
// a rejected result write); task-level failure travels inside the outcome.
func (h *Harness) Execute(ctx context.Context, workerID string, assignment Assignment) error {
	runner, err := h.registry.Resolve(assignment.Kind)
	if err != nil {
		return err
	}
	if err := h.store.TouchHeartbeat(assignment.CeremonyID, workerID); err != nil {
		return err
	}
	done := make(chan struct{})
	go h.beat(ctx, workerID, assignment.CeremonyID, done)
	outcome := h.run(ctx, runner, assignment)
	close(done)
	doc := record.ResultDoc{
		TaskID:    assignment.TaskID,
		WorkerID:  workerID,
		Status:    outcome.Status,
		Attempt:   assignment.Attempt,
		CreatedAt: h.clock(),
		Error:     outcome.Err,
		Body:      []byte(outcome.Result),
	}
	if err := h.store.WriteTaskResult(assignment.CeremonyID, doc); err != nil {
		return fmt.Errorf("worker %s: report outcome for %s: %w", workerID, assignment.TaskID, err)
	}
	return nil
}

// run invokes the runner, converting panics into a failed outcome so the
// record still receives a terminal report.
func (h *Harness) run(ctx context.Context, runner Runner, assignment Assignment) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = Failed(ceremony.ErrKindWorkerPanic, fmt.Sprintf("%v", r), assignment.Attempt, false)
		}
	}()
	outcome = runner.Run(ctx, assignment)
	if outcome.Status != ceremony.StatusComplete && outcome.Status != ceremony.StatusFailed {
		outcome = Failed(ceremony.ErrKindTaskFailed, fmt.Sprintf("runner returned non-terminal status %s", outcome.Status), assignment.Attempt, false)
	}
	return outcome
}

func (h *Harness) beat(ctx context.Context, workerID, ceremonyID string, done <-chan struct{}) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Best effort: a missed beat only narrows the timeout margin.
			_ = h.store.TouchHeartbeat(ceremonyID, workerID)
		}
	}
}

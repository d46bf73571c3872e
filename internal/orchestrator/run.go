package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/kingrea/loom/internal/ceremony"
	"github.com/kingrea/loom/internal/eventbridge"
	"github.com/kingrea/loom/internal/record"
	"github.com/kingrea/loom/internal/scheduler"
	"github.com/kingrea/loom/internal/worker"
)

// RunOptions adjust one scheduling run without touching the record. Replay
// plans map onto these.
type RunOptions struct {
	// MaxConcurrency overrides the ceremony's bound when positive.
	MaxConcurrency int
	// RetainAttempts moves every superseded result section aside instead of
	// letting the next attempt overwrite it.
	RetainAttempts bool
}

// RunResult is the outcome of one scheduling run.
type RunResult struct {
	Ceremony *ceremony.Ceremony
	// Synthesis holds the folded task results when the ceremony completed.
	Synthesis string
}

// Run drives the scheduling loop for one ceremony until it settles or the
// context is cancelled. The loop is the single writer of the task table;
// it wakes on result-section writes, worker exits, and a fallback poll.
func (o *Orchestrator) Run(ctx context.Context, ceremonyID string, opts RunOptions) (RunResult, error) {
	c, err := o.store.Read(ceremonyID)
	if err != nil {
		return RunResult{}, err
	}
	if c.Settled() {
		return o.finalize(ceremonyID)
	}

	wake := make(chan struct{}, 1)
	notify := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
	if fs, ok := o.spawner.(*worker.FuncSpawner); ok {
		fs.OnExit = func(string) { notify() }
	}
	if watcher, werr := fsnotify.NewWatcher(); werr == nil {
		defer watcher.Close()
		if werr := watcher.Add(o.store.ResultsDir(ceremonyID)); werr != nil {
			o.logger.Printf("orchestrator: watch results for %s: %v", ceremonyID, werr)
		}
		go func() {
			for {
				select {
				case _, ok := <-watcher.Events:
					if !ok {
						return
					}
					notify()
				case _, ok := <-watcher.Errors:
					if !ok {
						return
					}
				}
			}
		}()
	} else {
		o.logger.Printf("orchestrator: fsnotify unavailable, polling only: %v", werr)
	}

	handles := make(map[string]worker.Handle)
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		if err := o.applyOutcomes(ceremonyID, handles, opts); err != nil {
			return RunResult{}, err
		}
		if err := o.reapLost(ceremonyID, handles, opts); err != nil {
			return RunResult{}, err
		}

		c, err = o.store.Read(ceremonyID)
		if err != nil {
			return RunResult{}, err
		}
		limit := c.MaxConcurrency
		if opts.MaxConcurrency > 0 {
			limit = opts.MaxConcurrency
		}
		batch := scheduler.Eligible(c, scheduler.Request{
			Running:        sortedTaskIDs(handles),
			MaxConcurrency: limit,
		})
		for _, task := range batch.Tasks {
			if err := o.dispatch(ctx, c, task, handles, opts); err != nil {
				o.logger.Printf("orchestrator: dispatch %s: %v", task.ID, err)
			}
		}

		if len(handles) == 0 {
			c, err = o.store.Read(ceremonyID)
			if err != nil {
				return RunResult{}, err
			}
			if c.Settled() || !scheduler.HasProgressPotential(c) {
				break
			}
		}

		select {
		case <-ctx.Done():
			snapshot, cerr := o.Cancel(ceremonyID)
			if cerr != nil {
				return RunResult{}, errors.Join(ctx.Err(), cerr)
			}
			return RunResult{Ceremony: snapshot}, ctx.Err()
		case <-wake:
		case <-ticker.C:
		}
	}
	return o.finalize(ceremonyID)
}

// dispatch assigns one task to a fresh worker. The row moves to assigned
// before the spawn so no two loop iterations can hand out the same task, and
// to in_progress once the spawn succeeded.
func (o *Orchestrator) dispatch(ctx context.Context, c *ceremony.Ceremony, task *ceremony.Task, handles map[string]worker.Handle, opts RunOptions) error {
	workerID := "worker-" + uuid.NewString()
	attempt := task.Attempts + 1
	assigned := workerID
	if _, err := o.store.WriteTaskStatus(c.ID, task.ID, record.TaskMutation{
		Status:           ceremony.StatusAssigned,
		Worker:           &assigned,
		IncrementAttempt: true,
		ClearError:       true,
	}); err != nil {
		return err
	}
	assignment := worker.Assignment{
		CeremonyID:        c.ID,
		TaskID:            task.ID,
		Kind:              task.Kind,
		Description:       task.Description,
		Attempt:           attempt,
		DependencyResults: dependencyResults(c, task),
	}
	if err := o.spawner.Spawn(ctx, workerID, assignment); err != nil {
		// A failed spawn consumed the attempt; route it through the normal
		// failure path so the attempt budget still terminates the task.
		spawnErr := &ceremony.TaskError{
			Kind:    ceremony.ErrKindTaskFailed,
			Message: fmt.Sprintf("spawn worker: %v", err),
			Attempt: attempt,
		}
		stillborn := worker.Handle{WorkerID: workerID, TaskID: task.ID, Attempt: attempt}
		if ferr := o.failTask(c.ID, task.ID, stillborn, spawnErr, opts); ferr != nil {
			return errors.Join(err, ferr)
		}
		return err
	}
	handles[task.ID] = worker.Handle{
		WorkerID:  workerID,
		TaskID:    task.ID,
		Attempt:   attempt,
		SpawnedAt: o.clock(),
		State:     worker.RunStateRunning,
	}
	if _, err := o.store.WriteTaskStatus(c.ID, task.ID, record.TaskMutation{
		Status: ceremony.StatusInProgress,
	}); err != nil {
		return err
	}
	o.logger.Printf("orchestrator: assigned task %s to %s (attempt %d)", task.ID, workerID, attempt)
	o.publish(eventbridge.Event{
		Type: eventbridge.EventTaskAssigned, Ceremony: c.ID, Task: task.ID, Worker: workerID,
		Detail: fmt.Sprintf("attempt %d", attempt),
	})
	return nil
}

// dependencyResults collects the result payloads a task declared as inputs.
// This is the only slice of the record a worker ever sees.
func dependencyResults(c *ceremony.Ceremony, task *ceremony.Task) map[string]string {
	if len(task.DependsOn) == 0 {
		return nil
	}
	results := make(map[string]string, len(task.DependsOn))
	for _, dep := range task.DependsOn {
		if depTask, ok := c.Task(dep); ok {
			results[dep] = depTask.Result
		}
	}
	return results
}

// applyOutcomes folds freshly written result sections into the task table.
// Stale documents from earlier attempts are ignored; the attempt number must
// match the live handle.
func (o *Orchestrator) applyOutcomes(ceremonyID string, handles map[string]worker.Handle, opts RunOptions) error {
	for _, taskID := range sortedTaskIDs(handles) {
		handle := handles[taskID]
		doc, err := o.store.ReadTaskResult(ceremonyID, taskID)
		if errors.Is(err, record.ErrResultMissing) {
			continue
		}
		if err != nil {
			o.logger.Printf("orchestrator: result for %s unreadable, leaving to timeout: %v", taskID, err)
			continue
		}
		if doc.WorkerID != handle.WorkerID || doc.Attempt != handle.Attempt {
			continue
		}
		if doc.Status == ceremony.StatusComplete {
			if err := o.completeTask(ceremonyID, taskID, doc); err != nil {
				return err
			}
		} else {
			if err := o.failTask(ceremonyID, taskID, handle, doc.Error, opts); err != nil {
				return err
			}
		}
		_ = o.store.RemoveHeartbeat(ceremonyID, handle.WorkerID)
		delete(handles, taskID)
	}
	return nil
}

func (o *Orchestrator) completeTask(ceremonyID, taskID string, doc record.ResultDoc) error {
	applied := false
	if _, err := o.store.Update(ceremonyID, func(c *ceremony.Ceremony) error {
		task, ok := c.Task(taskID)
		if !ok {
			return fmt.Errorf("orchestrator: ceremony %s has no task %s", ceremonyID, taskID)
		}
		if c.State != ceremony.StateActive || !taskLive(task) {
			return nil
		}
		task.Status = ceremony.StatusComplete
		task.AssignedWorker = ""
		task.Result = strings.TrimSpace(string(doc.Body))
		task.Error = nil
		applied = true
		return nil
	}); err != nil {
		return err
	}
	if !applied {
		o.logger.Printf("orchestrator: task %s already settled, dropping result from %s", taskID, doc.WorkerID)
		return nil
	}
	o.logger.Printf("orchestrator: task %s complete (worker %s)", taskID, doc.WorkerID)
	o.publish(eventbridge.Event{
		Type: eventbridge.EventTaskCompleted, Ceremony: ceremonyID, Task: taskID, Worker: doc.WorkerID,
	})
	return nil
}

// failTask applies one failure, either self-reported or inferred. A
// retryable failure under the attempt budget releases the task back to
// pending; otherwise the task fails terminally and its dependents block.
// Failures for tasks that already settled, for example through a concurrent
// Cancel, are dropped so a cancelled ceremony never resumes scheduling.
func (o *Orchestrator) failTask(ceremonyID, taskID string, handle worker.Handle, taskErr *ceremony.TaskError, opts RunOptions) error {
	if taskErr == nil {
		taskErr = &ceremony.TaskError{
			Kind:    ceremony.ErrKindTaskFailed,
			Message: "worker reported failure without diagnostics",
			Attempt: handle.Attempt,
		}
	}
	retryable := !taskErr.NonRetryable
	if retryable && handle.Attempt < o.maxAttempts {
		requeued := false
		if _, err := o.store.Update(ceremonyID, func(c *ceremony.Ceremony) error {
			task, ok := c.Task(taskID)
			if !ok {
				return fmt.Errorf("orchestrator: ceremony %s has no task %s", ceremonyID, taskID)
			}
			if c.State != ceremony.StateActive || !taskLive(task) {
				return nil
			}
			task.Status = ceremony.StatusPending
			task.AssignedWorker = ""
			task.Error = nil
			requeued = true
			return nil
		}); err != nil {
			return err
		}
		if !requeued {
			o.logger.Printf("orchestrator: task %s already settled, dropping failure from %s", taskID, handle.WorkerID)
			return nil
		}
		if opts.RetainAttempts {
			if err := o.store.RetainAttempt(ceremonyID, taskID, handle.Attempt); err != nil {
				return err
			}
		}
		o.logger.Printf("orchestrator: task %s failed (%s), requeued for attempt %d",
			taskID, taskErr.Kind, handle.Attempt+1)
		o.publish(eventbridge.Event{
			Type: eventbridge.EventTaskRequeued, Ceremony: ceremonyID, Task: taskID, Worker: handle.WorkerID,
			Detail: taskErr.Error(),
		})
		return nil
	}

	var blocked []string
	applied := false
	if _, err := o.store.Update(ceremonyID, func(c *ceremony.Ceremony) error {
		task, ok := c.Task(taskID)
		if !ok {
			return fmt.Errorf("orchestrator: ceremony %s has no task %s", ceremonyID, taskID)
		}
		if c.State != ceremony.StateActive || !taskLive(task) {
			return nil
		}
		applied = true
		task.Status = ceremony.StatusFailed
		task.AssignedWorker = ""
		failed := *taskErr
		task.Error = &failed
		blocked = c.BlockDependents(taskID, &ceremony.TaskError{
			Kind:    ceremony.ErrKindDependencyFailed,
			Message: fmt.Sprintf("dependency %s failed permanently", taskID),
		})
		return nil
	}); err != nil {
		return err
	}
	if !applied {
		o.logger.Printf("orchestrator: task %s already settled, dropping failure from %s", taskID, handle.WorkerID)
		return nil
	}
	o.logger.Printf("orchestrator: task %s failed permanently (%s), blocked %d dependents",
		taskID, taskErr.Kind, len(blocked))
	o.publish(eventbridge.Event{
		Type: eventbridge.EventTaskFailed, Ceremony: ceremonyID, Task: taskID, Worker: handle.WorkerID,
		Detail: taskErr.Error(),
	})
	for _, dependent := range blocked {
		o.publish(eventbridge.Event{
			Type: eventbridge.EventTaskBlocked, Ceremony: ceremonyID, Task: dependent,
			Detail: fmt.Sprintf("dependency %s failed", taskID),
		})
	}
	return nil
}

// reapLost asks the health monitor for silent workers and treats each one as
// a worker_timeout failure. Any partial result a lost worker may have written
// is discarded by the reset; only a matching terminal result document counts.
func (o *Orchestrator) reapLost(ceremonyID string, handles map[string]worker.Handle, opts RunOptions) error {
	if o.monitor == nil || len(handles) == 0 {
		return nil
	}
	live := make([]worker.Handle, 0, len(handles))
	for _, taskID := range sortedTaskIDs(handles) {
		live = append(live, handles[taskID])
	}
	lost, err := o.monitor.Check(ceremonyID, live)
	if err != nil {
		return err
	}
	for _, handle := range lost {
		o.logger.Printf("orchestrator: worker %s lost on task %s (attempt %d)",
			handle.WorkerID, handle.TaskID, handle.Attempt)
		o.publish(eventbridge.Event{
			Type: eventbridge.EventWorkerLost, Ceremony: ceremonyID, Task: handle.TaskID, Worker: handle.WorkerID,
		})
		timeoutErr := &ceremony.TaskError{
			Kind:    ceremony.ErrKindWorkerTimeout,
			Message: fmt.Sprintf("worker %s missed its heartbeat deadline", handle.WorkerID),
			Attempt: handle.Attempt,
		}
		if err := o.failTask(ceremonyID, handle.TaskID, handle, timeoutErr, opts); err != nil {
			return err
		}
		_ = o.store.RemoveHeartbeat(ceremonyID, handle.WorkerID)
		delete(handles, handle.TaskID)
	}
	return nil
}

// finalize derives the terminal ceremony state and, on full completion, runs
// synthesis over the results.
func (o *Orchestrator) finalize(ceremonyID string) (RunResult, error) {
	c, err := o.store.Read(ceremonyID)
	if err != nil {
		return RunResult{}, err
	}
	if c.State == ceremony.StateActive {
		final := c.FinalState()
		c, err = o.store.WriteCeremonyState(ceremonyID, final, o.clock())
		if err != nil {
			return RunResult{}, err
		}
		o.logger.Printf("orchestrator: ceremony %s finalized as %s", ceremonyID, final)
		o.publish(eventbridge.Event{
			Type: eventbridge.EventCeremonyFinalized, Ceremony: ceremonyID, Detail: string(final),
		})
	}
	result := RunResult{Ceremony: c}
	if c.State == ceremony.StateComplete && o.synthesize != nil {
		synthesis, err := o.synthesize(c.Tasks)
		if err != nil {
			return result, fmt.Errorf("orchestrator: synthesize ceremony %s: %w", ceremonyID, err)
		}
		result.Synthesis = synthesis
	}
	return result, nil
}

// taskLive reports whether a task is still held by a worker. Outcomes for
// tasks that left the assigned or in_progress state are stale, most commonly
// after a concurrent Cancel, and must be dropped rather than applied.
func taskLive(task *ceremony.Task) bool {
	return task.Status == ceremony.StatusAssigned || task.Status == ceremony.StatusInProgress
}

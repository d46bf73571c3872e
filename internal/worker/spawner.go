package worker

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Spawner launches one worker per assignment. Spawn returns once the worker
// is started; the outcome arrives through the record, never through the
// spawner.
type Spawner interface {
	Spawn(ctx context.Context, workerID string, assignment Assignment) error
	// Wait blocks until every spawned worker has exited.
	Wait() error
}

// FuncSpawner runs workers as goroutines inside the orchestrator process.
// Used by tests and embedders; isolation is the caller's concern.
type FuncSpawner struct {
	harness *Harness
	group   errgroup.Group
	// OnExit, when set, is invoked after each worker goroutine finishes so
	// the scheduling loop can wake promptly instead of waiting for a poll.
	OnExit func(workerID string)
}

// NewFuncSpawner builds an in-process spawner over a harness.
func NewFuncSpawner(harness *Harness) *FuncSpawner {
	return &FuncSpawner{harness: harness}
}

// Spawn implements Spawner.
func (s *FuncSpawner) Spawn(ctx context.Context, workerID string, assignment Assignment) error {
	s.group.Go(func() error {
		err := s.harness.Execute(ctx, workerID, assignment)
		if s.OnExit != nil {
			s.OnExit(workerID)
		}
		return err
	})
	return nil
}

// Wait implements Spawner.
func (s *FuncSpawner) Wait() error {
	return s.group.Wait()
}

// ProcessSpawner launches one loom-worker process per assignment, giving each
// task real process isolation. The assignment travels on argv and stdin; the
// worker never sees the full record.
type ProcessSpawner struct {
	// Binary is the loom-worker executable path.
	Binary string
	// CeremoniesDir is passed through so the worker can locate the record.
	CeremoniesDir string

	group errgroup.Group
}

// NewProcessSpawner builds a process-per-worker spawner.
func NewProcessSpawner(binary, ceremoniesDir string) *ProcessSpawner {
	return &ProcessSpawner{Binary: binary, CeremoniesDir: ceremoniesDir}
}

// Spawn implements Spawner.
func (s *ProcessSpawner) Spawn(ctx context.Context, workerID string, assignment Assignment) error {
	args := []string{
		"--ceremonies-dir", s.CeremoniesDir,
		"--ceremony", assignment.CeremonyID,
		"--task", assignment.TaskID,
		"--worker", workerID,
		"--kind", assignment.Kind,
		"--attempt", strconv.Itoa(assignment.Attempt),
	}
	for dep := range assignment.DependencyResults {
		args = append(args, "--dep", dep)
	}
	cmd := exec.CommandContext(ctx, s.Binary, args...)
	// The description rides on stdin: payloads are opaque and may not be
	// argv-safe.
	cmd.Stdin = strings.NewReader(assignment.Description)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("worker: spawn %s for task %s: %w", workerID, assignment.TaskID, err)
	}
	s.group.Go(func() error {
		// A non-zero exit without a result write is the LOST path; the health
		// monitor owns detection, so the exit code is not an error here.
		_ = cmd.Wait()
		return nil
	})
	return nil
}

// Wait implements Spawner.
func (s *ProcessSpawner) Wait() error {
	return s.group.Wait()
}

package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kingrea/loom/internal/ceremony"
	"github.com/kingrea/loom/internal/record"
)

func setupAssigned(t *testing.T, workerID string) (*record.Store, Assignment) {
	t.Helper()
	store := record.NewStore(t.TempDir())
	g := ceremony.Graph{Tasks: []ceremony.TaskSpec{
		{ID: "job", Kind: "stub", Description: "do the thing"},
	}}
	c, err := ceremony.New("cer-1", g, 1, time.Now())
	if err != nil {
		t.Fatalf("new ceremony: %v", err)
	}
	if err := store.Create(c); err != nil {
		t.Fatalf("create record: %v", err)
	}
	worker := workerID
	if _, err := store.WriteTaskStatus("cer-1", "job", record.TaskMutation{
		Status:           ceremony.StatusAssigned,
		Worker:           &worker,
		IncrementAttempt: true,
	}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	return store, Assignment{
		CeremonyID:  "cer-1",
		TaskID:      "job",
		Kind:        "stub",
		Description: "do the thing",
		Attempt:     1,
	}
}

func stubRegistry(runner Runner) *Registry {
	registry := NewRegistry()
	registry.Register("stub", runner)
	return registry
}

func TestHarnessWritesCompleteOutcome(t *testing.T) {
	store, assignment := setupAssigned(t, "wrk-1")
	registry := stubRegistry(RunnerFunc(func(ctx context.Context, a Assignment) Outcome {
		return Completed("answer: 42")
	}))
	harness := NewHarness(store, registry)
	if err := harness.Execute(context.Background(), "wrk-1", assignment); err != nil {
		t.Fatalf("execute: %v", err)
	}
	doc, err := store.ReadTaskResult("cer-1", "job")
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	if doc.Status != ceremony.StatusComplete || string(doc.Body) != "answer: 42" {
		t.Fatalf("unexpected result doc: %+v", doc)
	}
	if doc.WorkerID != "wrk-1" || doc.Attempt != 1 {
		t.Fatalf("result metadata wrong: %+v", doc)
	}
}

func TestHarnessWritesFailedOutcome(t *testing.T) {
	store, assignment := setupAssigned(t, "wrk-1")
	registry := stubRegistry(RunnerFunc(func(ctx context.Context, a Assignment) Outcome {
		return Failed(ceremony.ErrKindTaskFailed, "no dice", a.Attempt, true)
	}))
	harness := NewHarness(store, registry)
	if err := harness.Execute(context.Background(), "wrk-1", assignment); err != nil {
		t.Fatalf("execute: %v", err)
	}
	doc, err := store.ReadTaskResult("cer-1", "job")
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	if doc.Status != ceremony.StatusFailed || doc.Error == nil {
		t.Fatalf("expected failed outcome with error, got %+v", doc)
	}
	if doc.Error.Kind != ceremony.ErrKindTaskFailed || !doc.Error.NonRetryable {
		t.Fatalf("error detail lost: %+v", doc.Error)
	}
}

func TestHarnessRecoversPanicIntoFailure(t *testing.T) {
	store, assignment := setupAssigned(t, "wrk-1")
	registry := stubRegistry(RunnerFunc(func(ctx context.Context, a Assignment) Outcome {
		panic("runner exploded")
	}))
	harness := NewHarness(store, registry)
	if err := harness.Execute(context.Background(), "wrk-1", assignment); err != nil {
		t.Fatalf("execute: %v", err)
	}
	doc, err := store.ReadTaskResult("cer-1", "job")
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	if doc.Status != ceremony.StatusFailed || doc.Error == nil || doc.Error.Kind != ceremony.ErrKindWorkerPanic {
		t.Fatalf("expected worker_panic failure, got %+v", doc)
	}
	if !strings.Contains(doc.Error.Message, "runner exploded") {
		t.Fatalf("panic message lost: %+v", doc.Error)
	}
}

func TestHarnessRejectedWriteSurfacesOwnership(t *testing.T) {
	store, assignment := setupAssigned(t, "wrk-1")
	registry := stubRegistry(RunnerFunc(func(ctx context.Context, a Assignment) Outcome {
		return Completed("late")
	}))
	harness := NewHarness(store, registry)
	// The orchestrator already reassigned the task to another worker.
	other := "wrk-2"
	if _, err := store.WriteTaskStatus("cer-1", "job", record.TaskMutation{Worker: &other}); err != nil {
		t.Fatalf("reassign: %v", err)
	}
	err := harness.Execute(context.Background(), "wrk-1", assignment)
	if !errors.Is(err, record.ErrOwnershipViolation) {
		t.Fatalf("expected ownership violation, got %v", err)
	}
}

func TestHarnessTouchesHeartbeat(t *testing.T) {
	store, assignment := setupAssigned(t, "wrk-1")
	registry := stubRegistry(RunnerFunc(func(ctx context.Context, a Assignment) Outcome {
		return Completed("ok")
	}))
	harness := NewHarness(store, registry, WithHeartbeatInterval(10*time.Millisecond))
	if err := harness.Execute(context.Background(), "wrk-1", assignment); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, ok, err := store.HeartbeatTime("cer-1", "wrk-1"); err != nil || !ok {
		t.Fatalf("expected heartbeat file, ok=%v err=%v", ok, err)
	}
}

func TestRegistryResolveUnknownKind(t *testing.T) {
	registry := NewRegistry()
	if _, err := registry.Resolve("mystery"); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
	if !registry.Known(KindExec) {
		t.Fatalf("exec kind should be built in")
	}
}

func TestExecRunnerCapturesStdout(t *testing.T) {
	outcome := ExecRunner{}.Run(context.Background(), Assignment{
		TaskID:      "echo",
		Kind:        KindExec,
		Description: "printf hello",
		Attempt:     1,
	})
	if outcome.Status != ceremony.StatusComplete {
		t.Fatalf("expected complete, got %+v", outcome)
	}
	if outcome.Result != "hello" {
		t.Fatalf("expected stdout captured, got %q", outcome.Result)
	}
}

func TestExecRunnerReportsFailure(t *testing.T) {
	outcome := ExecRunner{}.Run(context.Background(), Assignment{
		TaskID:      "bad",
		Kind:        KindExec,
		Description: "exit 3",
		Attempt:     2,
	})
	if outcome.Status != ceremony.StatusFailed || outcome.Err == nil {
		t.Fatalf("expected failed outcome, got %+v", outcome)
	}
	if outcome.Err.Attempt != 2 {
		t.Fatalf("attempt not recorded: %+v", outcome.Err)
	}
}

func TestExecRunnerExposesDependencyResults(t *testing.T) {
	outcome := ExecRunner{}.Run(context.Background(), Assignment{
		TaskID:      "use-dep",
		Kind:        KindExec,
		Description: `printf '%s' "$LOOM_DEP_GATHER"`,
		Attempt:     1,
		DependencyResults: map[string]string{
			"gather": "upstream-output",
		},
	})
	if outcome.Status != ceremony.StatusComplete {
		t.Fatalf("expected complete, got %+v", outcome)
	}
	if outcome.Result != "upstream-output" {
		t.Fatalf("dependency result not exposed: %q", outcome.Result)
	}
}

package record

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kingrea/loom/internal/ceremony"
)

func testCeremony(t *testing.T, id string) *ceremony.Ceremony {
	t.Helper()
	g := ceremony.Graph{Tasks: []ceremony.TaskSpec{
		{ID: "gather", Kind: "exec", Description: "collect inputs"},
		{ID: "analyze", Kind: "exec", Description: "analyze", DependsOn: []string{"gather"}},
	}}
	c, err := ceremony.New(id, g, 2, time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("new ceremony: %v", err)
	}
	return c
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir())
}

func TestCreateReadRoundTrip(t *testing.T) {
	store := newTestStore(t)
	c := testCeremony(t, "cer-1")
	if err := store.Create(c); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := store.Read("cer-1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.ID != "cer-1" || got.State != ceremony.StateActive || got.MaxConcurrency != 2 {
		t.Fatalf("unexpected ceremony: %+v", got)
	}
	if len(got.Tasks) != 2 || got.Tasks[0].ID != "gather" || got.Tasks[1].ID != "analyze" {
		t.Fatalf("unexpected tasks: %+v", got.Tasks)
	}
	if got.Tasks[1].DependsOn[0] != "gather" {
		t.Fatalf("dependency lost in round trip")
	}
}

func TestCreateRefusesOverwrite(t *testing.T) {
	store := newTestStore(t)
	c := testCeremony(t, "cer-1")
	if err := store.Create(c); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(c); err == nil {
		t.Fatalf("expected error creating existing ceremony")
	}
}

func TestReadMissingCeremony(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Read("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReadRejectsUnknownStatus(t *testing.T) {
	store := newTestStore(t)
	c := testCeremony(t, "cer-1")
	if err := store.Create(c); err != nil {
		t.Fatalf("create: %v", err)
	}
	path := filepath.Join(store.Dir("cer-1"), "ceremony.md")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	mangled := strings.Replace(string(data), "status: pending", "status: half-done", 1)
	if err := os.WriteFile(path, []byte(mangled), 0o644); err != nil {
		t.Fatalf("write mangled record: %v", err)
	}
	_, err = store.Read("cer-1")
	if !errors.Is(err, ErrCorruptRecord) {
		t.Fatalf("expected ErrCorruptRecord, got %v", err)
	}
	var corrupt *CorruptError
	if !errors.As(err, &corrupt) {
		t.Fatalf("expected CorruptError, got %T", err)
	}
	if corrupt.Section != "task gather" {
		t.Fatalf("expected offending section 'task gather', got %q", corrupt.Section)
	}
}

func TestReadRejectsMissingFence(t *testing.T) {
	store := newTestStore(t)
	c := testCeremony(t, "cer-1")
	if err := store.Create(c); err != nil {
		t.Fatalf("create: %v", err)
	}
	path := filepath.Join(store.Dir("cer-1"), "ceremony.md")
	if err := os.WriteFile(path, []byte("not a record"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := store.Read("cer-1"); !errors.Is(err, ErrCorruptRecord) {
		t.Fatalf("expected ErrCorruptRecord, got %v", err)
	}
}

func TestWriteTaskStatusMutations(t *testing.T) {
	store := newTestStore(t)
	if err := store.Create(testCeremony(t, "cer-1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	worker := "wrk-1"
	c, err := store.WriteTaskStatus("cer-1", "gather", TaskMutation{
		Status:           ceremony.StatusAssigned,
		Worker:           &worker,
		IncrementAttempt: true,
	})
	if err != nil {
		t.Fatalf("write status: %v", err)
	}
	task, _ := c.Task("gather")
	if task.Status != ceremony.StatusAssigned || task.AssignedWorker != "wrk-1" || task.Attempts != 1 {
		t.Fatalf("unexpected task after mutation: %+v", task)
	}
	got, err := store.Read("cer-1")
	if err != nil {
		t.Fatalf("re-read: %v", err)
	}
	task, _ = got.Task("gather")
	if task.Status != ceremony.StatusAssigned || task.Attempts != 1 {
		t.Fatalf("mutation not persisted: %+v", task)
	}
}

func assignTask(t *testing.T, store *Store, ceremonyID, taskID, workerID string) {
	t.Helper()
	worker := workerID
	if _, err := store.WriteTaskStatus(ceremonyID, taskID, TaskMutation{
		Status:           ceremony.StatusAssigned,
		Worker:           &worker,
		IncrementAttempt: true,
	}); err != nil {
		t.Fatalf("assign %s: %v", taskID, err)
	}
}

func TestWriteTaskResultEnforcesOwnership(t *testing.T) {
	store := newTestStore(t)
	if err := store.Create(testCeremony(t, "cer-1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	doc := ResultDoc{
		TaskID:   "gather",
		WorkerID: "wrk-1",
		Status:   ceremony.StatusComplete,
		Attempt:  1,
		Body:     []byte("payload"),
	}
	// Task is still pending: nobody owns it.
	if err := store.WriteTaskResult("cer-1", doc); !errors.Is(err, ErrOwnershipViolation) {
		t.Fatalf("expected ErrOwnershipViolation for pending task, got %v", err)
	}
	assignTask(t, store, "cer-1", "gather", "wrk-1")
	// Wrong worker.
	bad := doc
	bad.WorkerID = "wrk-2"
	if err := store.WriteTaskResult("cer-1", bad); !errors.Is(err, ErrOwnershipViolation) {
		t.Fatalf("expected ErrOwnershipViolation for wrong worker, got %v", err)
	}
	if err := store.WriteTaskResult("cer-1", doc); err != nil {
		t.Fatalf("owning worker write: %v", err)
	}
	got, err := store.ReadTaskResult("cer-1", "gather")
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	if got.Status != ceremony.StatusComplete || string(got.Body) != "payload" || got.WorkerID != "wrk-1" {
		t.Fatalf("unexpected result doc: %+v", got)
	}
}

func TestReadTaskResultMissing(t *testing.T) {
	store := newTestStore(t)
	if err := store.Create(testCeremony(t, "cer-1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.ReadTaskResult("cer-1", "gather"); !errors.Is(err, ErrResultMissing) {
		t.Fatalf("expected ErrResultMissing, got %v", err)
	}
}

func TestConcurrentResultWritesStayParseable(t *testing.T) {
	store := newTestStore(t)
	specs := make([]ceremony.TaskSpec, 0, 8)
	for i := 0; i < 8; i++ {
		specs = append(specs, ceremony.TaskSpec{
			ID:          fmt.Sprintf("task-%d", i),
			Kind:        "exec",
			Description: "work",
		})
	}
	c, err := ceremony.New("cer-k", ceremony.Graph{Tasks: specs}, 8, time.Now())
	if err != nil {
		t.Fatalf("new ceremony: %v", err)
	}
	if err := store.Create(c); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := range specs {
		assignTask(t, store, "cer-k", specs[i].ID, fmt.Sprintf("wrk-%d", i))
	}
	var wg sync.WaitGroup
	errs := make(chan error, len(specs))
	for i := range specs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- store.WriteTaskResult("cer-k", ResultDoc{
				TaskID:   specs[i].ID,
				WorkerID: fmt.Sprintf("wrk-%d", i),
				Status:   ceremony.StatusComplete,
				Attempt:  1,
				Body:     []byte(fmt.Sprintf("result-%d", i)),
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent write: %v", err)
		}
	}
	for i := range specs {
		doc, err := store.ReadTaskResult("cer-k", specs[i].ID)
		if err != nil {
			t.Fatalf("read result %d: %v", i, err)
		}
		if string(doc.Body) != fmt.Sprintf("result-%d", i) {
			t.Fatalf("result %d: unexpected body %q", i, doc.Body)
		}
	}
	if _, err := store.Read("cer-k"); err != nil {
		t.Fatalf("record unparseable after concurrent writes: %v", err)
	}
}

func TestRetainAttemptPreservesAuditTrail(t *testing.T) {
	store := newTestStore(t)
	if err := store.Create(testCeremony(t, "cer-1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	assignTask(t, store, "cer-1", "gather", "wrk-1")
	if err := store.WriteTaskResult("cer-1", ResultDoc{
		TaskID: "gather", WorkerID: "wrk-1", Status: ceremony.StatusFailed,
		Attempt: 1, Error: &ceremony.TaskError{Kind: ceremony.ErrKindTaskFailed, Message: "boom", Attempt: 1},
	}); err != nil {
		t.Fatalf("write result: %v", err)
	}
	if err := store.RetainAttempt("cer-1", "gather", 1); err != nil {
		t.Fatalf("retain: %v", err)
	}
	if _, err := store.ReadTaskResult("cer-1", "gather"); !errors.Is(err, ErrResultMissing) {
		t.Fatalf("expected result moved aside, got %v", err)
	}
	retained := filepath.Join(store.ResultsDir("cer-1"), "gather.attempt-1.md")
	if _, err := os.Stat(retained); err != nil {
		t.Fatalf("retained attempt missing: %v", err)
	}
	// Retaining again with no current result is a no-op.
	if err := store.RetainAttempt("cer-1", "gather", 2); err != nil {
		t.Fatalf("retain without result: %v", err)
	}
}

func TestHeartbeatLifecycle(t *testing.T) {
	store := newTestStore(t)
	if err := store.Create(testCeremony(t, "cer-1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, ok, err := store.HeartbeatTime("cer-1", "wrk-1"); err != nil || ok {
		t.Fatalf("expected no heartbeat, got ok=%v err=%v", ok, err)
	}
	if err := store.TouchHeartbeat("cer-1", "wrk-1"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	when, ok, err := store.HeartbeatTime("cer-1", "wrk-1")
	if err != nil || !ok {
		t.Fatalf("expected heartbeat, got ok=%v err=%v", ok, err)
	}
	if time.Since(when) > time.Minute {
		t.Fatalf("heartbeat mtime unexpectedly old: %v", when)
	}
	if err := store.RemoveHeartbeat("cer-1", "wrk-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok, _ := store.HeartbeatTime("cer-1", "wrk-1"); ok {
		t.Fatalf("heartbeat should be gone")
	}
}

func TestListCeremonies(t *testing.T) {
	store := newTestStore(t)
	for _, id := range []string{"cer-b", "cer-a"} {
		if err := store.Create(testCeremony(t, id)); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	ids, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 || ids[0] != "cer-a" || ids[1] != "cer-b" {
		t.Fatalf("unexpected listing: %v", ids)
	}
}

package health

import (
	"testing"
	"time"

	"github.com/kingrea/loom/internal/ceremony"
	"github.com/kingrea/loom/internal/record"
	"github.com/kingrea/loom/internal/worker"
)

func setupStore(t *testing.T) *record.Store {
	t.Helper()
	store := record.NewStore(t.TempDir())
	g := ceremony.Graph{Tasks: []ceremony.TaskSpec{
		{ID: "job", Kind: "exec", Description: "work"},
	}}
	c, err := ceremony.New("cer-1", g, 1, time.Now())
	if err != nil {
		t.Fatalf("new ceremony: %v", err)
	}
	if err := store.Create(c); err != nil {
		t.Fatalf("create: %v", err)
	}
	return store
}

func TestCheckDeclaresSilentWorkerLost(t *testing.T) {
	store := setupStore(t)
	base := time.Now()
	now := base
	monitor := NewMonitor(store, 30*time.Second, WithClock(func() time.Time { return now }))
	handles := []worker.Handle{{
		WorkerID:  "wrk-1",
		TaskID:    "job",
		SpawnedAt: base,
		State:     worker.RunStateRunning,
	}}
	lost, err := monitor.Check("cer-1", handles)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(lost) != 0 {
		t.Fatalf("fresh worker should not be lost")
	}
	now = base.Add(time.Minute)
	lost, err = monitor.Check("cer-1", handles)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(lost) != 1 || lost[0].WorkerID != "wrk-1" {
		t.Fatalf("expected wrk-1 lost, got %+v", lost)
	}
	if lost[0].State != worker.RunStateLost {
		t.Fatalf("expected lost state, got %s", lost[0].State)
	}
}

func TestCheckHonorsHeartbeat(t *testing.T) {
	store := setupStore(t)
	base := time.Now()
	now := base.Add(time.Minute)
	monitor := NewMonitor(store, 30*time.Second, WithClock(func() time.Time { return now }))
	if err := store.TouchHeartbeat("cer-1", "wrk-1"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	handles := []worker.Handle{{WorkerID: "wrk-1", TaskID: "job", SpawnedAt: base}}
	// Heartbeat file mtime is "now" on disk, so the worker is alive even
	// though it was spawned a minute ago by the injected clock.
	lost, err := monitor.Check("cer-1", handles)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(lost) != 0 {
		t.Fatalf("recent heartbeat should keep worker alive, got %+v", lost)
	}
}

func TestSummarizeCountsLost(t *testing.T) {
	store := setupStore(t)
	base := time.Now()
	now := base.Add(time.Minute)
	monitor := NewMonitor(store, 30*time.Second, WithClock(func() time.Time { return now }))
	if err := store.TouchHeartbeat("cer-1", "alive"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	handles := []worker.Handle{
		{WorkerID: "alive", TaskID: "job", SpawnedAt: base},
		{WorkerID: "silent", TaskID: "job", SpawnedAt: base},
	}
	summary, err := monitor.Summarize("cer-1", handles)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if summary.Running != 1 || summary.Lost != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

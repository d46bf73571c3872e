package scheduler

import (
	"testing"
	"time"

	"github.com/kingrea/loom/internal/ceremony"
)

func buildCeremony(t *testing.T, specs []ceremony.TaskSpec, maxConcurrency int) *ceremony.Ceremony {
	t.Helper()
	c, err := ceremony.New("cer-test", ceremony.Graph{Tasks: specs}, maxConcurrency, time.Now())
	if err != nil {
		t.Fatalf("new ceremony: %v", err)
	}
	return c
}

func ids(batch Batch) []string {
	out := make([]string, 0, len(batch.Tasks))
	for _, task := range batch.Tasks {
		out = append(out, task.ID)
	}
	return out
}

func TestEligibleRespectsDependencies(t *testing.T) {
	c := buildCeremony(t, []ceremony.TaskSpec{
		{ID: "a", Kind: "exec", Description: "a"},
		{ID: "b", Kind: "exec", Description: "b", DependsOn: []string{"a"}},
	}, 4)
	batch := Eligible(c, Request{})
	if got := ids(batch); len(got) != 1 || got[0] != "a" {
		t.Fatalf("expected only a eligible, got %v", got)
	}
	if reason, ok := batch.Skipped["b"]; !ok || reason.Reason != SkipReasonDependencies {
		t.Fatalf("expected b skipped on dependencies, got %+v", batch.Skipped)
	}
	// While a is in progress, b must stay ineligible.
	taskA, _ := c.Task("a")
	taskA.Status = ceremony.StatusInProgress
	batch = Eligible(c, Request{Running: []string{"a"}})
	if len(batch.Tasks) != 0 {
		t.Fatalf("expected nothing eligible, got %v", ids(batch))
	}
	taskA.Status = ceremony.StatusComplete
	batch = Eligible(c, Request{})
	if got := ids(batch); len(got) != 1 || got[0] != "b" {
		t.Fatalf("expected b eligible after a completes, got %v", got)
	}
}

func TestEligibleDeclarationOrderTieBreak(t *testing.T) {
	c := buildCeremony(t, []ceremony.TaskSpec{
		{ID: "third", Kind: "exec", Description: "t"},
		{ID: "first", Kind: "exec", Description: "f"},
		{ID: "second", Kind: "exec", Description: "s"},
	}, 4)
	batch := Eligible(c, Request{})
	want := []string{"third", "first", "second"}
	got := ids(batch)
	if len(got) != len(want) {
		t.Fatalf("expected %d eligible, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("declaration order violated: got %v", got)
		}
	}
}

func TestEligibleHonorsConcurrencyBudget(t *testing.T) {
	c := buildCeremony(t, []ceremony.TaskSpec{
		{ID: "a", Kind: "exec", Description: "a"},
		{ID: "b", Kind: "exec", Description: "b"},
		{ID: "c", Kind: "exec", Description: "c"},
	}, 2)
	batch := Eligible(c, Request{MaxConcurrency: 2, Running: []string{"other"}})
	if got := ids(batch); len(got) != 1 || got[0] != "a" {
		t.Fatalf("expected single slot used by a, got %v", got)
	}
	if reason, ok := batch.Skipped["b"]; !ok || reason.Reason != SkipReasonConcurrency {
		t.Fatalf("expected b skipped on concurrency, got %+v", batch.Skipped)
	}
	batch = Eligible(c, Request{MaxConcurrency: 2, Running: []string{"x", "y"}})
	if len(batch.Tasks) != 0 {
		t.Fatalf("expected no slots, got %v", ids(batch))
	}
}

func TestHasProgressPotential(t *testing.T) {
	c := buildCeremony(t, []ceremony.TaskSpec{
		{ID: "a", Kind: "exec", Description: "a"},
		{ID: "b", Kind: "exec", Description: "b", DependsOn: []string{"a"}},
	}, 1)
	if !HasProgressPotential(c) {
		t.Fatalf("pending tasks should mean progress potential")
	}
	taskA, _ := c.Task("a")
	taskB, _ := c.Task("b")
	taskA.Status = ceremony.StatusFailed
	taskB.Status = ceremony.StatusBlocked
	if HasProgressPotential(c) {
		t.Fatalf("terminal tasks should mean no progress potential")
	}
	taskA.Status = ceremony.StatusComplete
	taskB.Status = ceremony.StatusComplete
	if HasProgressPotential(c) {
		t.Fatalf("completed ceremony has no further progress")
	}
}

// cmd/loom-worker/main.go
//
// One process per task. The orchestrator spawns this binary with the task's
// identity on argv and the opaque description on stdin; the worker reads only
// its declared dependency results from the record, runs the task, writes
// exactly one result section, and exits. It never sees the task table and
// never writes anyone else's section.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kingrea/loom/internal/record"
	"github.com/kingrea/loom/internal/worker"
)

func main() {
	ceremoniesDir := flag.String("ceremonies-dir", "", "root of the ceremony records")
	ceremonyID := flag.String("ceremony", "", "ceremony identifier")
	taskID := flag.String("task", "", "task identifier")
	workerID := flag.String("worker", "", "worker identifier assigned by the orchestrator")
	kind := flag.String("kind", worker.KindExec, "runner kind for this task")
	attempt := flag.Int("attempt", 1, "attempt number for this execution")
	heartbeat := flag.Duration("heartbeat", 2*time.Second, "heartbeat interval")
	deps := depFlag{}
	flag.Var(&deps, "dep", "dependency task ID whose result this task reads (repeatable)")
	flag.Parse()

	for name, value := range map[string]string{
		"--ceremonies-dir": *ceremoniesDir,
		"--ceremony":       *ceremonyID,
		"--task":           *taskID,
		"--worker":         *workerID,
	} {
		if strings.TrimSpace(value) == "" {
			die("%s is required", name)
		}
	}

	description, err := io.ReadAll(os.Stdin)
	if err != nil {
		die("read task description: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := record.NewStore(*ceremoniesDir)
	registry := worker.NewRegistry()
	harness := worker.NewHarness(store, registry, worker.WithHeartbeatInterval(*heartbeat))

	// A dependency is read straight from its result section. This is the
	// whole record surface a worker is allowed to touch besides its own
	// result and heartbeat.
	results := make(map[string]string, len(deps))
	for _, dep := range deps {
		doc, err := store.ReadTaskResult(*ceremonyID, dep)
		if err != nil {
			die("read dependency %s: %v", dep, err)
		}
		results[dep] = strings.TrimSpace(string(doc.Body))
	}

	assignment := worker.Assignment{
		CeremonyID:        *ceremonyID,
		TaskID:            *taskID,
		Kind:              *kind,
		Description:       string(description),
		Attempt:           *attempt,
		DependencyResults: results,
	}
	if err := harness.Execute(ctx, *workerID, assignment); err != nil {
		die("execute task %s: %v", *taskID, err)
	}
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "loom-worker: "+format+"\n", args...)
	os.Exit(1)
}

type depFlag []string

func (f *depFlag) String() string {
	return strings.Join(*f, ",")
}

func (f *depFlag) Set(value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return fmt.Errorf("empty dependency ID")
	}
	*f = append(*f, value)
	return nil
}

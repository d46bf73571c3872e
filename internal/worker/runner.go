package worker

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/kingrea/loom/internal/ceremony"
)

// Runner interprets one task kind. The task description is opaque to the rest
// of the system; only the runner for its kind understands it.
type Runner interface {
	Run(ctx context.Context, assignment Assignment) Outcome
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, assignment Assignment) Outcome

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, assignment Assignment) Outcome {
	return f(ctx, assignment)
}

// Registry maps task kinds to runners. Kinds are validated at convene time so
// a malformed task never consumes a worker slot.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

// NewRegistry returns a registry with the built-in exec runner installed.
func NewRegistry() *Registry {
	r := &Registry{runners: make(map[string]Runner)}
	r.Register(KindExec, ExecRunner{})
	return r
}

// Register installs a runner for a task kind, replacing any previous runner.
func (r *Registry) Register(kind string, runner Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[kind] = runner
}

// Resolve returns the runner for a kind.
func (r *Registry) Resolve(kind string) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[kind]
	if !ok {
		return nil, fmt.Errorf("worker: no runner registered for kind %q", kind)
	}
	return runner, nil
}

// Known reports whether a kind has a registered runner.
func (r *Registry) Known(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.runners[kind]
	return ok
}

// Kinds lists registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.runners))
	for kind := range r.runners {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// KindExec is the built-in reference task kind: the description is a shell
// command, dependency results are exported as LOOM_DEP_<id> environment
// variables, and stdout becomes the result payload.
const KindExec = "exec"

// ExecRunner runs exec-kind tasks through the shell.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, assignment Assignment) Outcome {
	cmd := exec.CommandContext(ctx, "sh", "-c", assignment.Description)
	cmd.Env = append(cmd.Environ(), dependencyEnv(assignment)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		message := strings.TrimSpace(stderr.String())
		if message == "" {
			message = err.Error()
		}
		return Failed(ceremony.ErrKindTaskFailed, message, assignment.Attempt, false)
	}
	return Completed(stdout.String())
}

func dependencyEnv(assignment Assignment) []string {
	if len(assignment.DependencyResults) == 0 {
		return nil
	}
	env := make([]string, 0, len(assignment.DependencyResults))
	for dep, result := range assignment.DependencyResults {
		env = append(env, fmt.Sprintf("LOOM_DEP_%s=%s", sanitizeEnvKey(dep), strings.TrimRight(result, "\n")))
	}
	sort.Strings(env)
	return env
}

func sanitizeEnvKey(id string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, id)
	return strings.ToUpper(mapped)
}

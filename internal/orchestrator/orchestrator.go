// Package orchestrator owns the ceremony lifecycle: it convenes a ceremony
// from a task graph, runs the scheduling loop that spawns workers and applies
// their outcomes, and finalizes the ceremony when no further progress is
// possible. It is the single writer of the task table; workers only ever
// write their own result sections.
package orchestrator

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/loom/internal/ceremony"
	"github.com/kingrea/loom/internal/eventbridge"
	"github.com/kingrea/loom/internal/health"
	"github.com/kingrea/loom/internal/record"
	"github.com/kingrea/loom/internal/worker"
)

const (
	// DefaultMaxAttempts bounds retries per task, counting the first run.
	DefaultMaxAttempts = 2
	// DefaultPollInterval bounds how long the loop sleeps between record
	// re-checks when no wake signal arrives.
	DefaultPollInterval = 2 * time.Second
)

// ErrUnknownTaskKind is returned by Convene when a task names a kind no
// runner is registered for.
var ErrUnknownTaskKind = errors.New("orchestrator: unknown task kind")

// Logger is the minimal logging surface the orchestrator needs.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Synthesis combines completed task results into the ceremony's final
// payload. It runs only when every task completed.
type Synthesis func(tasks []*ceremony.Task) (string, error)

// Orchestrator drives ceremonies over a record store.
type Orchestrator struct {
	store      *record.Store
	spawner    worker.Spawner
	monitor    *health.Monitor
	registry   *worker.Registry
	events     *eventbridge.Broadcaster
	logger     Logger
	clock      func() time.Time
	synthesize Synthesis

	maxAttempts  int
	pollInterval time.Duration
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithRegistry enables kind validation at convene time.
func WithRegistry(registry *worker.Registry) Option {
	return func(o *Orchestrator) { o.registry = registry }
}

// WithEvents publishes progress to the given broadcaster.
func WithEvents(events *eventbridge.Broadcaster) Option {
	return func(o *Orchestrator) {
		if events != nil {
			o.events = events
		}
	}
}

// WithLogger overrides the default no-op logger.
func WithLogger(l Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock injects a deterministic clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithMaxAttempts sets the retry budget per task, counting the first run.
func WithMaxAttempts(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithPollInterval sets the loop's fallback wake interval.
func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithSynthesis installs the function that folds task results into the final
// ceremony payload.
func WithSynthesis(fn Synthesis) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.synthesize = fn
		}
	}
}

// New builds an orchestrator. The monitor decides when a silent worker is
// declared lost; the spawner decides where workers actually run.
func New(store *record.Store, spawner worker.Spawner, monitor *health.Monitor, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:        store,
		spawner:      spawner,
		monitor:      monitor,
		events:       eventbridge.NewBroadcaster(),
		logger:       nopLogger{},
		clock:        func() time.Time { return time.Now().UTC() },
		synthesize:   defaultSynthesis,
		maxAttempts:  DefaultMaxAttempts,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Convene validates the task graph, creates the ceremony record, and returns
// the new ceremony. It does not start the scheduling loop; call Run next.
func (o *Orchestrator) Convene(graph ceremony.Graph, maxConcurrency int) (*ceremony.Ceremony, error) {
	if o.registry != nil {
		for _, spec := range graph.Tasks {
			if !o.registry.Known(spec.Kind) {
				return nil, fmt.Errorf("%w: task %s kind %q (known: %s)",
					ErrUnknownTaskKind, spec.ID, spec.Kind, strings.Join(o.registry.Kinds(), ", "))
			}
		}
	}
	id := "cer-" + uuid.NewString()
	c, err := ceremony.New(id, graph, maxConcurrency, o.clock())
	if err != nil {
		return nil, err
	}
	if err := o.store.Create(c); err != nil {
		return nil, err
	}
	o.logger.Printf("orchestrator: convened ceremony %s with %d tasks", id, len(c.Tasks))
	o.publish(eventbridge.Event{Type: eventbridge.EventCeremonyConvened, Ceremony: id,
		Detail: fmt.Sprintf("%d tasks, max concurrency %d", len(c.Tasks), c.MaxConcurrency)})
	return c, nil
}

// Status returns the current ceremony snapshot as persisted in the record.
func (o *Orchestrator) Status(ceremonyID string) (*ceremony.Ceremony, error) {
	return o.store.Read(ceremonyID)
}

// Cancel closes a ceremony before it settled: live tasks fail with a
// cancellation error, untouched tasks are blocked, and the ceremony finalizes
// as partial. Safe to call on a ceremony whose orchestrator is gone.
func (o *Orchestrator) Cancel(ceremonyID string) (*ceremony.Ceremony, error) {
	c, err := o.store.Update(ceremonyID, func(c *ceremony.Ceremony) error {
		for _, task := range c.Tasks {
			switch task.Status {
			case ceremony.StatusAssigned, ceremony.StatusInProgress:
				task.Status = ceremony.StatusFailed
				task.AssignedWorker = ""
				task.Error = &ceremony.TaskError{
					Kind:    ceremony.ErrKindCeremonyCancelled,
					Message: "ceremony cancelled while task was running",
					Attempt: task.Attempts,
				}
			case ceremony.StatusPending:
				task.Status = ceremony.StatusBlocked
				task.Error = &ceremony.TaskError{
					Kind:    ceremony.ErrKindCeremonyCancelled,
					Message: "ceremony cancelled before task started",
				}
			}
		}
		c.State = ceremony.StatePartial
		c.CompletedAt = o.clock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.logger.Printf("orchestrator: cancelled ceremony %s", ceremonyID)
	o.publish(eventbridge.Event{Type: eventbridge.EventCeremonyCancelled, Ceremony: ceremonyID})
	return c, nil
}

func (o *Orchestrator) publish(event eventbridge.Event) {
	if o.events != nil {
		o.events.Publish(event)
	}
}

// defaultSynthesis renders one line per completed task, in declaration order.
func defaultSynthesis(tasks []*ceremony.Task) (string, error) {
	var b strings.Builder
	for _, task := range tasks {
		result := strings.TrimSpace(task.Result)
		if result == "" {
			result = "(no output)"
		}
		fmt.Fprintf(&b, "%s: %s\n", task.ID, result)
	}
	return b.String(), nil
}

func sortedTaskIDs(handles map[string]worker.Handle) []string {
	ids := make([]string, 0, len(handles))
	for id := range handles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

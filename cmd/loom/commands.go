package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/loom/internal/ceremony"
	"github.com/kingrea/loom/internal/config"
	"github.com/kingrea/loom/internal/eventbridge"
	"github.com/kingrea/loom/internal/health"
	"github.com/kingrea/loom/internal/logbook"
	"github.com/kingrea/loom/internal/logging"
	"github.com/kingrea/loom/internal/orchestrator"
	"github.com/kingrea/loom/internal/record"
	"github.com/kingrea/loom/internal/replay"
	"github.com/kingrea/loom/internal/tui"
	"github.com/kingrea/loom/internal/worker"
)

// graphFile is the on-disk shape of a work graph handed to convene.
type graphFile struct {
	Tasks          []ceremony.TaskSpec `yaml:"tasks"`
	MaxConcurrency int                 `yaml:"max_concurrency"`
}

// runtime bundles everything a scheduling run needs.
type runtime struct {
	cfg          *config.Config
	store        *record.Store
	registry     *worker.Registry
	orchestrator *orchestrator.Orchestrator
	events       *eventbridge.Broadcaster
	logger       *logging.Logger
	bridge       *eventbridge.Server
}

func (r *runtime) close(ctx context.Context) {
	if r.bridge != nil {
		_ = r.bridge.Shutdown(ctx)
	}
	_ = r.logger.Close()
}

// newRuntime wires the store, worker runtime, health monitor, and
// orchestrator for one project. With inProcess set, workers run as goroutines
// instead of loom-worker processes.
func newRuntime(project string, inProcess bool, workerBin string) (*runtime, error) {
	cfg, err := config.NewConfig(project)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(project)
	if err != nil {
		return nil, err
	}
	store := record.NewStore(cfg.CeremoniesDir())
	registry := worker.NewRegistry()
	events := eventbridge.NewBroadcaster()

	var spawner worker.Spawner
	if inProcess {
		harness := worker.NewHarness(store, registry,
			worker.WithHeartbeatInterval(cfg.HeartbeatInterval()))
		spawner = worker.NewFuncSpawner(harness)
	} else {
		bin, err := resolveWorkerBinary(workerBin)
		if err != nil {
			return nil, err
		}
		spawner = worker.NewProcessSpawner(bin, cfg.CeremoniesDir())
	}
	monitor := health.NewMonitor(store, cfg.TaskTimeout())
	o := orchestrator.New(store, spawner, monitor,
		orchestrator.WithRegistry(registry),
		orchestrator.WithEvents(events),
		orchestrator.WithLogger(logger),
		orchestrator.WithMaxAttempts(cfg.MaxAttempts()),
		orchestrator.WithPollInterval(cfg.PollInterval()),
	)
	return &runtime{
		cfg:          cfg,
		store:        store,
		registry:     registry,
		orchestrator: o,
		events:       events,
		logger:       logger,
	}, nil
}

// resolveWorkerBinary prefers a loom-worker next to this executable, then the
// PATH.
func resolveWorkerBinary(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if self, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(self), "loom-worker")
		if _, err := os.Stat(sibling); err == nil {
			return sibling, nil
		}
	}
	if found, err := exec.LookPath("loom-worker"); err == nil {
		return found, nil
	}
	return "", fmt.Errorf("loom-worker binary not found; install it or pass --in-process")
}

// startBridge serves ceremony events over HTTP/websocket for the duration of
// a run.
func (r *runtime) startBridge(ctx context.Context) error {
	settings := eventbridge.SettingsFromConfig(r.cfg)
	settings.Enabled = true
	r.bridge = eventbridge.NewServer(settings, r.events, eventbridge.WithLogger(r.logger))
	if err := r.bridge.Start(ctx); err != nil {
		return err
	}
	fmt.Printf("event bridge listening on %s\n", r.bridge.BaseURL())
	return nil
}

// journalEvents copies broadcaster events into the ceremony journal until the
// subscription is closed.
func (r *runtime) journalEvents(ceremonyID string) func() {
	book, err := logbook.ForCeremony(r.store.Dir(ceremonyID))
	if err != nil {
		r.logger.Warnf("open journal for %s: %v", ceremonyID, err)
		return func() {}
	}
	sub := r.events.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for event := range sub {
			if event.Ceremony != ceremonyID {
				continue
			}
			level := logbook.LevelInfo
			switch event.Type {
			case eventbridge.EventTaskFailed, eventbridge.EventWorkerLost:
				level = logbook.LevelError
			case eventbridge.EventTaskBlocked, eventbridge.EventTaskRequeued, eventbridge.EventCeremonyCancelled:
				level = logbook.LevelWarn
			}
			book.Append(level, formatEvent(event))
		}
	}()
	return func() {
		r.events.Unsubscribe(sub)
		<-done
	}
}

func formatEvent(event eventbridge.Event) string {
	parts := []string{string(event.Type)}
	if event.Task != "" {
		parts = append(parts, "task="+event.Task)
	}
	if event.Worker != "" {
		parts = append(parts, "worker="+event.Worker)
	}
	if event.Detail != "" {
		parts = append(parts, event.Detail)
	}
	return strings.Join(parts, " ")
}

func runConvene(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("convene", flag.ExitOnError)
	project := flags.String("project", "", "project directory (defaults to cwd)")
	graphPath := flags.String("graph", "", "path to the task graph YAML file")
	maxConcurrency := flags.Int("max-concurrency", 0, "override the worker slot bound")
	inProcess := flags.Bool("in-process", false, "run workers as goroutines instead of processes")
	workerBin := flags.String("worker-bin", "", "path to the loom-worker binary")
	serve := flags.Bool("serve", false, "stream progress over the event bridge while running")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *graphPath == "" {
		return fmt.Errorf("convene: --graph is required")
	}
	dir, err := projectDir(*project)
	if err != nil {
		return err
	}
	rt, err := newRuntime(dir, *inProcess, *workerBin)
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	graph, limit, err := loadGraph(*graphPath)
	if err != nil {
		return err
	}
	if *maxConcurrency > 0 {
		limit = *maxConcurrency
	}
	if limit <= 0 {
		limit = rt.cfg.MaxConcurrency()
	}

	c, err := rt.orchestrator.Convene(graph, limit)
	if err != nil {
		return err
	}
	fmt.Printf("convened ceremony %s (%d tasks)\n", c.ID, len(c.Tasks))

	if *serve {
		if err := rt.startBridge(ctx); err != nil {
			return err
		}
	}
	stopJournal := rt.journalEvents(c.ID)
	defer stopJournal()

	result, err := rt.orchestrator.Run(ctx, c.ID, orchestrator.RunOptions{})
	if err != nil {
		return err
	}
	printCeremony(result.Ceremony)
	if result.Synthesis != "" {
		fmt.Printf("\nSynthesis:\n%s", result.Synthesis)
	}
	if result.Ceremony.State != ceremony.StateComplete {
		rt.logger.Errorf("ceremony %s finished %s", c.ID, result.Ceremony.State)
		return fmt.Errorf("ceremony %s finished %s; try 'loom replay --ceremony %s'",
			c.ID, result.Ceremony.State, c.ID)
	}
	return nil
}

func loadGraph(path string) (ceremony.Graph, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ceremony.Graph{}, 0, fmt.Errorf("read graph: %w", err)
	}
	var file graphFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return ceremony.Graph{}, 0, fmt.Errorf("parse graph %s: %w", path, err)
	}
	return ceremony.Graph{Tasks: file.Tasks}, file.MaxConcurrency, nil
}

func runReplay(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("replay", flag.ExitOnError)
	project := flags.String("project", "", "project directory (defaults to cwd)")
	ceremonyID := flags.String("ceremony", "", "ceremony to replay")
	modeFlag := flags.String("mode", "", "resume, restart, selective, or debug (default: heuristic)")
	tasks := stringListFlag{}
	flags.Var(&tasks, "task", "task ID to reset (selective mode, repeatable)")
	inProcess := flags.Bool("in-process", false, "run workers as goroutines instead of processes")
	workerBin := flags.String("worker-bin", "", "path to the loom-worker binary")
	serve := flags.Bool("serve", false, "stream progress over the event bridge while running")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *ceremonyID == "" {
		return fmt.Errorf("replay: --ceremony is required")
	}
	dir, err := projectDir(*project)
	if err != nil {
		return err
	}
	rt, err := newRuntime(dir, *inProcess, *workerBin)
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	snapshot, err := rt.store.Read(*ceremonyID)
	if err != nil {
		return err
	}
	mode := replay.Mode(*modeFlag)
	if *modeFlag == "" {
		mode = replay.DefaultMode(snapshot)
		fmt.Printf("no mode given, defaulting to %s\n", mode)
	} else if mode, err = replay.ParseMode(*modeFlag); err != nil {
		return err
	}
	plan, err := replay.PlanFor(snapshot, mode, tasks)
	if err != nil {
		return err
	}
	rt.events.Publish(eventbridge.Event{
		Type:     eventbridge.EventReplayPlanned,
		Ceremony: *ceremonyID,
		Detail:   fmt.Sprintf("%s, resetting %d tasks", plan.Mode, len(plan.Reset)),
	})
	if _, err := replay.Apply(rt.store, plan); err != nil {
		return err
	}
	fmt.Printf("replaying ceremony %s (%s, %d tasks reset)\n", *ceremonyID, plan.Mode, len(plan.Reset))

	if *serve {
		if err := rt.startBridge(ctx); err != nil {
			return err
		}
	}
	stopJournal := rt.journalEvents(*ceremonyID)
	defer stopJournal()

	result, err := rt.orchestrator.Run(ctx, *ceremonyID, orchestrator.RunOptions{
		MaxConcurrency: plan.MaxConcurrency,
		RetainAttempts: plan.RetainAttempts,
	})
	if err != nil {
		return err
	}
	printCeremony(result.Ceremony)
	if result.Synthesis != "" {
		fmt.Printf("\nSynthesis:\n%s", result.Synthesis)
	}
	return nil
}

func runStatus(args []string) error {
	flags := flag.NewFlagSet("status", flag.ExitOnError)
	project := flags.String("project", "", "project directory (defaults to cwd)")
	ceremonyID := flags.String("ceremony", "", "ceremony to inspect")
	if err := flags.Parse(args); err != nil {
		return err
	}
	dir, err := projectDir(*project)
	if err != nil {
		return err
	}
	cfg, err := config.NewConfig(dir)
	if err != nil {
		return err
	}
	store := record.NewStore(cfg.CeremoniesDir())
	if *ceremonyID == "" {
		// No ceremony named: summarize every ceremony in the project.
		return listCeremonies(store)
	}
	c, err := store.Read(*ceremonyID)
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			return fmt.Errorf("ceremony %s not found under %s", *ceremonyID, cfg.CeremoniesDir())
		}
		return err
	}
	printCeremony(c)
	return nil
}

func runList(args []string) error {
	flags := flag.NewFlagSet("list", flag.ExitOnError)
	project := flags.String("project", "", "project directory (defaults to cwd)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	dir, err := projectDir(*project)
	if err != nil {
		return err
	}
	cfg, err := config.NewConfig(dir)
	if err != nil {
		return err
	}
	store := record.NewStore(cfg.CeremoniesDir())
	return listCeremonies(store)
}

func listCeremonies(store *record.Store) error {
	ids, err := store.List()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("no ceremonies yet")
		return nil
	}
	for _, id := range ids {
		c, err := store.Read(id)
		if err != nil {
			fmt.Printf("%s  (unreadable: %v)\n", id, err)
			continue
		}
		done := 0
		for _, task := range c.Tasks {
			if task.Status == ceremony.StatusComplete {
				done++
			}
		}
		fmt.Printf("%s  %-8s  %d/%d tasks complete\n", c.ID, c.State, done, len(c.Tasks))
	}
	return nil
}

func runCancel(args []string) error {
	flags := flag.NewFlagSet("cancel", flag.ExitOnError)
	project := flags.String("project", "", "project directory (defaults to cwd)")
	ceremonyID := flags.String("ceremony", "", "ceremony to cancel")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *ceremonyID == "" {
		return fmt.Errorf("cancel: --ceremony is required")
	}
	dir, err := projectDir(*project)
	if err != nil {
		return err
	}
	rt, err := newRuntime(dir, true, "")
	if err != nil {
		return err
	}
	defer rt.close(context.Background())
	c, err := rt.orchestrator.Cancel(*ceremonyID)
	if err != nil {
		return err
	}
	printCeremony(c)
	return nil
}

func runWatch(args []string) error {
	flags := flag.NewFlagSet("watch", flag.ExitOnError)
	project := flags.String("project", "", "project directory (defaults to cwd)")
	ceremonyID := flags.String("ceremony", "", "ceremony to watch")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *ceremonyID == "" {
		return fmt.Errorf("watch: --ceremony is required")
	}
	dir, err := projectDir(*project)
	if err != nil {
		return err
	}
	cfg, err := config.NewConfig(dir)
	if err != nil {
		return err
	}
	store := record.NewStore(cfg.CeremoniesDir())
	return tui.Run(store, *ceremonyID)
}

func printCeremony(c *ceremony.Ceremony) {
	fmt.Printf("ceremony %s  state=%s  max_concurrency=%d\n", c.ID, c.State, c.MaxConcurrency)
	for _, task := range c.Tasks {
		line := fmt.Sprintf("  %-20s %-12s attempts=%d", task.ID, task.Status, task.Attempts)
		if task.Error != nil {
			line += "  error=" + task.Error.Error()
		} else if task.Result != "" {
			line += "  " + firstLine(task.Result)
		}
		fmt.Println(line)
	}
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

// stringListFlag collects a repeatable string flag.
type stringListFlag []string

func (f *stringListFlag) String() string {
	return strings.Join(*f, ",")
}

func (f *stringListFlag) Set(value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return fmt.Errorf("empty task ID")
	}
	*f = append(*f, value)
	return nil
}

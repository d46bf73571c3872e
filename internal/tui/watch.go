// internal/tui/watch.go
//
// Live ceremony viewer. It uses bubbletea, which follows The Elm Architecture:
//
// 1. Model: Your application state
// 2. Update: A function that updates state based on messages
// 3. View: A function that renders state to a string
//
// The watch model owns no ceremony state of its own: every refresh re-reads
// the record, so the screen always shows what a crashed-and-restarted
// orchestrator would see.

package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/loom/internal/ceremony"
	"github.com/kingrea/loom/internal/logbook"
	"github.com/kingrea/loom/internal/record"
)

const (
	watchRefreshInterval = time.Second
	journalTailLines     = 8
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#CCCCCC"))
	completeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	failedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	runningStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	blockedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	pendingStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	errStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
)

type refreshMsg struct {
	snapshot *ceremony.Ceremony
	journal  []string
	err      error
}

type tickMsg time.Time

// Watch is the bubbletea model for `loom watch`.
type Watch struct {
	store      *record.Store
	ceremonyID string
	spinner    spinner.Model

	snapshot *ceremony.Ceremony
	journal  []string
	err      error
	width    int
}

// NewWatch builds a watch model over the record store.
func NewWatch(store *record.Store, ceremonyID string) *Watch {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = runningStyle
	return &Watch{
		store:      store,
		ceremonyID: ceremonyID,
		spinner:    s,
		width:      80,
	}
}

// Init starts the refresh loop.
func (w *Watch) Init() tea.Cmd {
	return tea.Batch(w.refresh, w.tick(), w.spinner.Tick)
}

func (w *Watch) tick() tea.Cmd {
	return tea.Tick(watchRefreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// refresh re-reads the record and the ceremony journal.
func (w *Watch) refresh() tea.Msg {
	snapshot, err := w.store.Read(w.ceremonyID)
	if err != nil {
		return refreshMsg{err: err}
	}
	var journal []string
	if book, berr := logbook.ForCeremony(w.store.Dir(w.ceremonyID)); berr == nil {
		if lines, terr := book.Tail(journalTailLines); terr == nil {
			journal = lines
		}
	}
	return refreshMsg{snapshot: snapshot, journal: journal}
}

// Update handles messages.
func (w *Watch) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return w, tea.Quit
		case "r":
			return w, w.refresh
		}
	case tea.WindowSizeMsg:
		w.width = msg.Width
	case refreshMsg:
		w.err = msg.err
		if msg.err == nil {
			w.snapshot = msg.snapshot
			w.journal = msg.journal
		}
	case tickMsg:
		// Keep refreshing after the ceremony settles; a replay can reopen it.
		return w, tea.Batch(w.refresh, w.tick())
	case spinner.TickMsg:
		var cmd tea.Cmd
		w.spinner, cmd = w.spinner.Update(msg)
		return w, cmd
	}
	return w, nil
}

// View renders the ceremony board.
func (w *Watch) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Loom"))
	b.WriteString("  ")
	b.WriteString(dimStyle.Render(w.ceremonyID))
	b.WriteString("\n\n")
	if w.err != nil {
		b.WriteString(errStyle.Render(fmt.Sprintf("error: %v", w.err)))
		b.WriteString("\n\n" + dimStyle.Render("q to quit, r to retry") + "\n")
		return b.String()
	}
	if w.snapshot == nil {
		b.WriteString(w.spinner.View() + " loading record...\n")
		return b.String()
	}
	b.WriteString(w.renderHeader())
	b.WriteString("\n")
	b.WriteString(w.renderTasks())
	if len(w.journal) > 0 {
		b.WriteString("\n" + headerStyle.Render("Journal") + "\n")
		for _, line := range w.journal {
			b.WriteString(dimStyle.Render(truncate(line, w.width-2)) + "\n")
		}
	}
	b.WriteString("\n" + dimStyle.Render("q to quit, r to refresh") + "\n")
	return b.String()
}

func (w *Watch) renderHeader() string {
	c := w.snapshot
	state := string(c.State)
	switch c.State {
	case ceremony.StateComplete:
		state = completeStyle.Render(state)
	case ceremony.StateFailed:
		state = failedStyle.Render(state)
	case ceremony.StatePartial:
		state = blockedStyle.Render(state)
	default:
		state = w.spinner.View() + " " + runningStyle.Render(state)
	}
	done := 0
	for _, task := range c.Tasks {
		if task.Status == ceremony.StatusComplete {
			done++
		}
	}
	return fmt.Sprintf("%s  %d/%d tasks complete, max concurrency %d\n",
		state, done, len(c.Tasks), c.MaxConcurrency)
}

func (w *Watch) renderTasks() string {
	var b strings.Builder
	idWidth := len("task")
	for _, task := range w.snapshot.Tasks {
		if len(task.ID) > idWidth {
			idWidth = len(task.ID)
		}
	}
	b.WriteString(headerStyle.Render(fmt.Sprintf("  %-*s  %-12s  %-8s  %s", idWidth, "task", "status", "attempts", "detail")))
	b.WriteString("\n")
	for _, task := range w.snapshot.Tasks {
		detail := ""
		switch {
		case task.Error != nil:
			detail = task.Error.Error()
		case task.Status == ceremony.StatusComplete:
			detail = task.Result
		case task.AssignedWorker != "":
			detail = task.AssignedWorker
		case len(task.DependsOn) > 0:
			detail = "needs " + strings.Join(task.DependsOn, ", ")
		}
		row := fmt.Sprintf("  %-*s  %-12s  %-8d  %s",
			idWidth, task.ID, task.Status, task.Attempts, truncate(detail, w.width-idWidth-30))
		b.WriteString(styleForStatus(task.Status).Render(row))
		b.WriteString("\n")
	}
	return b.String()
}

func styleForStatus(status ceremony.TaskStatus) lipgloss.Style {
	switch status {
	case ceremony.StatusComplete:
		return completeStyle
	case ceremony.StatusFailed:
		return failedStyle
	case ceremony.StatusAssigned, ceremony.StatusInProgress:
		return runningStyle
	case ceremony.StatusBlocked:
		return blockedStyle
	default:
		return pendingStyle
	}
}

func truncate(s string, limit int) string {
	if limit < 4 {
		limit = 4
	}
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

// Run starts the watch program and blocks until the user quits.
func Run(store *record.Store, ceremonyID string) error {
	program := tea.NewProgram(NewWatch(store, ceremonyID), tea.WithAltScreen())
	_, err := program.Run()
	return err
}

package tui

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kingrea/loom/internal/ceremony"
	"github.com/kingrea/loom/internal/record"
)

func seedWatchCeremony(t *testing.T) (*record.Store, *ceremony.Ceremony) {
	t.Helper()
	store := record.NewStore(t.TempDir())
	graph := ceremony.Graph{Tasks: []ceremony.TaskSpec{
		{ID: "gather", Kind: "exec", Description: "gather"},
		{ID: "publish", Kind: "exec", Description: "publish", DependsOn: []string{"gather"}},
	}}
	c, err := ceremony.New("cer-watch", graph, 2, time.Now().UTC())
	if err != nil {
		t.Fatalf("new ceremony: %v", err)
	}
	if err := store.Create(c); err != nil {
		t.Fatalf("create: %v", err)
	}
	return store, c
}

func TestWatchRendersTaskTable(t *testing.T) {
	store, c := seedWatchCeremony(t)
	if _, err := store.Update(c.ID, func(c *ceremony.Ceremony) error {
		gather, _ := c.Task("gather")
		gather.Status = ceremony.StatusComplete
		gather.Result = "12 files"
		gather.Attempts = 1
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	w := NewWatch(store, c.ID)
	msg := w.refresh()
	model, _ := w.Update(msg)
	view := model.View()

	if !strings.Contains(view, "cer-watch") {
		t.Fatalf("view should name the ceremony:\n%s", view)
	}
	if !strings.Contains(view, "gather") || !strings.Contains(view, "12 files") {
		t.Fatalf("view should show the completed task and its result:\n%s", view)
	}
	if !strings.Contains(view, "1/2 tasks complete") {
		t.Fatalf("view should show progress:\n%s", view)
	}
	if !strings.Contains(view, "needs gather") {
		t.Fatalf("pending task should show its dependencies:\n%s", view)
	}
}

func TestWatchShowsReadError(t *testing.T) {
	store := record.NewStore(t.TempDir())
	w := NewWatch(store, "cer-missing")
	msg := w.refresh()
	model, _ := w.Update(msg)
	view := model.View()
	if !strings.Contains(view, "error:") {
		t.Fatalf("view should surface the read error:\n%s", view)
	}
}

func TestWatchQuitsOnKey(t *testing.T) {
	store, c := seedWatchCeremony(t)
	w := NewWatch(store, c.ID)
	_, cmd := w.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil {
		t.Fatalf("expected quit command")
	}
	if msg := cmd(); msg != tea.Quit() {
		t.Fatalf("expected tea.Quit, got %#v", msg)
	}
}

package record

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/loom/internal/ceremony"
)

const timeLayout = "2006-01-02T15:04:05Z07:00"

// loomEnvelope is the YAML frontmatter schema of ceremony.md. The frontmatter
// is the machine contract; the markdown body is a rendering and never parsed.
type loomEnvelope struct {
	Loom ceremonyMeta `yaml:"loom"`
}

type ceremonyMeta struct {
	Ceremony       string      `yaml:"ceremony"`
	State          string      `yaml:"state"`
	Created        string      `yaml:"created"`
	Completed      string      `yaml:"completed,omitempty"`
	MaxConcurrency int         `yaml:"max_concurrency"`
	Tasks          []taskEntry `yaml:"tasks"`
}

type taskEntry struct {
	ID          string     `yaml:"id"`
	Kind        string     `yaml:"kind"`
	Description string     `yaml:"description"`
	DependsOn   []string   `yaml:"depends_on,omitempty"`
	Status      string     `yaml:"status"`
	Worker      string     `yaml:"worker,omitempty"`
	Attempts    int        `yaml:"attempts"`
	Result      string     `yaml:"result,omitempty"`
	Error       *taskError `yaml:"error,omitempty"`
}

type taskError struct {
	Kind         string `yaml:"kind"`
	Message      string `yaml:"message,omitempty"`
	Attempt      int    `yaml:"attempt,omitempty"`
	NonRetryable bool   `yaml:"non_retryable,omitempty"`
}

// parseCeremonyDoc decodes a ceremony.md document into the in-memory model.
// Any grammar violation is surfaced as a CorruptError naming the section.
func parseCeremonyDoc(content []byte) (*ceremony.Ceremony, error) {
	meta, err := splitFrontMatter(content)
	if err != nil {
		return nil, err
	}
	var envelope loomEnvelope
	if err := yaml.Unmarshal(meta, &envelope); err != nil {
		return nil, corrupt("metadata", "parse frontmatter: %v", err)
	}
	doc := envelope.Loom
	if strings.TrimSpace(doc.Ceremony) == "" {
		return nil, corrupt("metadata", "missing ceremony id")
	}
	state, err := ceremony.ParseState(doc.State)
	if err != nil {
		return nil, corrupt("metadata", "%v", err)
	}
	created, err := parseTime(doc.Created)
	if err != nil {
		return nil, corrupt("metadata", "created timestamp: %v", err)
	}
	var completed time.Time
	if strings.TrimSpace(doc.Completed) != "" {
		completed, err = parseTime(doc.Completed)
		if err != nil {
			return nil, corrupt("metadata", "completed timestamp: %v", err)
		}
	}
	if doc.MaxConcurrency <= 0 {
		return nil, corrupt("metadata", "max_concurrency must be positive, got %d", doc.MaxConcurrency)
	}
	if len(doc.Tasks) == 0 {
		return nil, corrupt("tasks", "no tasks declared")
	}
	c := &ceremony.Ceremony{
		ID:             doc.Ceremony,
		State:          state,
		CreatedAt:      created,
		CompletedAt:    completed,
		MaxConcurrency: doc.MaxConcurrency,
		Tasks:          make([]*ceremony.Task, 0, len(doc.Tasks)),
	}
	seen := make(map[string]bool, len(doc.Tasks))
	for _, entry := range doc.Tasks {
		section := fmt.Sprintf("task %s", entry.ID)
		if strings.TrimSpace(entry.ID) == "" {
			return nil, corrupt("tasks", "task with empty id")
		}
		if seen[entry.ID] {
			return nil, corrupt(section, "duplicate task id")
		}
		seen[entry.ID] = true
		status, err := ceremony.ParseTaskStatus(entry.Status)
		if err != nil {
			return nil, corrupt(section, "%v", err)
		}
		task := &ceremony.Task{
			ID:             entry.ID,
			Kind:           entry.Kind,
			Description:    entry.Description,
			DependsOn:      append([]string{}, entry.DependsOn...),
			Status:         status,
			AssignedWorker: entry.Worker,
			Attempts:       entry.Attempts,
			Result:         entry.Result,
		}
		if entry.Error != nil {
			task.Error = &ceremony.TaskError{
				Kind:         entry.Error.Kind,
				Message:      entry.Error.Message,
				Attempt:      entry.Error.Attempt,
				NonRetryable: entry.Error.NonRetryable,
			}
		}
		c.Tasks = append(c.Tasks, task)
	}
	for _, task := range c.Tasks {
		for _, dep := range task.DependsOn {
			if !seen[dep] {
				return nil, corrupt(fmt.Sprintf("task %s", task.ID), "dependency %s not declared", dep)
			}
		}
	}
	return c, nil
}

// renderCeremonyDoc encodes the ceremony as frontmatter plus a human-readable
// task table. The body is regenerated on every write.
func renderCeremonyDoc(c *ceremony.Ceremony) ([]byte, error) {
	envelope := loomEnvelope{Loom: ceremonyMeta{
		Ceremony:       c.ID,
		State:          string(c.State),
		Created:        c.CreatedAt.UTC().Format(timeLayout),
		MaxConcurrency: c.MaxConcurrency,
		Tasks:          make([]taskEntry, 0, len(c.Tasks)),
	}}
	if !c.CompletedAt.IsZero() {
		envelope.Loom.Completed = c.CompletedAt.UTC().Format(timeLayout)
	}
	for _, task := range c.Tasks {
		entry := taskEntry{
			ID:          task.ID,
			Kind:        task.Kind,
			Description: task.Description,
			DependsOn:   append([]string{}, task.DependsOn...),
			Status:      string(task.Status),
			Worker:      task.AssignedWorker,
			Attempts:    task.Attempts,
			Result:      task.Result,
		}
		if task.Error != nil {
			entry.Error = &taskError{
				Kind:         task.Error.Kind,
				Message:      task.Error.Message,
				Attempt:      task.Error.Attempt,
				NonRetryable: task.Error.NonRetryable,
			}
		}
		envelope.Loom.Tasks = append(envelope.Loom.Tasks, entry)
	}
	meta, err := yaml.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("record: encode frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(bytes.TrimRight(meta, "\n"))
	buf.WriteString("\n---\n\n")
	renderTaskTable(&buf, c)
	return buf.Bytes(), nil
}

func renderTaskTable(buf *bytes.Buffer, c *ceremony.Ceremony) {
	fmt.Fprintf(buf, "# Ceremony %s\n\n", c.ID)
	fmt.Fprintf(buf, "State: %s\n\n", c.State)
	buf.WriteString("| Task | Status | Depends On | Attempts | Worker |\n")
	buf.WriteString("|------|--------|------------|----------|--------|\n")
	for _, task := range c.Tasks {
		deps := strings.Join(task.DependsOn, ", ")
		if deps == "" {
			deps = "-"
		}
		worker := task.AssignedWorker
		if worker == "" {
			worker = "-"
		}
		fmt.Fprintf(buf, "| %s | %s | %s | %d | %s |\n", task.ID, task.Status, deps, task.Attempts, worker)
	}
}

// splitFrontMatter extracts the YAML block between `---` fences.
func splitFrontMatter(content []byte) ([]byte, error) {
	if len(content) == 0 {
		return nil, corrupt("document", "empty record")
	}
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return nil, corrupt("document", "missing frontmatter fence")
	}
	rest := normalized[4:]
	parts := bytes.SplitN(rest, []byte("\n---\n"), 2)
	if len(parts) < 2 {
		return nil, corrupt("document", "unterminated frontmatter fence")
	}
	return parts[0], nil
}

func parseTime(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

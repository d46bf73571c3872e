package record

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/loom/internal/ceremony"
)

// ResultDoc is one task's result section: the single document the owning
// worker writes. Body carries the opaque result payload.
type ResultDoc struct {
	TaskID    string
	WorkerID  string
	Status    ceremony.TaskStatus
	Attempt   int
	CreatedAt time.Time
	Error     *ceremony.TaskError
	Body      []byte
}

type resultEnvelope struct {
	Loom resultMeta `yaml:"loom"`
}

type resultMeta struct {
	Task    string     `yaml:"task"`
	Worker  string     `yaml:"worker"`
	Status  string     `yaml:"status"`
	Attempt int        `yaml:"attempt"`
	Created string     `yaml:"created"`
	Error   *taskError `yaml:"error,omitempty"`
}

func renderResultDoc(doc ResultDoc) ([]byte, error) {
	if doc.Status != ceremony.StatusComplete && doc.Status != ceremony.StatusFailed {
		return nil, fmt.Errorf("record: result status must be terminal, got %s", doc.Status)
	}
	envelope := resultEnvelope{Loom: resultMeta{
		Task:    doc.TaskID,
		Worker:  doc.WorkerID,
		Status:  string(doc.Status),
		Attempt: doc.Attempt,
		Created: doc.CreatedAt.UTC().Format(timeLayout),
	}}
	if doc.Error != nil {
		envelope.Loom.Error = &taskError{
			Kind:         doc.Error.Kind,
			Message:      doc.Error.Message,
			Attempt:      doc.Error.Attempt,
			NonRetryable: doc.Error.NonRetryable,
		}
	}
	meta, err := yaml.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("record: encode result frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(bytes.TrimRight(meta, "\n"))
	buf.WriteString("\n---\n")
	buf.Write(doc.Body)
	return buf.Bytes(), nil
}

func parseResultDoc(taskID string, content []byte) (ResultDoc, error) {
	section := fmt.Sprintf("result %s", taskID)
	meta, err := splitFrontMatter(content)
	if err != nil {
		return ResultDoc{}, corrupt(section, "missing or unterminated frontmatter")
	}
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	body := normalized[4+len(meta)+len("\n---\n"):]
	body = bytes.TrimPrefix(body, []byte("\n"))
	var envelope resultEnvelope
	if err := yaml.Unmarshal(meta, &envelope); err != nil {
		return ResultDoc{}, corrupt(section, "parse frontmatter: %v", err)
	}
	raw := envelope.Loom
	if raw.Task != taskID {
		return ResultDoc{}, corrupt(section, "result written for task %q", raw.Task)
	}
	if strings.TrimSpace(raw.Worker) == "" {
		return ResultDoc{}, corrupt(section, "missing worker id")
	}
	status, err := ceremony.ParseTaskStatus(raw.Status)
	if err != nil {
		return ResultDoc{}, corrupt(section, "%v", err)
	}
	if status != ceremony.StatusComplete && status != ceremony.StatusFailed {
		return ResultDoc{}, corrupt(section, "non-terminal result status %s", status)
	}
	created, err := parseTime(raw.Created)
	if err != nil {
		return ResultDoc{}, corrupt(section, "created timestamp: %v", err)
	}
	doc := ResultDoc{
		TaskID:    raw.Task,
		WorkerID:  raw.Worker,
		Status:    status,
		Attempt:   raw.Attempt,
		CreatedAt: created,
		Body:      body,
	}
	if raw.Error != nil {
		doc.Error = &ceremony.TaskError{
			Kind:         raw.Error.Kind,
			Message:      raw.Error.Message,
			Attempt:      raw.Error.Attempt,
			NonRetryable: raw.Error.NonRetryable,
		}
	}
	return doc, nil
}

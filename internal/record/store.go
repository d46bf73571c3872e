// Package record implements the Record Access Layer: the shared ceremony
// record on disk, its frontmatter grammar, and the write-ownership rule that
// keeps concurrent writers conflict-free. The orchestrator is the only writer
// of ceremony.md (the task table); each worker is the only writer of its own
// result section under results/.
package record

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/kingrea/loom/internal/ceremony"
)

const (
	ceremonyFile  = "ceremony.md"
	resultsDir    = "results"
	heartbeatsDir = "heartbeats"
)

// Store manages ceremony record IO rooted at the ceremonies directory.
type Store struct {
	root string
	now  func() time.Time

	// mu serializes ceremony.md rewrites within this process. Cross-process
	// safety comes from the single-writer ownership rule, not from locking.
	mu sync.Mutex
}

// StoreOption customizes a Store during construction.
type StoreOption func(*Store)

// WithClock overrides the clock used for record timestamps.
func WithClock(clock func() time.Time) StoreOption {
	return func(s *Store) {
		if clock != nil {
			s.now = clock
		}
	}
}

// NewStore builds a store rooted at the given ceremonies directory.
func NewStore(root string, opts ...StoreOption) *Store {
	store := &Store{root: root, now: time.Now}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Dir returns the record directory for a ceremony.
func (s *Store) Dir(id string) string {
	return filepath.Join(s.root, id)
}

// ResultsDir returns the directory workers write result sections into. The
// orchestrator watches it for progress signals.
func (s *Store) ResultsDir(id string) string {
	return filepath.Join(s.Dir(id), resultsDir)
}

// HeartbeatsDir returns the directory holding worker heartbeat files.
func (s *Store) HeartbeatsDir(id string) string {
	return filepath.Join(s.Dir(id), heartbeatsDir)
}

func (s *Store) ceremonyPath(id string) string {
	return filepath.Join(s.Dir(id), ceremonyFile)
}

func (s *Store) resultPath(ceremonyID, taskID string) string {
	return filepath.Join(s.ResultsDir(ceremonyID), taskID+".md")
}

func (s *Store) attemptPath(ceremonyID, taskID string, attempt int) string {
	return filepath.Join(s.ResultsDir(ceremonyID), fmt.Sprintf("%s.attempt-%d.md", taskID, attempt))
}

// Create initializes the record directory tree and writes the initial
// ceremony document. It refuses to overwrite an existing record.
func (s *Store) Create(c *ceremony.Ceremony) error {
	dir := s.Dir(c.ID)
	if _, err := os.Stat(s.ceremonyPath(c.ID)); err == nil {
		return fmt.Errorf("record: ceremony %s already exists", c.ID)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	for _, sub := range []string{dir, filepath.Join(dir, resultsDir), filepath.Join(dir, heartbeatsDir)} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return fmt.Errorf("record: ensure %s: %w", sub, err)
		}
	}
	return s.save(c)
}

// Read parses the ceremony document into the in-memory model.
func (s *Store) Read(id string) (*ceremony.Ceremony, error) {
	data, err := os.ReadFile(s.ceremonyPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return parseCeremonyDoc(data)
}

// Update applies fn to the current ceremony and persists the result
// atomically. This is the orchestrator's sole mutation path for the task
// table; readers never observe a torn document.
func (s *Store) Update(id string, fn func(*ceremony.Ceremony) error) (*ceremony.Ceremony, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.Read(id)
	if err != nil {
		return nil, err
	}
	if err := fn(c); err != nil {
		return nil, err
	}
	if err := s.save(c); err != nil {
		return nil, err
	}
	return c, nil
}

// TaskMutation describes one status transition on the task table.
type TaskMutation struct {
	Status ceremony.TaskStatus
	// Worker sets the assigned worker ID; the empty string clears it.
	Worker           *string
	IncrementAttempt bool
	Error            *ceremony.TaskError
	ClearError       bool
}

// WriteTaskStatus applies a single task mutation. Restricted to the
// orchestrator by the ownership rule.
func (s *Store) WriteTaskStatus(ceremonyID, taskID string, m TaskMutation) (*ceremony.Ceremony, error) {
	return s.Update(ceremonyID, func(c *ceremony.Ceremony) error {
		task, ok := c.Task(taskID)
		if !ok {
			return fmt.Errorf("record: ceremony %s has no task %s", ceremonyID, taskID)
		}
		applyMutation(task, m)
		return nil
	})
}

func applyMutation(task *ceremony.Task, m TaskMutation) {
	if m.Status != "" {
		task.Status = m.Status
	}
	if m.Worker != nil {
		task.AssignedWorker = *m.Worker
	}
	if m.IncrementAttempt {
		task.Attempts++
	}
	if m.ClearError {
		task.Error = nil
	}
	if m.Error != nil {
		copyErr := *m.Error
		task.Error = &copyErr
	}
}

// WriteCeremonyState transitions the ceremony-level state.
func (s *Store) WriteCeremonyState(id string, state ceremony.State, completedAt time.Time) (*ceremony.Ceremony, error) {
	return s.Update(id, func(c *ceremony.Ceremony) error {
		c.State = state
		c.CompletedAt = completedAt
		return nil
	})
}

// WriteTaskResult persists a worker's result section. The write is rejected
// with ErrOwnershipViolation unless the task is currently assigned to the
// calling worker, so a stale or misbehaving worker cannot clobber state.
func (s *Store) WriteTaskResult(ceremonyID string, doc ResultDoc) error {
	c, err := s.Read(ceremonyID)
	if err != nil {
		return err
	}
	task, ok := c.Task(doc.TaskID)
	if !ok {
		return fmt.Errorf("%w: ceremony %s has no task %s", ErrOwnershipViolation, ceremonyID, doc.TaskID)
	}
	if task.Status != ceremony.StatusAssigned && task.Status != ceremony.StatusInProgress {
		return fmt.Errorf("%w: task %s is %s, not owned by any worker", ErrOwnershipViolation, doc.TaskID, task.Status)
	}
	if task.AssignedWorker != doc.WorkerID {
		return fmt.Errorf("%w: task %s owned by %s, not %s", ErrOwnershipViolation, doc.TaskID, task.AssignedWorker, doc.WorkerID)
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = s.now()
	}
	content, err := renderResultDoc(doc)
	if err != nil {
		return err
	}
	return writeAtomic(s.resultPath(ceremonyID, doc.TaskID), content)
}

// ReadTaskResult parses a task's result section.
func (s *Store) ReadTaskResult(ceremonyID, taskID string) (ResultDoc, error) {
	data, err := os.ReadFile(s.resultPath(ceremonyID, taskID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ResultDoc{}, ErrResultMissing
		}
		return ResultDoc{}, err
	}
	return parseResultDoc(taskID, data)
}

// RetainAttempt moves the current result section aside as a numbered attempt
// so a retry cannot overwrite the audit trail. Used before any reset and for
// every attempt in debug replays. A missing result is not an error.
func (s *Store) RetainAttempt(ceremonyID, taskID string, attempt int) error {
	src := s.resultPath(ceremonyID, taskID)
	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return os.Rename(src, s.attemptPath(ceremonyID, taskID, attempt))
}

// TouchHeartbeat records worker liveness by bumping the heartbeat file mtime.
func (s *Store) TouchHeartbeat(ceremonyID, workerID string) error {
	path := filepath.Join(s.HeartbeatsDir(ceremonyID), workerID)
	now := s.now()
	if err := os.Chtimes(path, now, now); err == nil {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("record: touch heartbeat for %s: %w", workerID, err)
	}
	return f.Close()
}

// HeartbeatTime reports the last heartbeat for a worker, if any.
func (s *Store) HeartbeatTime(ceremonyID, workerID string) (time.Time, bool, error) {
	info, err := os.Stat(filepath.Join(s.HeartbeatsDir(ceremonyID), workerID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return info.ModTime(), true, nil
}

// RemoveHeartbeat clears a worker's heartbeat file once its task settles.
func (s *Store) RemoveHeartbeat(ceremonyID, workerID string) error {
	err := os.Remove(filepath.Join(s.HeartbeatsDir(ceremonyID), workerID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// List returns the IDs of every ceremony with a record, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(s.ceremonyPath(entry.Name())); err == nil {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) save(c *ceremony.Ceremony) error {
	content, err := renderCeremonyDoc(c)
	if err != nil {
		return err
	}
	return writeAtomic(s.ceremonyPath(c.ID), content)
}

// writeAtomic writes via a temp file and rename so concurrent readers only
// ever observe complete documents.
func writeAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("record: create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("record: write temp for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("record: replace %s: %w", path, err)
	}
	return nil
}

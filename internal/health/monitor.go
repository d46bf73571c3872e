// Package health tracks worker liveness. A worker proves it is alive by
// touching its heartbeat file; a worker whose last signal is older than the
// task timeout is declared lost. Lost is always inferred here, never
// self-reported.
package health

import (
	"time"

	"github.com/kingrea/loom/internal/record"
	"github.com/kingrea/loom/internal/worker"
)

// Monitor evaluates heartbeat recency against the configured task timeout.
type Monitor struct {
	store   *record.Store
	timeout time.Duration
	clock   func() time.Time
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithClock injects a deterministic clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Monitor) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// NewMonitor builds a monitor over the record store.
func NewMonitor(store *record.Store, taskTimeout time.Duration, opts ...Option) *Monitor {
	m := &Monitor{store: store, timeout: taskTimeout, clock: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Check returns the handles whose workers have gone silent past the timeout.
// A worker with no heartbeat yet is measured from its spawn time.
func (m *Monitor) Check(ceremonyID string, handles []worker.Handle) ([]worker.Handle, error) {
	now := m.clock()
	var lost []worker.Handle
	for _, handle := range handles {
		last := handle.SpawnedAt
		beat, ok, err := m.store.HeartbeatTime(ceremonyID, handle.WorkerID)
		if err != nil {
			return nil, err
		}
		if ok && beat.After(last) {
			last = beat
		}
		if now.Sub(last) > m.timeout {
			handle.State = worker.RunStateLost
			lost = append(lost, handle)
		}
	}
	return lost, nil
}

// Summary aggregates ceremony-level worker health.
type Summary struct {
	Running    int
	Lost       int
	OldestBeat time.Time
}

// Summarize reports aggregate health for the given live handles.
func (m *Monitor) Summarize(ceremonyID string, handles []worker.Handle) (Summary, error) {
	lost, err := m.Check(ceremonyID, handles)
	if err != nil {
		return Summary{}, err
	}
	summary := Summary{Running: len(handles) - len(lost), Lost: len(lost)}
	for _, handle := range handles {
		beat, ok, err := m.store.HeartbeatTime(ceremonyID, handle.WorkerID)
		if err != nil {
			return Summary{}, err
		}
		if !ok {
			beat = handle.SpawnedAt
		}
		if summary.OldestBeat.IsZero() || beat.Before(summary.OldestBeat) {
			summary.OldestBeat = beat
		}
	}
	return summary, nil
}

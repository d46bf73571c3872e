// Package eventbridge streams ceremony progress to live observers. The
// orchestrator publishes an event on every transition; subscribers (the watch
// TUI, websocket clients) consume them without ever touching the record.
package eventbridge

import (
	"sync"
	"time"
)

// EventType enumerates ceremony progress events.
type EventType string

const (
	EventCeremonyConvened  EventType = "ceremony_convened"
	EventCeremonyFinalized EventType = "ceremony_finalized"
	EventCeremonyCancelled EventType = "ceremony_cancelled"
	EventTaskAssigned      EventType = "task_assigned"
	EventTaskCompleted     EventType = "task_completed"
	EventTaskFailed        EventType = "task_failed"
	EventTaskBlocked       EventType = "task_blocked"
	EventTaskRequeued      EventType = "task_requeued"
	EventWorkerLost        EventType = "worker_lost"
	EventReplayPlanned     EventType = "replay_planned"
)

// Event is one ceremony progress notification.
type Event struct {
	Type     EventType `json:"type"`
	Ceremony string    `json:"ceremony"`
	Task     string    `json:"task,omitempty"`
	Worker   string    `json:"worker,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// Subscriber receives published events. The channel is buffered; slow
// subscribers drop events rather than block the orchestrator.
type Subscriber chan Event

const (
	subscriberBuffer = 64
	recentBufferSize = 256
)

// Broadcaster fans events out to subscribers and retains a bounded history
// so late joiners can catch up.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]struct{}
	recent      []Event
	clock       func() time.Time
}

// BroadcasterOption customizes a Broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithBroadcasterClock injects a deterministic clock for tests.
func WithBroadcasterClock(clock func() time.Time) BroadcasterOption {
	return func(b *Broadcaster) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// NewBroadcaster builds an empty broadcaster.
func NewBroadcaster(opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		subscribers: make(map[Subscriber]struct{}),
		clock:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a new subscriber and returns its channel.
func (b *Broadcaster) Subscribe() Subscriber {
	ch := make(Subscriber, subscriberBuffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
	b.mu.Unlock()
}

// Publish stamps and delivers an event to every subscriber. Full subscriber
// buffers drop the event for that subscriber only.
func (b *Broadcaster) Publish(event Event) {
	b.mu.Lock()
	if event.At.IsZero() {
		event.At = b.clock()
	}
	b.recent = append(b.recent, event)
	if len(b.recent) > recentBufferSize {
		b.recent = b.recent[len(b.recent)-recentBufferSize:]
	}
	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
		}
	}
	b.mu.Unlock()
}

// Recent returns up to n most recent events, oldest first.
func (b *Broadcaster) Recent(n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	events := b.recent
	if n > 0 && n < len(events) {
		events = events[len(events)-n:]
	}
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// SubscriberCount reports the current number of subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

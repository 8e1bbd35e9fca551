package pipeline

import (
	"log"
	"sync"
	"time"
)

// EventKind tags the in-process notifications the pipeline fans out.
type EventKind string

const (
	EventSessionClosed EventKind = "session_closed"
	EventHabitUpdated  EventKind = "habit_updated"
	EventSummaryReady  EventKind = "summary_ready"
)

// Event is one pipeline notification. Payload carries the entity the event
// is about (*activity.Session, *activity.Habit, *activity.Summary).
type Event struct {
	Kind    EventKind
	At      time.Time
	Payload interface{}
}

// Notifier fans events out to in-process subscribers. Publishing never
// blocks: a subscriber that cannot keep up loses events, with a log line.
type Notifier struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]chan Event)}
}

// Subscribe registers a buffered subscriber and returns the channel plus an
// unsubscribe function. Unsubscribing closes the channel.
func (n *Notifier) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	n.mu.Lock()
	id := n.next
	n.next++
	n.subs[id] = ch
	n.mu.Unlock()

	unsubscribe := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if sub, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(sub)
		}
	}
	return ch, unsubscribe
}

// Publish delivers the event to every subscriber that has buffer room.
func (n *Notifier) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, ch := range n.subs {
		select {
		case ch <- evt:
		default:
			log.Printf("Warning: subscriber %d dropped %s event (buffer full).", id, evt.Kind)
		}
	}
}

// Close drops all subscribers.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, ch := range n.subs {
		delete(n.subs, id)
		close(ch)
	}
}

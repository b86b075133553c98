package modifier

import (
	"context"
	"time"

	"github.com/driftmail/lib-resilience/runtime"
)

// EventType identifies a queue lifecycle event.
type EventType string

const (
	EventAdded     EventType = "added"
	EventRemoved   EventType = "removed"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Event is one entry in the queue's append-only lifecycle stream.
type Event struct {
	Type     EventType
	Modifier Modifier
	At       time.Time
}

// Subscribe registers a listener for queue lifecycle events and returns an
// unsubscribe function. Events are delivered synchronously and in order;
// listeners must not block and must not call back into the queue's mutating
// methods from the callback.
func (q *Queue) Subscribe(listener func(Event)) func() {
	if listener == nil {
		return func() {}
	}

	q.listenerMu.Lock()
	id := q.listenerSeq
	q.listenerSeq++
	q.listeners[id] = listener
	q.listenerMu.Unlock()

	return func() {
		q.listenerMu.Lock()
		delete(q.listeners, id)
		q.listenerMu.Unlock()
	}
}

// emit delivers an event to all listeners. Must be called without q.mu held.
func (q *Queue) emit(ev Event) {
	q.listenerMu.RLock()
	listeners := make([]func(Event), 0, len(q.listeners))

	for _, listener := range q.listeners {
		listeners = append(listeners, listener)
	}
	q.listenerMu.RUnlock()

	for _, listener := range listeners {
		q.safeNotify(listener, ev)
	}
}

func (q *Queue) safeNotify(listener func(Event), ev Event) {
	defer runtime.RecoverAndLog(context.Background(), q.logger, "modifier", "event_listener")

	listener(ev)
}

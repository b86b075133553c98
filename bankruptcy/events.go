package bankruptcy

import (
	"context"
	"time"

	"github.com/driftmail/lib-resilience/runtime"
)

// Event records one bankruptcy declaration. Events are emitted, not
// persisted: the rewritten SyncProgress row is the durable trace.
type Event struct {
	AccountID string    `json:"accountId"`
	Provider  string    `json:"provider"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// Subscribe registers a listener for bankruptcy events and returns its
// unsubscribe function. Listeners run synchronously; a panicking listener
// is recovered and logged without affecting the others.
func (d *Detector) Subscribe(listener func(Event)) func() {
	if listener == nil {
		return func() {}
	}

	d.listenerMu.Lock()
	id := d.listenerSeq
	d.listenerSeq++
	d.listeners[id] = listener
	d.listenerMu.Unlock()

	return func() {
		d.listenerMu.Lock()
		delete(d.listeners, id)
		d.listenerMu.Unlock()
	}
}

func (d *Detector) emit(ev Event) {
	d.listenerMu.RLock()

	listeners := make([]func(Event), 0, len(d.listeners))
	for _, l := range d.listeners {
		listeners = append(listeners, l)
	}

	d.listenerMu.RUnlock()

	for _, listener := range listeners {
		d.safeNotify(listener, ev)
	}
}

func (d *Detector) safeNotify(listener func(Event), ev Event) {
	defer runtime.RecoverAndLog(context.Background(), d.logger, "bankruptcy", "event_listener")

	listener(ev)
}

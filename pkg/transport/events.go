package transport

import (
	"log/slog"
	"sync"
	"time"
)

type EventKind string

const (
	EventConnecting       EventKind = "connecting"
	EventReady            EventKind = "ready"
	EventClosed           EventKind = "closed"
	EventErrored          EventKind = "errored"
	EventPeerConnected    EventKind = "peer_connected"
	EventPeerDisconnected EventKind = "peer_disconnected"
	EventUpdated          EventKind = "updated"
)

// Event is a lifecycle transition of a client or server, or a delta applied to a client's mirror.
type Event struct {
	Kind      EventKind
	SessionID string
	// Key is the root key an update touched, empty for a clear.
	Key string
	Err error
	At  time.Time
}

// Emitter publishes events on a buffered channel. Events are dropped rather than blocking the emitter when
// nobody is reading.
type Emitter struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func NewEmitter(size int) *Emitter {
	return &Emitter{ch: make(chan Event, size)}
}

func (e *Emitter) Emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.ch <- ev:
	default:
		slog.Debug("dropping event", "kind", ev.Kind, "session", ev.SessionID)
	}
}

func (e *Emitter) Events() <-chan Event {
	return e.ch
}

// Close closes the channel, later Emit calls are ignored.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}

package server

import (
	"log/slog"
	"sync"

	"github.com/Tomato6966/remote-sqlite-database/pkg/protocol"
	"github.com/Tomato6966/remote-sqlite-database/pkg/transport"
)

// Hub tracks the connected sessions and pushes sync frames to them.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*transport.Session
	events   *transport.Emitter
}

var _ Broadcaster = (*Hub)(nil)

// NewHub returns an empty hub that reports peer changes on events, which may be nil.
func NewHub(events *transport.Emitter) *Hub {
	return &Hub{sessions: make(map[string]*transport.Session), events: events}
}

// Add registers s so it receives every later broadcast.
func (h *Hub) Add(s *transport.Session) {
	h.mu.Lock()
	h.sessions[s.ID()] = s
	n := len(h.sessions)
	h.mu.Unlock()
	slog.Info("peer connected", "session", s.ID(), "peers", n)
	if h.events != nil {
		h.events.Emit(transport.Event{Kind: transport.EventPeerConnected, SessionID: s.ID()})
	}
}

// Remove unregisters s, removing an unknown session is a no-op.
func (h *Hub) Remove(s *transport.Session) {
	h.mu.Lock()
	_, ok := h.sessions[s.ID()]
	delete(h.sessions, s.ID())
	n := len(h.sessions)
	h.mu.Unlock()
	if !ok {
		return
	}
	slog.Info("peer disconnected", "session", s.ID(), "peers", n, "err", s.Err())
	if h.events != nil {
		h.events.Emit(transport.Event{Kind: transport.EventPeerDisconnected, SessionID: s.ID(), Err: s.Err()})
	}
}

// Broadcast queues d on every session without waiting for any of them. A session whose queue is full is
// closed, its client reconnects and pulls a fresh copy.
func (h *Hub) Broadcast(d *protocol.Delta) {
	raw, err := protocol.EncodeFrame(&protocol.Frame{Type: protocol.FrameSync, Sync: d})
	if err != nil {
		slog.Error("failed to encode delta", "delta", d, "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, s := range h.sessions {
		if err := s.TrySend(raw); err != nil {
			slog.Warn("dropping slow peer", "session", id, "delta", d, "err", err)
			go s.Close()
		}
	}
	slog.Debug("broadcast", "delta", d, "peers", len(h.sessions))
}

// Count returns the number of connected sessions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// CloseAll closes every session, used on shutdown since hijacked connections outlive the http server.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	sessions := make([]*transport.Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()
	for _, s := range sessions {
		_ = s.Close()
	}
}

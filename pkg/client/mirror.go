package client

import (
	"log/slog"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/Tomato6966/remote-sqlite-database/pkg/keypath"
	"github.com/Tomato6966/remote-sqlite-database/pkg/protocol"
	"github.com/Tomato6966/remote-sqlite-database/pkg/store"
)

// Mirror is the client's local replica of the server's entries. It only changes through a bulk Replace
// after connecting and through deltas pushed by the server.
type Mirror struct {
	mu      sync.RWMutex
	entries map[string]any
	dotted  bool

	syncing  bool
	buffered []*protocol.Delta
}

func NewMirror(dotted bool) *Mirror {
	return &Mirror{entries: make(map[string]any), dotted: dotted}
}

// BeginSync starts buffering deltas until the bulk copy requested alongside it arrives.
func (m *Mirror) BeginSync() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncing = true
	m.buffered = nil
}

// AbortSync drops the buffered deltas and leaves the mirror as it was.
func (m *Mirror) AbortSync() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncing = false
	m.buffered = nil
}

// Replace swaps in a full copy of the server's entries and replays the deltas that arrived while it was
// in flight.
func (m *Mirror) Replace(entries []store.Entry) {
	next := make(map[string]any, len(entries))
	for _, e := range entries {
		next[e.Key] = e.Value
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = next
	for _, d := range m.buffered {
		m.apply(d)
	}
	slog.Debug("mirror replaced", "entries", len(entries), "replayed", len(m.buffered))
	m.syncing = false
	m.buffered = nil
}

// Apply applies one delta and reports whether it reached the mirror, false means it was buffered behind
// a sync in flight. Malformed deltas are rejected and leave the mirror unchanged.
func (m *Mirror) Apply(d *protocol.Delta) (bool, error) {
	if err := d.Validate(); err != nil {
		return false, err
	}
	if !d.Clear && !d.Deleted() {
		if _, err := d.Value(); err != nil {
			return false, protocol.Errorf(protocol.KindValidation, "%v", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.syncing {
		m.buffered = append(m.buffered, d)
		return false, nil
	}
	m.apply(d)
	return true, nil
}

func (m *Mirror) apply(d *protocol.Delta) {
	switch {
	case d.Clear:
		m.entries = make(map[string]any)
	case d.Deleted():
		delete(m.entries, d.RootKey)
	default:
		v, err := d.Value()
		if err != nil {
			slog.Warn("dropping delta", "delta", d, "err", err)
			return
		}
		m.entries[d.RootKey] = v
	}
}

func (m *Mirror) Get(key, path string) (any, bool) {
	root, path := keypath.Resolve(key, path, m.dotted)
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, exists := m.entries[root]
	if !exists {
		return nil, false
	}
	v, ok := keypath.Get(value, path)
	if !ok {
		return nil, false
	}
	return keypath.Clone(v), true
}

func (m *Mirror) Has(key, path string) bool {
	_, ok := m.Get(key, path)
	return ok
}

func (m *Mirror) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Mirror) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedKeys()
}

func (m *Mirror) Values() []any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]any, 0, len(m.entries))
	for _, k := range m.sortedKeys() {
		out = append(out, keypath.Clone(m.entries[k]))
	}
	return out
}

func (m *Mirror) Entries() []store.Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]store.Entry, 0, len(m.entries))
	for _, k := range m.sortedKeys() {
		out = append(out, store.Entry{Key: k, Value: keypath.Clone(m.entries[k])})
	}
	return out
}

func (m *Mirror) sortedKeys() []string {
	keys := maps.Keys(m.entries)
	slices.Sort(keys)
	return keys
}

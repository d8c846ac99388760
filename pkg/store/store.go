// Package store holds the server's canonical cache entries.
//
// Cache keeps every root key in memory and, when given a Backend, writes each changed root key through to it
// so the cache survives restarts. Values are JSON-shaped: maps, lists, strings, float64 numbers, bools and nil.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/Tomato6966/remote-sqlite-database/pkg/keypath"
	"github.com/Tomato6966/remote-sqlite-database/pkg/protocol"
)

var (
	ErrNotNumber    = errors.New("value is not a number")
	ErrNotList      = errors.New("value is not a list")
	ErrDivideByZero = errors.New("division by zero")
	ErrOperator     = errors.New("unsupported operator")
	ErrNotFinite    = errors.New("result is not a finite number")
)

// Store is the contract the dispatcher drives. Paths are dotted sub-paths inside a root key's value,
// an empty path addresses the whole value.
type Store interface {
	Get(key, path string) (any, bool)
	Has(key, path string) bool
	Set(key string, value any, path string) error
	Delete(key, path string) error
	Math(key string, op protocol.Operator, operand float64, path string) (float64, error)
	Push(key string, element any, path string) error
	Remove(key string, element any, path string) error
	Clear() error
	Entries() []Entry
	Keys() []string
	Values() []any
	Count() int
}

// Backend persists whole root keys.
type Backend interface {
	Load() (map[string]any, error)
	Put(key string, value any) error
	Delete(key string) error
	Clear() error
}

// Entry is a root key and its value, encoded on the wire as a [key, value] pair.
type Entry struct {
	Key   string
	Value any
}

func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{e.Key, e.Value})
}

func (e *Entry) UnmarshalJSON(raw []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(raw, &pair); err != nil {
		return fmt.Errorf("failed to decode entry: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("entry has %d elements, expected 2", len(pair))
	}
	if err := json.Unmarshal(pair[0], &e.Key); err != nil {
		return fmt.Errorf("failed to decode entry key: %w", err)
	}
	if err := json.Unmarshal(pair[1], &e.Value); err != nil {
		return fmt.Errorf("failed to decode entry %q: %w", e.Key, err)
	}
	return nil
}

type Cache struct {
	mu      sync.RWMutex
	entries map[string]any
	backend Backend
}

var _ Store = (*Cache)(nil)

// New returns a memory-only cache.
func New() *Cache {
	return &Cache{entries: make(map[string]any)}
}

// Open returns a cache loaded from, and writing through to, backend.
func Open(backend Backend) (*Cache, error) {
	entries, err := backend.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load entries: %w", err)
	}
	if entries == nil {
		entries = make(map[string]any)
	}
	return &Cache{entries: entries, backend: backend}, nil
}

func (c *Cache) Get(key, path string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	value, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return keypath.Get(value, path)
}

func (c *Cache) Has(key, path string) bool {
	_, ok := c.Get(key, path)
	return ok
}

func (c *Cache) Set(key string, value any, path string) error {
	return c.update(key, func(current any, _ bool) (any, error) {
		return keypath.Set(current, path, value)
	})
}

// Delete removes the whole root key when path is empty, otherwise only the value at path.
func (c *Cache) Delete(key, path string) error {
	if path == "" {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.entries[key]; !ok {
			return nil
		}
		if c.backend != nil {
			if err := c.backend.Delete(key); err != nil {
				return fmt.Errorf("failed to delete %q: %w", key, err)
			}
		}
		delete(c.entries, key)
		return nil
	}
	return c.update(key, func(current any, exists bool) (any, error) {
		if !exists {
			return nil, errSkip
		}
		next, removed := keypath.Delete(current, path)
		if !removed {
			return nil, errSkip
		}
		return next, nil
	})
}

// Math applies op to the number stored at path and returns the result.
func (c *Cache) Math(key string, op protocol.Operator, operand float64, path string) (float64, error) {
	var result float64
	err := c.update(key, func(current any, _ bool) (any, error) {
		base, ok := keypath.Get(current, path)
		if !ok {
			return nil, fmt.Errorf("%w: nothing stored at %q", ErrNotNumber, keypath.Join(key, path))
		}
		n, ok := toFloat(base)
		if !ok {
			return nil, fmt.Errorf("%w: %q holds %T", ErrNotNumber, keypath.Join(key, path), base)
		}
		r, err := apply(op, n, operand)
		if err != nil {
			return nil, err
		}
		result = r
		return keypath.Set(current, path, r)
	})
	return result, err
}

// Push appends element to the list at path, creating the list if nothing is stored there.
func (c *Cache) Push(key string, element any, path string) error {
	return c.update(key, func(current any, _ bool) (any, error) {
		list, err := listAt(current, key, path, true)
		if err != nil {
			return nil, err
		}
		return keypath.Set(current, path, append(list, element))
	})
}

// Remove drops the first element of the list at path equal to element.
func (c *Cache) Remove(key string, element any, path string) error {
	return c.update(key, func(current any, _ bool) (any, error) {
		list, err := listAt(current, key, path, false)
		if err != nil {
			return nil, err
		}
		for i, item := range list {
			if keypath.Equal(item, element) {
				return keypath.Set(current, path, append(list[:i:i], list[i+1:]...))
			}
		}
		return nil, errSkip
	})
}

func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backend != nil {
		if err := c.backend.Clear(); err != nil {
			return fmt.Errorf("failed to clear: %w", err)
		}
	}
	c.entries = make(map[string]any)
	return nil
}

// Keys returns every root key in sorted order, Values and Entries follow the same order.
func (c *Cache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sortedKeys()
}

func (c *Cache) Values() []any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]any, 0, len(c.entries))
	for _, k := range c.sortedKeys() {
		out = append(out, c.entries[k])
	}
	return out
}

func (c *Cache) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.entries))
	for _, k := range c.sortedKeys() {
		out = append(out, Entry{Key: k, Value: c.entries[k]})
	}
	return out
}

func (c *Cache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) sortedKeys() []string {
	keys := maps.Keys(c.entries)
	slices.Sort(keys)
	return keys
}

// errSkip aborts an update without error and without writing.
var errSkip = errors.New("skip")

// update rewrites one root key. fn works on a private copy so a failed write leaves the entry untouched.
func (c *Cache) update(key string, fn func(current any, exists bool) (any, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, exists := c.entries[key]
	next, err := fn(keypath.Clone(current), exists)
	if errors.Is(err, errSkip) {
		return nil
	} else if err != nil {
		return err
	}
	if c.backend != nil {
		if err := c.backend.Put(key, next); err != nil {
			return fmt.Errorf("failed to persist %q: %w", key, err)
		}
	}
	c.entries[key] = next
	return nil
}

func listAt(current any, key, path string, create bool) ([]any, error) {
	v, ok := keypath.Get(current, path)
	if !ok || v == nil {
		if create {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: nothing stored at %q", ErrNotList, keypath.Join(key, path))
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %q holds %T", ErrNotList, keypath.Join(key, path), v)
	}
	return list, nil
}

// apply fails rather than return a non-finite number.
func apply(op protocol.Operator, base, operand float64) (float64, error) {
	var r float64
	switch op {
	case protocol.OpAdd:
		r = base + operand
	case protocol.OpSubtract:
		r = base - operand
	case protocol.OpMultiply:
		r = base * operand
	case protocol.OpDivide:
		if operand == 0 {
			return 0, ErrDivideByZero
		}
		r = base / operand
	default:
		return 0, fmt.Errorf("%w: %q", ErrOperator, op)
	}
	if math.IsInf(r, 0) || math.IsNaN(r) {
		return 0, fmt.Errorf("%w: %v %s %v", ErrNotFinite, base, op, operand)
	}
	return r, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

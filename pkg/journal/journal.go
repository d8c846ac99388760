// Package journal keeps the history of every delta the server has applied as an automerge document.
//
// Each root key is a key of the document's root map and every applied delta becomes one commit whose message
// names the action, so the document's change graph is an audit trail of the cache that can be saved,
// reloaded and rendered.
package journal

import (
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"

	"github.com/Tomato6966/remote-sqlite-database/pkg/protocol"
)

type Journal struct {
	mu  sync.Mutex
	doc *automerge.Doc
	// changes counts the commits in doc.
	changes int
}

func New() *Journal {
	return &Journal{doc: automerge.New()}
}

// Load restores a journal from bytes produced by Save.
func Load(raw []byte) (*Journal, error) {
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load doc: %w", err)
	}
	changes, err := doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	return &Journal{doc: doc, changes: len(changes)}, nil
}

// Record applies d to the document and commits it with message.
func (j *Journal) Record(message string, d *protocol.Delta) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	switch {
	case d.Clear:
		keys, err := j.doc.RootMap().Keys()
		if err != nil {
			return fmt.Errorf("failed to list keys: %w", err)
		}
		for _, k := range keys {
			if err := j.doc.Path(k).Delete(); err != nil {
				return fmt.Errorf("failed to delete %q: %w", k, err)
			}
		}
	case d.Deleted():
		if err := j.deleteIfPresent(d.RootKey); err != nil {
			return err
		}
	default:
		value, err := d.Value()
		if err != nil {
			return err
		}
		if err := j.doc.Path(d.RootKey).Set(value); err != nil {
			return fmt.Errorf("failed to set %q: %w", d.RootKey, err)
		}
	}

	return j.commit(message)
}

func (j *Journal) commit(message string) error {
	if _, err := j.doc.Commit(message, automerge.CommitOptions{AllowEmpty: true}); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	j.changes++
	return nil
}

// Reconcile makes the document match entries, for when the store moved on after the last saved snapshot.
func (j *Journal) Reconcile(entries map[string]any) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	keys, err := j.doc.RootMap().Keys()
	if err != nil {
		return fmt.Errorf("failed to list keys: %w", err)
	}
	for _, k := range keys {
		if _, ok := entries[k]; !ok {
			if err := j.doc.Path(k).Delete(); err != nil {
				return fmt.Errorf("failed to delete %q: %w", k, err)
			}
		}
	}
	for k, v := range entries {
		if err := j.doc.Path(k).Set(v); err != nil {
			return fmt.Errorf("failed to set %q: %w", k, err)
		}
	}
	return j.commit("reconcile")
}

// Len returns the number of commits in the history.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.changes
}

// Compact replaces the history with a single commit holding the current entries once it has reached limit
// commits. entries is called with the journal locked, so a delta recorded concurrently lands after it.
func (j *Journal) Compact(limit int, entries func() map[string]any) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if limit <= 0 || j.changes < limit {
		return false, nil
	}

	doc := automerge.New()
	for k, v := range entries() {
		if err := doc.Path(k).Set(v); err != nil {
			return false, fmt.Errorf("failed to set %q: %w", k, err)
		}
	}
	if _, err := doc.Commit(fmt.Sprintf("compact %d changes", j.changes), automerge.CommitOptions{AllowEmpty: true}); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	j.doc = doc
	j.changes = 1
	return true, nil
}

func (j *Journal) deleteIfPresent(key string) error {
	keys, err := j.doc.RootMap().Keys()
	if err != nil {
		return fmt.Errorf("failed to list keys: %w", err)
	}
	for _, k := range keys {
		if k == key {
			if err := j.doc.Path(k).Delete(); err != nil {
				return fmt.Errorf("failed to delete %q: %w", k, err)
			}
			return nil
		}
	}
	return nil
}

// Keys lists the root keys currently present in the document.
func (j *Journal) Keys() ([]string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.doc.RootMap().Keys()
}

// Value returns the current value of a root key as a Go value.
func (j *Journal) Value(key string) (any, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	v, err := j.doc.Path(key).Get()
	if err != nil {
		return nil, fmt.Errorf("failed to get %q: %w", key, err)
	}
	return v.Interface(), nil
}

func (j *Journal) Save() []byte {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.doc.Save()
}

func (j *Journal) Heads() []automerge.ChangeHash {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.doc.Heads()
}

// Fork returns an independent copy of the document for read-only inspection.
func (j *Journal) Fork() (*automerge.Doc, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.doc.Fork()
}

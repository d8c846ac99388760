package client

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/Tomato6966/remote-sqlite-database/pkg/protocol"
	"github.com/Tomato6966/remote-sqlite-database/pkg/store"
)

func upsert(t *testing.T, key string, v any) *protocol.Delta {
	t.Helper()
	d, err := protocol.UpsertDelta(key, v)
	assert.Equal(t, err, nil)
	return d
}

// apply applies d and returns its error, failing the test if a valid delta was not applied immediately.
func apply(t *testing.T, m *Mirror, d *protocol.Delta) error {
	t.Helper()
	applied, err := m.Apply(d)
	if err == nil {
		assert.Equal(t, applied, true)
	}
	return err
}

func TestMirrorDeltas(t *testing.T) {
	m := NewMirror(true)
	m.Replace([]store.Entry{{Key: "user", Value: map[string]any{"score": float64(1)}}})

	assert.Equal(t, apply(t, m, upsert(t, "user", map[string]any{"score": float64(2), "name": "ada"})), nil)
	v, ok := m.Get("user.score", "")
	assert.Equal(t, ok, true)
	assert.Equal(t, v, float64(2))
	v, ok = m.Get("user", "name")
	assert.Equal(t, ok, true)
	assert.Equal(t, v, "ada")

	assert.Equal(t, apply(t, m, upsert(t, "tags", []any{"a"})), nil)
	assert.Equal(t, m.Keys(), []string{"tags", "user"})
	assert.Equal(t, m.Size(), 2)

	assert.Equal(t, apply(t, m, protocol.RemovalDelta("tags")), nil)
	assert.Equal(t, m.Has("tags", ""), false)

	assert.Equal(t, apply(t, m, protocol.ClearDelta()), nil)
	assert.Equal(t, m.Size(), 0)
	assert.Equal(t, m.Has("user", ""), false)
}

func TestMirrorRejectsMalformedDeltas(t *testing.T) {
	m := NewMirror(false)
	m.Replace([]store.Entry{{Key: "k", Value: "v"}})

	assert.NotEqual(t, apply(t, m, &protocol.Delta{Data: json.RawMessage(`1`)}), nil)
	assert.NotEqual(t, apply(t, m, &protocol.Delta{RootKey: "k", Data: json.RawMessage(`{broken`)}), nil)
	assert.Equal(t, m.Entries(), []store.Entry{{Key: "k", Value: "v"}})
}

func TestMirrorReadsAreCopies(t *testing.T) {
	m := NewMirror(false)
	m.Replace([]store.Entry{{Key: "user", Value: map[string]any{"tags": []any{"a"}}}})

	v, _ := m.Get("user", "")
	v.(map[string]any)["tags"] = "changed"
	again, _ := m.Get("user", "tags")
	assert.Equal(t, again, []any{"a"})

	m.Values()[0].(map[string]any)["extra"] = true
	assert.Equal(t, m.Has("user", "extra"), false)
}

func TestMirrorBuffersDuringSync(t *testing.T) {
	m := NewMirror(false)
	m.Replace([]store.Entry{{Key: "old", Value: "x"}})

	m.BeginSync()
	applied, err := m.Apply(upsert(t, "late", "y"))
	assert.Equal(t, err, nil)
	assert.Equal(t, applied, false)
	applied, err = m.Apply(protocol.RemovalDelta("snap"))
	assert.Equal(t, err, nil)
	assert.Equal(t, applied, false)
	// the live mirror is untouched until the bulk copy lands
	assert.Equal(t, m.Keys(), []string{"old"})

	m.Replace([]store.Entry{{Key: "snap", Value: "z"}, {Key: "kept", Value: "k"}})
	assert.Equal(t, m.Keys(), []string{"kept", "late"})

	m.BeginSync()
	applied, err = m.Apply(upsert(t, "dropped", 1))
	assert.Equal(t, err, nil)
	assert.Equal(t, applied, false)
	m.AbortSync()
	assert.Equal(t, m.Keys(), []string{"kept", "late"})

	assert.Equal(t, apply(t, m, upsert(t, "after", 2)), nil)
	assert.Equal(t, m.Has("after", ""), true)
}

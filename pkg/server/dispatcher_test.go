package server

import (
	"context"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/Tomato6966/remote-sqlite-database/pkg/protocol"
	"github.com/Tomato6966/remote-sqlite-database/pkg/store"
)

type recordingHub struct {
	deltas []*protocol.Delta
}

func (h *recordingHub) Broadcast(d *protocol.Delta) {
	h.deltas = append(h.deltas, d)
}

type countingStore struct {
	*store.Cache
	sets int
}

func (c *countingStore) Set(key string, value any, path string) error {
	c.sets++
	return c.Cache.Set(key, value, path)
}

type panickingStore struct {
	*store.Cache
}

func (panickingStore) Count() int {
	panic("boom")
}

func request(t *testing.T, action protocol.Action, key string, data any, path string, op protocol.Operator) *protocol.Request {
	t.Helper()
	req, err := protocol.NewRequest(action, key, data, path, op)
	assert.Equal(t, err, nil)
	return req
}

func decode[T any](t *testing.T, resp *protocol.Response) T {
	t.Helper()
	assert.Equal(t, resp.Err(), nil)
	var out T
	assert.Equal(t, resp.Decode(&out), nil)
	return out
}

func TestActionTable(t *testing.T) {
	hub := &recordingHub{}
	d := NewDispatcher(store.New(), hub, nil, true)
	ctx := context.Background()

	assert.Equal(t, decode[string](t, d.Handle(ctx, request(t, protocol.ActionSet, "user", map[string]any{"name": "ada"}, "", ""))), protocol.AckSet)
	assert.Equal(t, decode[string](t, d.Handle(ctx, request(t, protocol.ActionSet, "user.score", 10, "", ""))), protocol.AckSet)
	assert.Equal(t, decode[float64](t, d.Handle(ctx, request(t, protocol.ActionGet, "user", nil, "score", ""))), float64(10))
	assert.Equal(t, decode[bool](t, d.Handle(ctx, request(t, protocol.ActionHas, "user.name", nil, "", ""))), true)
	assert.Equal(t, decode[bool](t, d.Handle(ctx, request(t, protocol.ActionHas, "user.age", nil, "", ""))), false)

	assert.Equal(t, decode[float64](t, d.Handle(ctx, request(t, protocol.ActionMath, "user", 5, "score", protocol.OpAdd))), float64(15))
	assert.Equal(t, decode[string](t, d.Handle(ctx, request(t, protocol.ActionPush, "tags", "a", "", ""))), protocol.AckPushed)
	assert.Equal(t, decode[string](t, d.Handle(ctx, request(t, protocol.ActionPush, "tags", "b", "", ""))), protocol.AckPushed)
	assert.Equal(t, decode[string](t, d.Handle(ctx, request(t, protocol.ActionRemove, "tags", "a", "", ""))), protocol.AckRemoved)

	assert.Equal(t, decode[[]string](t, d.Handle(ctx, request(t, protocol.ActionKeys, "", nil, "", ""))), []string{"tags", "user"})
	assert.Equal(t, decode[[]string](t, d.Handle(ctx, request(t, protocol.ActionKeyArray, "", nil, "", ""))), []string{"tags", "user"})
	assert.Equal(t, decode[int](t, d.Handle(ctx, request(t, protocol.ActionCount, "", nil, "", ""))), 2)
	assert.Equal(t, decode[int](t, d.Handle(ctx, request(t, protocol.ActionSize, "", nil, "", ""))), 2)
	assert.Equal(t, len(decode[[]any](t, d.Handle(ctx, request(t, protocol.ActionValues, "", nil, "", "")))), 2)
	assert.Equal(t, len(decode[[]any](t, d.Handle(ctx, request(t, protocol.ActionAll, "", nil, "", "")))), 2)

	entries := decode[[]store.Entry](t, d.Handle(ctx, request(t, protocol.ActionStartSync, "", nil, "", "")))
	assert.Equal(t, entries, []store.Entry{
		{Key: "tags", Value: []any{"b"}},
		{Key: "user", Value: map[string]any{"name": "ada", "score": float64(15)}},
	})

	assert.Equal(t, decode[string](t, d.Handle(ctx, request(t, protocol.ActionDelete, "user", nil, "name", ""))), protocol.AckDeleted)
	assert.Equal(t, decode[string](t, d.Handle(ctx, request(t, protocol.ActionDelete, "tags", nil, "", ""))), protocol.AckDeleted)

	// one delta per mutation, each carrying the whole root value
	assert.Equal(t, len(hub.deltas), 8)
	last := hub.deltas[len(hub.deltas)-1]
	assert.Equal(t, last.Deleted(), true)
	assert.Equal(t, last.RootKey, "tags")
	v, err := hub.deltas[len(hub.deltas)-2].Value()
	assert.Equal(t, err, nil)
	assert.Equal(t, v, map[string]any{"score": float64(15)})
}

func TestGetMissing(t *testing.T) {
	d := NewDispatcher(store.New(), nil, nil, false)
	err := d.Handle(context.Background(), request(t, protocol.ActionGet, "nobody", nil, "", "")).Err()
	assert.Equal(t, errors.Is(err, protocol.ErrNotFound), true)
	assert.Equal(t, err.Error(), "not_found: Key_is_not_in_Cache")
}

func TestValidation(t *testing.T) {
	st := &countingStore{Cache: store.New()}
	hub := &recordingHub{}
	d := NewDispatcher(st, hub, nil, false)
	ctx := context.Background()

	for _, req := range []*protocol.Request{
		{Action: protocol.ActionSet, RootKey: "k"},
		{Action: protocol.ActionSet, RootKey: "k", Data: []byte("null")},
		{Action: protocol.ActionSet, Data: []byte("1")},
		{Action: protocol.ActionGet},
		{Action: protocol.ActionPush, RootKey: "k"},
		{Action: protocol.ActionRemove, RootKey: "k"},
		{Action: protocol.ActionEnsure, RootKey: "k"},
		{Action: protocol.ActionMath, RootKey: "k", Data: []byte(`"ten"`), Operator: protocol.OpAdd},
		{Action: protocol.ActionMath, RootKey: "k", Data: []byte("10"), Operator: "%"},
		{Action: protocol.ActionMath, RootKey: "k", Data: []byte("10")},
		{Action: protocol.ActionSet, RootKey: "k", Data: []byte("{broken")},
	} {
		err := d.Handle(ctx, req).Err()
		assert.Equal(t, errors.Is(err, protocol.ErrValidation), true)
	}
	assert.Equal(t, st.sets, 0)
	assert.Equal(t, len(hub.deltas), 0)

	err := d.Handle(ctx, &protocol.Request{Action: "explode", RootKey: "k"}).Err()
	assert.Equal(t, errors.Is(err, protocol.ErrUnknownAction), true)
	assert.Equal(t, err.Error(), "unknown_action: wrong_action_response - explode [k]")
}

func TestStoreFailures(t *testing.T) {
	hub := &recordingHub{}
	d := NewDispatcher(store.New(), hub, nil, false)
	ctx := context.Background()

	_ = d.Handle(ctx, request(t, protocol.ActionSet, "name", "ada", "", ""))
	hub.deltas = nil

	err := d.Handle(ctx, request(t, protocol.ActionMath, "name", 1, "", protocol.OpAdd)).Err()
	assert.Equal(t, errors.Is(err, protocol.ErrStoreFailure), true)
	err = d.Handle(ctx, request(t, protocol.ActionMath, "absent", 1, "", protocol.OpAdd)).Err()
	assert.Equal(t, errors.Is(err, protocol.ErrStoreFailure), true)
	err = d.Handle(ctx, request(t, protocol.ActionPush, "name", "x", "", "")).Err()
	assert.Equal(t, errors.Is(err, protocol.ErrStoreFailure), true)
	assert.Equal(t, len(hub.deltas), 0)

	// the dispatcher stays available after a panic in the store
	pd := NewDispatcher(panickingStore{Cache: store.New()}, nil, nil, false)
	err = pd.Handle(ctx, request(t, protocol.ActionCount, "", nil, "", "")).Err()
	assert.Equal(t, errors.Is(err, protocol.ErrStoreFailure), true)
	assert.Equal(t, decode[bool](t, pd.Handle(ctx, request(t, protocol.ActionHas, "k", nil, "", ""))), false)
}

func TestEnsureIsIdempotent(t *testing.T) {
	st := &countingStore{Cache: store.New()}
	hub := &recordingHub{}
	d := NewDispatcher(st, hub, nil, false)
	ctx := context.Background()

	value := map[string]any{"theme": "dark", "nested": map[string]any{"size": 12}}
	assert.Equal(t, decode[string](t, d.Handle(ctx, request(t, protocol.ActionEnsure, "settings", value, "", ""))), protocol.AckEnsured)
	assert.Equal(t, decode[string](t, d.Handle(ctx, request(t, protocol.ActionEnsure, "settings", value, "", ""))), protocol.AckNoEnsure)
	assert.Equal(t, st.sets, 1)
	assert.Equal(t, len(hub.deltas), 1)

	value["theme"] = "light"
	assert.Equal(t, decode[string](t, d.Handle(ctx, request(t, protocol.ActionEnsure, "settings", value, "", ""))), protocol.AckEnsured)
	assert.Equal(t, st.sets, 2)

	// every request decodes a fresh list, equal contents still count as unchanged
	withList := map[string]any{"tags": []any{"a", "b"}}
	assert.Equal(t, decode[string](t, d.Handle(ctx, request(t, protocol.ActionEnsure, "k", withList, "", ""))), protocol.AckEnsured)
	assert.Equal(t, decode[string](t, d.Handle(ctx, request(t, protocol.ActionEnsure, "k", withList, "", ""))), protocol.AckNoEnsure)
	assert.Equal(t, st.sets, 3)
	assert.Equal(t, len(hub.deltas), 3)
}

func TestMathOverflowLeavesStoreIntact(t *testing.T) {
	hub := &recordingHub{}
	d := NewDispatcher(store.New(), hub, nil, false)
	ctx := context.Background()

	_ = d.Handle(ctx, request(t, protocol.ActionSet, "n", 1e308, "", ""))
	resp := d.Handle(ctx, request(t, protocol.ActionMath, "n", 10, "", protocol.OpMultiply))
	assert.Equal(t, errors.Is(resp.Err(), protocol.ErrStoreFailure), true)
	assert.Equal(t, len(hub.deltas), 1)

	assert.Equal(t, decode[float64](t, d.Handle(ctx, request(t, protocol.ActionGet, "n", nil, "", ""))), 1e308)
	entries := decode[[]store.Entry](t, d.Handle(ctx, request(t, protocol.ActionStartSync, "", nil, "", "")))
	assert.Equal(t, entries, []store.Entry{{Key: "n", Value: 1e308}})
}

func TestClear(t *testing.T) {
	hub := &recordingHub{}
	d := NewDispatcher(store.New(), hub, nil, false)
	ctx := context.Background()

	_ = d.Handle(ctx, request(t, protocol.ActionSet, "a", 1, "", ""))
	_ = d.Handle(ctx, request(t, protocol.ActionSet, "b", 2, "", ""))
	assert.Equal(t, decode[string](t, d.Handle(ctx, request(t, protocol.ActionClear, "", nil, "", ""))), protocol.AckCleared)
	assert.Equal(t, decode[int](t, d.Handle(ctx, request(t, protocol.ActionCount, "", nil, "", ""))), 0)
	assert.Equal(t, hub.deltas[len(hub.deltas)-1].Clear, true)
}

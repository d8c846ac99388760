package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Tomato6966/remote-sqlite-database/pkg/keypath"
	"github.com/Tomato6966/remote-sqlite-database/pkg/protocol"
	"github.com/Tomato6966/remote-sqlite-database/pkg/store"
)

// Broadcaster fans a delta out to every connected session.
type Broadcaster interface {
	Broadcast(d *protocol.Delta)
}

// Recorder keeps a history of applied deltas.
type Recorder interface {
	Record(message string, d *protocol.Delta) error
}

// Dispatcher validates requests and applies them to the store. Every request runs under one lock so
// mutations are applied, recorded and broadcast in arrival order.
type Dispatcher struct {
	mu       sync.Mutex
	store    store.Store
	hub      Broadcaster
	recorder Recorder
	dotted   bool
}

// NewDispatcher builds a dispatcher. hub and recorder may be nil.
func NewDispatcher(st store.Store, hub Broadcaster, recorder Recorder, dotted bool) *Dispatcher {
	return &Dispatcher{store: st, hub: hub, recorder: recorder, dotted: dotted}
}

// Handle answers one request. It never panics, failures are returned as error responses.
func (d *Dispatcher) Handle(_ context.Context, req *protocol.Request) (resp *protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("recovered from panic while handling request", "action", req.Action, "key", req.RootKey, "panic", r)
			resp = protocol.Failure(protocol.Errorf(protocol.KindStoreFailure, "failed to handle %s: %v", req.Action, r))
		}
	}()

	value, err := validate(req)
	if err != nil {
		slog.Debug("rejected request", "action", req.Action, "key", req.RootKey, "err", err)
		return protocol.Failure(err)
	}
	root, path := keypath.Resolve(req.RootKey, req.Path, d.dotted)

	d.mu.Lock()
	defer d.mu.Unlock()

	result, err := d.apply(req, root, path, value)
	if err != nil {
		return protocol.Failure(err)
	}
	return protocol.Success(result)
}

func (d *Dispatcher) apply(req *protocol.Request, root, path string, value any) (any, error) {
	switch req.Action {
	case protocol.ActionGet:
		v, ok := d.store.Get(root, path)
		if !ok {
			return nil, protocol.Errorf(protocol.KindNotFound, "Key_is_not_in_Cache")
		}
		return v, nil

	case protocol.ActionHas:
		return d.store.Has(root, path), nil

	case protocol.ActionSet:
		if err := d.store.Set(root, value, path); err != nil {
			return nil, storeFailure(req.Action, root, err)
		}
		d.changed(req.Action, root)
		return protocol.AckSet, nil

	case protocol.ActionEnsure:
		if current, ok := d.store.Get(root, path); ok && keypath.Equal(current, value) {
			return protocol.AckNoEnsure, nil
		}
		if err := d.store.Set(root, value, path); err != nil {
			return nil, storeFailure(req.Action, root, err)
		}
		d.changed(req.Action, root)
		return protocol.AckEnsured, nil

	case protocol.ActionDelete:
		if err := d.store.Delete(root, path); err != nil {
			return nil, storeFailure(req.Action, root, err)
		}
		d.changed(req.Action, root)
		return protocol.AckDeleted, nil

	case protocol.ActionMath:
		result, err := d.store.Math(root, req.Operator, value.(float64), path)
		if err != nil {
			return nil, storeFailure(req.Action, root, err)
		}
		d.changed(req.Action, root)
		return result, nil

	case protocol.ActionPush:
		if err := d.store.Push(root, value, path); err != nil {
			return nil, storeFailure(req.Action, root, err)
		}
		d.changed(req.Action, root)
		return protocol.AckPushed, nil

	case protocol.ActionRemove:
		if err := d.store.Remove(root, value, path); err != nil {
			return nil, storeFailure(req.Action, root, err)
		}
		d.changed(req.Action, root)
		return protocol.AckRemoved, nil

	case protocol.ActionClear:
		if err := d.store.Clear(); err != nil {
			return nil, storeFailure(req.Action, "", err)
		}
		d.publish(string(req.Action), protocol.ClearDelta())
		return protocol.AckCleared, nil

	case protocol.ActionKeys, protocol.ActionKeyArray:
		return d.store.Keys(), nil
	case protocol.ActionValues, protocol.ActionAll:
		return d.store.Values(), nil
	case protocol.ActionEntries, protocol.ActionStartSync:
		return d.store.Entries(), nil
	case protocol.ActionCount, protocol.ActionSize:
		return d.store.Count(), nil
	}
	return nil, unknownAction(req)
}

// changed publishes the current whole value of root, or its removal.
func (d *Dispatcher) changed(action protocol.Action, root string) {
	message := fmt.Sprintf("%s %s", action, root)
	v, ok := d.store.Get(root, "")
	if !ok {
		d.publish(message, protocol.RemovalDelta(root))
		return
	}
	delta, err := protocol.UpsertDelta(root, v)
	if err != nil {
		slog.Error("failed to build delta", "key", root, "err", err)
		return
	}
	d.publish(message, delta)
}

func (d *Dispatcher) publish(message string, delta *protocol.Delta) {
	if d.recorder != nil {
		if err := d.recorder.Record(message, delta); err != nil {
			slog.Error("failed to record delta", "delta", delta, "err", err)
		}
	}
	if d.hub != nil {
		d.hub.Broadcast(delta)
	}
}

// validate checks the request shape before anything touches the store and returns the decoded data.
func validate(req *protocol.Request) (any, error) {
	switch req.Action {
	case protocol.ActionGet, protocol.ActionHas, protocol.ActionSet, protocol.ActionEnsure, protocol.ActionDelete,
		protocol.ActionMath, protocol.ActionPush, protocol.ActionRemove, protocol.ActionClear,
		protocol.ActionKeys, protocol.ActionKeyArray, protocol.ActionValues, protocol.ActionAll,
		protocol.ActionEntries, protocol.ActionStartSync, protocol.ActionCount, protocol.ActionSize:
	default:
		return nil, unknownAction(req)
	}

	if req.Action.NeedsKey() && req.RootKey == "" {
		return nil, protocol.Errorf(protocol.KindValidation, "no key provided for %s", req.Action)
	}
	if !req.Action.NeedsData() {
		return nil, nil
	}

	value, ok, err := req.Value()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, protocol.Errorf(protocol.KindValidation, "no data provided for %s %s", req.Action, req.RootKey)
	}
	if req.Action == protocol.ActionMath {
		if !req.Operator.Valid() {
			return nil, protocol.Errorf(protocol.KindValidation, "invalid operator %q for math %s", req.Operator, req.RootKey)
		}
		if _, isNumber := value.(float64); !isNumber {
			return nil, protocol.Errorf(protocol.KindValidation, "math %s needs a number, got %T", req.RootKey, value)
		}
	}
	return value, nil
}

func unknownAction(req *protocol.Request) error {
	return protocol.Errorf(protocol.KindUnknownAction, "wrong_action_response - %s [%s]", req.Action, req.RootKey)
}

func storeFailure(action protocol.Action, root string, err error) error {
	return protocol.Errorf(protocol.KindStoreFailure, "failed to %s %s: %v", action, root, err)
}

// Package protocol defines the messages exchanged between the cache server and its clients.
//
// Every WebSocket text message carries one Frame. Requests and responses are correlated by the frame id,
// sync frames carry a Delta that the server pushes to every connected client after a mutation:
//
//	{"type":"request","id":"01H...","request":{"action":"set","rootKey":"user","data":{"score":10}}}
//	{"type":"sync","sync":{"rootKey":"user","data":{"score":10}}}
//	{"type":"response","id":"01H...","response":{"data":"success_set_the_cache"}}
package protocol

import (
	"encoding/json"
	"fmt"
)

// Action names an operation the server can dispatch.
type Action string

const (
	ActionGet       Action = "get"
	ActionHas       Action = "has"
	ActionSet       Action = "set"
	ActionEnsure    Action = "ensure"
	ActionDelete    Action = "delete"
	ActionMath      Action = "math"
	ActionPush      Action = "push"
	ActionRemove    Action = "remove"
	ActionClear     Action = "clear"
	ActionKeys      Action = "keys"
	ActionKeyArray  Action = "keyArray"
	ActionValues    Action = "values"
	ActionAll       Action = "all"
	ActionEntries   Action = "entries"
	ActionCount     Action = "count"
	ActionSize      Action = "size"
	ActionStartSync Action = "startSync"
)

// Mutating reports whether the action may change the store and therefore broadcast a delta.
func (a Action) Mutating() bool {
	switch a {
	case ActionSet, ActionEnsure, ActionDelete, ActionMath, ActionPush, ActionRemove, ActionClear:
		return true
	}
	return false
}

// NeedsKey reports whether the action addresses a single root key.
func (a Action) NeedsKey() bool {
	switch a {
	case ActionGet, ActionHas, ActionSet, ActionEnsure, ActionDelete, ActionMath, ActionPush, ActionRemove:
		return true
	}
	return false
}

// NeedsData reports whether the action carries a value.
func (a Action) NeedsData() bool {
	switch a {
	case ActionSet, ActionEnsure, ActionMath, ActionPush, ActionRemove:
		return true
	}
	return false
}

// Operator is an arithmetic operator for the math action.
type Operator string

const (
	OpAdd      Operator = "+"
	OpSubtract Operator = "-"
	OpMultiply Operator = "*"
	OpDivide   Operator = "/"
)

func (o Operator) Valid() bool {
	switch o {
	case OpAdd, OpSubtract, OpMultiply, OpDivide:
		return true
	}
	return false
}

// Acknowledgements returned as the data of successful mutations.
const (
	AckSet      = "success_set_the_cache"
	AckEnsured  = "success_ensured"
	AckNoEnsure = "no_ensure_needed"
	AckDeleted  = "success_deleted_the_cache_key"
	AckCleared  = "success_cleared_the_cache"
	AckPushed   = "success_pushed_the_item"
	AckRemoved  = "success_removed_the_item"
)

// Request is the client to server envelope.
type Request struct {
	Action   Action          `json:"action"`
	RootKey  string          `json:"rootKey,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Path     string          `json:"path,omitempty"`
	Operator Operator        `json:"operator,omitempty"`
}

// NewRequest encodes data into a request. A nil data leaves the field absent.
func NewRequest(action Action, rootKey string, data any, path string, op Operator) (*Request, error) {
	req := &Request{Action: action, RootKey: rootKey, Path: path, Operator: op}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s data: %w", action, err)
		}
		req.Data = raw
	}
	return req, nil
}

// Value decodes the data field. Absent data and JSON null are both reported as missing.
func (r *Request) Value() (any, bool, error) {
	return decodeOptional(r.Data)
}

// Response is the server to client envelope, either Data or Error is set.
type Response struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
	Kind  ErrorKind       `json:"kind,omitempty"`
}

// Success wraps a result value, falling back to a failure if it cannot be encoded.
func Success(v any) *Response {
	raw, err := json.Marshal(v)
	if err != nil {
		return Failure(Errorf(KindStoreFailure, "failed to encode result: %v", err))
	}
	return &Response{Data: raw}
}

// Failure converts an error into an error response, errors without a kind are store failures.
func Failure(err error) *Response {
	pe := AsError(err)
	return &Response{Error: pe.Message, Kind: pe.Kind}
}

// Err returns the typed error carried by the response, or nil.
func (r *Response) Err() error {
	if r.Error == "" && r.Kind == "" {
		return nil
	}
	kind := r.Kind
	if kind == "" {
		kind = KindStoreFailure
	}
	return &Error{Kind: kind, Message: r.Error}
}

// Decode unmarshals the response data into v.
func (r *Response) Decode(v any) error {
	if len(r.Data) == 0 {
		return Errorf(KindStoreFailure, "response carries no data")
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	return nil
}

// Delta is a whole-root-key update pushed to every client. Data absent means the key was deleted,
// Clear means every entry was dropped.
type Delta struct {
	RootKey string          `json:"rootKey,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Clear   bool            `json:"clear,omitempty"`
}

func ClearDelta() *Delta {
	return &Delta{Clear: true}
}

func RemovalDelta(rootKey string) *Delta {
	return &Delta{RootKey: rootKey}
}

func UpsertDelta(rootKey string, value any) (*Delta, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value of %q: %w", rootKey, err)
	}
	return &Delta{RootKey: rootKey, Data: raw}, nil
}

// Deleted reports whether the delta removes its root key.
func (d *Delta) Deleted() bool {
	return !d.Clear && len(d.Data) == 0
}

// Value decodes the new value of the root key.
func (d *Delta) Value() (any, error) {
	var v any
	if err := json.Unmarshal(d.Data, &v); err != nil {
		return nil, fmt.Errorf("failed to decode delta for %q: %w", d.RootKey, err)
	}
	return v, nil
}

func (d *Delta) Validate() error {
	if d.Clear {
		return nil
	}
	if d.RootKey == "" {
		return Errorf(KindValidation, "delta has neither a root key nor clear")
	}
	return nil
}

func (d *Delta) String() string {
	switch {
	case d.Clear:
		return "clear"
	case d.Deleted():
		return "delete " + d.RootKey
	default:
		return "update " + d.RootKey
	}
}

func decodeOptional(raw json.RawMessage) (any, bool, error) {
	if len(raw) == 0 {
		return nil, false, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false, Errorf(KindValidation, "malformed data: %v", err)
	}
	if v == nil {
		return nil, false, nil
	}
	return v, true, nil
}

// Package client connects to a cache server and keeps a local mirror of its entries.
//
// Reads such as Get, Has and Keys are answered from the mirror without a round trip. Everything that changes
// the cache is sent to the server, and the mirror only catches up when the server pushes the resulting delta,
// which for the caller's own writes always happens before the call returns.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/Tomato6966/remote-sqlite-database/pkg/keypath"
	"github.com/Tomato6966/remote-sqlite-database/pkg/protocol"
	"github.com/Tomato6966/remote-sqlite-database/pkg/store"
	"github.com/Tomato6966/remote-sqlite-database/pkg/transport"
)

type State string

const (
	StateConnecting State = "connecting"
	StateReady      State = "ready"
	StateClosed     State = "closed"
	StateErrored    State = "errored"
)

type Options struct {
	URL         string
	Credentials transport.Credentials
	Settings    transport.Settings
	TLSConfig   *tls.Config
	KeyPathing  bool

	// Reconnect redials every ReconnectTimeout after the session is lost.
	Reconnect        bool
	ReconnectTimeout time.Duration
}

type Client struct {
	opts   Options
	mirror *Mirror
	events *transport.Emitter

	mu      sync.RWMutex
	session *transport.Session
	state   State
	lastErr error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ transport.Handler = (*Client)(nil)

// Dial connects, authenticates and fills the mirror before returning.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	c := &Client{
		opts:   opts,
		mirror: NewMirror(opts.KeyPathing),
		events: transport.NewEmitter(64),
		state:  StateConnecting,
		closed: make(chan struct{}),
	}
	c.events.Emit(transport.Event{Kind: transport.EventConnecting})
	if err := c.connect(ctx); err != nil {
		c.setState(StateErrored, err)
		c.events.Close()
		return nil, err
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.supervise()
	}()
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	header, err := c.opts.Credentials.Header(time.Now())
	if err != nil {
		return err
	}
	session, err := transport.Dial(ctx, c.opts.URL, header, c.opts.TLSConfig, c, c.opts.Settings)
	if err != nil {
		return err
	}

	c.mirror.BeginSync()
	entries, err := c.startSync(ctx, session)
	if err != nil {
		c.mirror.AbortSync()
		_ = session.Close()
		return err
	}
	c.mirror.Replace(entries)

	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		_ = session.Close()
		return protocol.Errorf(protocol.KindDisconnected, "client closed while connecting")
	default:
	}
	c.session = session
	c.state = StateReady
	c.lastErr = nil
	c.mu.Unlock()

	slog.Info("connected", "url", c.opts.URL, "session", session.ID(), "entries", len(entries))
	c.events.Emit(transport.Event{Kind: transport.EventReady, SessionID: session.ID()})
	return nil
}

func (c *Client) startSync(ctx context.Context, session *transport.Session) ([]store.Entry, error) {
	resp, err := session.Request(ctx, &protocol.Request{Action: protocol.ActionStartSync})
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	var entries []store.Entry
	if err := resp.Decode(&entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// supervise watches the current session and redials when it is lost.
func (c *Client) supervise() {
	for {
		c.mu.RLock()
		session := c.session
		c.mu.RUnlock()

		select {
		case <-c.closed:
			return
		case <-session.Done():
		}
		select {
		case <-c.closed:
			return
		default:
		}

		cause := session.Err()
		if cause == nil {
			cause = protocol.Errorf(protocol.KindDisconnected, "session closed by server")
		}
		slog.Warn("session lost", "session", session.ID(), "err", cause)
		if !c.opts.Reconnect {
			c.setState(StateErrored, cause)
			c.events.Emit(transport.Event{Kind: transport.EventErrored, SessionID: session.ID(), Err: cause})
			return
		}
		c.setState(StateConnecting, cause)
		c.events.Emit(transport.Event{Kind: transport.EventConnecting, SessionID: session.ID(), Err: cause})

		for {
			select {
			case <-c.closed:
				return
			case <-time.After(c.opts.ReconnectTimeout):
			}
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.Settings.HandshakeTimeout+c.opts.Settings.RequestTimeout)
			err := c.connect(ctx)
			cancel()
			if err == nil {
				break
			}
			slog.Warn("failed to reconnect", "url", c.opts.URL, "err", err)
		}
	}
}

func (c *Client) setState(state State, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.state = state
	c.lastErr = err
}

// State reports the connection state and the error behind the last transition away from ready.
func (c *Client) State() (State, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state, c.lastErr
}

func (c *Client) Events() <-chan transport.Event {
	return c.events.Events()
}

// Mirror exposes the local replica.
func (c *Client) Mirror() *Mirror {
	return c.mirror
}

// Close ends the session and stops reconnecting.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		session := c.session
		c.state = StateClosed
		c.mu.Unlock()
		if session != nil {
			_ = session.Close()
		}
		c.wg.Wait()
		c.events.Emit(transport.Event{Kind: transport.EventClosed})
		c.events.Close()
	})
	return nil
}

func (c *Client) HandleRequest(context.Context, *transport.Session, *protocol.Request) *protocol.Response {
	return protocol.Failure(protocol.Errorf(protocol.KindUnknownAction, "client does not serve requests"))
}

func (c *Client) HandleSync(session *transport.Session, d *protocol.Delta) {
	applied, err := c.mirror.Apply(d)
	if err != nil {
		slog.Warn("dropping malformed delta", "session", session.ID(), "err", err)
		return
	} else if !applied {
		return
	}
	c.events.Emit(transport.Event{Kind: transport.EventUpdated, SessionID: session.ID(), Key: d.RootKey})
}

func (c *Client) do(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	c.mu.RLock()
	session, state := c.session, c.state
	c.mu.RUnlock()
	if state != StateReady {
		return nil, protocol.Errorf(protocol.KindDisconnected, "client is %s", state)
	}
	resp, err := session.Request(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp, nil
}

// send resolves key, builds the request and returns the response data decoded into out, if out is not nil.
func (c *Client) send(ctx context.Context, action protocol.Action, key string, data any, path string, op protocol.Operator, out any) error {
	root, path := keypath.Resolve(key, path, c.opts.KeyPathing)
	if action.NeedsKey() && root == "" {
		return protocol.Errorf(protocol.KindValidation, "no key provided for %s", action)
	}
	if action.NeedsData() && data == nil {
		return protocol.Errorf(protocol.KindValidation, "no data provided for %s %s", action, root)
	}
	req, err := protocol.NewRequest(action, root, data, path, op)
	if err != nil {
		return protocol.Errorf(protocol.KindValidation, "%v", err)
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return resp.Decode(out)
}

func (c *Client) Set(ctx context.Context, key string, value any, path string) error {
	return c.send(ctx, protocol.ActionSet, key, value, path, "", nil)
}

// Ensure writes value only when the stored value differs, it reports whether a write happened.
func (c *Client) Ensure(ctx context.Context, key string, value any, path string) (bool, error) {
	var ack string
	if err := c.send(ctx, protocol.ActionEnsure, key, value, path, "", &ack); err != nil {
		return false, err
	}
	return ack == protocol.AckEnsured, nil
}

func (c *Client) Delete(ctx context.Context, key, path string) error {
	return c.send(ctx, protocol.ActionDelete, key, nil, path, "", nil)
}

// Math applies op with value to the number stored at key and path and returns the result.
func (c *Client) Math(ctx context.Context, key string, op protocol.Operator, value float64, path string) (float64, error) {
	if !op.Valid() {
		return 0, protocol.Errorf(protocol.KindValidation, "invalid operator %q", op)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, protocol.Errorf(protocol.KindValidation, "math %s needs a finite number", key)
	}
	var result float64
	if err := c.send(ctx, protocol.ActionMath, key, value, path, op, &result); err != nil {
		return 0, err
	}
	return result, nil
}

func (c *Client) Add(ctx context.Context, key string, value float64, path string) (float64, error) {
	return c.Math(ctx, key, protocol.OpAdd, value, path)
}

func (c *Client) Subtract(ctx context.Context, key string, value float64, path string) (float64, error) {
	return c.Math(ctx, key, protocol.OpSubtract, value, path)
}

func (c *Client) Push(ctx context.Context, key string, element any, path string) error {
	return c.send(ctx, protocol.ActionPush, key, element, path, "", nil)
}

func (c *Client) Remove(ctx context.Context, key string, element any, path string) error {
	return c.send(ctx, protocol.ActionRemove, key, element, path, "", nil)
}

func (c *Client) Clear(ctx context.Context) error {
	return c.send(ctx, protocol.ActionClear, "", nil, "", "", nil)
}

// Fetch reads a value from the server rather than the mirror.
func (c *Client) Fetch(ctx context.Context, key, path string) (any, error) {
	var v any
	if err := c.send(ctx, protocol.ActionGet, key, nil, path, "", &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (c *Client) Exists(ctx context.Context, key, path string) (bool, error) {
	var ok bool
	if err := c.send(ctx, protocol.ActionHas, key, nil, path, "", &ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (c *Client) Count(ctx context.Context) (int, error) {
	var n int
	if err := c.send(ctx, protocol.ActionCount, "", nil, "", "", &n); err != nil {
		return 0, err
	}
	return n, nil
}

func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	c.mu.RLock()
	session, state := c.session, c.state
	c.mu.RUnlock()
	if state != StateReady {
		return 0, protocol.Errorf(protocol.KindDisconnected, "client is %s", state)
	}
	rtt, err := session.Ping(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to ping %s: %w", c.opts.URL, err)
	}
	return rtt, nil
}

// Local reads, served from the mirror.

func (c *Client) Get(key, path string) (any, bool) {
	return c.mirror.Get(key, path)
}

func (c *Client) Has(key, path string) bool {
	return c.mirror.Has(key, path)
}

func (c *Client) Size() int {
	return c.mirror.Size()
}

func (c *Client) Keys() []string {
	return c.mirror.Keys()
}

func (c *Client) KeyArray() []string {
	return c.mirror.Keys()
}

func (c *Client) Values() []any {
	return c.mirror.Values()
}

func (c *Client) All() []any {
	return c.mirror.Values()
}

func (c *Client) Entries() []store.Entry {
	return c.mirror.Entries()
}

// Package transport runs framed JSON sessions over a websocket connection.
//
// A Session owns one reader and one writer goroutine. Requests it receives are handed to a Handler one at a
// time and answered on the same session, responses to requests it sent are correlated by frame id, and sync
// frames are passed straight to the Handler. The writer also keeps the connection alive with pings.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/Tomato6966/remote-sqlite-database/pkg/protocol"
)

// ErrQueueFull is returned by TrySend when the peer is not draining its queue.
var ErrQueueFull = errors.New("send queue full")

// Handler receives the frames a session does not resolve itself.
type Handler interface {
	HandleRequest(ctx context.Context, s *Session, req *protocol.Request) *protocol.Response
	HandleSync(s *Session, d *protocol.Delta)
}

type Settings struct {
	WriteTimeout     time.Duration
	PongWait         time.Duration
	PingInterval     time.Duration
	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
	SendQueueSize    int
	MaxMessageSize   int64
}

func DefaultSettings() Settings {
	return Settings{
		WriteTimeout:     10 * time.Second,
		PongWait:         60 * time.Second,
		PingInterval:     54 * time.Second,
		RequestTimeout:   15 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		SendQueueSize:    256,
		MaxMessageSize:   32 << 20,
	}
}

type Session struct {
	id       string
	conn     *websocket.Conn
	handler  Handler
	settings Settings
	log      *slog.Logger

	out chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[string]chan *protocol.Response
	pings   map[string]chan struct{}
	closed  bool
	err     error
}

// NewSession wraps conn, Start must be called to begin reading and writing. The session ends when ctx is
// cancelled, Close is called, or the connection fails.
func NewSession(ctx context.Context, conn *websocket.Conn, handler Handler, settings Settings) *Session {
	id := ulid.Make().String()
	s := &Session{
		id:       id,
		conn:     conn,
		handler:  handler,
		settings: settings,
		log:      slog.With("session", id, "remote", conn.RemoteAddr().String()),
		out:      make(chan []byte, settings.SendQueueSize),
		done:     make(chan struct{}),
		pending:  make(map[string]chan *protocol.Response),
		pings:    make(map[string]chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	return s
}

// Start launches the reader and writer goroutines.
func (s *Session) Start() {
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.readLoop()
	}()
	go func() {
		defer s.wg.Done()
		s.writeLoop()
	}()
	go func() {
		<-s.ctx.Done()
		s.shutdown(nil)
	}()
}

func (s *Session) ID() string {
	return s.id
}

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err reports why the session ended, nil for a clean close or while it is still running.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close sends a close frame and ends the session.
func (s *Session) Close() error {
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(s.settings.WriteTimeout),
	)
	s.shutdown(nil)
	return nil
}

// Wait blocks until both session goroutines have returned.
func (s *Session) Wait() {
	s.wg.Wait()
}

func (s *Session) shutdown(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = cause
	s.mu.Unlock()

	s.cancel()
	close(s.done)
	if err := s.conn.Close(); err != nil {
		s.log.Debug("failed to close conn", "err", err)
	}
	if cause != nil {
		s.log.Info("session ended", "err", cause)
	} else {
		s.log.Debug("session closed")
	}
}

func (s *Session) readLoop() {
	s.conn.SetReadLimit(s.settings.MaxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.settings.PongWait))
	s.conn.SetPongHandler(func(appData string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.settings.PongWait))
		s.resolvePing(appData)
		return nil
	})

	for {
		mt, p, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.shutdown(nil)
			} else {
				s.shutdown(fmt.Errorf("failed to read message: %w", err))
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.settings.PongWait))
		switch mt {
		case websocket.TextMessage:
			s.receive(p)
		default:
			s.log.Debug("ignoring non-text message", "type", mt)
		}
	}
}

func (s *Session) receive(p []byte) {
	f, err := protocol.DecodeFrame(p)
	if err != nil {
		s.log.Warn("dropping malformed frame", "err", err)
		if f != nil && f.Type == protocol.FrameRequest && f.ID != "" {
			s.respond(f.ID, protocol.Failure(protocol.Errorf(protocol.KindValidation, "%v", err)))
		}
		return
	}

	switch f.Type {
	case protocol.FrameRequest:
		if s.handler == nil {
			s.respond(f.ID, protocol.Failure(protocol.Errorf(protocol.KindUnknownAction, "peer does not serve requests")))
			return
		}
		s.respond(f.ID, s.handler.HandleRequest(s.ctx, s, f.Request))
	case protocol.FrameResponse:
		s.mu.Lock()
		ch, ok := s.pending[f.ID]
		delete(s.pending, f.ID)
		s.mu.Unlock()
		if !ok {
			s.log.Debug("dropping response to unknown request", "id", f.ID)
			return
		}
		ch <- f.Response
	case protocol.FrameSync:
		if s.handler != nil {
			s.handler.HandleSync(s, f.Sync)
		}
	}
}

func (s *Session) respond(id string, resp *protocol.Response) {
	raw, err := protocol.EncodeFrame(&protocol.Frame{Type: protocol.FrameResponse, ID: id, Response: resp})
	if err != nil {
		s.log.Error("failed to encode response", "err", err)
		return
	}
	if err := s.send(s.ctx, raw); err != nil {
		s.log.Debug("dropping response", "id", id, "err", err)
	}
}

func (s *Session) writeLoop() {
	t := time.NewTicker(s.settings.PingInterval)
	defer t.Stop()
	for {
		select {
		case raw := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.settings.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				s.shutdown(fmt.Errorf("failed to write message: %w", err))
				return
			}
		case <-t.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.settings.WriteTimeout)); err != nil {
				s.shutdown(fmt.Errorf("failed to write ping: %w", err))
				return
			}
		case <-s.done:
			return
		}
	}
}

// send queues raw for the writer, waiting for room.
func (s *Session) send(ctx context.Context, raw []byte) error {
	select {
	case <-s.done:
		return protocol.Errorf(protocol.KindDisconnected, "session %s is closed", s.id)
	default:
	}
	select {
	case s.out <- raw:
		return nil
	case <-s.done:
		return protocol.Errorf(protocol.KindDisconnected, "session %s is closed", s.id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend queues raw without waiting. It fails with ErrQueueFull when the queue is at capacity.
func (s *Session) TrySend(raw []byte) error {
	select {
	case <-s.done:
		return protocol.Errorf(protocol.KindDisconnected, "session %s is closed", s.id)
	default:
	}
	select {
	case s.out <- raw:
		return nil
	default:
		return ErrQueueFull
	}
}

// Request sends req and waits for its response. It fails with a timeout error once the request timeout or
// the ctx deadline passes, and with a disconnected error if the session ends first.
func (s *Session) Request(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	id := ulid.Make().String()
	raw, err := protocol.EncodeFrame(&protocol.Frame{Type: protocol.FrameRequest, ID: id, Request: req})
	if err != nil {
		return nil, err
	}

	ch := make(chan *protocol.Response, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, protocol.Errorf(protocol.KindDisconnected, "session %s is closed", s.id)
	}
	s.pending[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	timer := time.NewTimer(s.settings.RequestTimeout)
	defer timer.Stop()

	if err := s.send(ctx, raw); err != nil {
		return nil, contextError(err, req.Action)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return nil, protocol.Errorf(protocol.KindTimeout, "no response to %s within %s", req.Action, s.settings.RequestTimeout)
	case <-ctx.Done():
		return nil, contextError(ctx.Err(), req.Action)
	case <-s.done:
		select {
		case resp := <-ch:
			return resp, nil
		default:
		}
		return nil, protocol.Errorf(protocol.KindDisconnected, "session closed before %s was answered", req.Action)
	}
}

func contextError(err error, action protocol.Action) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return protocol.Errorf(protocol.KindTimeout, "no response to %s before the deadline", action)
	}
	return err
}

// Ping measures the round trip of a websocket ping.
func (s *Session) Ping(ctx context.Context) (time.Duration, error) {
	payload := ulid.Make().String()
	ch := make(chan struct{})
	s.mu.Lock()
	s.pings[payload] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pings, payload)
		s.mu.Unlock()
	}()

	start := time.Now()
	if err := s.conn.WriteControl(websocket.PingMessage, []byte(payload), start.Add(s.settings.WriteTimeout)); err != nil {
		return 0, protocol.Errorf(protocol.KindDisconnected, "failed to write ping: %v", err)
	}

	timer := time.NewTimer(s.settings.RequestTimeout)
	defer timer.Stop()
	select {
	case <-ch:
		return time.Since(start), nil
	case <-timer.C:
		return 0, protocol.Errorf(protocol.KindTimeout, "no pong within %s", s.settings.RequestTimeout)
	case <-ctx.Done():
		return 0, contextError(ctx.Err(), "ping")
	case <-s.done:
		return 0, protocol.Errorf(protocol.KindDisconnected, "session closed before pong")
	}
}

func (s *Session) resolvePing(payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.pings[payload]; ok {
		close(ch)
		delete(s.pings, payload)
	}
}

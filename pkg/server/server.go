// Package server serves the cache over authenticated websocket sessions.
//
// Each session's requests go through the Dispatcher, and every mutation is pushed to all sessions by the
// Hub before the originator sees its response.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/Tomato6966/remote-sqlite-database/pkg/journal"
	"github.com/Tomato6966/remote-sqlite-database/pkg/protocol"
	"github.com/Tomato6966/remote-sqlite-database/pkg/store"
	"github.com/Tomato6966/remote-sqlite-database/pkg/transport"
)

type Options struct {
	Store       store.Store
	Journal     *journal.Journal
	Credentials transport.Credentials
	Settings    transport.Settings
	KeyPathing  bool
}

type Server struct {
	store      store.Store
	journal    *journal.Journal
	creds      transport.Credentials
	settings   transport.Settings
	dispatcher *Dispatcher
	hub        *Hub
	events     *transport.Emitter
	upgrader   websocket.Upgrader
}

var _ transport.Handler = (*Server)(nil)

func New(opts Options) *Server {
	events := transport.NewEmitter(64)
	hub := NewHub(events)
	var recorder Recorder
	if opts.Journal != nil {
		recorder = opts.Journal
	}
	return &Server{
		store:      opts.Store,
		journal:    opts.Journal,
		creds:      opts.Credentials,
		settings:   opts.Settings,
		dispatcher: NewDispatcher(opts.Store, hub, recorder, opts.KeyPathing),
		hub:        hub,
		events:     events,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: opts.Settings.HandshakeTimeout,
		},
	}
}

// Events publishes the server's lifecycle and peer events.
func (s *Server) Events() <-chan transport.Event {
	return s.events.Events()
}

func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the router with request logging applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.health)
	r.Methods(http.MethodGet).Path("/sync").Handler(s.authenticated(http.HandlerFunc(s.sync)))
	r.Methods(http.MethodGet).Path("/journal").Handler(s.authenticated(http.HandlerFunc(s.getJournal)))
	return r
}

func (s *Server) authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		token, ok := transport.BearerToken(request)
		if !ok {
			http.Error(writer, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if err := s.creds.Verify(token); err != nil {
			slog.Warn("rejected credentials", "remote", request.RemoteAddr, "err", err)
			http.Error(writer, "invalid credentials", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(writer, request)
	})
}

func (s *Server) health(writer http.ResponseWriter, _ *http.Request) {
	writer.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(writer).Encode(map[string]any{
		"status":  "ok",
		"peers":   s.hub.Count(),
		"entries": s.store.Count(),
	}); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

func (s *Server) sync(writer http.ResponseWriter, request *http.Request) {
	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	session := transport.NewSession(context.Background(), conn, s, s.settings)
	// registered before the first request is read so no delta can be missed
	s.hub.Add(session)
	defer s.hub.Remove(session)
	session.Start()
	<-session.Done()
}

func (s *Server) getJournal(writer http.ResponseWriter, _ *http.Request) {
	if s.journal == nil {
		writer.WriteHeader(http.StatusNotFound)
		return
	}
	fork, err := s.journal.Fork()
	if err != nil {
		slog.Error("failed to fork journal", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writer.Header().Add("Content-Type", "application/octet-stream")
	if _, err := writer.Write(fork.Save()); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

func (s *Server) HandleRequest(ctx context.Context, session *transport.Session, req *protocol.Request) *protocol.Response {
	resp := s.dispatcher.Handle(ctx, req)
	slog.Debug("request", "session", session.ID(), "action", req.Action, "key", req.RootKey, "error", resp.Error)
	return resp
}

func (s *Server) HandleSync(session *transport.Session, d *protocol.Delta) {
	slog.Warn("ignoring sync frame from client", "session", session.ID(), "delta", d)
}

// ListenAndServe listens on addr and serves until ctx is cancelled. TLS is used when certFile is set.
func (s *Server) ListenAndServe(ctx context.Context, addr, certFile, keyFile string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.events.Emit(transport.Event{Kind: transport.EventErrored, Err: err})
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln, certFile, keyFile)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener, certFile, keyFile string) error {
	httpServer := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	errs := make(chan error, 1)
	go func() {
		if certFile != "" {
			errs <- httpServer.ServeTLS(ln, certFile, keyFile)
		} else {
			errs <- httpServer.Serve(ln)
		}
	}()
	slog.Info("listening", "addr", ln.Addr().String(), "tls", certFile != "")
	s.events.Emit(transport.Event{Kind: transport.EventReady})

	select {
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.events.Emit(transport.Event{Kind: transport.EventErrored, Err: err})
			return fmt.Errorf("server listen failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.hub.CloseAll()
	err := httpServer.Shutdown(shutdownCtx)
	s.events.Emit(transport.Event{Kind: transport.EventClosed})
	return err
}

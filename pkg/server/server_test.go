package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/Tomato6966/remote-sqlite-database/pkg/journal"
	"github.com/Tomato6966/remote-sqlite-database/pkg/protocol"
	"github.com/Tomato6966/remote-sqlite-database/pkg/store"
	"github.com/Tomato6966/remote-sqlite-database/pkg/transport"
)

var testCreds = transport.Credentials{Identity: "admin", Secret: "s3cret"}

// orderRecorder notes sync frames as they arrive so a test can check they precede the response.
type orderRecorder struct {
	mu     sync.Mutex
	deltas []*protocol.Delta
}

func (o *orderRecorder) HandleRequest(context.Context, *transport.Session, *protocol.Request) *protocol.Response {
	return protocol.Failure(protocol.Errorf(protocol.KindUnknownAction, "client does not serve requests"))
}

func (o *orderRecorder) HandleSync(_ *transport.Session, d *protocol.Delta) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deltas = append(o.deltas, d)
}

func (o *orderRecorder) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.deltas)
}

func startServer(t *testing.T) (*Server, *httptest.Server, *journal.Journal) {
	t.Helper()
	j := journal.New()
	s := New(Options{
		Store:       store.New(),
		Journal:     j,
		Credentials: testCreds,
		Settings:    transport.DefaultSettings(),
		KeyPathing:  true,
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Hub().CloseAll()
		srv.Close()
	})
	return s, srv, j
}

func dial(t *testing.T, srv *httptest.Server, handler transport.Handler) *transport.Session {
	t.Helper()
	header, err := testCreds.Header(time.Now())
	assert.Equal(t, err, nil)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sync"
	session, err := transport.Dial(context.Background(), url, header, nil, handler, transport.DefaultSettings())
	assert.Equal(t, err, nil)
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBroadcastBeforeResponse(t *testing.T) {
	s, srv, j := startServer(t)
	a, b := &orderRecorder{}, &orderRecorder{}
	sa := dial(t, srv, a)
	_ = dial(t, srv, b)
	waitFor(t, func() bool { return s.Hub().Count() == 2 })

	req, _ := protocol.NewRequest(protocol.ActionSet, "user.score", 10, "", "")
	resp, err := sa.Request(context.Background(), req)
	assert.Equal(t, err, nil)
	assert.Equal(t, resp.Err(), nil)

	// the originator handled its delta before the response was delivered
	assert.Equal(t, a.count(), 1)
	assert.Equal(t, a.deltas[0].RootKey, "user")
	waitFor(t, func() bool { return b.count() == 1 })

	v, err := j.Value("user")
	assert.Equal(t, err, nil)
	assert.Equal(t, v, map[string]any{"score": float64(10)})
}

func TestRejectsBadCredentials(t *testing.T) {
	_, srv, _ := startServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sync"

	_, err := transport.Dial(context.Background(), url, nil, nil, &orderRecorder{}, transport.DefaultSettings())
	assert.Equal(t, errors.Is(err, protocol.ErrDisconnected), true)

	wrong := transport.Credentials{Identity: "admin", Secret: "nope"}
	header, _ := wrong.Header(time.Now())
	_, err = transport.Dial(context.Background(), url, header, nil, &orderRecorder{}, transport.DefaultSettings())
	assert.Equal(t, errors.Is(err, protocol.ErrDisconnected), true)
}

func TestHealthAndJournal(t *testing.T) {
	s, srv, _ := startServer(t)
	sa := dial(t, srv, &orderRecorder{})
	waitFor(t, func() bool { return s.Hub().Count() == 1 })
	req, _ := protocol.NewRequest(protocol.ActionSet, "greeting", "hello", "", "")
	_, err := sa.Request(context.Background(), req)
	assert.Equal(t, err, nil)

	resp, err := http.Get(srv.URL + "/healthz")
	assert.Equal(t, err, nil)
	defer resp.Body.Close()
	var health map[string]any
	assert.Equal(t, json.NewDecoder(resp.Body).Decode(&health), nil)
	assert.Equal(t, health["status"], "ok")
	assert.Equal(t, health["peers"], float64(1))
	assert.Equal(t, health["entries"], float64(1))

	resp, err = http.Get(srv.URL + "/journal")
	assert.Equal(t, err, nil)
	resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusUnauthorized)

	r, _ := http.NewRequest(http.MethodGet, srv.URL+"/journal", nil)
	header, _ := testCreds.Header(time.Now())
	r.Header = header
	resp, err = http.DefaultClient.Do(r)
	assert.Equal(t, err, nil)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	assert.Equal(t, err, nil)
	restored, err := journal.Load(raw)
	assert.Equal(t, err, nil)
	v, err := restored.Value("greeting")
	assert.Equal(t, err, nil)
	assert.Equal(t, v, "hello")
}

func TestPeerEvents(t *testing.T) {
	s, srv, _ := startServer(t)
	session := dial(t, srv, &orderRecorder{})

	ev := <-s.Events()
	assert.Equal(t, ev.Kind, transport.EventPeerConnected)
	_ = session.Close()
	ev = <-s.Events()
	assert.Equal(t, ev.Kind, transport.EventPeerDisconnected)
	waitFor(t, func() bool { return s.Hub().Count() == 0 })
}

package transport

import (
	"context"
	"crypto/tls"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/Tomato6966/remote-sqlite-database/pkg/protocol"
)

// Dial opens a websocket to url and starts a session on it. The handshake is bounded by ctx and the
// handshake timeout, the session itself outlives ctx.
func Dial(
	ctx context.Context,
	url string,
	header http.Header,
	tlsConfig *tls.Config,
	handler Handler,
	settings Settings,
) (*Session, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: settings.HandshakeTimeout,
		TLSClientConfig:  tlsConfig,
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, protocol.Errorf(protocol.KindDisconnected, "failed to dial %s: %s: %v", url, resp.Status, err)
		}
		return nil, protocol.Errorf(protocol.KindDisconnected, "failed to dial %s: %v", url, err)
	}
	s := NewSession(context.Background(), conn, handler, settings)
	s.Start()
	return s, nil
}

package substrate

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"
)

// Listener loops accepting sessions from one substrate binding and hands
// each to Accept's caller, mirroring the Rust original's
// Server::bind/get_request/accept_request split (spec §4.H — the server
// listener has no shared state beyond the accept loop and the
// certificate/key).
type Listener interface {
	// Accept blocks for the next session. identity is whatever
	// authenticate returned for the accepted request (nil if no
	// authenticate hook was given).
	Accept(ctx context.Context) (sess Session, identity any, err error)
	Close() error
}

// webTransportListener is the primary binding: a QUIC listener with a
// WebTransport server layered on top via http3, serving datagram-capable
// sessions at a single upgrade path.
type webTransportListener struct {
	server *webtransport.Server
	wt     *webtransport.Server
	ready  chan acceptResult
	path   string
}

type acceptResult struct {
	sess     *webtransport.Session
	identity any
	err      error
}

// NewWebTransportListener starts a QUIC+HTTP3 listener on addr and serves
// WebTransport upgrades at path. authenticate, if non-nil, is called with
// the upgrade request and must return an error to reject the session
// before any Connection is constructed (spec's session-token-on-upgrade
// supplement); its returned value is handed back from Accept alongside the
// Session so the caller can recover who just connected.
func NewWebTransportListener(addr, path string, tlsConfig *tls.Config, authenticate func(*http.Request) (any, error)) (Listener, error) {
	l := &webTransportListener{path: path, ready: make(chan acceptResult, 64)}

	wt := &webtransport.Server{
		H3: http3.Server{
			Addr:      addr,
			TLSConfig: tlsConfig,
		},
	}
	l.server = wt
	l.wt = wt

	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		var identity any
		if authenticate != nil {
			var err error
			identity, err = authenticate(r)
			if err != nil {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
		}
		sess, err := wt.Upgrade(w, r)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		l.ready <- acceptResult{sess: sess, identity: identity}
	})
	wt.H3.Handler = mux

	go func() {
		if err := wt.ListenAndServe(); err != nil {
			l.ready <- acceptResult{err: fmt.Errorf("webtransport listen: %w", err)}
		}
	}()

	return l, nil
}

func (l *webTransportListener) Accept(ctx context.Context) (Session, any, error) {
	select {
	case r := <-l.ready:
		if r.err != nil {
			return nil, nil, r.err
		}
		return NewWebTransportSession(r.sess), r.identity, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (l *webTransportListener) Close() error {
	return l.server.Close()
}

// webSocketListener is the degraded binding (spec §6, §9 ambiguity #1) for
// clients without datagram support.
type webSocketListener struct {
	httpSrv  *http.Server
	upgrader websocket.Upgrader
	ready    chan acceptResultWS
}

type acceptResultWS struct {
	sess     Session
	identity any
	err      error
}

// NewWebSocketListener starts an HTTPS server on addr and serves WebSocket
// upgrades at path, subject to the same authenticate hook as the
// WebTransport binding.
func NewWebSocketListener(addr, path string, tlsConfig *tls.Config, authenticate func(*http.Request) (any, error)) (Listener, error) {
	l := &webSocketListener{
		ready:    make(chan acceptResultWS, 64),
		upgrader: websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		var identity any
		if authenticate != nil {
			var err error
			identity, err = authenticate(r)
			if err != nil {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
		}
		conn, err := l.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		l.ready <- acceptResultWS{sess: NewWebSocketSession(conn), identity: identity}
	})

	l.httpSrv = &http.Server{Addr: addr, Handler: mux, TLSConfig: tlsConfig}
	go func() {
		if err := l.httpSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			l.ready <- acceptResultWS{err: fmt.Errorf("websocket listen: %w", err)}
		}
	}()

	return l, nil
}

func (l *webSocketListener) Accept(ctx context.Context) (Session, any, error) {
	select {
	case r := <-l.ready:
		if r.err != nil {
			return nil, nil, r.err
		}
		return r.sess, r.identity, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (l *webSocketListener) Close() error {
	return l.httpSrv.Close()
}

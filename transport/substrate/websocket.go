package substrate

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrUnreliableUnsupported is returned by the WebSocket binding's
// ReadDatagram/SendDatagram — it has no unreliable channel, so the
// connection runner must check Unreliable() before using them.
var ErrUnreliableUnsupported = errors.New("substrate: websocket binding carries no unreliable datagrams")

// webSocketSession adapts a *websocket.Conn to Session. It is the
// degraded binding (spec §6, §9 ambiguity #1) for platforms without
// datagram support: every message — whatever the caller intended as
// "ordered" or "unordered" — travels as one binary WebSocket message over
// the single reliable, ordered connection.
type webSocketSession struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	streams chan io.Reader
	closed  chan struct{}
	closeMu sync.Mutex
	once    sync.Once
}

// NewWebSocketSession wraps an already-upgraded WebSocket connection and
// starts its background read pump. Close the returned Session (or let the
// peer close the socket) to stop the pump.
func NewWebSocketSession(conn *websocket.Conn) Session {
	s := &webSocketSession{
		conn:    conn,
		streams: make(chan io.Reader, 64),
		closed:  make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *webSocketSession) pump() {
	defer s.markClosed()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case s.streams <- bytes.NewReader(data):
		case <-s.closed:
			return
		}
	}
}

func (s *webSocketSession) markClosed() {
	s.once.Do(func() { close(s.closed) })
}

func (s *webSocketSession) ReadDatagram(ctx context.Context) ([]byte, error) {
	return nil, ErrUnreliableUnsupported
}

func (s *webSocketSession) SendDatagram(data []byte) error {
	return ErrUnreliableUnsupported
}

// wsUniWriter buffers writes and flushes them as a single WebSocket binary
// message on Close, mirroring the semantics of a QUIC unidirectional
// stream (one logical message per opened stream).
type wsUniWriter struct {
	sess *webSocketSession
	buf  bytes.Buffer
}

func (w *wsUniWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *wsUniWriter) Close() error {
	w.sess.writeMu.Lock()
	defer w.sess.writeMu.Unlock()
	return w.sess.conn.WriteMessage(websocket.BinaryMessage, w.buf.Bytes())
}

func (s *webSocketSession) OpenUniStream(ctx context.Context) (io.WriteCloser, error) {
	select {
	case <-s.closed:
		return nil, net.ErrClosed
	default:
	}
	return &wsUniWriter{sess: s}, nil
}

func (s *webSocketSession) AcceptUniStream(ctx context.Context) (io.Reader, error) {
	select {
	case r := <-s.streams:
		return r, nil
	case <-s.closed:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *webSocketSession) Closed() <-chan struct{} {
	return s.closed
}

func (s *webSocketSession) Close(code uint32, reason string) error {
	s.markClosed()
	msg := websocket.FormatCloseMessage(int(code), reason)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.WriteMessage(websocket.CloseMessage, msg)
	return s.conn.Close()
}

func (s *webSocketSession) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *webSocketSession) Unreliable() bool { return false }

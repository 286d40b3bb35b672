package substrate

import (
	"context"
	"io"
	"net"

	"github.com/quic-go/webtransport-go"
)

// webTransportSession adapts a *webtransport.Session to Session. This is
// the primary binding (spec §6, §9 ambiguity #1): it carries real
// unreliable datagrams and reliable unidirectional streams over QUIC.
type webTransportSession struct {
	sess *webtransport.Session
}

// NewWebTransportSession wraps an already-accepted WebTransport session.
func NewWebTransportSession(sess *webtransport.Session) Session {
	return &webTransportSession{sess: sess}
}

func (w *webTransportSession) ReadDatagram(ctx context.Context) ([]byte, error) {
	return w.sess.ReceiveDatagram(ctx)
}

func (w *webTransportSession) SendDatagram(data []byte) error {
	return w.sess.SendDatagram(data)
}

func (w *webTransportSession) OpenUniStream(ctx context.Context) (io.WriteCloser, error) {
	return w.sess.OpenUniStreamSync(ctx)
}

func (w *webTransportSession) AcceptUniStream(ctx context.Context) (io.Reader, error) {
	stream, err := w.sess.AcceptUniStream(ctx)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (w *webTransportSession) Closed() <-chan struct{} {
	return w.sess.Context().Done()
}

func (w *webTransportSession) Close(code uint32, reason string) error {
	return w.sess.CloseWithError(webtransport.SessionErrorCode(code), reason)
}

func (w *webTransportSession) RemoteAddr() net.Addr {
	return w.sess.RemoteAddr()
}

func (w *webTransportSession) Unreliable() bool { return true }

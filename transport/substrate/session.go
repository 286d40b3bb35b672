// Package substrate adapts concrete network transports — QUIC+WebTransport
// datagram sessions and degraded WebSocket connections — to the single
// Session contract the connection runner consumes (spec §6).
package substrate

import (
	"context"
	"io"
	"net"
)

// Session is what the connection runner needs from an underlying network
// session: unreliable datagrams with a small MTU, unidirectional reliable
// byte streams, and a terminal close signal. Both the QUIC+WebTransport
// binding and the degraded WebSocket binding satisfy this contract.
type Session interface {
	// ReadDatagram blocks for the next inbound unreliable datagram.
	ReadDatagram(ctx context.Context) ([]byte, error)
	// SendDatagram sends an unreliable datagram best-effort.
	SendDatagram(data []byte) error

	// OpenUniStream opens a new reliable, ordered, unidirectional stream for
	// writing.
	OpenUniStream(ctx context.Context) (io.WriteCloser, error)
	// AcceptUniStream blocks for the next inbound reliable stream and
	// returns a reader over its full contents.
	AcceptUniStream(ctx context.Context) (io.Reader, error)

	// Closed is closed when the underlying session has terminated, whether
	// by peer action, error, or a local Close call.
	Closed() <-chan struct{}
	// Close tears down the session with a numeric code and a short
	// human-readable reason.
	Close(code uint32, reason string) error

	RemoteAddr() net.Addr

	// Unreliable reports whether this binding actually carries unreliable
	// datagrams. The WebSocket binding returns false: its ReadDatagram and
	// SendDatagram return ErrUnreliableUnsupported, and the connection
	// runner sends protocol packets over reliable streams instead,
	// forgoing FEC/NACK benefit (spec §6).
	Unreliable() bool
}

// MaxDatagramMTU is the MTU budget datagram-capable bindings should respect;
// see spec §6 — fragment payload ≤ 1000 B leaves headroom for the Rtp
// header plus substrate framing.
const MaxDatagramMTU = 1200

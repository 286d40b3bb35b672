// Package conn implements the connection runner that binds the packet
// codec, frame reassembler, loss estimator, FEC encoder, NACK controller
// and pacer into one cooperative per-session event loop (spec §4.G).
package conn

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"voxrelay/internal/metrics"
	"voxrelay/transport/fec"
	"voxrelay/transport/loss"
	"voxrelay/transport/nack"
	"voxrelay/transport/pacing"
	"voxrelay/transport/reassembly"
	"voxrelay/transport/substrate"
)

// ErrClosed is returned by Send* once the connection has been closed.
var ErrClosed = errors.New("conn: connection closed")

// Queue capacities per spec §5.
const (
	outboundQueueCapacity = 10204
	messageQueueCapacity  = 1000
	commandQueueCapacity  = 10
)

type sessionCommand struct {
	code   uint32
	reason string
}

// Connection is the application-facing handle to one live session. All
// its exported methods are safe for concurrent use; the runner goroutine
// owns every other piece of connection state exclusively (spec §5 — "no
// locks on that state").
type Connection struct {
	id string

	outgoingUnordered chan []byte
	outgoingOrdered   chan []byte
	messages          chan Message
	commands          chan sessionCommand

	closeOnce sync.Once
	closed    chan struct{}
}

// ID is an opaque identifier supplied by the caller (e.g. a UUID) for
// logging and fan-out bookkeeping; conn itself does not interpret it.
func (c *Connection) ID() string { return c.id }

// SendUnordered queues data to be fragmented, FEC-protected and paced out
// as unreliable Rtp datagrams. It blocks (subject to ctx) once the
// outbound queue is full, providing natural backpressure.
func (c *Connection) SendUnordered(ctx context.Context, data []byte) error {
	select {
	case c.outgoingUnordered <- data:
		return nil
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendOrdered queues data to be written to a fresh reliable unidirectional
// stream.
func (c *Connection) SendOrdered(ctx context.Context, data []byte) error {
	select {
	case c.outgoingOrdered <- data:
		return nil
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadMessage blocks for the next inbound application message.
func (c *Connection) ReadMessage(ctx context.Context) (Message, error) {
	select {
	case m, ok := <-c.messages:
		if !ok {
			return Message{}, ErrClosed
		}
		return m, nil
	case <-c.closed:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Close closes the outbound unordered queue. The runner still fragments
// the messages already in that queue into the pacer, then tears the
// substrate session down once the queue is empty; datagrams still waiting
// in the pacer are not sent.
func (c *Connection) Close() {
	c.closeOnce.Do(func() { close(c.outgoingUnordered) })
}

// Disconnect asks the runner to close the substrate session immediately
// with the given numeric code and short reason.
func (c *Connection) Disconnect(code uint32, reason string) {
	select {
	case c.commands <- sessionCommand{code: code, reason: reason}:
	case <-c.closed:
	default:
		// Command queue (capacity 10) is full; a close is already in flight.
	}
}

// Done is closed once the runner's event loop has exited.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// New starts a connection runner over session and returns its
// application-facing handle. id is an opaque caller-supplied identifier
// (e.g. a UUID) carried through logs only. reg may be nil to disable
// metrics instrumentation.
func New(ctx context.Context, id string, session substrate.Session, logger *zap.Logger, reg *metrics.Registry) *Connection {
	c := &Connection{
		id:                id,
		outgoingUnordered: make(chan []byte, outboundQueueCapacity),
		outgoingOrdered:   make(chan []byte, outboundQueueCapacity),
		messages:          make(chan Message, messageQueueCapacity),
		commands:          make(chan sessionCommand, commandQueueCapacity),
		closed:            make(chan struct{}),
	}

	r := &runner{
		id:           id,
		session:      session,
		handle:       c,
		logger:       logger,
		metrics:      reg,
		streams:      make(map[uint64]*reassembly.Frame),
		sendPackets:  make(map[uint64]cachedSend),
		receivedRtp:  make(map[uint64]cachedRecv),
		nackCtrl:     nack.NewController(),
		nackResponse: make(map[uint64]time.Time),
		sendPings:    make(map[uint64]pingRecord),
		lossEst:      loss.New(),
		fecEnc:       fec.New(),
		pacer:        pacing.New(),
		rto:          1000 * time.Millisecond,
		nowFunc:      time.Now,
	}

	if reg != nil {
		reg.ConnectionsActive.Inc()
		reg.ConnectionsTotal.Inc()
	}

	go r.run(ctx)
	return c
}

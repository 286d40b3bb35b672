// Package server implements the top-level accept loop that spawns one
// connection runner per accepted substrate session (spec §4.H).
package server

import (
	"context"

	"go.uber.org/zap"

	"voxrelay/internal/metrics"
	"voxrelay/transport/conn"
	"voxrelay/transport/substrate"
)

// Handler is invoked once per accepted connection, in its own goroutine,
// with the freshly-started Connection and whatever the Listener's
// authenticate hook resolved for it (nil if none was configured). It owns
// the connection's lifecycle: read its messages, send to it, and it exits
// when the connection's Done channel closes.
type Handler func(ctx context.Context, c *conn.Connection, identity any)

// Server loops accepting substrate sessions from a single Listener and
// spawns a connection runner for each. It carries no state beyond the
// accept loop itself (spec §4.H — "no per-server shared state except the
// accept loop and the certificate/key", the latter owned by the
// substrate.Listener).
type Server struct {
	listener substrate.Listener
	idGen    func() string
	logger   *zap.Logger
	handler  Handler
	metrics  *metrics.Registry
}

// New returns a Server that accepts from listener, generating a fresh
// connection identifier with idGen for each session (typically
// uuid.NewString), and dispatching each accepted Connection to handler.
// reg may be nil to disable metrics instrumentation.
func New(listener substrate.Listener, idGen func() string, logger *zap.Logger, handler Handler, reg *metrics.Registry) *Server {
	return &Server{listener: listener, idGen: idGen, logger: logger, handler: handler, metrics: reg}
}

// Run accepts sessions until ctx is canceled or the listener errors.
func (s *Server) Run(ctx context.Context) error {
	for {
		sess, identity, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("accept failed", zap.Error(err))
			return err
		}

		id := s.idGen()
		c := conn.New(ctx, id, sess, s.logger, s.metrics)
		go s.handler(ctx, c, identity)
	}
}

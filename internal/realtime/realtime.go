// Package realtime binds an accepted transport connection to the fan-out:
// it authenticates the upgrade request's session token, registers the
// resulting Subscriber, and pumps voice frames and fan-out events between
// the two for the life of the connection (spec §4.I's SubscriberHandler).
package realtime

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"voxrelay/internal/fanout"
	"voxrelay/store"
	"voxrelay/transport/conn"
)

// outboundQueueCapacity is this connection's share of fan-out delivery
// backpressure before an event is dropped for it specifically.
const outboundQueueCapacity = 10000

// Identity is what Authenticate resolves from an upgrade request and the
// Handler receives back via the substrate's identity hand-off.
type Identity struct {
	UserID       int64
	SessionToken string
	ChannelID    int64
}

// Authenticate validates the "token" and "channel" query parameters of an
// upgrade request against st, returning the resolved Identity. Failure
// closes the upgrade before any Connection is constructed.
func Authenticate(st *store.Store) func(*http.Request) (any, error) {
	return func(r *http.Request) (any, error) {
		token := r.URL.Query().Get("token")
		identity, err := st.ValidateSession(token)
		if err != nil {
			return nil, err
		}
		channelID, err := strconv.ParseInt(r.URL.Query().Get("channel"), 10, 64)
		if err != nil {
			return nil, err
		}
		return Identity{UserID: identity.ID, SessionToken: token, ChannelID: channelID}, nil
	}
}

// NewHandler returns a transport/server.Handler that registers each
// connection with fo as a Subscriber and relays voice frames both ways
// until the connection closes.
func NewHandler(fo *fanout.Fanout, logger *zap.Logger) func(ctx context.Context, c *conn.Connection, identity any) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, c *conn.Connection, identity any) {
		ident, ok := identity.(Identity)
		if !ok {
			c.Disconnect(4001, "unauthenticated")
			return
		}

		outbound := make(chan []byte, outboundQueueCapacity)
		subscriberID := uuid.NewString()
		sub := fanout.Subscriber{
			UserID:       ident.UserID,
			SessionID:    subscriberID,
			SessionToken: ident.SessionToken,
			Identifier:   subscriberID,
			Outbound:     outbound,
		}
		fo.Connect(sub, ident.ChannelID)
		defer fo.Disconnect(ident.UserID, ident.SessionToken)

		pumpCtx, cancelPump := context.WithCancel(ctx)
		defer cancelPump()
		go func() {
			for data := range outbound {
				if err := c.SendUnordered(pumpCtx, data); err != nil {
					return
				}
			}
		}()

		for {
			msg, err := c.ReadMessage(ctx)
			if err != nil {
				return
			}
			fo.Voice(ident.ChannelID, msg.Data, fanout.ChannelRights{ChannelID: ident.ChannelID, Min: 0})
		}
	}
}

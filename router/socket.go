package router

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"courier-service/socketio"

	"github.com/zishang520/socket.io/v2/socket"
	"go.uber.org/zap"
)

const socketTimeout = 5 * time.Second

func Socket(gateway *socketio.Gateway, log *zap.Logger) {
	log = log.Named("socket")

	gateway.Server().On("connection", func(clients ...interface{}) {
		client := clients[0].(*socket.Socket)

		conn, err := gateway.Connection(client)
		if err != nil {
			client.Disconnect(true)
			return
		}
		log.Debug("connected", zap.String("socket", conn.ID()), zap.String("subject", conn.Capability.SubjectID))

		client.On("subscribe", func(args ...interface{}) {
			var req socketio.ChannelRequest
			_ = decode(args, &req)
			ctx, cancel := context.WithTimeout(context.Background(), socketTimeout)
			defer cancel()
			conn.Subscribe(ctx, req.Channel)
		})

		client.On("unsubscribe", func(args ...interface{}) {
			var req socketio.ChannelRequest
			_ = decode(args, &req)
			conn.Unsubscribe(req.Channel)
		})

		presence := func(handle func(context.Context, socketio.PresenceRequest)) func(...interface{}) {
			return func(args ...interface{}) {
				var req socketio.PresenceRequest
				_ = decode(args, &req)
				ctx, cancel := context.WithTimeout(context.Background(), socketTimeout)
				defer cancel()
				handle(ctx, req)
			}
		}
		client.On("presence:enter", presence(conn.EnterPresence))
		client.On("presence:update", presence(conn.UpdatePresence))
		client.On("presence:leave", presence(conn.LeavePresence))
		client.On("presence:members", presence(conn.Members))

		client.On("disconnect", func(...interface{}) {
			ctx, cancel := context.WithTimeout(context.Background(), socketTimeout)
			defer cancel()
			conn.Disconnect(ctx)
			log.Debug("disconnected", zap.String("socket", conn.ID()))
		})
	})
}

// decode reads the first event argument into v. socket.io hands JSON
// payloads over as generic maps. A malformed payload leaves v zero, which
// the connection rejects as invalid.
func decode(args []interface{}, v any) error {
	if len(args) == 0 {
		return errors.New("missing payload")
	}
	raw, err := json.Marshal(args[0])
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

package socketio

import (
	"errors"
	"time"

	"courier-service/broker"
	"courier-service/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"go.uber.org/zap"

	"github.com/zishang520/engine.io/v2/log"
	"github.com/zishang520/socket.io/v2/socket"
)

// Gateway is the socket.io edge. Browsers authenticate with a capability
// token and attach to broker channels through it.
type Gateway struct {
	server *socket.Server
	broker broker.Broker
	relay  *relay
	log    *zap.Logger
}

func newGateway(b broker.Broker, forward func(string, broker.Event), logger *zap.Logger) *Gateway {
	g := &Gateway{broker: b, log: logger.Named("socketio")}
	g.relay = newRelay(b, forward, g.log)
	return g
}

func Init(app *fiber.App, b broker.Broker, authorizer *utils.Authorizer, debug bool, logger *zap.Logger) *Gateway {
	log.DEBUG = debug

	options := socket.DefaultServerOptions()
	options.SetServeClient(true)
	options.SetAllowEIO3(true)
	options.SetPingInterval(25 * time.Second)
	options.SetPingTimeout(20 * time.Second)
	options.SetMaxHttpBufferSize(1000000)
	options.SetConnectTimeout(45 * time.Second)

	server := socket.NewServer(nil, nil)

	g := newGateway(b, func(channel string, event broker.Event) {
		server.To(socket.Room(channel)).Emit(event.Name, event)
	}, logger)
	g.server = server

	server.Use(func(client *socket.Socket, next func(*socket.ExtendedError)) {
		token, _ := client.Conn().Request().Query().Get("token")

		capability, err := authorizer.Verify(token)
		if err != nil {
			next(socket.NewExtendedError("unauthenticated", map[string]any{"code": "unauthenticated"}))
			return
		}

		client.SetData(g.newConnection(
			string(client.Id()),
			capability,
			func(room string) { client.Join(socket.Room(room)) },
			func(room string) { client.Leave(socket.Room(room)) },
			func(event string, payload any) { client.Emit(event, payload) },
		))
		next(nil)
	})

	app.Get("/socket.io/", adaptor.HTTPHandler(server.ServeHandler(options)))
	app.Post("/socket.io/", adaptor.HTTPHandler(server.ServeHandler(options)))

	return g
}

func (g *Gateway) Server() *socket.Server { return g.server }

// Connection returns the state attached to client by the handshake.
func (g *Gateway) Connection(client *socket.Socket) (*Connection, error) {
	c, ok := client.Data().(*Connection)
	if !ok || c == nil {
		return nil, errors.New("socket without connection state")
	}
	return c, nil
}

// Emit sends to every socket of room on this node.
func (g *Gateway) Emit(room, event string, message any) {
	g.server.To(socket.Room(room)).Emit(event, message)
}

func (g *Gateway) Close() {
	g.relay.close()
	if g.server != nil {
		g.server.Close(nil)
	}
}

package socketio

import (
	"context"
	"errors"
	"sync"

	"courier-service/apperror"
	"courier-service/broker"
	"courier-service/utils"

	"go.uber.org/zap"
)

// Socket error codes sent with the "error" event.
const (
	CodeForbidden   = "forbidden"
	CodeInvalid     = "invalid"
	CodeUnavailable = "unavailable"
	CodeInternal    = "internal"
)

type SocketError struct {
	Code    string `json:"code"`
	Event   string `json:"event"`
	Channel string `json:"channel,omitempty"`
}

type ChannelRequest struct {
	Channel string `json:"channel"`
}

type PresenceRequest struct {
	ConversationID string `json:"conversationId"`
	Typing         bool   `json:"typing"`
}

type PresenceMembers struct {
	ConversationID string          `json:"conversationId"`
	Members        []broker.Member `json:"members"`
}

// Connection is the per-socket state: the verified capability, the
// channels joined and the presence entries to withdraw on disconnect.
// Every request is checked against the capability's grants.
type Connection struct {
	Capability utils.CapabilityToken

	id      string
	gateway *Gateway
	join    func(room string)
	leave   func(room string)
	emit    func(event string, payload any)

	mu       sync.Mutex
	channels map[string]struct{}
	presence map[string]broker.Member
}

func (g *Gateway) newConnection(id string, capability utils.CapabilityToken, join, leave func(string), emit func(string, any)) *Connection {
	return &Connection{
		Capability: capability,
		id:         id,
		gateway:    g,
		join:       join,
		leave:      leave,
		emit:       emit,
		channels:   make(map[string]struct{}),
		presence:   make(map[string]broker.Member),
	}
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) fail(event, channel string, err error) {
	code := CodeInternal
	switch {
	case errors.Is(err, apperror.ErrForbidden):
		code = CodeForbidden
	case errors.Is(err, apperror.ErrInvalidInput):
		code = CodeInvalid
	case errors.Is(err, apperror.ErrBrokerUnavailable):
		code = CodeUnavailable
	default:
		c.gateway.log.Warn("socket event failed",
			zap.String("event", event), zap.String("channel", channel), zap.Error(err))
	}
	c.emit("error", SocketError{Code: code, Event: event, Channel: channel})
}

// Subscribe joins channel's room, attaching the node to the channel on
// first use.
func (c *Connection) Subscribe(ctx context.Context, channel string) {
	if channel == "" {
		c.fail("subscribe", channel, apperror.ErrInvalidInput)
		return
	}
	if !c.Capability.Allows(channel, utils.OpSubscribe) {
		c.fail("subscribe", channel, apperror.ErrForbidden)
		return
	}
	if c.track(channel) {
		if err := c.gateway.relay.acquire(ctx, channel); err != nil {
			c.untrack(channel)
			c.fail("subscribe", channel, err)
			return
		}
		c.join(channel)
	}
	c.emit("subscribed", ChannelRequest{Channel: channel})
}

func (c *Connection) Unsubscribe(channel string) {
	if channel == "" {
		c.fail("unsubscribe", channel, apperror.ErrInvalidInput)
		return
	}
	if c.untrack(channel) {
		c.leave(channel)
		c.gateway.relay.release(channel)
	}
	c.emit("unsubscribed", ChannelRequest{Channel: channel})
}

func (c *Connection) presenceChannel(event string, req PresenceRequest) (string, bool) {
	if req.ConversationID == "" {
		c.fail(event, "", apperror.ErrInvalidInput)
		return "", false
	}
	channel := broker.PresenceChannel(req.ConversationID)
	if !c.Capability.Allows(channel, utils.OpPresence) {
		c.fail(event, channel, apperror.ErrForbidden)
		return "", false
	}
	return channel, true
}

func (c *Connection) member(typing bool) broker.Member {
	return broker.Member{UserID: c.Capability.SubjectID, ConnectionID: c.id, Typing: typing}
}

func (c *Connection) EnterPresence(ctx context.Context, req PresenceRequest) {
	channel, ok := c.presenceChannel("presence:enter", req)
	if !ok {
		return
	}
	m := c.member(req.Typing)
	if err := c.gateway.broker.Enter(ctx, channel, m); err != nil {
		c.fail("presence:enter", channel, err)
		return
	}
	c.mu.Lock()
	c.presence[channel] = m
	c.mu.Unlock()
}

func (c *Connection) UpdatePresence(ctx context.Context, req PresenceRequest) {
	channel, ok := c.presenceChannel("presence:update", req)
	if !ok {
		return
	}
	c.mu.Lock()
	_, entered := c.presence[channel]
	c.mu.Unlock()
	if !entered {
		c.fail("presence:update", channel, apperror.ErrInvalidInput)
		return
	}
	m := c.member(req.Typing)
	if err := c.gateway.broker.Update(ctx, channel, m); err != nil {
		c.fail("presence:update", channel, err)
		return
	}
	c.mu.Lock()
	c.presence[channel] = m
	c.mu.Unlock()
}

func (c *Connection) LeavePresence(ctx context.Context, req PresenceRequest) {
	channel, ok := c.presenceChannel("presence:leave", req)
	if !ok {
		return
	}
	c.mu.Lock()
	m, entered := c.presence[channel]
	delete(c.presence, channel)
	c.mu.Unlock()
	if !entered {
		return
	}
	if err := c.gateway.broker.Leave(ctx, channel, m); err != nil {
		c.fail("presence:leave", channel, err)
	}
}

// Members answers with a fresh read of the presence set.
func (c *Connection) Members(ctx context.Context, req PresenceRequest) {
	if req.ConversationID == "" {
		c.fail("presence:members", "", apperror.ErrInvalidInput)
		return
	}
	channel := broker.PresenceChannel(req.ConversationID)
	if !c.Capability.Allows(channel, utils.OpSubscribe) {
		c.fail("presence:members", channel, apperror.ErrForbidden)
		return
	}
	members, err := c.gateway.broker.Members(ctx, channel)
	if err != nil {
		c.fail("presence:members", channel, err)
		return
	}
	c.emit("presence:members", PresenceMembers{ConversationID: req.ConversationID, Members: members})
}

// Disconnect withdraws the connection's presence and channel attachments.
func (c *Connection) Disconnect(ctx context.Context) {
	c.mu.Lock()
	presence, channels := c.presence, c.channels
	c.presence = make(map[string]broker.Member)
	c.channels = make(map[string]struct{})
	c.mu.Unlock()

	for channel, m := range presence {
		if err := c.gateway.broker.Leave(ctx, channel, m); err != nil {
			c.gateway.log.Warn("presence leave on disconnect failed", zap.String("channel", channel), zap.Error(err))
		}
	}
	for channel := range channels {
		c.gateway.relay.release(channel)
	}
}

// track reports whether channel was newly joined.
func (c *Connection) track(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.channels[channel]; ok {
		return false
	}
	c.channels[channel] = struct{}{}
	return true
}

func (c *Connection) untrack(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.channels[channel]; !ok {
		return false
	}
	delete(c.channels, channel)
	return true
}
